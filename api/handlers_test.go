/*
handlers_test.go - HTTP tests for the warehouse API

Tests for:
- Running batches from JSON records and CSV rows
- Point-in-time dimension lookups and history
- Fact listing and late-fee quotes
- Sink outbox listing and redrive
- Error status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/warehouse-engine/insurance"
	"github.com/warp/warehouse-engine/logger"
	"github.com/warp/warehouse-engine/retry"
	"github.com/warp/warehouse-engine/store/sqlite"
	"github.com/warp/warehouse-engine/warehouse"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	handler *Handler
	router  http.Handler
	store   *sqlite.Store
}

func newTestServer(t *testing.T, opts ...warehouse.CoordinatorOption) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2022, 3, 1, 9, 0, 0, 0, time.UTC))
	log := logger.Discard()
	fees := warehouse.NewLateFeeCalculator(insurance.DefaultLateFeeSchedule(), clock)
	coord := warehouse.NewCoordinator(store, insurance.NewCatalog(), fees,
		append([]warehouse.CoordinatorOption{
			warehouse.WithClock(clock),
			warehouse.WithLogger(log),
			warehouse.WithWorkers(2),
		}, opts...)...,
	)

	h := NewHandler(coord, log)
	h.now = clock.Now
	return &testServer{handler: h, router: NewRouter(h), store: store}
}

func (s *testServer) do(t *testing.T, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) postJSON(t *testing.T, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return s.do(t, http.MethodPost, path, "application/json", body)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func customerDTO(key, effective, marital string) RecordDTO {
	return RecordDTO{
		Kind:          "dimension",
		Subject:       "customer",
		NaturalKey:    key,
		EffectiveDate: effective,
		Fields: map[string]any{
			"customer_name":  "Customer " + key,
			"marital_status": marital,
		},
	}
}

// =============================================================================
// BATCHES AND DIMENSIONS
// =============================================================================

func TestRunBatch_MaritalStatusHistory(t *testing.T) {
	// GIVEN: C1 Single from 2020-01-01 and Married from 2021-06-15
	s := newTestServer(t)
	rec := s.postJSON(t, "/api/batches", RunBatchRequest{
		ID: "b1",
		Records: []RecordDTO{
			customerDTO("C1", "2020-01-01", "Single"),
			customerDTO("C1", "2021-06-15", "Married"),
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[BatchResponse](t, rec)
	assert.Equal(t, "completed", resp.Run.Status)
	assert.Equal(t, 1, resp.Run.Counts.Inserted)
	assert.Equal(t, 1, resp.Run.Counts.Superseded)
	assert.Empty(t, resp.Rejections)

	// WHEN: querying as of 2020-12-01 and 2022-01-01
	before := decode[VersionDTO](t, s.do(t, http.MethodGet, "/api/dimensions/customer/C1?as_of=2020-12-01", "", nil))
	after := decode[VersionDTO](t, s.do(t, http.MethodGet, "/api/dimensions/customer/C1?as_of=2022-01-01", "", nil))

	// THEN: Single then Married, and the Single version closes on 2021-06-15
	assert.Equal(t, "Single", before.Attributes["marital_status"])
	require.NotNil(t, before.ValidTo)
	assert.Equal(t, "2021-06-15", *before.ValidTo)
	assert.Equal(t, "Married", after.Attributes["marital_status"])
	assert.True(t, after.IsCurrent)

	history := decode[struct {
		Versions []VersionDTO `json:"versions"`
	}](t, s.do(t, http.MethodGet, "/api/dimensions/customer/C1/history", "", nil))
	require.Len(t, history.Versions, 2)
	assert.Equal(t, "2020-01-01", history.Versions[0].ValidFrom)
}

func TestGetDimension_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/dimensions/customer/NOPE", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/dimensions/spaceship/X", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/dimensions/customer/C1?as_of=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunBatch_RejectsOutOfOrderButCompletes(t *testing.T) {
	// GIVEN: C1 open from 2021-01-01
	s := newTestServer(t)
	rec := s.postJSON(t, "/api/batches", RunBatchRequest{Records: []RecordDTO{customerDTO("C1", "2021-01-01", "Married")}})
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: an older, different state arrives with an unrelated new key
	rec = s.postJSON(t, "/api/batches", RunBatchRequest{Records: []RecordDTO{
		customerDTO("C1", "2020-06-01", "Single"),
		customerDTO("C2", "2020-06-01", "Single"),
	}})

	// THEN: the batch completes, C1 is rejected and C2 inserted
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[BatchResponse](t, rec)
	require.Len(t, resp.Rejections, 1)
	assert.Equal(t, "C1", resp.Rejections[0].NaturalKey)
	assert.Equal(t, warehouse.RuleEffectiveDateOrder, resp.Rejections[0].Rule)
	assert.Equal(t, "2020-06-01", resp.Rejections[0].EffectiveDate)
	assert.Equal(t, 1, resp.Run.Counts.Inserted)
}

func TestRunBatch_InvalidInput(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"malformed", `{"records": [`},
		{"unknown field", `{"recordz": []}`},
		{"bad kind", `{"records":[{"kind":"other","subject":"customer","natural_key":"C1","effective_date":"2020-01-01"}]}`},
		{"bad date", `{"records":[{"kind":"dimension","subject":"customer","natural_key":"C1","effective_date":"01.01.2020"}]}`},
		{"bad as_of", `{"as_of":"soon"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/batches", "application/json", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestRunBatch_CSVRows(t *testing.T) {
	// GIVEN: a raw export with one late payment and one unusable row
	s := newTestServer(t)
	csv := strings.Join([]string{
		"Customer ID,Customer First Name,Customer Last Name,Maritial Status,Policy ID,Policy Type,Total Policy Amt,Premium Amt,Next Premium Dt,Actual Premium Paid Dt,Effective Start Dt",
		"C7,ann,lee,Single,P7,Home,\"$1,200\",$200,2020-01-01,2020-04-10,2019-12-01",
		",nobody,,Single,P8,Auto,$10,$1,2020-01-01,,2019-12-01",
	}, "\n")

	// WHEN: posting it as text/csv
	rec := s.do(t, http.MethodPost, "/api/batches?as_of=2020-05-01&id=csv-1", "text/csv", []byte(csv))

	// THEN: customer and policy are inserted, one fact carries the late fee
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[BatchResponse](t, rec)
	assert.Equal(t, "csv-1", resp.Run.ID)
	assert.Equal(t, 2, resp.Run.Counts.Inserted)
	require.Len(t, resp.Facts, 1)
	fee := resp.Facts[0].Measures[warehouse.MeasureLateFee]
	assert.True(t, fee.Equal(decimal.NewFromInt(3)), "3 months at 1.5%% of 200, got %s", fee)
	require.Len(t, resp.RowErrors, 1)
	assert.Equal(t, 1, resp.RowErrors[0].Row)

	got := decode[VersionDTO](t, s.do(t, http.MethodGet, "/api/dimensions/customer/C7", "", nil))
	assert.Equal(t, "Ann Lee", got.Attributes["customer_name"])
}

func TestListAndGetBatches(t *testing.T) {
	s := newTestServer(t)
	rec := s.postJSON(t, "/api/batches", RunBatchRequest{ID: "b-1", Records: []RecordDTO{customerDTO("C1", "2020-01-01", "Single")}})
	require.Equal(t, http.StatusOK, rec.Code)

	list := decode[struct {
		Runs []BatchRunDTO `json:"runs"`
	}](t, s.do(t, http.MethodGet, "/api/batches", "", nil))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "b-1", list.Runs[0].ID)
	assert.Equal(t, "completed", list.Runs[0].Status)

	run := decode[BatchRunDTO](t, s.do(t, http.MethodGet, "/api/batches/b-1", "", nil))
	assert.Equal(t, 1, run.Counts.Records)
	assert.NotEmpty(t, run.Fingerprint)

	rec = s.do(t, http.MethodGet, "/api/batches/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// switchSink refuses every write while down.
type switchSink struct {
	down    bool
	batches []warehouse.BatchID
}

func (s *switchSink) Write(_ context.Context, batch warehouse.BatchID, _ []warehouse.VersionEvent, _ []warehouse.FactRecord) error {
	if s.down {
		return errors.New("permission denied for schema warehouse")
	}
	s.batches = append(s.batches, batch)
	return nil
}

func TestSink_PendingAndRedrive(t *testing.T) {
	sink := &switchSink{down: true}
	s := newTestServer(t, warehouse.WithSink(sink, retry.Config{MaxAttempts: 1}))

	// GIVEN a batch whose stream the sink refused
	rec := s.postJSON(t, "/api/batches", RunBatchRequest{ID: "b-1", Records: []RecordDTO{customerDTO("C1", "2020-01-01", "Single")}})
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())

	pending := decode[[]PendingSinkDTO](t, s.do(t, http.MethodGet, "/api/sink/pending", "", nil))
	require.Len(t, pending, 1)
	assert.Equal(t, "b-1", pending[0].BatchID)
	assert.Equal(t, 1, pending[0].Events)
	assert.Equal(t, 1, pending[0].Attempts)

	rec = s.do(t, http.MethodPost, "/api/sink/redrive", "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// WHEN the sink is back and the outbox is redriven
	sink.down = false
	out := decode[RedriveResponse](t, s.do(t, http.MethodPost, "/api/sink/redrive", "", nil))

	// THEN the stream is delivered and the outbox is empty
	assert.Equal(t, []string{"b-1"}, out.Redriven)
	assert.Equal(t, []warehouse.BatchID{"b-1"}, sink.batches)
	pending = decode[[]PendingSinkDTO](t, s.do(t, http.MethodGet, "/api/sink/pending", "", nil))
	assert.Empty(t, pending)
}

// =============================================================================
// FACTS AND LATE FEES
// =============================================================================

func TestScenario_LatePremiumAndFacts(t *testing.T) {
	s := newTestServer(t)

	rec := s.postJSON(t, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "late-premium"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	facts := decode[struct {
		Facts []FactDTO `json:"facts"`
	}](t, s.do(t, http.MethodGet, "/api/facts?table=policy_txn", "", nil))
	require.Len(t, facts.Facts, 1)
	f := facts.Facts[0]
	assert.Equal(t, "2020-04-10", f.EventDate)
	assert.Equal(t, "P2", f.NaturalKeys["policy"])
	assert.True(t, f.Measures[warehouse.MeasureLateFee].Equal(decimal.NewFromInt(15)))
	assert.True(t, f.Measures[warehouse.MeasureTotalDue].Equal(decimal.NewFromInt(1015)))

	// Replaying the scenario adds nothing.
	rec = s.postJSON(t, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "late-premium"})
	require.Equal(t, http.StatusOK, rec.Code)
	facts = decode[struct {
		Facts []FactDTO `json:"facts"`
	}](t, s.do(t, http.MethodGet, "/api/facts?table=policy_txn", "", nil))
	assert.Len(t, facts.Facts, 1)
}

func TestScenarios_ListAndLoadAll(t *testing.T) {
	s := newTestServer(t)

	list := decode[[]ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios", "", nil))
	assert.Len(t, list, len(scenarios))

	for _, sc := range list {
		rec := s.postJSON(t, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: sc.ID})
		assert.Equal(t, http.StatusOK, rec.Code, "%s: %s", sc.ID, rec.Body.String())
	}

	rec := s.postJSON(t, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenario_DanglingReferenceIsRejected(t *testing.T) {
	s := newTestServer(t)

	rec := s.postJSON(t, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "dangling-reference"})
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Batches []BatchResponse `json:"batches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Batches, 1)
	require.Len(t, out.Batches[0].Rejections, 1)
	assert.Equal(t, warehouse.RuleReferenceAsOf, out.Batches[0].Rejections[0].Rule)
	assert.Empty(t, out.Batches[0].Facts)
}

func TestQuoteLateFee(t *testing.T) {
	s := newTestServer(t)

	rec := s.postJSON(t, "/api/late-fees/quote", map[string]any{
		"expected_date":  "2020-01-01",
		"actual_date":    "2020-04-10",
		"premium_amount": "1000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	q := decode[warehouse.LateFeeQuote](t, rec)
	assert.Equal(t, 3, q.MonthsLate)
	assert.True(t, q.LateFee.Equal(decimal.NewFromInt(15)))
	assert.True(t, q.Paid)

	// Unpaid, priced as of an explicit date
	rec = s.postJSON(t, "/api/late-fees/quote", map[string]any{
		"expected_date":  "2020-01-01",
		"premium_amount": "1000",
		"as_of":          "2020-02-15",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	q = decode[warehouse.LateFeeQuote](t, rec)
	assert.Equal(t, 1, q.MonthsLate)
	assert.False(t, q.Paid)

	rec = s.postJSON(t, "/api/late-fees/quote", map[string]any{"expected_date": "x", "premium_amount": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLateFeeSchedule(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/late-fees/schedule", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Rules []json.RawMessage `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Rules, insurance.LateFeeCapMonths+1)
}

// =============================================================================
// HEALTH, METRICS, STATUS MAPPING
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "", nil).Code)

	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&warehouse.RuleGapError{FromMonths: 3}, http.StatusUnprocessableEntity},
		{warehouse.ErrBatchNotFound, http.StatusNotFound},
		{&warehouse.ConcurrentSupersessionConflictError{Attempts: 3, Err: warehouse.ErrConcurrentSupersession}, http.StatusConflict},
		{&warehouse.OutOfOrderEffectiveDateError{}, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}
