/*
handlers.go - HTTP API handlers for the warehouse engine

PURPOSE:
  Exposes the batch coordinator and the warehouse read paths via REST.
  Handles HTTP request/response and JSON serialization, and delegates to
  the warehouse package.

ENDPOINTS:
  Batches:
    POST   /api/batches                           Run a batch (JSON or text/csv)
    GET    /api/batches                           List batch runs, newest first
    GET    /api/batches/{id}                      Get one batch run

  Dimensions:
    GET    /api/dimensions/{kind}/{key}?as_of=    Version in effect on a date
    GET    /api/dimensions/{kind}/{key}/history   Full version chain

  Facts:
    GET    /api/facts?table=&natural_key=&from=&to=&limit=

  Late fees:
    GET    /api/late-fees/schedule                Active schedule
    POST   /api/late-fees/quote                   Price one payment

  Sink:
    GET    /api/sink/pending                      Streams the sink has not accepted
    POST   /api/sink/redrive                      Send pending streams, oldest first

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input, unknown subject
  - 404: Batch or version not found
  - 409: Supersession conflict, duplicate idempotency key
  - 422: Batch configuration error (rule gap, ambiguous rule, schema)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/warehouse-engine/factory"
	"github.com/warp/warehouse-engine/insurance"
	"github.com/warp/warehouse-engine/warehouse"
)

const maxBodyBytes = 32 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *warehouse.Coordinator
	Factory     *factory.Factory
	Log         *slog.Logger

	now func() time.Time
}

func NewHandler(c *warehouse.Coordinator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Coordinator: c,
		Factory:     factory.New(),
		Log:         log,
		now:         time.Now,
	}
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// RunBatch runs one batch synchronously.
// POST /api/batches
//
// A text/csv body is read as raw insurance rows; ?as_of= and ?id= apply.
func (h *Handler) RunBatch(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req RunBatchRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "text/csv" {
		rows, err := insurance.ReadCSV(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid CSV", err)
			return
		}
		req = RunBatchRequest{ID: r.URL.Query().Get("id"), AsOf: r.URL.Query().Get("as_of"), Rows: rows}
	} else if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	batch, rowErrors, err := h.buildBatch(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch", err)
		return
	}

	res, err := h.Coordinator.Run(r.Context(), batch)
	if err != nil {
		status := statusFor(err)
		h.Log.Warn("batch failed", "batch_id", batch.ID, "status", status, "error", err)
		if res != nil {
			resp := toBatchResponse(res)
			resp.RowErrors = rowErrors
			writeJSON(w, status, map[string]any{"error": err.Error(), "batch": resp})
			return
		}
		writeError(w, status, "Batch failed", err)
		return
	}

	resp := toBatchResponse(res)
	resp.RowErrors = rowErrors
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) buildBatch(req RunBatchRequest) (warehouse.Batch, []RowErrorDTO, error) {
	batch := warehouse.Batch{ID: warehouse.BatchID(req.ID)}
	if req.AsOf != "" {
		d, err := warehouse.ParseDate(req.AsOf)
		if err != nil {
			return warehouse.Batch{}, nil, fmt.Errorf("as_of: %w", err)
		}
		batch.AsOf = d
	}

	for i, dto := range req.Records {
		rec, err := recordFromDTO(dto)
		if err != nil {
			return warehouse.Batch{}, nil, fmt.Errorf("record %d: %w", i, err)
		}
		batch.Records = append(batch.Records, rec)
	}

	var rowErrors []RowErrorDTO
	if len(req.Rows) > 0 {
		fallback := batch.AsOf
		if fallback.IsZero() {
			fallback = warehouse.DateOf(h.now())
		}
		recs, failed := insurance.StandardizeAll(req.Rows, fallback)
		batch.Records = append(batch.Records, recs...)
		for i := range req.Rows {
			if err, ok := failed[i]; ok {
				rowErrors = append(rowErrors, RowErrorDTO{Row: i, Error: err.Error()})
			}
		}
	}
	return batch, rowErrors, nil
}

func recordFromDTO(dto RecordDTO) (warehouse.Record, error) {
	rec := warehouse.Record{
		Kind:       warehouse.RecordKind(dto.Kind),
		Subject:    dto.Subject,
		NaturalKey: warehouse.NaturalKey(dto.NaturalKey),
		Fields:     warehouse.Fields(dto.Fields),
	}
	switch rec.Kind {
	case warehouse.RecordDimension, warehouse.RecordTransaction:
	default:
		return warehouse.Record{}, fmt.Errorf("kind must be %q or %q, got %q", warehouse.RecordDimension, warehouse.RecordTransaction, dto.Kind)
	}
	if dto.EffectiveDate != "" {
		d, err := warehouse.ParseDate(dto.EffectiveDate)
		if err != nil {
			return warehouse.Record{}, fmt.Errorf("effective_date: %w", err)
		}
		rec.EffectiveDate = d
	}
	if len(dto.References) > 0 {
		rec.References = make(map[warehouse.DimensionKind]warehouse.NaturalKey, len(dto.References))
		for k, v := range dto.References {
			rec.References[warehouse.DimensionKind(k)] = warehouse.NaturalKey(v)
		}
	}
	return rec, nil
}

// ListBatches returns batch run history.
// GET /api/batches?limit=
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	runs := h.Coordinator.BatchLog()
	if runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []BatchRunDTO{}})
		return
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	list, err := runs.ListBatchRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list batch runs", err)
		return
	}
	dtos := make([]BatchRunDTO, 0, len(list))
	for _, run := range list {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// GetBatch returns one batch run.
// GET /api/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	runs := h.Coordinator.BatchLog()
	if runs == nil {
		writeError(w, http.StatusNotFound, "Batch not found", warehouse.ErrBatchNotFound)
		return
	}
	run, err := runs.GetBatchRun(r.Context(), warehouse.BatchID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, statusFor(err), "Failed to get batch run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(*run))
}

// =============================================================================
// SINK HANDLERS
// =============================================================================

// ListPendingSinks returns batch streams waiting for the warehouse sink.
// GET /api/sink/pending
func (h *Handler) ListPendingSinks(w http.ResponseWriter, r *http.Request) {
	out := []PendingSinkDTO{}
	if outbox := h.Coordinator.SinkOutbox(); outbox != nil {
		pending, err := outbox.PendingSinks(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list pending sink streams", err)
			return
		}
		for _, p := range pending {
			out = append(out, toPendingSinkDTO(p))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// RedriveSink sends pending streams to the sink.
// POST /api/sink/redrive
func (h *Handler) RedriveSink(w http.ResponseWriter, r *http.Request) {
	sent, err := h.Coordinator.Redrive(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "Sink refused a pending stream", err)
		return
	}
	writeJSON(w, http.StatusOK, RedriveResponse{Redriven: batchIDs(sent)})
}

// =============================================================================
// DIMENSION HANDLERS
// =============================================================================

// GetDimension returns the version in effect on as_of, or the current one.
// GET /api/dimensions/{kind}/{key}?as_of=YYYY-MM-DD
func (h *Handler) GetDimension(w http.ResponseWriter, r *http.Request) {
	key, ok := h.entityKey(w, r)
	if !ok {
		return
	}

	var asOf *warehouse.Date
	if s := r.URL.Query().Get("as_of"); s != "" {
		d, err := warehouse.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of", err)
			return
		}
		asOf = &d
	}

	v, found, err := h.Coordinator.Resolver().Resolve(r.Context(), key, asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve version", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "No version in effect", fmt.Errorf("%w: %s", warehouse.ErrVersionNotFound, key))
		return
	}
	writeJSON(w, http.StatusOK, toVersionDTO(v))
}

// GetDimensionHistory returns every version of a natural key, oldest first.
// GET /api/dimensions/{kind}/{key}/history
func (h *Handler) GetDimensionHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := h.entityKey(w, r)
	if !ok {
		return
	}
	history, err := h.Coordinator.Store().History(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load history", err)
		return
	}
	if len(history) == 0 {
		writeError(w, http.StatusNotFound, "Unknown natural key", fmt.Errorf("%w: %s", warehouse.ErrVersionNotFound, key))
		return
	}
	dtos := make([]VersionDTO, 0, len(history))
	for _, v := range history {
		dtos = append(dtos, toVersionDTO(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": dtos})
}

func (h *Handler) entityKey(w http.ResponseWriter, r *http.Request) (warehouse.EntityKey, bool) {
	kind := warehouse.DimensionKind(chi.URLParam(r, "kind"))
	if _, ok := h.Coordinator.Catalog().Dimension(kind); !ok {
		writeError(w, http.StatusNotFound, "Unknown dimension", fmt.Errorf("%w: dimension %q", warehouse.ErrUnknownSubject, kind))
		return warehouse.EntityKey{}, false
	}
	return warehouse.EntityKey{Kind: kind, NaturalKey: warehouse.NaturalKey(chi.URLParam(r, "key"))}, true
}

// =============================================================================
// FACT HANDLERS
// =============================================================================

// ListFacts returns fact rows ordered by event date.
// GET /api/facts?table=&natural_key=&from=&to=&limit=
func (h *Handler) ListFacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := warehouse.FactFilter{
		Table:      warehouse.FactTable(q.Get("table")),
		NaturalKey: warehouse.NaturalKey(q.Get("natural_key")),
	}
	for name, dst := range map[string]**warehouse.Date{"from": &filter.From, "to": &filter.To} {
		if s := q.Get(name); s != "" {
			d, err := warehouse.ParseDate(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+name, err)
				return
			}
			*dst = &d
		}
	}
	limit, err := intParam(r, "limit", 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	filter.Limit = limit

	facts, err := h.Coordinator.Store().Facts(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list facts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"facts": toFactDTOs(facts)})
}

// =============================================================================
// LATE-FEE HANDLERS
// =============================================================================

// GetLateFeeSchedule returns the active schedule.
// GET /api/late-fees/schedule
func (h *Handler) GetLateFeeSchedule(w http.ResponseWriter, r *http.Request) {
	fees := h.Coordinator.Fees()
	if fees == nil {
		writeError(w, http.StatusNotFound, "No late-fee schedule configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ScheduleToJSON(fees.Schedule()))
}

// QuoteLateFee prices one payment without loading anything.
// POST /api/late-fees/quote
func (h *Handler) QuoteLateFee(w http.ResponseWriter, r *http.Request) {
	fees := h.Coordinator.Fees()
	if fees == nil {
		writeError(w, http.StatusUnprocessableEntity, "No late-fee schedule configured", nil)
		return
	}

	var req QuoteRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, 1<<20), &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	expected, err := warehouse.ParseDate(req.ExpectedDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expected_date", err)
		return
	}
	in := warehouse.LateFeeInput{ExpectedDate: expected, Premium: req.PremiumAmount}
	if req.ActualDate != "" {
		actual, err := warehouse.ParseDate(req.ActualDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid actual_date", err)
			return
		}
		in.ActualDate = &actual
	}
	if req.PremiumAmount.IsNegative() {
		writeError(w, http.StatusBadRequest, "premium_amount must not be negative", nil)
		return
	}

	if req.AsOf == "" {
		writeJSON(w, http.StatusOK, fees.Calculate(in))
		return
	}
	asOf, err := warehouse.ParseDate(req.AsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of", err)
		return
	}
	writeJSON(w, http.StatusOK, fees.CalculateAsOf(in, asOf))
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Healthz reports whether the store answers.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Coordinator.Store().(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// decodeJSON keeps numbers as json.Number so amounts reach decimal.Decimal
// without a float64 detour.
func decodeJSON(r io.Reader, dst any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// statusFor maps warehouse errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case warehouse.IsConfigError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, warehouse.ErrBatchNotFound), errors.Is(err, warehouse.ErrVersionNotFound):
		return http.StatusNotFound
	case errors.Is(err, warehouse.ErrConcurrentSupersession), errors.Is(err, warehouse.ErrDuplicateIdempotencyKey):
		return http.StatusConflict
	case warehouse.IsRecordError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
