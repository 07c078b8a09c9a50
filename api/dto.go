/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the warehouse model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Batches:     RunBatchRequest, RecordDTO, BatchResponse, BatchRunDTO, RejectionDTO
  Dimensions:  VersionDTO
  Facts:       FactDTO
  Late fees:   QuoteRequest (response is warehouse.LateFeeQuote)
  Scenarios:   ScenarioDTO, LoadScenarioRequest

SEE ALSO:
  - handlers.go: Uses these types
  - factory/schema.go: ScheduleJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/warehouse-engine/warehouse"
)

// =============================================================================
// BATCHES
// =============================================================================

// RunBatchRequest submits a batch. Records are already standardized; Rows
// are raw insurance source rows standardized server-side. Both may be set.
type RunBatchRequest struct {
	ID      string              `json:"id,omitempty"`
	AsOf    string              `json:"as_of,omitempty"`
	Records []RecordDTO         `json:"records,omitempty"`
	Rows    []map[string]string `json:"rows,omitempty"`
}

type RecordDTO struct {
	Kind          string            `json:"kind"`
	Subject       string            `json:"subject"`
	NaturalKey    string            `json:"natural_key"`
	EffectiveDate string            `json:"effective_date"`
	Fields        map[string]any    `json:"fields,omitempty"`
	References    map[string]string `json:"references,omitempty"`
}

type BatchRunDTO struct {
	ID          string                `json:"id"`
	Fingerprint string                `json:"fingerprint"`
	AsOf        string                `json:"as_of"`
	Status      string                `json:"status"`
	Counts      warehouse.BatchCounts `json:"counts"`
	Error       string                `json:"error,omitempty"`
	StartedAt   string                `json:"started_at"`
	CompletedAt string                `json:"completed_at,omitempty"`
}

type RejectionDTO struct {
	Kind          string `json:"kind"`
	Subject       string `json:"subject"`
	NaturalKey    string `json:"natural_key"`
	EffectiveDate string `json:"effective_date,omitempty"`
	Sequence      int    `json:"sequence"`
	Rule          string `json:"rule"`
	Reason        string `json:"reason"`
}

// RowErrorDTO reports a source row that could not be standardized.
type RowErrorDTO struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

type BatchResponse struct {
	Run        BatchRunDTO    `json:"run"`
	Events     int            `json:"events"`
	Facts      []FactDTO      `json:"facts"`
	Rejections []RejectionDTO `json:"rejections"`
	RowErrors  []RowErrorDTO  `json:"row_errors,omitempty"`
	Redriven   []string       `json:"redriven,omitempty"`
}

// PendingSinkDTO is a batch stream the warehouse sink has not accepted.
type PendingSinkDTO struct {
	BatchID   string    `json:"batch_id"`
	Events    int       `json:"events"`
	Facts     int       `json:"facts"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt string `json:"created_at"`
}

type RedriveResponse struct {
	Redriven []string `json:"redriven"`
}

// =============================================================================
// DIMENSIONS AND FACTS
// =============================================================================

type VersionDTO struct {
	SurrogateKey int64             `json:"surrogate_key"`
	Kind         string            `json:"kind"`
	NaturalKey   string            `json:"natural_key"`
	Attributes   map[string]string `json:"attributes"`
	Info         map[string]string `json:"info,omitempty"`
	ValidFrom    string            `json:"valid_from"`
	ValidTo      *string           `json:"valid_to"`
	IsCurrent    bool              `json:"is_current"`
	BatchID      string            `json:"batch_id,omitempty"`
}

type FactDTO struct {
	ID          string                     `json:"id"`
	Table       string                     `json:"table"`
	NaturalKey  string                     `json:"natural_key"`
	EventDate   string                     `json:"event_date"`
	Keys        map[string]int64           `json:"keys"`
	NaturalKeys map[string]string          `json:"natural_keys"`
	Measures    map[string]decimal.Decimal `json:"measures"`
	BatchID     string                     `json:"batch_id,omitempty"`
}

// =============================================================================
// LATE FEES
// =============================================================================

type QuoteRequest struct {
	ExpectedDate  string          `json:"expected_date"`
	ActualDate    string          `json:"actual_date,omitempty"`
	PremiumAmount decimal.Decimal `json:"premium_amount"`
	// AsOf prices unpaid premiums; defaults to today.
	AsOf string `json:"as_of,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRunDTO(run warehouse.BatchRun) BatchRunDTO {
	dto := BatchRunDTO{
		ID:          string(run.ID),
		Fingerprint: run.Fingerprint,
		AsOf:        run.AsOf.String(),
		Status:      string(run.Status),
		Counts:      run.Counts,
		Error:       run.Error,
		StartedAt:   run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func toVersionDTO(v warehouse.DimensionVersion) VersionDTO {
	dto := VersionDTO{
		SurrogateKey: int64(v.SurrogateKey),
		Kind:         string(v.Kind),
		NaturalKey:   string(v.NaturalKey),
		Attributes:   v.Attributes.Canonicalize(),
		ValidFrom:    v.Validity.From.String(),
		IsCurrent:    v.IsCurrent,
		BatchID:      string(v.BatchID),
	}
	if len(v.Info) > 0 {
		dto.Info = v.Info.Canonicalize()
	}
	if v.Validity.To != nil {
		to := v.Validity.To.String()
		dto.ValidTo = &to
	}
	return dto
}

func toFactDTO(f warehouse.FactRecord) FactDTO {
	dto := FactDTO{
		ID:          string(f.ID),
		Table:       string(f.Table),
		NaturalKey:  string(f.NaturalKey),
		EventDate:   f.EventDate.String(),
		Keys:        make(map[string]int64, len(f.Keys)),
		NaturalKeys: make(map[string]string, len(f.NaturalKeys)),
		Measures:    f.Measures,
		BatchID:     string(f.BatchID),
	}
	for k, sk := range f.Keys {
		dto.Keys[string(k)] = int64(sk)
	}
	for k, nk := range f.NaturalKeys {
		dto.NaturalKeys[string(k)] = string(nk)
	}
	return dto
}

func toFactDTOs(facts []warehouse.FactRecord) []FactDTO {
	out := make([]FactDTO, 0, len(facts))
	for _, f := range facts {
		out = append(out, toFactDTO(f))
	}
	return out
}

func toRejectionDTO(r warehouse.Rejection) RejectionDTO {
	dto := RejectionDTO{
		Kind:       string(r.Kind),
		Subject:    r.Subject,
		NaturalKey: string(r.NaturalKey),
		Sequence:   r.Sequence,
		Rule:       r.Rule,
		Reason:     r.Reason,
	}
	if !r.EffectiveDate.IsZero() {
		dto.EffectiveDate = r.EffectiveDate.String()
	}
	return dto
}

func toBatchResponse(res *warehouse.BatchResult) BatchResponse {
	resp := BatchResponse{
		Run:        toRunDTO(res.Run),
		Events:     len(res.Events),
		Facts:      toFactDTOs(res.Facts),
		Rejections: make([]RejectionDTO, 0, len(res.Rejections)),
	}
	for _, r := range res.Rejections {
		resp.Rejections = append(resp.Rejections, toRejectionDTO(r))
	}
	resp.Redriven = batchIDs(res.Redriven)
	return resp
}

func toPendingSinkDTO(p warehouse.PendingSink) PendingSinkDTO {
	return PendingSinkDTO{
		BatchID:   string(p.BatchID),
		Events:    len(p.Events),
		Facts:     len(p.Facts),
		Attempts:  p.Attempts,
		LastError: p.LastError,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

func batchIDs(ids []warehouse.BatchID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
