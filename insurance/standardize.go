package insurance

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/warp/warehouse-engine/warehouse"
)

// =============================================================================
// STANDARDIZATION - Flat source rows -> warehouse records
// =============================================================================

// Row is one flat source row keyed by column name.
type Row map[string]string

// Source column names that differ from the standardized field names.
const (
	colCustomerID        = "customer_id"
	colPolicyID          = "policy_id"
	colTitle             = "customer_title"
	colFirstName         = "customer_first_name"
	colMiddleName        = "customer_middle_name"
	colLastName          = "customer_last_name"
	colEffectiveStart    = "effective_start_dt"
	colPremiumAmt        = "premium_amt"
	colPremiumAmtPaid    = "premium_amt_paid_tilldate"
	colPaymentAmount     = "payment_amount"
	colTxnDate           = "txn_date"
	colStateOrProvince   = "state_or_province"
	colMaritialStatusTyp = "maritial_status"
)

var renames = map[string]string{
	colMaritialStatusTyp: FieldMaritalStatus,
	colStateOrProvince:   FieldStateProvince,
	colPremiumAmt:        FieldPremiumAmount,
	colPremiumAmtPaid:    FieldPremiumPaidTillDate,
}

var dateColumns = []string{
	FieldDOB, colEffectiveStart, "effective_end_dt",
	FieldPolicyStartDt, FieldPolicyEndDt,
	FieldNextPremiumDt, FieldActualPremiumPaidDt, colTxnDate,
}

var currencyColumns = []string{
	FieldPremiumAmount, FieldTotalPolicyAmt, FieldPremiumPaidTillDate, colPaymentAmount,
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"1/2/2006",
	"01/02/2006",
	"2006/01/02",
	"02-Jan-2006",
}

var (
	nonAlnum    = regexp.MustCompile(`[^a-zA-Z0-9]`)
	underscores = regexp.MustCompile(`_+`)
	currencyRe  = regexp.MustCompile(`[$,\s]`)
)

// ColumnName converts a source header to snake_case: "Customer First Name"
// becomes customer_first_name.
func ColumnName(header string) string {
	s := nonAlnum.ReplaceAllString(strings.TrimSpace(header), "_")
	s = underscores.ReplaceAllString(s, "_")
	return strings.Trim(strings.ToLower(s), "_")
}

// Normalize snake-cases headers, fixes known column typos and trims values.
// When two headers collapse to one name the non-empty value is kept.
func Normalize(raw map[string]string) Row {
	out := make(Row, len(raw))
	for k, v := range raw {
		name := ColumnName(k)
		if to, ok := renames[name]; ok {
			name = to
		}
		v = cleanValue(v)
		if prev, dup := out[name]; dup && (prev != "" || v == "") {
			continue
		}
		out[name] = v
	}
	return out
}

func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "nan", "nat", "null", "none":
		return ""
	}
	return v
}

// Standardize maps one flat source row into the customer, policy and address
// dimension records plus one policy_txn record.
//
// Dimension records take effect on effective_start_dt when the row has one,
// else on fallback (usually the batch date). The transaction's event date is
// the actual payment date, or the next premium date when unpaid.
func Standardize(raw map[string]string, fallback warehouse.Date) ([]warehouse.Record, error) {
	row := Normalize(raw)

	customerID := row[colCustomerID]
	if customerID == "" {
		return nil, fmt.Errorf("%w: row has no %s", warehouse.ErrInvalidRecord, colCustomerID)
	}

	fields, err := typedFields(row)
	if err != nil {
		return nil, fmt.Errorf("%w: customer %s: %v", warehouse.ErrInvalidRecord, customerID, err)
	}
	if name := customerName(row); name != "" {
		fields[FieldCustomerName] = name
	}
	if row[FieldPolicyType] == "" && row["policy_type_name"] != "" {
		fields[FieldPolicyType] = row["policy_type_name"]
	}

	effective := fallback
	if d, ok, _ := fields.Date(colEffectiveStart); ok {
		effective = d
	}
	if effective.IsZero() {
		return nil, fmt.Errorf("%w: customer %s has no effective date", warehouse.ErrInvalidRecord, customerID)
	}

	var recs []warehouse.Record
	recs = append(recs, dimensionRecord(CustomerDimension, customerID, effective, fields))

	if pc := row[FieldPostalCode]; pc != "" {
		recs = append(recs, dimensionRecord(AddressDimension, AddressKey(customerID, pc), effective, fields))
	}

	policyID := row[colPolicyID]
	if policyID == "" {
		return recs, nil
	}
	recs = append(recs, dimensionRecord(PolicyDimension, policyID, effective, fields))

	txn, ok, err := transactionRecord(customerID, policyID, fields)
	if err != nil {
		return nil, err
	}
	if ok {
		recs = append(recs, txn)
	}
	return recs, nil
}

// AddressKey is the natural key of an address: customer_id|postal_code.
func AddressKey(customerID, postalCode string) string {
	return customerID + "|" + postalCode
}

// TxnKey identifies one premium installment: policy_id|next_premium_dt.
func TxnKey(policyID string, due warehouse.Date) string {
	return policyID + "|" + due.String()
}

func dimensionRecord(schema warehouse.DimensionSchema, key string, effective warehouse.Date, fields warehouse.Fields) warehouse.Record {
	names := append(append([]string(nil), schema.Tracked...), schema.Informational...)
	return warehouse.Record{
		Kind:          warehouse.RecordDimension,
		Subject:       string(schema.Kind),
		NaturalKey:    warehouse.NaturalKey(key),
		EffectiveDate: effective,
		Fields:        fields.Project(names),
	}
}

func transactionRecord(customerID, policyID string, fields warehouse.Fields) (warehouse.Record, bool, error) {
	due, hasDue, _ := fields.Date(FieldNextPremiumDt)
	paid, hasPaid, _ := fields.Date(FieldActualPremiumPaidDt)
	if !hasDue && !hasPaid {
		return warehouse.Record{}, false, nil
	}
	if !hasDue {
		return warehouse.Record{}, false, fmt.Errorf("%w: policy %s payment on %s has no %s",
			warehouse.ErrInvalidRecord, policyID, paid, FieldNextPremiumDt)
	}

	event := due
	if hasPaid {
		event = paid
	}
	names := append([]string{FieldNextPremiumDt, FieldActualPremiumPaidDt, FieldRegion, FieldSourceFile}, PolicyTxnFact.Measures...)
	return warehouse.Record{
		Kind:          warehouse.RecordTransaction,
		Subject:       string(FactPolicyTxn),
		NaturalKey:    warehouse.NaturalKey(TxnKey(policyID, due)),
		EffectiveDate: event,
		Fields:        fields.Project(names),
		References: map[warehouse.DimensionKind]warehouse.NaturalKey{
			DimCustomer: warehouse.NaturalKey(customerID),
			DimPolicy:   warehouse.NaturalKey(policyID),
		},
	}, true, nil
}

// typedFields parses date and currency columns; everything else stays text.
func typedFields(row Row) (warehouse.Fields, error) {
	fields := make(warehouse.Fields, len(row))
	for k, v := range row {
		if v != "" {
			fields[k] = v
		}
	}
	for _, c := range dateColumns {
		v := row[c]
		if v == "" {
			continue
		}
		d, err := parseSourceDate(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c, err)
		}
		fields[c] = d
	}
	for _, c := range currencyColumns {
		v := row[c]
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(currencyRe.ReplaceAllString(v, ""))
		if err != nil {
			return nil, fmt.Errorf("column %s: %q is not an amount", c, v)
		}
		fields[c] = d
	}
	return fields, nil
}

func parseSourceDate(s string) (warehouse.Date, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return warehouse.DateOf(t), nil
		}
	}
	return warehouse.Date{}, fmt.Errorf("unrecognized date %q", s)
}

// customerName joins title, first, middle and last name, collapsing spaces.
// An explicit customer_name column wins.
func customerName(row Row) string {
	if n := row[FieldCustomerName]; n != "" {
		return n
	}
	parts := []string{row[colTitle], row[colFirstName], row[colMiddleName], row[colLastName]}
	name := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	if name == "" {
		return ""
	}
	// Casers are stateful; one per call.
	return cases.Title(language.English).String(name)
}

// =============================================================================
// CSV INPUT
// =============================================================================

// ReadCSV reads a headered CSV export into normalized-header rows.
func ReadCSV(r io.Reader) ([]map[string]string, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	var rows []map[string]string
	for {
		line, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(rows)+1, err)
		}
		row := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(line) {
				row[h] = line[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// StandardizeAll standardizes rows in order. Rows that fail are reported by
// index and skipped.
func StandardizeAll(rows []map[string]string, fallback warehouse.Date) ([]warehouse.Record, map[int]error) {
	var recs []warehouse.Record
	var failed map[int]error
	for i, row := range rows {
		out, err := Standardize(row, fallback)
		if err != nil {
			if failed == nil {
				failed = make(map[int]error)
			}
			failed[i] = err
			continue
		}
		recs = append(recs, out...)
	}
	return recs, failed
}
