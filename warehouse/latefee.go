package warehouse

import (
	"fmt"
	"sort"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LATE-FEE SCHEDULE - Duration buckets mapped to penalty rates
// =============================================================================

// LateFeeRule maps [MinMonths, MaxMonths) months overdue to a rate.
// MaxMonths nil means unbounded.
type LateFeeRule struct {
	Name      string          `json:"name"`
	MinMonths int             `json:"min_months"`
	MaxMonths *int            `json:"max_months,omitempty"`
	Rate      decimal.Decimal `json:"rate"`
}

func (r LateFeeRule) matches(months int) bool {
	return months >= r.MinMonths && (r.MaxMonths == nil || months < *r.MaxMonths)
}

func (r LateFeeRule) String() string {
	if r.MaxMonths == nil {
		return fmt.Sprintf("%s [%d, +inf) @ %s", r.Name, r.MinMonths, r.Rate)
	}
	return fmt.Sprintf("%s [%d, %d) @ %s", r.Name, r.MinMonths, *r.MaxMonths, r.Rate)
}

// LateFeeSchedule is a validated set of buckets. Lookup is total over
// non-negative delays.
type LateFeeSchedule struct {
	rules []LateFeeRule
}

// NewLateFeeSchedule validates the rules: buckets start at 0, leave no gap,
// do not overlap, end unbounded, and never lower the rate as delay grows.
func NewLateFeeSchedule(rules []LateFeeRule) (*LateFeeSchedule, error) {
	if len(rules) == 0 {
		return nil, &RuleGapError{FromMonths: 0, Reason: "no rules configured"}
	}

	sorted := append([]LateFeeRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinMonths < sorted[j].MinMonths })

	if sorted[0].MinMonths != 0 {
		return nil, &RuleGapError{FromMonths: 0, Reason: fmt.Sprintf("first bucket %q starts at %d", sorted[0].Name, sorted[0].MinMonths)}
	}

	for i, r := range sorted {
		if r.MaxMonths != nil && *r.MaxMonths <= r.MinMonths {
			return nil, &RuleGapError{FromMonths: r.MinMonths, Reason: fmt.Sprintf("bucket %q is empty", r.Name)}
		}
		if r.Rate.IsNegative() {
			return nil, fmt.Errorf("%w: bucket %q has negative rate %s", ErrNonMonotonicRates, r.Name, r.Rate)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if prev.MaxMonths == nil || *prev.MaxMonths > r.MinMonths {
			return nil, &AmbiguousRuleMatchError{Months: r.MinMonths, First: prev.Name, Second: r.Name}
		}
		if *prev.MaxMonths < r.MinMonths {
			return nil, &RuleGapError{FromMonths: *prev.MaxMonths, Reason: fmt.Sprintf("nothing between %q and %q", prev.Name, r.Name)}
		}
		if r.Rate.LessThan(prev.Rate) {
			return nil, fmt.Errorf("%w: %q (%s) is lower than %q (%s)", ErrNonMonotonicRates, r.Name, r.Rate, prev.Name, prev.Rate)
		}
	}

	if last := sorted[len(sorted)-1]; last.MaxMonths != nil {
		return nil, &RuleGapError{FromMonths: *last.MaxMonths, Reason: fmt.Sprintf("last bucket %q is bounded", last.Name)}
	}

	return &LateFeeSchedule{rules: sorted}, nil
}

// MustLateFeeSchedule panics on invalid rules. For package-level defaults.
func MustLateFeeSchedule(rules []LateFeeRule) *LateFeeSchedule {
	s, err := NewLateFeeSchedule(rules)
	if err != nil {
		panic(err)
	}
	return s
}

// Lookup returns the bucket for a delay. Negative delays use the 0 bucket.
func (s *LateFeeSchedule) Lookup(months int) LateFeeRule {
	if months < 0 {
		months = 0
	}
	i := sort.Search(len(s.rules), func(i int) bool { return s.rules[i].MinMonths > months })
	// i >= 1 because rules[0].MinMonths == 0 <= months
	return s.rules[i-1]
}

func (s *LateFeeSchedule) Rules() []LateFeeRule {
	return append([]LateFeeRule(nil), s.rules...)
}

// =============================================================================
// LATE-FEE CALCULATOR
// =============================================================================

type LateFeeInput struct {
	ExpectedDate Date
	// ActualDate nil means unpaid as of the processing date.
	ActualDate *Date
	Premium    decimal.Decimal
}

type LateFeeQuote struct {
	MonthsLate int             `json:"months_late"`
	Rule       string          `json:"rule"`
	Rate       decimal.Decimal `json:"rate"`
	LateFee    decimal.Decimal `json:"late_fee"`
	TotalDue   decimal.Decimal `json:"total_amount_due"`
	Paid       bool            `json:"paid"`
	AsOf       Date            `json:"as_of"`
}

// LateFeeCalculator is stateless apart from the clock used to date unpaid
// premiums.
type LateFeeCalculator struct {
	schedule *LateFeeSchedule
	clock    clockwork.Clock
}

func NewLateFeeCalculator(schedule *LateFeeSchedule, clock clockwork.Clock) *LateFeeCalculator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LateFeeCalculator{schedule: schedule, clock: clock}
}

func (c *LateFeeCalculator) Schedule() *LateFeeSchedule { return c.schedule }

// Calculate prices a payment using today as the processing date.
func (c *LateFeeCalculator) Calculate(in LateFeeInput) LateFeeQuote {
	return c.CalculateAsOf(in, DateOf(c.clock.Now()))
}

// CalculateAsOf prices a payment. The delay is whole months from the expected
// date to the actual date (or processing date when unpaid), rounded down.
// late_fee = premium * rate, zero when the delay is not positive.
func (c *LateFeeCalculator) CalculateAsOf(in LateFeeInput, processing Date) LateFeeQuote {
	paidOn := processing
	if in.ActualDate != nil {
		paidOn = *in.ActualDate
	}
	months := MonthsBetween(in.ExpectedDate, paidOn)
	rule := c.schedule.Lookup(months)

	fee := decimal.Zero
	rate := decimal.Zero
	if months > 0 {
		rate = rule.Rate
		fee = in.Premium.Mul(rate)
	}

	return LateFeeQuote{
		MonthsLate: max(months, 0),
		Rule:       rule.Name,
		Rate:       rate,
		LateFee:    fee,
		TotalDue:   in.Premium.Add(fee),
		Paid:       in.ActualDate != nil,
		AsOf:       processing,
	}
}
