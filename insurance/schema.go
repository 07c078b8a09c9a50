/*
Package insurance provides the insurance-domain schemas for the warehouse
engine.

PURPOSE:
  Describes the customer, policy and address dimensions and the policy
  transaction fact of an insurance premium warehouse, plus the default
  late-fee schedule applied to overdue premiums.

DIMENSIONS:
  customer: one row per customer_id; name, segment, marital status,
            gender, dob and region are historized
  policy:   one row per policy_id; type, term, dates and total amount
            are historized
  address:  one row per customer_id|postal_code

FACTS:
  policy_txn: one premium payment (or due payment) of a policy. Bound to
              the customer and policy versions valid on the payment date.
              Derives late_fee and total_amount_due.

SEE ALSO:
  - standardize.go: flat source rows -> records
  - warehouse/catalog.go: schema registration
*/
package insurance

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/warp/warehouse-engine/warehouse"
)

// Dimension kinds and fact tables of the insurance domain.
const (
	DimCustomer warehouse.DimensionKind = "customer"
	DimPolicy   warehouse.DimensionKind = "policy"
	DimAddress  warehouse.DimensionKind = "address"

	FactPolicyTxn warehouse.FactTable = "policy_txn"
)

// Field names after standardization.
const (
	FieldCustomerName    = "customer_name"
	FieldCustomerSegment = "customer_segment"
	FieldMaritalStatus   = "marital_status"
	FieldGender          = "gender"
	FieldDOB             = "dob"
	FieldRegion          = "region"

	FieldPolicyName     = "policy_name"
	FieldPolicyTypeID   = "policy_type_id"
	FieldPolicyType     = "policy_type"
	FieldPolicyTerm     = "policy_term"
	FieldPolicyStartDt  = "policy_start_dt"
	FieldPolicyEndDt    = "policy_end_dt"
	FieldTotalPolicyAmt = "total_policy_amt"

	FieldCountry       = "country"
	FieldStateProvince = "state_province"
	FieldCity          = "city"
	FieldPostalCode    = "postal_code"

	FieldPremiumAmount       = "premium_amount"
	FieldPremiumPaidTillDate = "premium_paid_tilldate"
	FieldNextPremiumDt       = "next_premium_dt"
	FieldActualPremiumPaidDt = "actual_premium_paid_dt"

	FieldSourceFile    = "source_file"
	FieldIngestionDate = "ingestion_date"
)

var CustomerDimension = warehouse.DimensionSchema{
	Kind: DimCustomer,
	Tracked: []string{
		FieldCustomerName,
		FieldCustomerSegment,
		FieldMaritalStatus,
		FieldGender,
		FieldDOB,
		FieldRegion,
	},
	Informational: []string{FieldSourceFile, FieldIngestionDate},
}

var PolicyDimension = warehouse.DimensionSchema{
	Kind: DimPolicy,
	Tracked: []string{
		FieldPolicyName,
		FieldPolicyTypeID,
		FieldPolicyType,
		FieldPolicyTerm,
		FieldPolicyStartDt,
		FieldPolicyEndDt,
		FieldTotalPolicyAmt,
	},
	Informational: []string{FieldSourceFile},
	Numeric:       []string{FieldTotalPolicyAmt},
}

var AddressDimension = warehouse.DimensionSchema{
	Kind: DimAddress,
	Tracked: []string{
		FieldCountry,
		FieldRegion,
		FieldStateProvince,
		FieldCity,
		FieldPostalCode,
	},
}

var PolicyTxnFact = warehouse.FactSchema{
	Table:      FactPolicyTxn,
	References: []warehouse.DimensionKind{DimCustomer, DimPolicy},
	Measures:   []string{FieldPremiumAmount, FieldPremiumPaidTillDate, FieldTotalPolicyAmt},
	LateFee: &warehouse.LateFeeFields{
		ExpectedDate: FieldNextPremiumDt,
		ActualDate:   FieldActualPremiumPaidDt,
		Amount:       FieldPremiumAmount,
	},
}

func init() {
	Register(warehouse.DefaultCatalog)
}

// Register adds the insurance schemas to a catalog.
func Register(c *warehouse.Catalog) {
	c.MustAddDimension(CustomerDimension)
	c.MustAddDimension(PolicyDimension)
	c.MustAddDimension(AddressDimension)
	c.MustAddFact(PolicyTxnFact)
}

// NewCatalog returns a fresh catalog holding only the insurance schemas.
func NewCatalog() *warehouse.Catalog {
	c := warehouse.NewCatalog()
	Register(c)
	return c
}

// =============================================================================
// DEFAULT LATE-FEE SCHEDULE
// =============================================================================

// LateFeeCapMonths is the delay from which the rate stops growing.
const LateFeeCapMonths = 24

// DefaultLateFeeRules charges 0.5% of the premium per whole month late:
// one bucket per month up to 24 months, then a flat 12%.
func DefaultLateFeeRules() []warehouse.LateFeeRule {
	perMonth := decimal.RequireFromString("0.005")
	rules := make([]warehouse.LateFeeRule, 0, LateFeeCapMonths+1)
	for m := 0; m < LateFeeCapMonths; m++ {
		upper := m + 1
		name := "on_time"
		if m > 0 {
			name = monthsName(m)
		}
		rules = append(rules, warehouse.LateFeeRule{
			Name:      name,
			MinMonths: m,
			MaxMonths: &upper,
			Rate:      perMonth.Mul(decimal.NewFromInt(int64(m))),
		})
	}
	rules = append(rules, warehouse.LateFeeRule{
		Name:      "capped",
		MinMonths: LateFeeCapMonths,
		Rate:      perMonth.Mul(decimal.NewFromInt(LateFeeCapMonths)),
	})
	return rules
}

// DefaultLateFeeSchedule is the validated form of DefaultLateFeeRules.
func DefaultLateFeeSchedule() *warehouse.LateFeeSchedule {
	return warehouse.MustLateFeeSchedule(DefaultLateFeeRules())
}

func monthsName(m int) string {
	if m == 1 {
		return "1_month"
	}
	return strconv.Itoa(m) + "_months"
}
