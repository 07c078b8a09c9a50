/*
catalog.go - Dimension and fact schema registration

PURPOSE:
  Domain packages describe their dimensions (which fields are tracked, which
  are informational) and their fact tables (which dimensions they reference,
  which fields are measures). The engine looks schemas up by name when a
  record arrives.

HOW IT WORKS:
  1. Domain packages build DimensionSchema / FactSchema values
  2. They register them on init() into DefaultCatalog, or into a Catalog
     passed explicitly to the engine
  3. The merge engine and the fact loader look schemas up per record

USAGE:
  // In insurance/schema.go
  func init() {
      warehouse.RegisterDimension(CustomerDimension)
      warehouse.RegisterFact(PolicyTxnFact)
  }

SEE ALSO:
  - insurance/schema.go: insurance dimensions and facts
  - factory/schema.go: schemas from JSON
*/
package warehouse

import (
	"fmt"
	"sort"
	"sync"
)

// =============================================================================
// SCHEMAS
// =============================================================================

// DimensionSchema declares which fields of a dimension are historized.
type DimensionSchema struct {
	Kind DimensionKind
	// Tracked fields create a new version when they change.
	Tracked []string
	// Informational fields are overwritten on the current version.
	Informational []string
	// Numeric fields compare by value: "120.50" and 120.5 are one state.
	Numeric []string
}

func (s DimensionSchema) Validate() error {
	if s.Kind == "" {
		return fmt.Errorf("%w: dimension kind is required", ErrInvalidSchema)
	}
	if len(s.Tracked) == 0 {
		return fmt.Errorf("%w: dimension %s has no tracked fields", ErrInvalidSchema, s.Kind)
	}
	seen := make(map[string]bool)
	for _, f := range append(append([]string(nil), s.Tracked...), s.Informational...) {
		if seen[f] {
			return fmt.Errorf("%w: dimension %s lists field %q twice", ErrInvalidSchema, s.Kind, f)
		}
		seen[f] = true
	}
	for _, f := range s.Numeric {
		if !seen[f] {
			return fmt.Errorf("%w: dimension %s marks undeclared field %q numeric", ErrInvalidSchema, s.Kind, f)
		}
	}
	return nil
}

// LateFeeFields names the fields a fact uses to derive a late fee.
type LateFeeFields struct {
	ExpectedDate string // e.g. next_premium_dt
	ActualDate   string // e.g. actual_premium_paid_dt; empty value = unpaid
	Amount       string // e.g. premium_amount
}

// FactSchema declares a fact table.
type FactSchema struct {
	Table      FactTable
	References []DimensionKind
	Measures   []string
	// LateFee enables the late-fee and total-due measures when set.
	LateFee *LateFeeFields
}

func (s FactSchema) Validate() error {
	if s.Table == "" {
		return fmt.Errorf("%w: fact table is required", ErrInvalidSchema)
	}
	if len(s.References) == 0 {
		return fmt.Errorf("%w: fact %s references no dimension", ErrInvalidSchema, s.Table)
	}
	if s.LateFee != nil && (s.LateFee.ExpectedDate == "" || s.LateFee.Amount == "") {
		return fmt.Errorf("%w: fact %s late fee needs expected date and amount fields", ErrInvalidSchema, s.Table)
	}
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

type Catalog struct {
	mu         sync.RWMutex
	dimensions map[DimensionKind]DimensionSchema
	facts      map[FactTable]FactSchema
}

func NewCatalog() *Catalog {
	return &Catalog{
		dimensions: make(map[DimensionKind]DimensionSchema),
		facts:      make(map[FactTable]FactSchema),
	}
}

// DefaultCatalog is populated by domain packages on init().
var DefaultCatalog = NewCatalog()

func RegisterDimension(s DimensionSchema) { DefaultCatalog.MustAddDimension(s) }
func RegisterFact(s FactSchema)           { DefaultCatalog.MustAddFact(s) }

func (c *Catalog) AddDimension(s DimensionSchema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dimensions[s.Kind] = s
	return nil
}

func (c *Catalog) MustAddDimension(s DimensionSchema) {
	if err := c.AddDimension(s); err != nil {
		panic(err)
	}
}

func (c *Catalog) AddFact(s FactSchema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facts[s.Table] = s
	return nil
}

func (c *Catalog) MustAddFact(s FactSchema) {
	if err := c.AddFact(s); err != nil {
		panic(err)
	}
}

// Dimension finds a dimension schema. Returns false if not registered.
func (c *Catalog) Dimension(kind DimensionKind) (DimensionSchema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.dimensions[kind]
	return s, ok
}

// Fact finds a fact schema. Returns false if not registered.
func (c *Catalog) Fact(table FactTable) (FactSchema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.facts[table]
	return s, ok
}

// Dimensions returns all registered dimension kinds, sorted.
func (c *Catalog) Dimensions() []DimensionKind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kinds := make([]DimensionKind, 0, len(c.dimensions))
	for k := range c.dimensions {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
