package warehouse

import (
	"context"
)

// =============================================================================
// NATURAL-KEY RESOLVER
// =============================================================================

// Resolver maps a natural key to the dimension version in effect on a date.
// Not-found is reported through ok=false, never as an error.
type Resolver struct {
	reader VersionReader
}

func NewResolver(reader VersionReader) *Resolver {
	return &Resolver{reader: reader}
}

// Resolve returns the version containing asOf, or the current version when
// asOf is nil.
func (r *Resolver) Resolve(ctx context.Context, key EntityKey, asOf *Date) (DimensionVersion, bool, error) {
	if asOf == nil {
		return r.reader.Current(ctx, key)
	}
	return r.reader.AsOf(ctx, key, *asOf)
}

// Earliest returns the first valid_from of a natural key, nil if the key has
// never been seen.
func (r *Resolver) Earliest(ctx context.Context, key EntityKey) (*Date, error) {
	history, err := r.reader.History(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	from := history[0].Validity.From
	return &from, nil
}
