package catalog

import "context"

// MutationType distinguishes the two sink mutation shapes.
type MutationType string

const (
	// MutationFull replaces the entire entity set owned by a location
	// key; entities absent from the mutation are implicitly removed.
	MutationFull MutationType = "full"
	// MutationDelta adds and removes specific entities, leaving the
	// rest of the owned set untouched.
	MutationDelta MutationType = "delta"
)

// EntityEnvelope tags an entity with the location key of the provider
// instance that owns it, so the sink can scope full-replace mutations.
type EntityEnvelope struct {
	LocationKey string  `json:"locationKey"`
	Entity      *Entity `json:"entity"`
}

// Mutation is one sink operation. Entities is set for full mutations;
// Added and Removed for deltas. LocationKey names the owner of a full
// mutation so the sink can clear its set even when the snapshot came
// back empty.
type Mutation struct {
	Type        MutationType     `json:"type"`
	LocationKey string           `json:"locationKey,omitempty"`
	Entities    []EntityEnvelope `json:"entities,omitempty"`
	Added       []EntityEnvelope `json:"added,omitempty"`
	Removed     []EntityEnvelope `json:"removed,omitempty"`
}

// Connection is the ingestion side of the catalog sink.
type Connection interface {
	ApplyMutation(ctx context.Context, m Mutation) error
}

// EntityFilter matches entities by kind and annotation values.
type EntityFilter struct {
	Kind        string
	Annotations map[string]string
}

// API is the query side of the catalog sink, used by the incremental
// reconciler to read current state.
type API interface {
	GetEntities(ctx context.Context, filter EntityFilter) ([]*Entity, error)
	// GetEntityByRef returns (nil, nil) when no entity matches.
	GetEntityByRef(ctx context.Context, ref string) (*Entity, error)
}
