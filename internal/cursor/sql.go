package cursor

import "context"

// CursorStore is the SQL persistence the SQL tier writes through.
type CursorStore interface {
	GetCursor(ctx context.Context, key string) (uint64, bool, error)
	UpsertCursor(ctx context.Context, key string, block uint64) error
}

// SQL adapts the relational store to a Backend.
type SQL struct {
	store CursorStore
}

func NewSQL(store CursorStore) *SQL {
	return &SQL{store: store}
}

func (s *SQL) Name() string { return "sql" }

func (s *SQL) Get(ctx context.Context, key string) (uint64, bool, error) {
	return s.store.GetCursor(ctx, key)
}

func (s *SQL) Set(ctx context.Context, key string, block uint64) error {
	return s.store.UpsertCursor(ctx, key, block)
}
