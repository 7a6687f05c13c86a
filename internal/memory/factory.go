package memory

import (
	"context"
	"strings"
)

// NewStore opens the postgres transcript store when databaseURL is set and
// falls back to process memory otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// Mode names the backend behind s for status endpoints.
func Mode(s Store) string {
	switch s.(type) {
	case nil:
		return "disabled"
	case *PostgresStore:
		return "postgres"
	case *InMemoryStore:
		return "in-memory"
	default:
		return "custom"
	}
}
