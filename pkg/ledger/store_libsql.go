//go:build cgo

package ledger

import (
	"context"

	_ "github.com/tursodatabase/go-libsql"
)

const driverLibsql = "libsql"

// Open opens (and creates if needed) a libsql-backed ledger and applies the
// schema. Local paths and libsql:// URLs are both accepted.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	return open(ctx, driverLibsql, dsn)
}
