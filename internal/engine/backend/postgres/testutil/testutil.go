// Package testutil gates the postgres backend's integration tests on an
// externally provided database, adapted from the teacher's
// internal/data/repos/testutil pattern: a TEST_POSTGRES_DSN-gated DB(tb)
// helper that skips cleanly when the env var is unset, so `go test ./...`
// never requires a live Postgres instance.
package testutil

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/yungbote/dflow/internal/engine/backend/postgres"
)

var errMissingDSN = errors.New("missing TEST_POSTGRES_DSN")

var (
	beOnce sync.Once
	be     *postgres.Backend
	beErr  error
)

// DB returns a *postgres.Backend connected to TEST_POSTGRES_DSN, with the
// engine schema already migrated. Tests need not skip themselves: DB
// calls tb.Skip when the env var is unset, so a normal test body can call
// DB(t) unconditionally as its first line.
func DB(tb testing.TB) *postgres.Backend {
	tb.Helper()

	beOnce.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			beErr = errMissingDSN
			return
		}
		be, beErr = postgres.Open(dsn)
	})

	if errors.Is(beErr, errMissingDSN) {
		tb.Skip("set TEST_POSTGRES_DSN to run postgres backend integration tests")
	}
	if beErr != nil {
		tb.Fatalf("failed to open test postgres backend: %v", beErr)
	}
	tb.Cleanup(func() {
		if err := be.Truncate(context.Background()); err != nil {
			tb.Logf("truncate after test: %v", err)
		}
	})
	return be
}
