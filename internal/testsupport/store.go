package testsupport

import (
	"testing"

	"librarian/internal/config"
	"librarian/internal/logging"
	"librarian/internal/queue"
	"librarian/internal/sqlitebroker"
)

// MustOpenStore opens the SQLite broker for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *sqlitebroker.Store {
	t.Helper()

	store, err := sqlitebroker.Open(cfg)
	if err != nil {
		t.Fatalf("sqlitebroker.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustNewBroker builds a queue over backend with the given defaults.
func MustNewBroker(t testing.TB, backend queue.Backend, name string, defaults queue.Options) *queue.Broker {
	t.Helper()

	b, err := queue.New(name, backend, defaults, logging.NewNop())
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	return b
}
