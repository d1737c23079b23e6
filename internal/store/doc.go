// Package store provides durable persistence for tasks, plans and approval
// decisions.
//
// # Architecture
//
// Store is the single interface the rest of the conductor depends on. Three
// implementations exist:
//
//   - SQLiteStore: database/sql over SQLite. Driver "sqlite" is the pure-Go
//     modernc.org/sqlite; driver "sqlite3" is mattn/go-sqlite3 for cgo
//     builds. The schema is created on open.
//   - PgStore: PostgreSQL through a pgx connection pool. Several conductor
//     processes share one database, which is what lets a decision recorded
//     in one process be seen by a gate polling in another.
//   - MockStore: in-memory, with per-operation error injection for tests.
//
// # Data Models
//
//   - TaskRecord: the persisted form of a task, including the process that
//     owns it (used to recover after a restart).
//   - plan.Plan: stored with its items serialized as JSON.
//   - Decision: the single approval decision of a plan.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as RFC3339Nano text. ":memory:" databases are pinned
// to one connection so every query sees the same database.
//
// # Error Handling
//
//   - ErrNotFound: the requested entity does not exist
//   - ErrDecisionExists: the plan already has a decision
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests that need failure injection:
//
//	ms := store.NewMockStore()
//	ms.FailOn(store.OpSaveTask, errors.New("disk full"))
//
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for integration
// tests with real SQLite.
package store
