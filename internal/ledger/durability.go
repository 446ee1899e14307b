package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/deferredpay/facilitator/internal/idgen"
)

// Recorder is a write-through durability sink invoked at the C1 API
// boundary after a mutation has already been applied to the in-memory
// state. The core's source of truth stays in memory (the specification
// treats durability as an embedder concern); a Recorder only gives an
// embedder an audit trail to replay or inspect, never a read path the
// core itself depends on.
type Recorder interface {
	Record(ctx context.Context, eventType string, payload any)
}

// NoopRecorder discards every event. It is the default when no
// DATABASE_URL is configured.
type NoopRecorder struct{}

func (NoopRecorder) Record(context.Context, string, any) {}

// PostgresRecorder appends events to a durability log table. Failures are
// silently discarded, not returned or logged — a broken durability sink
// must never block or fail a ledger mutation that already succeeded
// in memory.
type PostgresRecorder struct {
	db *sql.DB
}

func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

// Migrate creates the durability log table if it does not already exist.
func (r *PostgresRecorder) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_events (
			id          VARCHAR(36) PRIMARY KEY,
			event_type  VARCHAR(64) NOT NULL,
			payload     JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_type ON ledger_events(event_type);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_recorded ON ledger_events(recorded_at DESC);
	`)
	return err
}

// Record performs a best-effort insert; it does not return an error
// because a durability failure must never unwind a mutation that has
// already been committed to the in-memory ledger.
func (r *PostgresRecorder) Record(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, _ = r.db.ExecContext(ctx, `
		INSERT INTO ledger_events (id, event_type, payload, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, idgen.New(), eventType, data, time.Now())
}
