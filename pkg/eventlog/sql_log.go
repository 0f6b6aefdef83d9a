package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

const selectColumns = `
	SELECT seq, tx_id, log_index, kind, lineage, schema_version, emitted_at, payload, prev_hash, hash
	FROM ledger_events`

// SQLLog implements Log using database/sql.
// It supports both Postgres and SQLite via standard drivers.
// Appends must come from a single writer (the ledger serializes them).
type SQLLog struct {
	db *sql.DB
}

// NewSQLLog wraps db. Call Init before first use.
func NewSQLLog(db *sql.DB) *SQLLog {
	return &SQLLog{db: db}
}

const logSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	seq BIGINT PRIMARY KEY,
	tx_id TEXT NOT NULL,
	log_index INTEGER NOT NULL,
	kind TEXT NOT NULL,
	lineage TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	emitted_at BIGINT NOT NULL,
	payload TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	UNIQUE (tx_id, log_index)
);
`

// Init creates the events table if it does not exist.
func (s *SQLLog) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, logSchema)
	return err
}

// Append implements Appender in one database transaction. Appending a
// transaction that is already in the log returns the stored entries.
func (s *SQLLog) Append(ctx context.Context, batch []contracts.Envelope) ([]contracts.Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		headSeq  int64
		headHash string
	)
	err = tx.QueryRowContext(ctx, `SELECT seq, hash FROM ledger_events ORDER BY seq DESC LIMIT 1`).Scan(&headSeq, &headHash)
	if errors.Is(err, sql.ErrNoRows) {
		headSeq, headHash = 0, Genesis
	} else if err != nil {
		return nil, fmt.Errorf("read log head: %w", err)
	}

	sealed, err := chain(batch, uint64(headSeq), headHash)
	if err != nil {
		return nil, err
	}

	// A retried append of a transaction that already committed is a no-op.
	rows, err := tx.QueryContext(ctx, selectColumns+` WHERE tx_id = $1 ORDER BY log_index ASC`, batch[0].TxID)
	if err != nil {
		return nil, fmt.Errorf("check tx %s: %w", batch[0].TxID, err)
	}
	existing, err := scanEnvelopes(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	const insert = `
		INSERT INTO ledger_events (seq, tx_id, log_index, kind, lineage, schema_version, emitted_at, payload, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	for _, env := range sealed {
		_, err := tx.ExecContext(ctx, insert,
			int64(env.Sequence), env.TxID, int64(env.LogIndex), string(env.Kind), env.Lineage.String(),
			env.SchemaVersion, env.EmittedAt.UnixNano(), string(env.Payload), env.PrevHash, env.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("append %s: %w", env.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return sealed, nil
}

func (s *SQLLog) Read(ctx context.Context, after uint64, limit int) ([]contracts.Envelope, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEnvelopes(rows)
}

func scanEnvelopes(rows *sql.Rows) ([]contracts.Envelope, error) {
	//nolint:prealloc // result count unknown from SQL query
	var out []contracts.Envelope
	for rows.Next() {
		var (
			env       contracts.Envelope
			seq       int64
			logIndex  int64
			kind      string
			lineage   string
			emittedAt int64
			payload   string
		)
		if err := rows.Scan(&seq, &env.TxID, &logIndex, &kind, &lineage, &env.SchemaVersion, &emittedAt, &payload, &env.PrevHash, &env.Hash); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		env.Sequence = uint64(seq)
		env.LogIndex = uint32(logIndex)
		env.Kind = contracts.EventKind(kind)
		env.EmittedAt = time.Unix(0, emittedAt).UTC()
		env.Payload = []byte(payload)
		// A corrupt lineage is left zero; Open reports the mismatch as a malformed event.
		env.Lineage, _ = contracts.ParseHash(lineage)
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
