package mirror

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

//go:embed schema.sql
var schema string

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
//
// Amounts are uint64 and stored bit-for-bit in BIGINT columns; no query
// orders or compares on them. Times are stored as Unix nanoseconds, zero
// meaning unset.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps db. Call Init before first use.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the mirror tables.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init mirror schema: %w", err)
		}
	}
	return nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

// decoder collects parse failures of text columns so a scan reports the
// first one instead of checking every field.
type decoder struct{ err error }

func (d *decoder) hash(s string) contracts.Hash {
	h, err := contracts.ParseHash(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return h
}

func (d *decoder) address(s string) contracts.Address {
	a, err := contracts.ParseAddress(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return a
}

func (d *decoder) selector(s string) contracts.Selector {
	sel, err := contracts.ParseSelector(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return sel
}

func (s *SQLStore) UpsertPermission(ctx context.Context, p Permission) error {
	query := `
		INSERT INTO mirror_permissions (id, owner, target, selector, max_value, max_token_amount, token_asset, expiry, active, granted_tx, granted_seq, granted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner,
			target = EXCLUDED.target,
			selector = EXCLUDED.selector,
			max_value = EXCLUDED.max_value,
			max_token_amount = EXCLUDED.max_token_amount,
			token_asset = EXCLUDED.token_asset,
			expiry = EXCLUDED.expiry,
			granted_tx = EXCLUDED.granted_tx,
			granted_seq = EXCLUDED.granted_seq,
			granted_at = EXCLUDED.granted_at
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID.String(), p.Owner.String(), p.Target.String(), p.Selector.String(),
		int64(p.MaxValue), int64(p.MaxTokenAmount), p.TokenAsset.String(), int64(p.Expiry),
		p.Active, p.GrantedTx, int64(p.GrantedSeq), nanos(p.GrantedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert permission %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLStore) RevokePermission(ctx context.Context, id contracts.Hash, at time.Time, txID string) (bool, error) {
	query := `
		UPDATE mirror_permissions SET active = $1, revoked_at = $2, revoked_tx = $3
		WHERE id = $4 AND revoked_tx = ''
	`
	res, err := s.db.ExecContext(ctx, query, false, nanos(at), txID, id.String())
	if err != nil {
		return false, fmt.Errorf("revoke permission %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mirror_permissions WHERE id = $1`, id.String()).Scan(&count); err != nil {
		return false, fmt.Errorf("lookup permission %s: %w", id, err)
	}
	return count > 0, nil
}

const permissionColumns = `id, owner, target, selector, max_value, max_token_amount, token_asset, expiry, active, granted_tx, granted_seq, granted_at, revoked_tx, revoked_at`

func scanPermission(row scanner) (Permission, error) {
	var (
		p                                       Permission
		id, owner, target, selector, tokenAsset string
		maxValue, maxToken, expiry, grantedSeq  int64
		grantedAt, revokedAt                    int64
	)
	if err := row.Scan(&id, &owner, &target, &selector, &maxValue, &maxToken, &tokenAsset, &expiry,
		&p.Active, &p.GrantedTx, &grantedSeq, &grantedAt, &p.RevokedTx, &revokedAt); err != nil {
		return Permission{}, err
	}
	var d decoder
	p.ID = d.hash(id)
	p.Owner = d.address(owner)
	p.Target = d.address(target)
	p.Selector = d.selector(selector)
	p.TokenAsset = d.address(tokenAsset)
	p.MaxValue = uint64(maxValue)
	p.MaxTokenAmount = uint64(maxToken)
	p.Expiry = uint64(expiry)
	p.GrantedSeq = uint64(grantedSeq)
	p.GrantedAt = fromNanos(grantedAt)
	p.RevokedAt = fromNanos(revokedAt)
	if d.err != nil {
		return Permission{}, fmt.Errorf("decode permission %s: %w", id, d.err)
	}
	return p, nil
}

func (s *SQLStore) Permission(ctx context.Context, id contracts.Hash) (Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM mirror_permissions WHERE id = $1`
	p, err := scanPermission(s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return Permission{}, fmt.Errorf("permission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Permission{}, fmt.Errorf("get permission %s: %w", id, err)
	}
	return p, nil
}

func (s *SQLStore) Permissions(ctx context.Context, f PermissionFilter) ([]Permission, error) {
	var (
		where []string
		args  []any
	)
	if !f.Owner.IsZero() {
		args = append(args, f.Owner.String())
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	if f.Active != nil {
		args = append(args, *f.Active)
		where = append(where, fmt.Sprintf("active = $%d", len(args)))
	}
	query := `SELECT ` + permissionColumns + ` FROM mirror_permissions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY granted_seq ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertExecution(ctx context.Context, e Execution) error {
	query := `
		INSERT INTO mirror_executions (id, permission_id, kind, caller, target, selector, value, success, reason, tx_id, seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			permission_id = EXCLUDED.permission_id,
			kind = EXCLUDED.kind,
			caller = EXCLUDED.caller,
			target = EXCLUDED.target,
			selector = EXCLUDED.selector,
			value = EXCLUDED.value,
			success = EXCLUDED.success,
			reason = EXCLUDED.reason,
			tx_id = EXCLUDED.tx_id,
			seq = EXCLUDED.seq,
			created_at = EXCLUDED.created_at
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID.String(), e.PermissionID.String(), string(e.Kind), e.Caller.String(), e.Target.String(), e.Selector.String(),
		int64(e.Value), e.Success, e.Reason, e.TxID, int64(e.Sequence), nanos(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert execution %s: %w", e.ID, err)
	}
	return nil
}

const executionColumns = `id, permission_id, kind, caller, target, selector, value, success, reason, tx_id, seq, created_at`

func scanExecution(row scanner) (Execution, error) {
	var (
		e                                          Execution
		id, permissionID, kind, caller, target, selector string
		value, seq, createdAt                            int64
	)
	if err := row.Scan(&id, &permissionID, &kind, &caller, &target, &selector, &value, &e.Success, &e.Reason,
		&e.TxID, &seq, &createdAt); err != nil {
		return Execution{}, err
	}
	var d decoder
	e.ID = d.hash(id)
	e.PermissionID = d.hash(permissionID)
	e.Kind = contracts.ExecutionKind(kind)
	e.Caller = d.address(caller)
	e.Target = d.address(target)
	e.Selector = d.selector(selector)
	e.Value = uint64(value)
	e.Sequence = uint64(seq)
	e.CreatedAt = fromNanos(createdAt)
	if d.err != nil {
		return Execution{}, fmt.Errorf("decode execution %s: %w", id, d.err)
	}
	return e, nil
}

func (s *SQLStore) Execution(ctx context.Context, id contracts.Hash) (Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM mirror_executions WHERE id = $1`
	e, err := scanExecution(s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Execution{}, fmt.Errorf("get execution %s: %w", id, err)
	}
	return e, nil
}

func (s *SQLStore) Executions(ctx context.Context, f ExecutionFilter) ([]Execution, error) {
	var (
		where []string
		args  []any
	)
	if !f.Caller.IsZero() {
		args = append(args, f.Caller.String())
		where = append(where, fmt.Sprintf("caller = $%d", len(args)))
	}
	if !f.PermissionID.IsZero() {
		args = append(args, f.PermissionID.String())
		where = append(where, fmt.Sprintf("permission_id = $%d", len(args)))
	}
	query := `SELECT ` + executionColumns + ` FROM mirror_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, seq ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertGrantedEvent(ctx context.Context, ev GrantedEvent) error {
	query := `
		INSERT INTO mirror_granted_events (tx_id, log_index, seq, at, permission_id, owner, target, selector, max_value, expiry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tx_id, log_index) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		ev.TxID, int64(ev.LogIndex), int64(ev.Sequence), nanos(ev.At), ev.PermissionID.String(),
		ev.Owner.String(), ev.Target.String(), ev.Selector.String(), int64(ev.MaxValue), int64(ev.Expiry),
	)
	if err != nil {
		return fmt.Errorf("insert granted event %s/%d: %w", ev.TxID, ev.LogIndex, err)
	}
	return nil
}

func (s *SQLStore) InsertRevokedEvent(ctx context.Context, ev RevokedEvent) error {
	query := `
		INSERT INTO mirror_revoked_events (tx_id, log_index, seq, at, permission_id, owner)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_id, log_index) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		ev.TxID, int64(ev.LogIndex), int64(ev.Sequence), nanos(ev.At), ev.PermissionID.String(), ev.Owner.String(),
	)
	if err != nil {
		return fmt.Errorf("insert revoked event %s/%d: %w", ev.TxID, ev.LogIndex, err)
	}
	return nil
}

func (s *SQLStore) InsertUsedEvent(ctx context.Context, ev UsedEvent) error {
	query := `
		INSERT INTO mirror_used_events (tx_id, log_index, seq, at, permission_id, execution_id, grantee, target, selector, value, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tx_id, log_index) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		ev.TxID, int64(ev.LogIndex), int64(ev.Sequence), nanos(ev.At), ev.PermissionID.String(),
		ev.ExecutionID.String(), ev.Grantee.String(), ev.Target.String(), ev.Selector.String(),
		int64(ev.Value), ev.Success,
	)
	if err != nil {
		return fmt.Errorf("insert used event %s/%d: %w", ev.TxID, ev.LogIndex, err)
	}
	return nil
}

func (s *SQLStore) GrantedEvents(ctx context.Context) ([]GrantedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id, log_index, seq, at, permission_id, owner, target, selector, max_value, expiry
		FROM mirror_granted_events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list granted events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []GrantedEvent
	for rows.Next() {
		var (
			ev                                  GrantedEvent
			logIndex, seq, at, maxValue, expiry int64
			permissionID, owner, target, sel    string
		)
		if err := rows.Scan(&ev.TxID, &logIndex, &seq, &at, &permissionID, &owner, &target, &sel, &maxValue, &expiry); err != nil {
			return nil, fmt.Errorf("scan granted event: %w", err)
		}
		var d decoder
		ev.LogIndex, ev.Sequence, ev.At = uint32(logIndex), uint64(seq), fromNanos(at)
		ev.PermissionID = d.hash(permissionID)
		ev.Owner = d.address(owner)
		ev.Target = d.address(target)
		ev.Selector = d.selector(sel)
		ev.MaxValue, ev.Expiry = uint64(maxValue), uint64(expiry)
		if d.err != nil {
			return nil, fmt.Errorf("decode granted event %s/%d: %w", ev.TxID, ev.LogIndex, d.err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) RevokedEvents(ctx context.Context) ([]RevokedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id, log_index, seq, at, permission_id, owner
		FROM mirror_revoked_events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list revoked events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []RevokedEvent
	for rows.Next() {
		var (
			ev                  RevokedEvent
			logIndex, seq, at   int64
			permissionID, owner string
		)
		if err := rows.Scan(&ev.TxID, &logIndex, &seq, &at, &permissionID, &owner); err != nil {
			return nil, fmt.Errorf("scan revoked event: %w", err)
		}
		var d decoder
		ev.LogIndex, ev.Sequence, ev.At = uint32(logIndex), uint64(seq), fromNanos(at)
		ev.PermissionID = d.hash(permissionID)
		ev.Owner = d.address(owner)
		if d.err != nil {
			return nil, fmt.Errorf("decode revoked event %s/%d: %w", ev.TxID, ev.LogIndex, d.err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) UsedEvents(ctx context.Context) ([]UsedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id, log_index, seq, at, permission_id, execution_id, grantee, target, selector, value, success
		FROM mirror_used_events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list used events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []UsedEvent
	for rows.Next() {
		var (
			ev                                              UsedEvent
			logIndex, seq, at, value                        int64
			permissionID, executionID, grantee, target, sel string
		)
		if err := rows.Scan(&ev.TxID, &logIndex, &seq, &at, &permissionID, &executionID, &grantee, &target, &sel, &value, &ev.Success); err != nil {
			return nil, fmt.Errorf("scan used event: %w", err)
		}
		var d decoder
		ev.LogIndex, ev.Sequence, ev.At = uint32(logIndex), uint64(seq), fromNanos(at)
		ev.PermissionID = d.hash(permissionID)
		ev.ExecutionID = d.hash(executionID)
		ev.Grantee = d.address(grantee)
		ev.Target = d.address(target)
		ev.Selector = d.selector(sel)
		ev.Value = uint64(value)
		if d.err != nil {
			return nil, fmt.Errorf("decode used event %s/%d: %w", ev.TxID, ev.LogIndex, d.err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) Cursor(ctx context.Context, name string) (uint64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM reconciler_cursors WHERE name = $1`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor %s: %w", name, err)
	}
	return uint64(seq), nil
}

func (s *SQLStore) SaveCursor(ctx context.Context, name string, seq uint64) error {
	query := `
		INSERT INTO reconciler_cursors (name, seq) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET seq = EXCLUDED.seq
	`
	if _, err := s.db.ExecContext(ctx, query, name, int64(seq)); err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}
	return nil
}

func (s *SQLStore) PutDeadLetter(ctx context.Context, d DeadLetter) error {
	query := `
		INSERT INTO reconciler_dead_letters (seq, shard, tx_id, log_index, kind, payload, error, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (seq) DO UPDATE SET
			error = EXCLUDED.error,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		int64(d.Sequence), d.Shard, d.TxID, int64(d.LogIndex), string(d.Kind), string(d.Payload),
		d.Error, string(DeadLetterPending), nanos(d.CreatedAt), nanos(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put dead letter %d: %w", d.Sequence, err)
	}
	return nil
}

const deadLetterColumns = `seq, shard, tx_id, log_index, kind, payload, error, status, created_at, updated_at`

func scanDeadLetter(row scanner) (DeadLetter, error) {
	var (
		d                               DeadLetter
		seq, logIndex, created, updated int64
		kind, payload, status           string
	)
	if err := row.Scan(&seq, &d.Shard, &d.TxID, &logIndex, &kind, &payload, &d.Error, &status, &created, &updated); err != nil {
		return DeadLetter{}, err
	}
	d.Sequence = uint64(seq)
	d.LogIndex = uint32(logIndex)
	d.Kind = contracts.EventKind(kind)
	d.Payload = []byte(payload)
	d.Status = DeadLetterStatus(status)
	d.CreatedAt = fromNanos(created)
	d.UpdatedAt = fromNanos(updated)
	return d, nil
}

func (s *SQLStore) DeadLetter(ctx context.Context, seq uint64) (DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM reconciler_dead_letters WHERE seq = $1`
	d, err := scanDeadLetter(s.db.QueryRowContext(ctx, query, int64(seq)))
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, fmt.Errorf("dead letter %d: %w", seq, ErrNotFound)
	}
	if err != nil {
		return DeadLetter{}, fmt.Errorf("get dead letter %d: %w", seq, err)
	}
	return d, nil
}

func (s *SQLStore) DeadLetters(ctx context.Context, status DeadLetterStatus) ([]DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM reconciler_dead_letters`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) ResolveDeadLetter(ctx context.Context, seq uint64, status DeadLetterStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reconciler_dead_letters SET status = $1, updated_at = $2 WHERE seq = $3`,
		string(status), nanos(at), int64(seq))
	if err != nil {
		return fmt.Errorf("resolve dead letter %d: %w", seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("dead letter %d: %w", seq, ErrNotFound)
	}
	return nil
}
