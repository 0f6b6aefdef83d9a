package mirror

import (
	"context"
	"database/sql"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

var (
	owner  = contracts.MustAddress("0x00000000000000000000000000000000000000a1")
	caller = contracts.MustAddress("0x00000000000000000000000000000000000000b2")
	target = contracts.MustAddress("0x00000000000000000000000000000000000000c3")
	t0     = time.Unix(1_700_000_000, 0).UTC()
)

func permission(seed string, seq uint64) Permission {
	return Permission{
		ID:         contracts.Keccak256([]byte(seed)),
		Owner:      owner,
		Target:     target,
		Selector:   contracts.WildcardSelector,
		MaxValue:   100,
		Active:     true,
		GrantedTx:  "tx-" + seed,
		GrantedSeq: seq,
		GrantedAt:  t0.Add(time.Duration(seq) * time.Second),
	}
}

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQLStore(db)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Init(context.Background()), "init is repeatable")
	return s
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, openSQLite(t))
}

func exerciseStore(t *testing.T, s Store) {
	t.Run("permissions", func(t *testing.T) { exercisePermissions(t, s) })
	t.Run("executions", func(t *testing.T) { exerciseExecutions(t, s) })
	t.Run("audit", func(t *testing.T) { exerciseAudit(t, s) })
	t.Run("cursors", func(t *testing.T) { exerciseCursors(t, s) })
	t.Run("dead letters", func(t *testing.T) { exerciseDeadLetters(t, s) })
}

func exercisePermissions(t *testing.T, s Store) {
	ctx := context.Background()
	first := permission("p1", 1)
	first.MaxTokenAmount = math.MaxUint64
	first.Expiry = 1_800_000_000
	second := permission("p2", 2)
	second.Owner = caller
	second.Selector = contracts.SelectorFromSignature(contracts.TransferSignature)

	require.NoError(t, s.UpsertPermission(ctx, second))
	require.NoError(t, s.UpsertPermission(ctx, first))
	require.NoError(t, s.UpsertPermission(ctx, first))

	got, err := s.Permission(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	found, err := s.RevokePermission(ctx, first.ID, t0.Add(time.Hour), "tx-revoke")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.RevokePermission(ctx, first.ID, t0.Add(2*time.Hour), "tx-revoke-again")
	require.NoError(t, err)
	assert.True(t, found, "already revoked is still found")

	found, err = s.RevokePermission(ctx, contracts.Keccak256([]byte("ghost")), t0, "tx-ghost")
	require.NoError(t, err)
	assert.False(t, found)

	// A replayed grant must not reactivate.
	require.NoError(t, s.UpsertPermission(ctx, first))
	got, err = s.Permission(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "tx-revoke", got.RevokedTx, "first revocation wins")
	assert.True(t, got.RevokedAt.Equal(t0.Add(time.Hour)))

	all, err := s.Permissions(ctx, PermissionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID, "ordered by grant")

	active := true
	live, err := s.Permissions(ctx, PermissionFilter{Active: &active})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, second.ID, live[0].ID)
	assert.Equal(t, second.Selector, live[0].Selector)

	mine, err := s.Permissions(ctx, PermissionFilter{Owner: owner, Limit: 5})
	require.NoError(t, err)
	require.Len(t, mine, 1)

	capped, err := s.Permissions(ctx, PermissionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, capped, 1)

	_, err = s.Permission(ctx, contracts.Keccak256([]byte("missing")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func exerciseExecutions(t *testing.T, s Store) {
	ctx := context.Background()
	parent := permission("exec-parent", 10)
	require.NoError(t, s.UpsertPermission(ctx, parent))

	mk := func(seed string, seq uint64, at time.Time) Execution {
		return Execution{
			ID:           contracts.Keccak256([]byte(seed)),
			PermissionID: parent.ID,
			Caller:       caller,
			Target:       target,
			Selector:     contracts.SelectorOf([]byte{0xde, 0xad, 0xbe, 0xef}),
			Value:        seq,
			Success:      seq%2 == 0,
			Reason:       "success",
			TxID:         "tx-" + seed,
			Sequence:     seq,
			CreatedAt:    at,
		}
	}
	late := mk("e-late", 11, t0.Add(time.Minute))
	early := mk("e-early", 13, t0)
	tie := mk("e-tie", 12, t0)

	for _, e := range []Execution{late, early, tie, late} {
		require.NoError(t, s.UpsertExecution(ctx, e))
	}

	got, err := s.Execution(ctx, tie.ID)
	require.NoError(t, err)
	assert.Equal(t, tie, got)

	list, err := s.Executions(ctx, ExecutionFilter{Caller: caller})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []contracts.Hash{tie.ID, early.ID, late.ID},
		[]contracts.Hash{list[0].ID, list[1].ID, list[2].ID}, "ordered by time then sequence")

	byParent, err := s.Executions(ctx, ExecutionFilter{PermissionID: parent.ID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, byParent, 2)

	none, err := s.Executions(ctx, ExecutionFilter{Caller: owner})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.Execution(ctx, contracts.Keccak256([]byte("missing")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func exerciseAudit(t *testing.T, s Store) {
	ctx := context.Background()
	id := contracts.Keccak256([]byte("audit"))
	ref := func(tx string, idx uint32, seq uint64) EventRef {
		return EventRef{TxID: tx, LogIndex: idx, Sequence: seq, At: t0}
	}

	granted := GrantedEvent{EventRef: ref("tx-g", 0, 20), PermissionID: id, Owner: owner, Target: target,
		Selector: contracts.WildcardSelector, MaxValue: math.MaxUint64, Expiry: 5}
	used := UsedEvent{EventRef: ref("tx-u", 1, 22), PermissionID: id, ExecutionID: contracts.Keccak256([]byte("x")),
		Grantee: owner, Target: target, Selector: contracts.WildcardSelector, Value: 7, Success: true}
	revoked := RevokedEvent{EventRef: ref("tx-r", 0, 23), PermissionID: id, Owner: owner}

	for i := 0; i < 2; i++ {
		require.NoError(t, s.InsertGrantedEvent(ctx, granted))
		require.NoError(t, s.InsertUsedEvent(ctx, used))
		require.NoError(t, s.InsertRevokedEvent(ctx, revoked))
	}
	changed := granted
	changed.MaxValue = 1
	require.NoError(t, s.InsertGrantedEvent(ctx, changed), "conflicting insert is ignored")

	g, err := s.GrantedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, g, 1)
	assert.Equal(t, granted, g[0])

	u, err := s.UsedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, u, 1)
	assert.Equal(t, used, u[0])

	r, err := s.RevokedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, r, 1)
	assert.Equal(t, revoked, r[0])
}

func exerciseCursors(t *testing.T, s Store) {
	ctx := context.Background()
	seq, err := s.Cursor(ctx, "shard-0")
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, s.SaveCursor(ctx, "shard-0", 7))
	require.NoError(t, s.SaveCursor(ctx, "shard-0", 9))
	require.NoError(t, s.SaveCursor(ctx, "shard-1", 3))

	seq, err = s.Cursor(ctx, "shard-0")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), seq)
}

func exerciseDeadLetters(t *testing.T, s Store) {
	ctx := context.Background()
	letter := DeadLetter{
		Sequence: 42, Shard: 1, TxID: "tx-bad", LogIndex: 0,
		Kind: contracts.KindCapabilityGranted, Payload: []byte(`{"grantee":1}`),
		Error: "malformed event", CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.PutDeadLetter(ctx, letter))

	got, err := s.DeadLetter(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, DeadLetterPending, got.Status)
	assert.Equal(t, "tx-bad", got.TxID)
	assert.JSONEq(t, `{"grantee":1}`, string(got.Payload))

	require.NoError(t, s.ResolveDeadLetter(ctx, 42, DeadLetterRetry, t0.Add(time.Minute)))
	retry, err := s.DeadLetters(ctx, DeadLetterRetry)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	assert.True(t, retry[0].UpdatedAt.Equal(t0.Add(time.Minute)))

	// Parking the same event again resets it to pending.
	letter.Error = "still malformed"
	letter.UpdatedAt = t0.Add(2 * time.Minute)
	require.NoError(t, s.PutDeadLetter(ctx, letter))
	pending, err := s.DeadLetters(ctx, DeadLetterPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "still malformed", pending[0].Error)
	assert.True(t, pending[0].CreatedAt.Equal(t0))

	all, err := s.DeadLetters(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.ErrorIs(t, s.ResolveDeadLetter(ctx, 99, DeadLetterSkipped, t0), ErrNotFound)
	_, err = s.DeadLetter(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotDigestMatchesAcrossStores(t *testing.T) {
	ctx := context.Background()
	stores := []Store{NewMemoryStore(), openSQLite(t)}

	digests := make([]string, 0, len(stores))
	for _, s := range stores {
		p := permission("snap", 1)
		require.NoError(t, s.UpsertPermission(ctx, p))
		_, err := s.RevokePermission(ctx, p.ID, t0.Add(time.Second), "tx-r")
		require.NoError(t, err)
		require.NoError(t, s.InsertRevokedEvent(ctx, RevokedEvent{
			EventRef: EventRef{TxID: "tx-r", Sequence: 2, At: t0.Add(time.Second)}, PermissionID: p.ID, Owner: owner,
		}))
		require.NoError(t, s.SaveCursor(ctx, "shard-0", 2))

		snap, err := Take(ctx, s)
		require.NoError(t, err)
		d, err := snap.Digest()
		require.NoError(t, err)
		digests = append(digests, d)
	}
	assert.Equal(t, digests[0], digests[1])
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, digests[0])

	empty, err := Snapshot{}.Digest()
	require.NoError(t, err)
	emptyTaken, err := Take(ctx, NewMemoryStore())
	require.NoError(t, err)
	d, err := emptyTaken.Digest()
	require.NoError(t, err)
	assert.Equal(t, empty, d)
	assert.NotEqual(t, digests[0], empty)
}

func TestPostgresUpsertPermissionQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db)
	p := permission("pg", 3)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mirror_permissions")).
		WithArgs(p.ID.String(), owner.String(), target.String(), "*",
			int64(100), int64(0), contracts.ZeroAddress.String(), int64(0),
			true, "tx-pg", int64(3), p.GrantedAt.UnixNano()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.UpsertPermission(context.Background(), p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRevokeFallsBackToExistenceCheck(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db)
	id := contracts.Keccak256([]byte("pg"))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE mirror_permissions SET active = $1")).
		WithArgs(false, t0.UnixNano(), "tx-r", id.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM mirror_permissions WHERE id = $1")).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	found, err := s.RevokePermission(context.Background(), id, t0, "tx-r")
	require.NoError(t, err)
	assert.True(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPermissionsFilterPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db)
	active := false
	mock.ExpectQuery(regexp.QuoteMeta("FROM mirror_permissions WHERE owner = $1 AND active = $2 ORDER BY granted_seq ASC LIMIT $3")).
		WithArgs(owner.String(), false, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	out, err := s.Permissions(context.Background(), PermissionFilter{Owner: owner, Active: &active, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}
