package api

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// cachedResponse stores a previously-seen response for idempotent replay.
type cachedResponse struct {
	StatusCode int
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStore remembers responses to operator actions so a resent
// request does not act twice.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (*cachedResponse, bool)
	Set(ctx context.Context, key string, resp cachedResponse)
}

// MemoryIdempotencyStore holds cached responses in process.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*cachedResponse
	ttl     time.Duration
	clock   func() time.Time
}

// NewMemoryIdempotencyStore keeps responses for ttl.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
		clock:   time.Now,
	}
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*cachedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cached, exists := s.entries[key]
	if !exists {
		return nil, false
	}
	if s.clock().Sub(cached.CachedAt) >= s.ttl {
		delete(s.entries, key)
		return nil, false
	}
	return cached, true
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp cachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp.CachedAt = s.clock()
	s.entries[key] = &resp
}

const idempotencySchema = `CREATE TABLE IF NOT EXISTS api_idempotency_keys (
	key TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	body BYTEA NOT NULL,
	cached_at BIGINT NOT NULL
)`

// SQLIdempotencyStore keeps cached responses in the mirror database so they
// survive restarts.
type SQLIdempotencyStore struct {
	db    *sql.DB
	ttl   time.Duration
	clock func() time.Time
}

// NewSQLIdempotencyStore keeps responses for ttl in db. Call Init first.
func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db, ttl: ttl, clock: time.Now}
}

func (s *SQLIdempotencyStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, idempotencySchema); err != nil {
		return fmt.Errorf("create idempotency table: %w", err)
	}
	return nil
}

func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*cachedResponse, bool) {
	var (
		statusCode int
		body       []byte
		cachedAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, body, cached_at FROM api_idempotency_keys WHERE key = $1`, key,
	).Scan(&statusCode, &body, &cachedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.WarnContext(ctx, "idempotency lookup failed", "key", key, "error", err)
		}
		return nil, false
	}
	at := time.Unix(0, cachedAt)
	if s.clock().Sub(at) >= s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM api_idempotency_keys WHERE key = $1`, key)
		return nil, false
	}
	return &cachedResponse{StatusCode: statusCode, Body: body, CachedAt: at}, true
}

func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, resp cachedResponse) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_idempotency_keys (key, status_code, body, cached_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET status_code = excluded.status_code, body = excluded.body, cached_at = excluded.cached_at`,
		key, resp.StatusCode, resp.Body, s.clock().UnixNano(),
	)
	if err != nil {
		slog.WarnContext(ctx, "idempotency: failed to set key", "key", key, "error", err)
	}
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotent replays the cached response of a POST carrying an
// Idempotency-Key header that was already processed successfully. Keys are
// scoped to the authenticated grantee and the path, so callers never see
// each other's responses. It must run inside the auth middleware.
func Idempotent(store IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if r.Method != http.MethodPost || key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			subject := "anonymous"
			if grantee, ok := GranteeFrom(r.Context()); ok {
				subject = grantee.String()
			}
			scoped := subject + "|" + r.URL.Path + "|" + key

			if cached, ok := store.Check(r.Context(), scoped); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)
			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(r.Context(), scoped, cachedResponse{StatusCode: capture.statusCode, Body: capture.body.Bytes()})
			}
		})
	}
}
