package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyStore persists processed keys together with the response that
// was sent for them.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

var (
	// ErrIdempotencyConflict indicates a duplicate key.
	ErrIdempotencyConflict = errors.New("idempotent request already processed")
	// ErrIdempotencyInFlight indicates the first request with the key has not finished.
	ErrIdempotencyInFlight = errors.New("idempotent request still in progress")
)

// IdempotentResponse is the stored outcome of a finished request.
type IdempotentResponse struct {
	Status int
	Body   []byte
}

// CheckAndInsert ensures key uniqueness per module.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)`, key, module, s.now())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

// Begin claims key for module. When the key was claimed before it returns the
// stored response, or ErrIdempotencyInFlight if that request has not completed.
func (s *IdempotencyStore) Begin(ctx context.Context, key, module string) (*IdempotentResponse, error) {
	err := s.CheckAndInsert(ctx, key, module)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, ErrIdempotencyConflict) {
		return nil, err
	}
	var (
		status *int
		body   []byte
	)
	err = s.pool.QueryRow(ctx, `SELECT response_status, response_body FROM idempotency_keys WHERE key=$1 AND module=$2`, key, module).
		Scan(&status, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		// Deleted between the insert and the read; the caller may retry.
		return nil, ErrIdempotencyInFlight
	}
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, ErrIdempotencyInFlight
	}
	return &IdempotentResponse{Status: *status, Body: body}, nil
}

// Complete stores the response for a key claimed with Begin.
func (s *IdempotencyStore) Complete(ctx context.Context, key, module string, resp IdempotentResponse) error {
	if s == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE idempotency_keys SET response_status=$1, response_body=$2 WHERE key=$3 AND module=$4`,
		resp.Status, resp.Body, key, module)
	return err
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := s.now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Delete removes a key, typically used to roll back failed processing.
func (s *IdempotencyStore) Delete(ctx context.Context, key, module string) error {
	if s == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key=$1 AND module=$2`, key, module)
	return err
}
