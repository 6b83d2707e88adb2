package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/database"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/errors"
)

// AdvisoryLockRepository serializes work on a key across service replicas
// using PostgreSQL session-level advisory locks. Each held lock pins one
// pool connection until it is released.
type AdvisoryLockRepository struct {
	db *database.DB
}

// NewAdvisoryLockRepository creates a new AdvisoryLockRepository.
func NewAdvisoryLockRepository(db *database.DB) *AdvisoryLockRepository {
	return &AdvisoryLockRepository{db: db}
}

// Lock blocks until the lock for key is held or ctx is done. The returned
// func releases it and is safe to call more than once.
func (r *AdvisoryLockRepository) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to acquire lock connection")
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		conn.Release()
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to take advisory lock")
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			// The lock dies with the session; drop the connection instead of
			// returning it to the pool still holding the lock.
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}
