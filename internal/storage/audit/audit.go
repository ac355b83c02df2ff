// Package audit persists a record of control-channel handshakes to Postgres,
// independent of the in-memory Authenticator state. It is the supplemented
// audit trail named in SPEC_FULL.md §12: nothing in the core protocol depends
// on it, so every method is a no-op when no DSN is configured.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultOperationTimeout = 5 * time.Second

type options struct {
	timeout     time.Duration
	maxConns    int32
	minConns    int32
	idleTimeout time.Duration
}

// Option configures a Log's pool and per-operation behaviour.
type Option func(*options)

// WithTimeout bounds how long an individual audit write may take.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPoolLimits bounds the underlying pgxpool connection count.
func WithPoolLimits(maxConns, minConns int32) Option {
	return func(o *options) {
		if maxConns > 0 {
			o.maxConns = maxConns
		}
		if minConns >= 0 {
			o.minConns = minConns
		}
	}
}

// WithMaxConnIdleTime bounds how long an idle pooled connection is kept open.
func WithMaxConnIdleTime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleTimeout = d
		}
	}
}

// Log records handshake outcomes for later inspection. A nil *Log (the
// zero-DSN case) is safe to call RecordHandshake/Close on.
type Log struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// Open connects to Postgres using dsn. An empty dsn returns a nil *Log and a
// nil error: callers should treat this as "auditing disabled".
func Open(ctx context.Context, dsn string, opts ...Option) (*Log, error) {
	if dsn == "" {
		return nil, nil
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse dsn: %w", err)
	}

	o := options{timeout: defaultOperationTimeout, maxConns: 4, minConns: 0}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	cfg.MaxConns = o.maxConns
	cfg.MinConns = o.minConns
	if o.idleTimeout > 0 {
		cfg.MaxConnIdleTime = o.idleTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: open pool: %w", err)
	}
	return &Log{pool: pool, timeout: o.timeout}, nil
}

// Result is the outcome of a single control-channel handshake attempt.
type Result string

const (
	ResultOK                 Result = "ok"
	ResultRejectedWhitelist  Result = "rejected_whitelist"
	ResultRejectedRateLimit  Result = "rejected_rate_limit"
	ResultRejectedRegister   Result = "rejected_register"
	ResultRejectedOpcode     Result = "rejected_opcode"
	ResultRejectedIO         Result = "rejected_io"
)

// RecordHandshake appends one audit row. It is a no-op on a nil Log.
func (l *Log) RecordHandshake(ctx context.Context, host, identifier string, result Result, at time.Time) error {
	if l == nil || l.pool == nil {
		return nil
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	_, err := l.pool.Exec(ctx, `
INSERT INTO handshake_audit (source_host, identifier, result, occurred_at)
VALUES ($1, $2, $3, $4)
`, host, identifier, string(result), at.UTC())
	return err
}

// Ping verifies connectivity. It is a no-op on a nil Log.
func (l *Log) Ping(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return nil
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	_, err = conn.Exec(ctx, "SELECT 1")
	return err
}

// Close releases pool resources. It is a no-op on a nil Log.
func (l *Log) Close(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		l.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (l *Log) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}
