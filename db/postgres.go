package db

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stagegate.evalgo.org/common"
)

// PostgresConfig bounds the warm-tier connection pool.
type PostgresConfig struct {
	URL          string
	MaxIdleConns int
	MaxOpenConns int
	ConnLifetime time.Duration
	OpTimeout    time.Duration
}

// Postgres is the warm-tier relational store client. The pool is bounded
// (min 2 idle, max 10 open by default); exhaustion blocks callers until
// the driver-level wait times out, which surfaces as a transient error.
type Postgres struct {
	gorm      *gorm.DB
	opTimeout time.Duration
}

// NewPostgres opens the warm-tier connection pool and runs migrations for
// all StageGate tables.
func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.ConnLifetime <= 0 {
		cfg.ConnLifetime = time.Hour
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}

	g, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, common.NewTransient(err, "failed to connect to postgres")
	}

	sqlDB, err := g.DB()
	if err != nil {
		return nil, common.NewFailure(err, "failed to access sql pool")
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnLifetime)

	p := &Postgres{gorm: g, opTimeout: cfg.OpTimeout}
	if err := p.Migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Migrate creates or updates all warm-tier tables.
func (p *Postgres) Migrate() error {
	err := p.gorm.AutoMigrate(
		&User{},
		&UserSession{},
		&Interaction{},
		&HumanEdit{},
		&UserProtocolStatus{},
		&QuarantineMessage{},
		&ProtocolAuditLog{},
		&AgentConfig{},
		&PromptLibraryEntry{},
		&MemoryInteractionMetadata{},
		&MemoryUserProfile{},
		&AuthAuditLog{},
	)
	if err != nil {
		return common.NewFailure(err, "migration failed")
	}
	return nil
}

// DB exposes the underlying gorm handle scoped to a per-operation timeout.
func (p *Postgres) DB(ctx context.Context) *gorm.DB {
	return p.gorm.WithContext(ctx)
}

// OpTimeout is the configured per-operation timeout.
func (p *Postgres) OpTimeout() time.Duration { return p.opTimeout }

// ErrorClass categorizes relational store failures for retry decisions.
type ErrorClass int

const (
	// ClassConstraint marks unique/foreign-key violations. Not retryable.
	ClassConstraint ErrorClass = iota

	// ClassDeadlock marks serialization failures. Retry with backoff.
	ClassDeadlock

	// ClassConnLoss marks a dropped connection. Retry after reconnect.
	ClassConnLoss

	// ClassTimeout marks a statement or pool-wait timeout.
	ClassTimeout

	// ClassOther marks everything else.
	ClassOther
)

// Classify inspects a gorm/pgx error chain and reports its class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "violates unique constraint") ||
		strings.Contains(msg, "violates foreign key") ||
		strings.Contains(msg, "sqlstate 23"):
		return ClassConstraint
	case strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "sqlstate 40p01") ||
		strings.Contains(msg, "could not serialize"):
		return ClassDeadlock
	case errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(msg, "statement timeout") ||
		strings.Contains(msg, "timeout"):
		return ClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad connection") {
		return ClassConnLoss
	}

	return ClassOther
}

// Translate maps a classified error into the common taxonomy.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return common.NewNotFound("record not found")
	}
	switch Classify(err) {
	case ClassConstraint:
		return common.NewConflict("constraint violation: %v", err)
	case ClassDeadlock, ClassConnLoss, ClassTimeout:
		return common.NewTransient(err, "relational store error")
	default:
		return common.NewFailure(err, "relational store error")
	}
}

const txAttempts = 3

// WithTx runs fn inside a transaction with a per-operation deadline.
// Deadlocks and connection loss are retried up to 3 times with
// exponential backoff; constraint violations fail immediately.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	backoff := 50 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < txAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
		err := p.gorm.WithContext(opCtx).Transaction(fn)
		cancel()

		if err == nil {
			return nil
		}

		// Errors already in the taxonomy (conflicts from the state
		// machine, validation) pass through untouched.
		var ce *common.Error
		if errors.As(err, &ce) {
			return err
		}

		switch Classify(err) {
		case ClassDeadlock, ClassConnLoss:
			lastErr = err
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return common.NewTransient(ctx.Err(), "transaction canceled")
			}
			backoff *= 2
			continue
		default:
			return Translate(err)
		}
	}

	return common.NewTransient(lastErr, "transaction retries exhausted")
}

// Close shuts down the pool.
func (p *Postgres) Close() error {
	sqlDB, err := p.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
