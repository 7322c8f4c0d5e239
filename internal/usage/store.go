// Package usage is the durable metered-usage store: one row per user
// holding the remaining credit balance and plan state.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/studyforge/studyforge/pkg/database"
	"github.com/studyforge/studyforge/pkg/models"
	"go.uber.org/zap"
)

// Store persists usage records in PostgreSQL. All balance mutations are
// single atomic statements; callers never read-modify-write.
type Store struct {
	db          *database.Database
	logger      *zap.Logger
	freeCredits int
}

// NewStore creates a usage store. freeCredits is the starting balance
// for lazily created free-plan records.
func NewStore(db *database.Database, logger *zap.Logger, freeCredits int) *Store {
	if freeCredits <= 0 {
		freeCredits = GrantFor(models.PlanFree).Credits
	}
	return &Store{db: db, logger: logger, freeCredits: freeCredits}
}

const recordColumns = `user_id, uses_remaining, plan_kind, plan_expires_at, created_at, updated_at`

func scanRecord(row pgx.Row) (models.UsageRecord, error) {
	var rec models.UsageRecord
	err := row.Scan(
		&rec.UserID,
		&rec.UsesRemaining,
		&rec.PlanKind,
		&rec.PlanExpiresAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}

// Get returns the record for a user. A lapsed unlimited plan is
// downgraded to free with zero credits before it is returned (lazy
// expiry on read; there is no background sweep).
func (s *Store) Get(ctx context.Context, userID string) (models.UsageRecord, bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE usage_records
		SET plan_kind = 'free', uses_remaining = 0, plan_expires_at = NULL, updated_at = NOW()
		WHERE user_id = $1
			AND plan_kind = 'unlimited'
			AND plan_expires_at IS NOT NULL
			AND plan_expires_at < NOW()
	`, userID)
	if err != nil {
		return models.UsageRecord{}, false, fmt.Errorf("expire unlimited plan: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.logger.Info("downgraded lapsed unlimited plan",
			zap.String("user_id", userID),
		)
	}

	rec, err := scanRecord(s.db.Pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM usage_records
		WHERE user_id = $1
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UsageRecord{}, false, nil
	}
	if err != nil {
		return models.UsageRecord{}, false, fmt.Errorf("select usage record: %w", err)
	}
	return rec, true, nil
}

// CreateDefault inserts a free-plan record with the starting credit
// balance. If a record already exists it is returned unchanged.
func (s *Store) CreateDefault(ctx context.Context, userID string) (models.UsageRecord, error) {
	rec, err := scanRecord(s.db.Pool.QueryRow(ctx, `
		INSERT INTO usage_records (user_id, uses_remaining, plan_kind)
		VALUES ($1, $2, 'free')
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING `+recordColumns, userID, s.freeCredits))
	if err != nil {
		return models.UsageRecord{}, fmt.Errorf("create default usage record: %w", err)
	}
	return rec, nil
}

// DecrementOne atomically consumes one credit. The unlimited sentinel
// and an already-empty balance are left untouched; lost updates under
// concurrent decrements are impossible because the conditional lives in
// the statement itself.
func (s *Store) DecrementOne(ctx context.Context, userID string) (models.UsageRecord, error) {
	rec, err := scanRecord(s.db.Pool.QueryRow(ctx, `
		UPDATE usage_records
		SET uses_remaining = CASE
				WHEN uses_remaining > 0 THEN uses_remaining - 1
				ELSE uses_remaining
			END,
			updated_at = NOW()
		WHERE user_id = $1
		RETURNING `+recordColumns, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UsageRecord{}, fmt.Errorf("no usage record for user %s", userID)
	}
	if err != nil {
		return models.UsageRecord{}, fmt.Errorf("decrement usage record: %w", err)
	}
	return rec, nil
}

// AddCredits grants purchased credits. Unlimited balances are left at
// the sentinel; a missing record is created on the fly so a credit-pack
// purchase before first use is never lost.
func (s *Store) AddCredits(ctx context.Context, userID string, n int) (models.UsageRecord, error) {
	if n <= 0 {
		return models.UsageRecord{}, fmt.Errorf("credit grant must be positive, got %d", n)
	}
	rec, err := scanRecord(s.db.Pool.QueryRow(ctx, `
		INSERT INTO usage_records (user_id, uses_remaining, plan_kind)
		VALUES ($1, $2, 'free')
		ON CONFLICT (user_id) DO UPDATE
		SET uses_remaining = CASE
				WHEN usage_records.uses_remaining < 0 THEN usage_records.uses_remaining
				ELSE usage_records.uses_remaining + $2
			END,
			updated_at = NOW()
		RETURNING `+recordColumns, userID, n))
	if err != nil {
		return models.UsageRecord{}, fmt.Errorf("add credits: %w", err)
	}
	return rec, nil
}

// SetPlan applies a subscription change. Unlimited plans store the
// period end for lazy expiry; metered plans receive their grant and
// clear any expiry.
func (s *Store) SetPlan(ctx context.Context, userID string, kind models.PlanKind, expiresAt *time.Time) (models.UsageRecord, error) {
	if !kind.Valid() {
		return models.UsageRecord{}, fmt.Errorf("unknown plan kind %q", kind)
	}

	grant := GrantFor(kind)
	uses := grant.Credits
	if grant.Unlimited {
		uses = models.UnlimitedUses
	} else {
		expiresAt = nil
	}

	rec, err := scanRecord(s.db.Pool.QueryRow(ctx, `
		INSERT INTO usage_records (user_id, uses_remaining, plan_kind, plan_expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET uses_remaining = EXCLUDED.uses_remaining,
			plan_kind = EXCLUDED.plan_kind,
			plan_expires_at = EXCLUDED.plan_expires_at,
			updated_at = NOW()
		RETURNING `+recordColumns, userID, uses, string(kind), expiresAt))
	if err != nil {
		return models.UsageRecord{}, fmt.Errorf("set plan: %w", err)
	}

	s.logger.Info("plan changed",
		zap.String("user_id", userID),
		zap.String("plan_kind", string(kind)),
	)
	return rec, nil
}
