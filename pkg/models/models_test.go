package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUsageRecordNormalize(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("lapsed unlimited reads as free with zero uses", func(t *testing.T) {
		expired := now.Add(-time.Hour)
		rec := UsageRecord{
			UserID:        "u1",
			UsesRemaining: UnlimitedUses,
			PlanKind:      PlanUnlimited,
			PlanExpiresAt: &expired,
		}

		got := rec.Normalize(now)
		assert.Equal(t, PlanFree, got.PlanKind)
		assert.Equal(t, 0, got.UsesRemaining)
		assert.Nil(t, got.PlanExpiresAt)
		assert.False(t, got.Unlimited(now))
	})

	t.Run("active unlimited is untouched", func(t *testing.T) {
		future := now.Add(24 * time.Hour)
		rec := UsageRecord{
			UserID:        "u1",
			UsesRemaining: UnlimitedUses,
			PlanKind:      PlanUnlimited,
			PlanExpiresAt: &future,
		}

		got := rec.Normalize(now)
		assert.Equal(t, PlanUnlimited, got.PlanKind)
		assert.True(t, got.Unlimited(now))
	})

	t.Run("unlimited without expiry never lapses", func(t *testing.T) {
		rec := UsageRecord{UserID: "u1", UsesRemaining: UnlimitedUses, PlanKind: PlanUnlimited}
		assert.False(t, rec.Expired(now))
		assert.True(t, rec.Unlimited(now))
	})

	t.Run("metered plans are never expired", func(t *testing.T) {
		past := now.Add(-time.Hour)
		rec := UsageRecord{UserID: "u1", UsesRemaining: 3, PlanKind: PlanPro, PlanExpiresAt: &past}
		assert.False(t, rec.Expired(now))
		assert.Equal(t, rec, rec.Normalize(now))
	})
}

func TestStudyMaterialsEmpty(t *testing.T) {
	assert.True(t, StudyMaterials{}.Empty())
	assert.False(t, StudyMaterials{Summary: "s"}.Empty())
	assert.False(t, StudyMaterials{Questions: []string{"q"}}.Empty())
}
