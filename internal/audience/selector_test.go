package audience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Pevznergo/newchat-sub000/internal/apperrors"
	"github.com/Pevznergo/newchat-sub000/internal/database"
	"github.com/Pevznergo/newchat-sub000/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, u models.User) uint {
	t.Helper()
	require.NoError(t, db.Create(&u).Error)
	return u.ID
}

func TestSelectAfterRegistration(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	oldUser := seedUser(t, db, models.User{TgID: 1, ChatID: 1, RegisteredAt: now.Add(-48 * time.Hour)})
	seedUser(t, db, models.User{TgID: 2, ChatID: 2, RegisteredAt: now.Add(-1 * time.Hour)})

	sel := NewSelector(db)
	ids, err := sel.Select(context.Background(), now, models.TriggerAfterRegistration, 24, models.AudienceAll, "")
	require.NoError(t, err)
	assert.Equal(t, []uint{oldUser}, ids)
}

func TestSelectAfterLastMessageExcludesFreshUsers(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	stale := now.Add(-30 * time.Hour)
	fresh := now.Add(-1 * time.Hour)

	staleUser := seedUser(t, db, models.User{TgID: 1, ChatID: 1, RegisteredAt: now.Add(-100 * time.Hour), LastMessageAt: &stale})
	// Wrote again recently: no longer eligible.
	seedUser(t, db, models.User{TgID: 2, ChatID: 2, RegisteredAt: now.Add(-100 * time.Hour), LastMessageAt: &fresh})
	// Never wrote at all: not eligible for this trigger.
	seedUser(t, db, models.User{TgID: 3, ChatID: 3, RegisteredAt: now.Add(-100 * time.Hour)})

	sel := NewSelector(db)
	ids, err := sel.Select(context.Background(), now, models.TriggerAfterLastMessage, 24, models.AudienceAll, "")
	require.NoError(t, err)
	assert.Equal(t, []uint{staleUser}, ids)
}

func TestSelectLimitReachedWithinLookback(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	recent := now.Add(-2 * time.Hour)
	ancient := now.Add(-100 * time.Hour)

	recentHit := seedUser(t, db, models.User{TgID: 1, ChatID: 1, LimitReachedAt: &recent})
	seedUser(t, db, models.User{TgID: 2, ChatID: 2, LimitReachedAt: &ancient})

	sel := NewSelector(db)
	ids, err := sel.Select(context.Background(), now, models.TriggerLimitReached, 24, models.AudienceAll, "")
	require.NoError(t, err)
	assert.Equal(t, []uint{recentHit}, ids)
}

func TestSelectAudienceTagNarrows(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()
	seen := now.Add(-48 * time.Hour)

	freeUser := seedUser(t, db, models.User{TgID: 1, ChatID: 1, Tariff: models.AudienceFree, LastSeenAt: &seen})
	premiumUser := seedUser(t, db, models.User{TgID: 2, ChatID: 2, Tariff: models.AudiencePremium, LastSeenAt: &seen})

	sel := NewSelector(db)

	ids, err := sel.Select(context.Background(), now, models.TriggerInactiveUser, 24, models.AudienceFree, "")
	require.NoError(t, err)
	assert.Equal(t, []uint{freeUser}, ids)

	ids, err = sel.Select(context.Background(), now, models.TriggerInactiveUser, 24, models.AudiencePremium, "")
	require.NoError(t, err)
	assert.Equal(t, []uint{premiumUser}, ids)

	ids, err = sel.Select(context.Background(), now, models.TriggerInactiveUser, 24, models.AudienceAll, "")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestSelectConditions(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()
	seen := now.Add(-48 * time.Hour)

	noSub := seedUser(t, db, models.User{TgID: 1, ChatID: 1, LastSeenAt: &seen, HasSubscription: false})
	seedUser(t, db, models.User{TgID: 2, ChatID: 2, LastSeenAt: &seen, HasSubscription: true})

	sel := NewSelector(db)
	ids, err := sel.Select(context.Background(), now, models.TriggerInactiveUser, 24, models.AudienceAll, `{"has_subscription": false}`)
	require.NoError(t, err)
	assert.Equal(t, []uint{noSub}, ids)
}

func TestSelectUnknownConditionRejected(t *testing.T) {
	db := newTestDB(t)
	sel := NewSelector(db)

	_, err := sel.Select(context.Background(), time.Now(), models.TriggerInactiveUser, 24, models.AudienceAll, `{"favorite_color": "blue"}`)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestSelectUnknownTriggerRejected(t *testing.T) {
	db := newTestDB(t)
	sel := NewSelector(db)

	_, err := sel.Select(context.Background(), time.Now(), "full_moon", 24, models.AudienceAll, "")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestSelectIsDeterministic(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()
	seen := now.Add(-48 * time.Hour)

	for i := int64(1); i <= 5; i++ {
		seedUser(t, db, models.User{TgID: i, ChatID: i, LastSeenAt: &seen})
	}

	sel := NewSelector(db)
	first, err := sel.Select(context.Background(), now, models.TriggerInactiveUser, 24, models.AudienceAll, "")
	require.NoError(t, err)
	second, err := sel.Select(context.Background(), now, models.TriggerInactiveUser, 24, models.AudienceAll, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSelectAudienceForCampaignSnapshot(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()
	seen := now.Add(-40 * 24 * time.Hour)

	dormant := seedUser(t, db, models.User{TgID: 1, ChatID: 1, LastSeenAt: &seen})
	active := seedUser(t, db, models.User{TgID: 2, ChatID: 2, LastSeenAt: &now})

	sel := NewSelector(db)

	ids, err := sel.SelectAudience(context.Background(), now, models.AudienceAll, "")
	require.NoError(t, err)
	assert.Equal(t, []uint{dormant, active}, ids)

	ids, err = sel.SelectAudience(context.Background(), now, models.AudienceAll, `{"min_inactive_days": 30}`)
	require.NoError(t, err)
	assert.Equal(t, []uint{dormant}, ids)
}
