package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Pevznergo/newchat-sub000/internal/audience"
	"github.com/Pevznergo/newchat-sub000/internal/campaign"
	"github.com/Pevznergo/newchat-sub000/internal/database"
	"github.com/Pevznergo/newchat-sub000/internal/models"
	"github.com/Pevznergo/newchat-sub000/internal/telegram"
)

// fakeChannel counts dispatches per chat and fails on demand.
type fakeChannel struct {
	mu       sync.Mutex
	failFor  map[int64]error
	sends    map[int64]int
	media    []telegram.Media
	deleted  []int
	nextID   int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{failFor: map[int64]error{}, sends: map[int64]int{}}
}

func (f *fakeChannel) SendText(_ context.Context, chatID int64, _ string, _ telegram.SendOptions) (telegram.Delivered, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[chatID]++
	if err := f.failFor[chatID]; err != nil {
		return telegram.Delivered{}, err
	}
	f.nextID++
	return telegram.Delivered{MessageID: f.nextID, ChatID: chatID}, nil
}

func (f *fakeChannel) SendMedia(_ context.Context, chatID int64, media telegram.Media, _ string, _ telegram.SendOptions) (telegram.Delivered, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[chatID]++
	f.media = append(f.media, media)
	if err := f.failFor[chatID]; err != nil {
		return telegram.Delivered{}, err
	}
	f.nextID++
	return telegram.Delivered{MessageID: f.nextID, ChatID: chatID}, nil
}

func (f *fakeChannel) DeleteMessage(_ context.Context, _ int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeChannel) dispatchCount(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[chatID]
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []string
}

func (n *recordingNotifier) NotifySend(s *models.ScheduledSend) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, s.Status)
}

func newTestWorker(t *testing.T) (*Worker, *gorm.DB, *fakeChannel, *campaign.Engine, *recordingNotifier) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))

	channel := newFakeChannel()
	notifier := &recordingNotifier{}
	campaigns := campaign.NewEngine(db, audience.NewSelector(db), zap.NewNop(), nil)
	worker := NewWorker(db, channel, campaigns, zap.NewNop(), notifier)
	return worker, db, channel, campaigns, notifier
}

func seedUser(t *testing.T, db *gorm.DB, tgID, chatID int64) uint {
	t.Helper()
	u := models.User{TgID: tgID, ChatID: chatID}
	require.NoError(t, db.Create(&u).Error)
	return u.ID
}

func seedTemplate(t *testing.T, db *gorm.DB, mediaType, mediaFileID string) string {
	t.Helper()
	tmpl := models.Template{
		ID:          uuid.NewString(),
		Name:        "greeting",
		Content:     "hello",
		Type:        models.TemplateTypeFollowUp,
		MediaType:   mediaType,
		MediaFileID: mediaFileID,
		Active:      true,
	}
	require.NoError(t, db.Create(&tmpl).Error)
	return tmpl.ID
}

func seedPendingSend(t *testing.T, db *gorm.DB, userID uint, tmplID string, dueAt time.Time) uint {
	t.Helper()
	s := models.ScheduledSend{
		UserID:      userID,
		TemplateID:  tmplID,
		SendType:    models.SendTypeFollowUp,
		Status:      models.SendStatusPending,
		ScheduledAt: dueAt,
	}
	require.NoError(t, db.Create(&s).Error)
	return s.ID
}

func getSend(t *testing.T, db *gorm.DB, id uint) models.ScheduledSend {
	t.Helper()
	var s models.ScheduledSend
	require.NoError(t, db.First(&s, id).Error)
	return s
}

func TestProcessPendingDeliversDueSends(t *testing.T) {
	worker, db, channel, _, notifier := newTestWorker(t)
	now := time.Now()

	userID := seedUser(t, db, 1, 100)
	tmplID := seedTemplate(t, db, "", "")
	dueID := seedPendingSend(t, db, userID, tmplID, now.Add(-time.Minute))
	futureID := seedPendingSend(t, db, userID, tmplID, now.Add(time.Hour))

	summary, err := worker.ProcessPending(context.Background(), now, 30)
	require.NoError(t, err)
	assert.Equal(t, Summary{Sent: 1, Failed: 0, Total: 1}, summary)

	sent := getSend(t, db, dueID)
	assert.Equal(t, models.SendStatusSent, sent.Status)
	assert.NotZero(t, sent.MessageID)
	assert.EqualValues(t, 100, sent.ChatID)
	assert.NotNil(t, sent.SentAt)
	assert.True(t, sent.Tracked)

	// Not due yet: untouched.
	assert.Equal(t, models.SendStatusPending, getSend(t, db, futureID).Status)

	assert.Equal(t, 1, channel.dispatchCount(100))
	assert.Equal(t, []string{models.SendStatusSent}, notifier.statuses)
}

func TestProcessPendingClaimsEachRowOnce(t *testing.T) {
	worker, db, channel, _, _ := newTestWorker(t)
	now := time.Now()

	tmplID := seedTemplate(t, db, "", "")
	const n = 10
	for i := int64(1); i <= n; i++ {
		userID := seedUser(t, db, i, 1000+i)
		seedPendingSend(t, db, userID, tmplID, now.Add(-time.Minute))
	}

	// Two overlapping passes over the same queue. The conditional claim
	// update decides ownership; a row must never be dispatched twice.
	var wg sync.WaitGroup
	summaries := make([]Summary, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := worker.ProcessPending(context.Background(), now, n)
			assert.NoError(t, err)
			summaries[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, summaries[0].Total+summaries[1].Total)
	assert.Equal(t, n, summaries[0].Sent+summaries[1].Sent)

	for i := int64(1); i <= n; i++ {
		assert.Equal(t, 1, channel.dispatchCount(1000+i), "chat %d dispatched more than once", 1000+i)
	}

	var sentRows int64
	require.NoError(t, db.Model(&models.ScheduledSend{}).Where("status = ?", models.SendStatusSent).Count(&sentRows).Error)
	assert.EqualValues(t, n, sentRows)
}

func TestProcessPendingPartialFailure(t *testing.T) {
	worker, db, channel, _, _ := newTestWorker(t)
	now := time.Now()

	tmplID := seedTemplate(t, db, "", "")
	user1 := seedUser(t, db, 1, 101)
	user2 := seedUser(t, db, 2, 102)
	user3 := seedUser(t, db, 3, 103)

	first := seedPendingSend(t, db, user1, tmplID, now.Add(-3*time.Minute))
	second := seedPendingSend(t, db, user2, tmplID, now.Add(-2*time.Minute))
	third := seedPendingSend(t, db, user3, tmplID, now.Add(-time.Minute))

	channel.failFor[102] = errors.New("bot was blocked by the user")

	summary, err := worker.ProcessPending(context.Background(), now, 2)
	require.NoError(t, err)
	assert.Equal(t, Summary{Sent: 1, Failed: 1, Total: 2}, summary)

	assert.Equal(t, models.SendStatusSent, getSend(t, db, first).Status)

	failed := getSend(t, db, second)
	assert.Equal(t, models.SendStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "blocked")
	assert.Equal(t, 1, failed.RetryCount)

	// Outside the batch: left for the next pass, no automatic retry of the
	// failed row either.
	assert.Equal(t, models.SendStatusPending, getSend(t, db, third).Status)

	summary, err = worker.ProcessPending(context.Background(), now, 2)
	require.NoError(t, err)
	assert.Equal(t, Summary{Sent: 1, Failed: 0, Total: 1}, summary)
	assert.Equal(t, models.SendStatusFailed, getSend(t, db, second).Status)
}

func TestProcessPendingFailsUserWithoutChat(t *testing.T) {
	worker, db, channel, _, _ := newTestWorker(t)
	now := time.Now()

	userID := seedUser(t, db, 1, 0)
	tmplID := seedTemplate(t, db, "", "")
	sendID := seedPendingSend(t, db, userID, tmplID, now.Add(-time.Minute))

	summary, err := worker.ProcessPending(context.Background(), now, 30)
	require.NoError(t, err)
	assert.Equal(t, Summary{Sent: 0, Failed: 1, Total: 1}, summary)

	failed := getSend(t, db, sendID)
	assert.Equal(t, models.SendStatusFailed, failed.Status)
	assert.Equal(t, "user has no deliverable chat", failed.ErrorMessage)
	assert.Equal(t, 0, channel.dispatchCount(0))
}

func TestProcessPendingDispatchesMedia(t *testing.T) {
	worker, db, channel, _, _ := newTestWorker(t)
	now := time.Now()

	userID := seedUser(t, db, 1, 100)
	tmplID := seedTemplate(t, db, "photo", "AgACAgIAAxkBAAIB")
	seedPendingSend(t, db, userID, tmplID, now.Add(-time.Minute))

	summary, err := worker.ProcessPending(context.Background(), now, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)

	require.Len(t, channel.media, 1)
	assert.Equal(t, "photo", channel.media[0].Kind)
	assert.Equal(t, "AgACAgIAAxkBAAIB", channel.media[0].FileID)
}

func TestProcessPendingCompletesDrainedCampaign(t *testing.T) {
	worker, db, channel, campaigns, _ := newTestWorker(t)
	now := time.Now()

	seedUser(t, db, 1, 201)
	seedUser(t, db, 2, 202)
	tmplID := seedTemplate(t, db, "", "")

	c, err := campaigns.Create(context.Background(), campaign.CreateInput{
		Name:       "release notes",
		TemplateID: tmplID,
	})
	require.NoError(t, err)
	_, err = campaigns.Start(context.Background(), c.ID, now)
	require.NoError(t, err)

	channel.failFor[202] = errors.New("chat not found")

	summary, err := worker.ProcessPending(context.Background(), now, 30)
	require.NoError(t, err)
	assert.Equal(t, Summary{Sent: 1, Failed: 1, Total: 2}, summary)

	done, err := campaigns.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, done.Status)
	assert.Equal(t, 1, done.SentCount)
	assert.Equal(t, 1, done.FailedCount)

	stats, err := campaigns.Stats(context.Background(), c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Pending)
}
