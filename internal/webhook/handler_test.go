package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Pevznergo/newchat-sub000/internal/config"
	"github.com/Pevznergo/newchat-sub000/internal/database"
	"github.com/Pevznergo/newchat-sub000/internal/models"
)

func newTestHandler(t *testing.T, secret string) (*gin.Engine, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))

	gin.SetMode(gin.TestMode)
	h := NewHandler(db, &config.Config{WebhookSecret: secret}, zap.NewNop())
	r := gin.New()
	r.POST("/webhook", h.HandleUpdate)
	return r, db
}

func postUpdate(r *gin.Engine, secret, payload string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Telegram-Bot-Api-Secret-Token", secret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const messageUpdate = `{
	"update_id": 1,
	"message": {
		"message_id": 10,
		"from": {"id": 777, "is_bot": false, "first_name": "Ada", "username": "ada"},
		"chat": {"id": 555, "type": "private"},
		"date": 1756700000,
		"text": "hi"
	}
}`

func TestHandleUpdateRegistersNewUser(t *testing.T) {
	r, db := newTestHandler(t, "")

	w := postUpdate(r, "", messageUpdate)
	require.Equal(t, http.StatusOK, w.Code)

	var user models.User
	require.NoError(t, db.First(&user, "tg_id = ?", 777).Error)
	assert.EqualValues(t, 555, user.ChatID)
	assert.Equal(t, "ada", user.Username)
	assert.Equal(t, models.AudienceFree, user.Tariff)
	assert.NotNil(t, user.LastSeenAt)
	assert.NotNil(t, user.LastMessageAt)
}

func TestHandleUpdateRefreshesExistingUser(t *testing.T) {
	r, db := newTestHandler(t, "")

	require.NoError(t, db.Create(&models.User{TgID: 777, ChatID: 1, Username: "old"}).Error)

	w := postUpdate(r, "", messageUpdate)
	require.Equal(t, http.StatusOK, w.Code)

	var user models.User
	require.NoError(t, db.First(&user, "tg_id = ?", 777).Error)
	assert.EqualValues(t, 555, user.ChatID)
	assert.Equal(t, "ada", user.Username)
	assert.NotNil(t, user.LastMessageAt)

	var count int64
	require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestHandleUpdateCallbackDoesNotTouchLastMessage(t *testing.T) {
	r, db := newTestHandler(t, "")

	payload := `{
		"update_id": 2,
		"callback_query": {
			"id": "cb1",
			"from": {"id": 777, "is_bot": false, "first_name": "Ada"},
			"message": {
				"message_id": 10,
				"chat": {"id": 555, "type": "private"},
				"date": 1756700000
			}
		}
	}`
	w := postUpdate(r, "", payload)
	require.Equal(t, http.StatusOK, w.Code)

	var user models.User
	require.NoError(t, db.First(&user, "tg_id = ?", 777).Error)
	assert.NotNil(t, user.LastSeenAt)
	assert.Nil(t, user.LastMessageAt)
}

func TestHandleUpdateRejectsBadSecret(t *testing.T) {
	r, db := newTestHandler(t, "s3cret")

	w := postUpdate(r, "wrong", messageUpdate)
	assert.Equal(t, http.StatusForbidden, w.Code)

	var count int64
	require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	w = postUpdate(r, "s3cret", messageUpdate)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleUpdateIgnoresUpdatesWithoutSender(t *testing.T) {
	r, db := newTestHandler(t, "")

	w := postUpdate(r, "", `{"update_id": 3}`)
	assert.Equal(t, http.StatusOK, w.Code)

	var count int64
	require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}
