// Package webhook receives Telegram updates. It is the trigger source of the
// messaging core: it registers users and refreshes the activity signals the
// audience selector reads. The core itself never writes these.
package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Pevznergo/newchat-sub000/internal/config"
	"github.com/Pevznergo/newchat-sub000/internal/models"
)

type Handler struct {
	db  *gorm.DB
	cfg *config.Config
	log *zap.Logger
}

func NewHandler(db *gorm.DB, cfg *config.Config, log *zap.Logger) *Handler {
	return &Handler{db: db, cfg: cfg, log: log}
}

// HandleUpdate processes one bot API update. Always answers 200 once the
// payload parses; Telegram retries anything else.
func (h *Handler) HandleUpdate(c *gin.Context) {
	if h.cfg.WebhookSecret != "" &&
		c.GetHeader("X-Telegram-Bot-Api-Secret-Token") != h.cfg.WebhookSecret {
		c.Status(http.StatusForbidden)
		return
	}

	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		h.log.Warn("invalid webhook payload", zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}

	from, chatID, isMessage := extractSender(&update)
	if from == nil {
		c.Status(http.StatusOK)
		return
	}

	if err := h.touchUser(c.Request.Context(), from, chatID, isMessage); err != nil {
		h.log.Error("user activity update failed",
			zap.Int64("tg_id", from.ID),
			zap.Error(err),
		)
	}

	c.Status(http.StatusOK)
}

func extractSender(update *tgbotapi.Update) (from *tgbotapi.User, chatID int64, isMessage bool) {
	switch {
	case update.Message != nil:
		return update.Message.From, update.Message.Chat.ID, true
	case update.EditedMessage != nil:
		return update.EditedMessage.From, update.EditedMessage.Chat.ID, false
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		if cq.Message != nil {
			return cq.From, cq.Message.Chat.ID, false
		}
		return cq.From, 0, false
	default:
		return nil, 0, false
	}
}

// touchUser upserts the user row and refreshes last_seen_at, plus
// last_message_at for inbound messages.
func (h *Handler) touchUser(ctx context.Context, from *tgbotapi.User, chatID int64, isMessage bool) error {
	now := time.Now()

	var user models.User
	err := h.db.WithContext(ctx).First(&user, "tg_id = ?", from.ID).Error
	if err == gorm.ErrRecordNotFound {
		user = models.User{
			TgID:         from.ID,
			ChatID:       chatID,
			Username:     from.UserName,
			FirstName:    from.FirstName,
			Tariff:       models.AudienceFree,
			RegisteredAt: now,
			LastSeenAt:   &now,
		}
		if isMessage {
			user.LastMessageAt = &now
		}
		return h.db.WithContext(ctx).Create(&user).Error
	}
	if err != nil {
		return err
	}

	updates := map[string]any{
		"last_seen_at": now,
		"username":     from.UserName,
		"first_name":   from.FirstName,
	}
	if chatID != 0 {
		updates["chat_id"] = chatID
	}
	if isMessage {
		updates["last_message_at"] = now
	}
	return h.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", user.ID).
		Updates(updates).Error
}
