package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/Pevznergo/newchat-sub000/internal/apperrors"
	"github.com/Pevznergo/newchat-sub000/internal/delivery"
	"github.com/Pevznergo/newchat-sub000/internal/followup"
	"github.com/Pevznergo/newchat-sub000/internal/models"
	"github.com/Pevznergo/newchat-sub000/internal/telegram"
)

type QueueHandler struct {
	db       *gorm.DB
	worker   *delivery.Worker
	followup *followup.Engine
	channel  telegram.Channel
}

func NewQueueHandler(db *gorm.DB, worker *delivery.Worker, followupEngine *followup.Engine, channel telegram.Channel) *QueueHandler {
	return &QueueHandler{db: db, worker: worker, followup: followupEngine, channel: channel}
}

// ProcessQueue force-runs one delivery pass. Safe to race the cron tick; the
// per-row claim keeps the two passes from double-sending.
func (h *QueueHandler) ProcessQueue(c *gin.Context) {
	var req struct {
		BatchSize int `json:"batch_size"`
	}
	// Body is optional; default batch size applies.
	_ = c.ShouldBindJSON(&req)

	summary, err := h.worker.ProcessPending(c.Request.Context(), time.Now(), req.BatchSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// RunFollowUps force-runs one follow-up scheduling pass.
func (h *QueueHandler) RunFollowUps(c *gin.Context) {
	summary, err := h.followup.RunPass(c.Request.Context(), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetQueueStats returns the queue broken down by status.
func (h *QueueHandler) GetQueueStats(c *gin.Context) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	err := h.db.Model(&models.ScheduledSend{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	stats := gin.H{
		models.SendStatusPending:    int64(0),
		models.SendStatusProcessing: int64(0),
		models.SendStatusSent:       int64(0),
		models.SendStatusFailed:     int64(0),
	}
	for _, sc := range counts {
		stats[sc.Status] = sc.Count
	}
	c.JSON(http.StatusOK, stats)
}

// DeleteSentMessage removes a previously delivered message from the user's
// chat, using the identifier pair recorded on the send row.
func (h *QueueHandler) DeleteSentMessage(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid send id"})
		return
	}

	var send models.ScheduledSend
	if err := h.db.First(&send, uint(id)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			respondError(c, apperrors.NewNotFound("send", id))
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if send.Status != models.SendStatusSent || send.MessageID == 0 {
		respondError(c, apperrors.NewPrecondition("send %d has no delivered message", id))
		return
	}

	if err := h.channel.DeleteMessage(c.Request.Context(), send.ChatID, send.MessageID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message deleted"})
}
