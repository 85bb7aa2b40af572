// Package delivery drains the scheduled-send queue. It is the sole consumer
// of pending rows and the only writer of terminal status transitions. Each
// invocation is one bounded pass; an external scheduler re-invokes it.
package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Pevznergo/newchat-sub000/internal/campaign"
	"github.com/Pevznergo/newchat-sub000/internal/metrics"
	"github.com/Pevznergo/newchat-sub000/internal/models"
	"github.com/Pevznergo/newchat-sub000/internal/telegram"
)

// Notifier pushes per-send status updates to the admin dashboard feed.
type Notifier interface {
	NotifySend(s *models.ScheduledSend)
}

type Worker struct {
	db        *gorm.DB
	channel   telegram.Channel
	campaigns *campaign.Engine
	log       *zap.Logger
	notifier  Notifier // optional
}

func NewWorker(db *gorm.DB, channel telegram.Channel, campaigns *campaign.Engine, log *zap.Logger, notifier Notifier) *Worker {
	return &Worker{db: db, channel: channel, campaigns: campaigns, log: log, notifier: notifier}
}

// Summary is what a pass reports back to its invoker. The pass itself never
// returns delivery errors; they are recorded on the rows.
type Summary struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// ProcessPending handles up to batchSize due sends, oldest first. Concurrent
// passes are safe: each row is claimed with a conditional update before
// dispatch, and a pass that loses the claim race skips the row.
func (w *Worker) ProcessPending(ctx context.Context, now time.Time, batchSize int) (Summary, error) {
	var summary Summary
	if batchSize <= 0 {
		batchSize = 30
	}

	var sends []models.ScheduledSend
	err := w.db.WithContext(ctx).
		Preload("User").
		Preload("Template").
		Where("status = ? AND scheduled_at <= ?", models.SendStatusPending, now).
		Order("scheduled_at ASC, id ASC").
		Limit(batchSize).
		Find(&sends).Error
	if err != nil {
		return summary, err
	}

	for i := range sends {
		send := &sends[i]

		if !w.claim(ctx, send.ID) {
			// Another worker invocation owns this row.
			continue
		}
		summary.Total++

		if send.User.ChatID == 0 {
			w.markFailed(ctx, send, "user has no deliverable chat")
			summary.Failed++
			continue
		}

		delivered, err := w.dispatch(ctx, send)
		if err != nil {
			w.log.Warn("send dispatch failed",
				zap.Uint("send_id", send.ID),
				zap.Uint("user_id", send.UserID),
				zap.Error(err),
			)
			w.markFailed(ctx, send, err.Error())
			summary.Failed++
			continue
		}

		w.markSent(ctx, send, delivered, now)
		summary.Sent++
	}

	return summary, nil
}

// claim atomically transitions a row out of pending. A compare-and-set
// update, not a read-then-write pair: RowsAffected tells us whether this
// invocation won the row.
func (w *Worker) claim(ctx context.Context, sendID uint) bool {
	res := w.db.WithContext(ctx).
		Model(&models.ScheduledSend{}).
		Where("id = ? AND status = ?", sendID, models.SendStatusPending).
		Update("status", models.SendStatusProcessing)
	if res.Error != nil {
		w.log.Error("claim failed", zap.Uint("send_id", sendID), zap.Error(res.Error))
		return false
	}
	return res.RowsAffected == 1
}

func (w *Worker) dispatch(ctx context.Context, send *models.ScheduledSend) (telegram.Delivered, error) {
	tmpl := send.Template
	opts := telegram.SendOptions{
		ParseMode:    tmpl.ParseMode,
		KeyboardJSON: tmpl.Keyboard,
	}

	if tmpl.MediaFileID != "" {
		media := telegram.Media{Kind: tmpl.MediaType, FileID: tmpl.MediaFileID}
		return w.channel.SendMedia(ctx, send.User.ChatID, media, tmpl.Content, opts)
	}
	return w.channel.SendText(ctx, send.User.ChatID, tmpl.Content, opts)
}

func (w *Worker) markSent(ctx context.Context, send *models.ScheduledSend, delivered telegram.Delivered, now time.Time) {
	err := w.db.WithContext(ctx).
		Model(&models.ScheduledSend{}).
		Where("id = ?", send.ID).
		Updates(map[string]any{
			"status":     models.SendStatusSent,
			"message_id": delivered.MessageID,
			"chat_id":    delivered.ChatID,
			"sent_at":    now,
		}).Error
	if err != nil {
		w.log.Error("record sent status failed", zap.Uint("send_id", send.ID), zap.Error(err))
		return
	}
	send.Status = models.SendStatusSent
	send.MessageID = delivered.MessageID
	send.ChatID = delivered.ChatID

	w.track(ctx, send)
	w.afterTerminal(ctx, send)
}

func (w *Worker) markFailed(ctx context.Context, send *models.ScheduledSend, reason string) {
	// Failed is terminal: retry count is recorded for operator visibility,
	// there is no automatic requeue or backoff.
	err := w.db.WithContext(ctx).
		Model(&models.ScheduledSend{}).
		Where("id = ?", send.ID).
		Updates(map[string]any{
			"status":        models.SendStatusFailed,
			"error_message": reason,
			"retry_count":   gorm.Expr("retry_count + 1"),
		}).Error
	if err != nil {
		w.log.Error("record failed status failed", zap.Uint("send_id", send.ID), zap.Error(err))
		return
	}
	send.Status = models.SendStatusFailed
	send.ErrorMessage = reason
	send.RetryCount++

	metrics.SendsFailed.Inc()
	w.afterTerminal(ctx, send)
}

// track marks the send analytics-tracked. Best effort: a tracking failure
// never fails the send.
func (w *Worker) track(ctx context.Context, send *models.ScheduledSend) {
	metrics.SendsDelivered.Inc()
	err := w.db.WithContext(ctx).
		Model(&models.ScheduledSend{}).
		Where("id = ?", send.ID).
		Update("tracked", true).Error
	if err != nil {
		w.log.Warn("analytics tracking failed", zap.Uint("send_id", send.ID), zap.Error(err))
	}
}

// afterTerminal runs the per-send bookkeeping shared by both terminal
// transitions: the campaign completion check and the dashboard notification.
func (w *Worker) afterTerminal(ctx context.Context, send *models.ScheduledSend) {
	if send.CampaignID != nil {
		if err := w.campaigns.CheckCompletion(ctx, *send.CampaignID); err != nil {
			// Self-corrects on the next terminal send for this campaign.
			w.log.Error("campaign completion check failed",
				zap.Uint("campaign_id", *send.CampaignID),
				zap.Error(err),
			)
		}
	}
	if w.notifier != nil {
		w.notifier.NotifySend(send)
	}
}
