// Package campaign manages broadcast campaigns: draft editing, the one-time
// recipient snapshot at start, derived progress stats, and the idempotent
// completion check the delivery worker triggers after every terminal send.
package campaign

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Pevznergo/newchat-sub000/internal/apperrors"
	"github.com/Pevznergo/newchat-sub000/internal/audience"
	"github.com/Pevznergo/newchat-sub000/internal/metrics"
	"github.com/Pevznergo/newchat-sub000/internal/models"
)

// Notifier pushes campaign status changes to the admin dashboard feed.
type Notifier interface {
	NotifyCampaign(c *models.BroadcastCampaign)
}

type Engine struct {
	db       *gorm.DB
	selector *audience.Selector
	log      *zap.Logger
	notifier Notifier // optional
}

func NewEngine(db *gorm.DB, selector *audience.Selector, log *zap.Logger, notifier Notifier) *Engine {
	return &Engine{db: db, selector: selector, log: log, notifier: notifier}
}

// CreateInput carries the admin-supplied campaign fields.
type CreateInput struct {
	Name           string     `json:"name"`
	TemplateID     string     `json:"template_id"`
	TargetAudience string     `json:"target_audience"`
	Filters        string     `json:"filters"`
	ScheduledAt    *time.Time `json:"scheduled_at"`
}

// Create persists a new campaign. Campaigns always begin in draft.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*models.BroadcastCampaign, error) {
	if in.Name == "" {
		return nil, apperrors.NewValidation("name", "required")
	}
	if in.TemplateID == "" {
		return nil, apperrors.NewValidation("template_id", "required")
	}

	var tmpl models.Template
	if err := e.db.WithContext(ctx).First(&tmpl, "id = ?", in.TemplateID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NewNotFound("template", in.TemplateID)
		}
		return nil, err
	}

	audienceTag := in.TargetAudience
	if audienceTag == "" {
		audienceTag = models.AudienceAll
	}

	c := &models.BroadcastCampaign{
		Name:           in.Name,
		TemplateID:     in.TemplateID,
		TargetAudience: audienceTag,
		Filters:        in.Filters,
		ScheduledAt:    in.ScheduledAt,
		Status:         models.CampaignStatusDraft,
	}
	if err := e.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	return c, nil
}

// UpdateInput carries optional edits; nil fields are left unchanged.
type UpdateInput struct {
	Name           *string    `json:"name"`
	TemplateID     *string    `json:"template_id"`
	TargetAudience *string    `json:"target_audience"`
	Filters        *string    `json:"filters"`
	ScheduledAt    *time.Time `json:"scheduled_at"`
}

// Update edits a campaign. Permitted only while the campaign is still draft.
func (e *Engine) Update(ctx context.Context, id uint, in UpdateInput) (*models.BroadcastCampaign, error) {
	c, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.CampaignStatusDraft {
		return nil, apperrors.NewPrecondition("campaign %d is %s, only draft campaigns can be edited", id, c.Status)
	}

	updates := map[string]any{}
	if in.Name != nil {
		updates["name"] = *in.Name
	}
	if in.TemplateID != nil {
		updates["template_id"] = *in.TemplateID
	}
	if in.TargetAudience != nil {
		updates["target_audience"] = *in.TargetAudience
	}
	if in.Filters != nil {
		updates["filters"] = *in.Filters
	}
	if in.ScheduledAt != nil {
		updates["scheduled_at"] = *in.ScheduledAt
	}
	if len(updates) == 0 {
		return c, nil
	}

	// Guard on status again inside the update so a concurrent start cannot
	// slip an edit into a sending campaign.
	res := e.db.WithContext(ctx).
		Model(&models.BroadcastCampaign{}).
		Where("id = ? AND status = ?", id, models.CampaignStatusDraft).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.NewPrecondition("campaign %d left draft state", id)
	}

	return e.Get(ctx, id)
}

// Schedule moves a draft campaign to scheduled for the given start time. The
// worker pass picks it up once the time arrives.
func (e *Engine) Schedule(ctx context.Context, id uint, at time.Time) (*models.BroadcastCampaign, error) {
	res := e.db.WithContext(ctx).
		Model(&models.BroadcastCampaign{}).
		Where("id = ? AND status = ?", id, models.CampaignStatusDraft).
		Updates(map[string]any{
			"status":       models.CampaignStatusScheduled,
			"scheduled_at": at,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		c, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, apperrors.NewPrecondition("campaign %d is %s, only draft campaigns can be scheduled", id, c.Status)
	}
	return e.Get(ctx, id)
}

// Start snapshots the recipient set once, enqueues one pending send per
// recipient and moves the campaign to sending. Membership of the audience is
// fixed at this instant; later user changes do not affect the campaign. An
// empty audience is a valid campaign that completes immediately.
func (e *Engine) Start(ctx context.Context, id uint, now time.Time) (*models.BroadcastCampaign, error) {
	c, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.CampaignStatusDraft && c.Status != models.CampaignStatusScheduled {
		return nil, apperrors.NewPrecondition("campaign %d is %s and cannot be started", id, c.Status)
	}

	userIDs, err := e.selector.SelectAudience(ctx, now, c.TargetAudience, c.Filters)
	if err != nil {
		return nil, err
	}

	// Claim the campaign before inserting sends: the status CAS ensures a
	// racing start (cron tick vs. admin action) materializes the snapshot
	// only once.
	res := e.db.WithContext(ctx).
		Model(&models.BroadcastCampaign{}).
		Where("id = ? AND status IN ?", id, []string{models.CampaignStatusDraft, models.CampaignStatusScheduled}).
		Updates(map[string]any{
			"status":           models.CampaignStatusSending,
			"total_recipients": len(userIDs),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.NewPrecondition("campaign %d was started concurrently", id)
	}

	if len(userIDs) > 0 {
		campaignID := c.ID
		sends := make([]models.ScheduledSend, 0, len(userIDs))
		for _, userID := range userIDs {
			sends = append(sends, models.ScheduledSend{
				UserID:      userID,
				TemplateID:  c.TemplateID,
				CampaignID:  &campaignID,
				SendType:    models.SendTypeBroadcast,
				Status:      models.SendStatusPending,
				ScheduledAt: now,
			})
		}
		if err := e.db.WithContext(ctx).CreateInBatches(sends, 200).Error; err != nil {
			e.markFailed(ctx, id, err)
			return nil, fmt.Errorf("enqueue campaign sends: %w", err)
		}
	}

	e.log.Info("campaign started",
		zap.Uint("campaign_id", id),
		zap.String("name", c.Name),
		zap.Int("recipients", len(userIDs)),
	)

	// Zero recipients means there is nothing to drain: complete right away.
	if err := e.CheckCompletion(ctx, id); err != nil {
		e.log.Error("completion check after start failed", zap.Uint("campaign_id", id), zap.Error(err))
	}

	return e.Get(ctx, id)
}

// StartDue starts every scheduled campaign whose start time has passed.
// Failures are isolated per campaign.
func (e *Engine) StartDue(ctx context.Context, now time.Time) int {
	var due []models.BroadcastCampaign
	err := e.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", models.CampaignStatusScheduled, now).
		Find(&due).Error
	if err != nil {
		e.log.Error("fetch due campaigns failed", zap.Error(err))
		return 0
	}

	started := 0
	for _, c := range due {
		if _, err := e.Start(ctx, c.ID, now); err != nil {
			e.log.Error("scheduled campaign start failed",
				zap.Uint("campaign_id", c.ID),
				zap.Error(err),
			)
			continue
		}
		started++
	}
	return started
}

// Stats is derived from the send queue, not stored.
type Stats struct {
	Total   int64 `json:"total"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Pending int64 `json:"pending"`
}

func (e *Engine) Stats(ctx context.Context, id uint) (*Stats, error) {
	c, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	sent, failed, err := e.terminalCounts(ctx, id)
	if err != nil {
		return nil, err
	}

	total := int64(c.TotalRecipients)
	return &Stats{
		Total:   total,
		Sent:    sent,
		Failed:  failed,
		Pending: total - sent - failed,
	}, nil
}

// CheckCompletion transitions a sending campaign to completed once every
// send reached a terminal status. It is invoked after every terminal status
// write and is safe under concurrent invocation: the status CAS lets exactly
// one caller perform the transition, every other call is a no-op.
func (e *Engine) CheckCompletion(ctx context.Context, id uint) error {
	c, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignStatusSending {
		return nil
	}

	sent, failed, err := e.terminalCounts(ctx, id)
	if err != nil {
		return err
	}
	if sent+failed < int64(c.TotalRecipients) {
		return nil
	}

	res := e.db.WithContext(ctx).
		Model(&models.BroadcastCampaign{}).
		Where("id = ? AND status = ?", id, models.CampaignStatusSending).
		Updates(map[string]any{
			"status":       models.CampaignStatusCompleted,
			"sent_count":   sent,
			"failed_count": failed,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		metrics.CampaignsCompleted.Inc()
		e.log.Info("campaign completed",
			zap.Uint("campaign_id", id),
			zap.Int64("sent", sent),
			zap.Int64("failed", failed),
		)
		if e.notifier != nil {
			if done, err := e.Get(ctx, id); err == nil {
				e.notifier.NotifyCampaign(done)
			}
		}
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, id uint) (*models.BroadcastCampaign, error) {
	var c models.BroadcastCampaign
	if err := e.db.WithContext(ctx).First(&c, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NewNotFound("campaign", id)
		}
		return nil, err
	}
	return &c, nil
}

func (e *Engine) List(ctx context.Context) ([]models.BroadcastCampaign, error) {
	var campaigns []models.BroadcastCampaign
	err := e.db.WithContext(ctx).Order("created_at DESC").Find(&campaigns).Error
	return campaigns, err
}

func (e *Engine) terminalCounts(ctx context.Context, id uint) (sent, failed int64, err error) {
	err = e.db.WithContext(ctx).
		Model(&models.ScheduledSend{}).
		Where("campaign_id = ? AND status = ?", id, models.SendStatusSent).
		Count(&sent).Error
	if err != nil {
		return 0, 0, err
	}
	err = e.db.WithContext(ctx).
		Model(&models.ScheduledSend{}).
		Where("campaign_id = ? AND status = ?", id, models.SendStatusFailed).
		Count(&failed).Error
	if err != nil {
		return 0, 0, err
	}
	return sent, failed, nil
}

func (e *Engine) markFailed(ctx context.Context, id uint, cause error) {
	err := e.db.WithContext(ctx).
		Model(&models.BroadcastCampaign{}).
		Where("id = ?", id).
		Update("status", models.CampaignStatusFailed).Error
	if err != nil {
		e.log.Error("mark campaign failed", zap.Uint("campaign_id", id), zap.Error(err))
		return
	}
	e.log.Error("campaign failed during setup", zap.Uint("campaign_id", id), zap.Error(cause))
}
