// Package followup evaluates standing follow-up rules and enqueues scheduled
// sends. It only produces pending queue rows; delivery is the worker's job.
package followup

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Pevznergo/newchat-sub000/internal/audience"
	"github.com/Pevznergo/newchat-sub000/internal/metrics"
	"github.com/Pevznergo/newchat-sub000/internal/models"
)

type Engine struct {
	db       *gorm.DB
	selector *audience.Selector
	log      *zap.Logger
}

func NewEngine(db *gorm.DB, selector *audience.Selector, log *zap.Logger) *Engine {
	return &Engine{db: db, selector: selector, log: log}
}

// PassSummary reports one scheduler pass.
type PassSummary struct {
	RulesEvaluated int `json:"rules_evaluated"`
	Enqueued       int `json:"enqueued"`
}

// RunPass evaluates every active rule once and enqueues sends for eligible,
// not-yet-capped users. A failing rule is logged and skipped; only a failure
// to read the rule set aborts the pass.
func (e *Engine) RunPass(ctx context.Context, now time.Time) (PassSummary, error) {
	var summary PassSummary

	var rules []models.FollowUpRule
	err := e.db.WithContext(ctx).
		Preload("Template").
		Where("active = ?", true).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	if err != nil {
		return summary, fmt.Errorf("fetch active rules: %w", err)
	}

	for _, rule := range rules {
		summary.RulesEvaluated++

		if !withinSchedule(&rule, now) {
			continue
		}

		enqueued, err := e.runRule(ctx, now, &rule)
		if err != nil {
			e.log.Error("follow-up rule pass failed",
				zap.Uint("rule_id", rule.ID),
				zap.String("rule", rule.Name),
				zap.Error(err),
			)
			continue
		}
		summary.Enqueued += enqueued
	}

	return summary, nil
}

func (e *Engine) runRule(ctx context.Context, now time.Time, rule *models.FollowUpRule) (int, error) {
	audienceTag := rule.TargetAudience
	if audienceTag == "" {
		audienceTag = rule.Template.TargetAudience
	}

	userIDs, err := e.selector.Select(ctx, now, rule.TriggerType, rule.DelayHours, audienceTag, rule.Conditions)
	if err != nil {
		return 0, err
	}
	if len(userIDs) == 0 {
		return 0, nil
	}

	capped, err := e.cappedUsers(ctx, rule, userIDs)
	if err != nil {
		return 0, err
	}

	sends := make([]models.ScheduledSend, 0, len(userIDs))
	for _, userID := range userIDs {
		if capped[userID] {
			continue
		}
		ruleID := rule.ID
		sends = append(sends, models.ScheduledSend{
			UserID:      userID,
			TemplateID:  rule.TemplateID,
			RuleID:      &ruleID,
			SendType:    models.SendTypeFollowUp,
			Status:      models.SendStatusPending,
			ScheduledAt: now,
		})
	}
	if len(sends) == 0 {
		return 0, nil
	}

	if err := e.db.WithContext(ctx).CreateInBatches(sends, 100).Error; err != nil {
		return 0, fmt.Errorf("enqueue sends: %w", err)
	}

	metrics.FollowUpsEnqueued.Add(float64(len(sends)))
	e.log.Info("follow-up rule enqueued sends",
		zap.Uint("rule_id", rule.ID),
		zap.String("rule", rule.Name),
		zap.Int("count", len(sends)),
	)
	return len(sends), nil
}

// cappedUsers returns the subset of userIDs that already have
// MaxSendsPerUser sends tied to this rule. The check goes against the send
// history table, not memory: passes are independent invocations. Pending rows
// count toward the cap so a rule never double-enqueues within one delay
// window.
func (e *Engine) cappedUsers(ctx context.Context, rule *models.FollowUpRule, userIDs []uint) (map[uint]bool, error) {
	maxSends := rule.MaxSendsPerUser
	if maxSends <= 0 {
		maxSends = 1
	}

	type userCount struct {
		UserID uint
		Count  int
	}
	var counts []userCount
	err := e.db.WithContext(ctx).
		Model(&models.ScheduledSend{}).
		Select("user_id, COUNT(*) as count").
		Where("rule_id = ? AND user_id IN ?", rule.ID, userIDs).
		Group("user_id").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("count rule sends: %w", err)
	}

	capped := make(map[uint]bool, len(counts))
	for _, c := range counts {
		if c.Count >= maxSends {
			capped[c.UserID] = true
		}
	}
	return capped, nil
}

// withinSchedule gates the whole rule for this pass: outside the day-of-week
// allow-list or the send-time window, the rule contributes zero sends.
func withinSchedule(rule *models.FollowUpRule, now time.Time) bool {
	if rule.DaysOfWeek != "" {
		allowed := false
		for _, part := range strings.Split(rule.DaysOfWeek, ",") {
			day, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if day == int(now.Weekday()) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if rule.SendTimeStart != "" && rule.SendTimeEnd != "" {
		start, okStart := parseClock(rule.SendTimeStart)
		end, okEnd := parseClock(rule.SendTimeEnd)
		if okStart && okEnd {
			minute := now.Hour()*60 + now.Minute()
			if start <= end {
				if minute < start || minute > end {
					return false
				}
			} else {
				// window wraps midnight, e.g. 22:00-06:00
				if minute < start && minute > end {
					return false
				}
			}
		}
	}

	return true
}

func parseClock(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
