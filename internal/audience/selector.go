// Package audience resolves which users a follow-up rule or broadcast
// campaign should reach. Selection is a pure read: calling it twice with the
// same reference time and unchanged state returns the same set.
package audience

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Pevznergo/newchat-sub000/internal/apperrors"
	"github.com/Pevznergo/newchat-sub000/internal/models"
)

type Selector struct {
	db *gorm.DB
}

func NewSelector(db *gorm.DB) *Selector {
	return &Selector{db: db}
}

// Select returns the IDs of users matching the trigger, audience tag and
// extra condition filters at the given reference time.
func (s *Selector) Select(ctx context.Context, now time.Time, triggerType string, delayHours int, audienceTag, conditionsJSON string) ([]uint, error) {
	cutoff := now.Add(-time.Duration(delayHours) * time.Hour)

	q := s.db.WithContext(ctx).Model(&models.User{})

	switch triggerType {
	case models.TriggerAfterRegistration:
		q = q.Where("registered_at <= ?", cutoff)
	case models.TriggerAfterLastMessage:
		// last_message_at is the most recent inbound message, so a user who
		// wrote again after the cutoff naturally drops out of the set.
		q = q.Where("last_message_at IS NOT NULL AND last_message_at <= ?", cutoff)
	case models.TriggerInactiveUser:
		q = q.Where("last_seen_at IS NOT NULL AND last_seen_at <= ?", cutoff)
	case models.TriggerLimitReached:
		q = q.Where("limit_reached_at IS NOT NULL AND limit_reached_at >= ?", cutoff)
	default:
		return nil, apperrors.NewValidation("trigger_type", fmt.Sprintf("unknown trigger type %q", triggerType))
	}

	q, err := applyAudience(q, audienceTag)
	if err != nil {
		return nil, err
	}

	q, err = applyConditions(q, now, conditionsJSON)
	if err != nil {
		return nil, err
	}

	var ids []uint
	if err := q.Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("select audience: %w", err)
	}
	return ids, nil
}

// SelectAudience resolves a broadcast audience: no trigger, just the tag and
// filter conditions. Used by the campaign engine for its start-time snapshot.
func (s *Selector) SelectAudience(ctx context.Context, now time.Time, audienceTag, conditionsJSON string) ([]uint, error) {
	q := s.db.WithContext(ctx).Model(&models.User{})

	q, err := applyAudience(q, audienceTag)
	if err != nil {
		return nil, err
	}

	q, err = applyConditions(q, now, conditionsJSON)
	if err != nil {
		return nil, err
	}

	var ids []uint
	if err := q.Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("select audience: %w", err)
	}
	return ids, nil
}

func applyAudience(q *gorm.DB, tag string) (*gorm.DB, error) {
	switch tag {
	case "", models.AudienceAll:
		return q, nil
	case models.AudienceFree, models.AudiencePremium:
		return q.Where("tariff = ?", tag), nil
	default:
		return nil, apperrors.NewValidation("target_audience", fmt.Sprintf("unknown audience %q", tag))
	}
}

// applyConditions maps the extra JSON filters onto the user query. Supported
// keys: has_subscription (bool), tariff (string), min_inactive_days (number).
func applyConditions(q *gorm.DB, now time.Time, conditionsJSON string) (*gorm.DB, error) {
	if conditionsJSON == "" {
		return q, nil
	}

	var conditions map[string]any
	if err := json.Unmarshal([]byte(conditionsJSON), &conditions); err != nil {
		return nil, apperrors.NewValidation("conditions", "invalid JSON: "+err.Error())
	}

	for key, value := range conditions {
		switch key {
		case "has_subscription":
			v, ok := value.(bool)
			if !ok {
				return nil, apperrors.NewValidation("conditions.has_subscription", "expected boolean")
			}
			q = q.Where("has_subscription = ?", v)
		case "tariff":
			v, ok := value.(string)
			if !ok {
				return nil, apperrors.NewValidation("conditions.tariff", "expected string")
			}
			q = q.Where("tariff = ?", v)
		case "min_inactive_days":
			v, ok := value.(float64)
			if !ok {
				return nil, apperrors.NewValidation("conditions.min_inactive_days", "expected number")
			}
			cutoff := now.Add(-time.Duration(v*24) * time.Hour)
			q = q.Where("last_seen_at IS NOT NULL AND last_seen_at <= ?", cutoff)
		default:
			return nil, apperrors.NewValidation("conditions", fmt.Sprintf("unknown condition %q", key))
		}
	}

	return q, nil
}
