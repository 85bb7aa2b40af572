package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/Pevznergo/newchat-sub000/internal/apperrors"
	"github.com/Pevznergo/newchat-sub000/internal/models"
)

type RuleHandler struct {
	db *gorm.DB
}

func NewRuleHandler(db *gorm.DB) *RuleHandler {
	return &RuleHandler{db: db}
}

// GetRules returns all follow-up rules, highest priority first.
func (h *RuleHandler) GetRules(c *gin.Context) {
	var rules []models.FollowUpRule
	if err := h.db.Order("priority DESC, created_at DESC").Find(&rules).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rules)
}

type ruleRequest struct {
	Name            string          `json:"name" binding:"required"`
	TemplateID      string          `json:"template_id" binding:"required"`
	TriggerType     string          `json:"trigger_type" binding:"required"`
	DelayHours      int             `json:"delay_hours" binding:"required"`
	TargetAudience  string          `json:"target_audience"`
	Conditions      json.RawMessage `json:"conditions"`
	MaxSendsPerUser int             `json:"max_sends_per_user"`
	Priority        int             `json:"priority"`
	DaysOfWeek      string          `json:"days_of_week"`
	SendTimeStart   string          `json:"send_time_start"`
	SendTimeEnd     string          `json:"send_time_end"`
}

// CreateRule creates a new follow-up rule.
func (h *RuleHandler) CreateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateTrigger(req.TriggerType); err != nil {
		respondError(c, err)
		return
	}

	var tmpl models.Template
	if err := h.db.First(&tmpl, "id = ?", req.TemplateID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			respondError(c, apperrors.NewNotFound("template", req.TemplateID))
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	maxSends := req.MaxSendsPerUser
	if maxSends <= 0 {
		maxSends = 1
	}

	rule := models.FollowUpRule{
		Name:            req.Name,
		TemplateID:      req.TemplateID,
		TriggerType:     req.TriggerType,
		DelayHours:      req.DelayHours,
		TargetAudience:  req.TargetAudience,
		Conditions:      string(req.Conditions),
		MaxSendsPerUser: maxSends,
		Priority:        req.Priority,
		Active:          true,
		DaysOfWeek:      req.DaysOfWeek,
		SendTimeStart:   req.SendTimeStart,
		SendTimeEnd:     req.SendTimeEnd,
	}
	if err := h.db.Create(&rule).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// UpdateRule updates an existing rule.
func (h *RuleHandler) UpdateRule(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Name            string          `json:"name"`
		TemplateID      string          `json:"template_id"`
		TriggerType     string          `json:"trigger_type"`
		DelayHours      *int            `json:"delay_hours"`
		TargetAudience  *string         `json:"target_audience"`
		Conditions      json.RawMessage `json:"conditions"`
		MaxSendsPerUser *int            `json:"max_sends_per_user"`
		Priority        *int            `json:"priority"`
		DaysOfWeek      *string         `json:"days_of_week"`
		SendTimeStart   *string         `json:"send_time_start"`
		SendTimeEnd     *string         `json:"send_time_end"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]any{}
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.TemplateID != "" {
		updates["template_id"] = req.TemplateID
	}
	if req.TriggerType != "" {
		if err := validateTrigger(req.TriggerType); err != nil {
			respondError(c, err)
			return
		}
		updates["trigger_type"] = req.TriggerType
	}
	if req.DelayHours != nil {
		updates["delay_hours"] = *req.DelayHours
	}
	if req.TargetAudience != nil {
		updates["target_audience"] = *req.TargetAudience
	}
	if len(req.Conditions) > 0 {
		updates["conditions"] = string(req.Conditions)
	}
	if req.MaxSendsPerUser != nil {
		updates["max_sends_per_user"] = *req.MaxSendsPerUser
	}
	if req.Priority != nil {
		updates["priority"] = *req.Priority
	}
	if req.DaysOfWeek != nil {
		updates["days_of_week"] = *req.DaysOfWeek
	}
	if req.SendTimeStart != nil {
		updates["send_time_start"] = *req.SendTimeStart
	}
	if req.SendTimeEnd != nil {
		updates["send_time_end"] = *req.SendTimeEnd
	}

	res := h.db.Model(&models.FollowUpRule{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		respondError(c, apperrors.NewNotFound("rule", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Rule updated successfully"})
}

// DeleteRule deletes a follow-up rule. Historic sends keep their rule_id so
// the dedupe cap stays intact if the rule comes back.
func (h *RuleHandler) DeleteRule(c *gin.Context) {
	id := c.Param("id")

	res := h.db.Delete(&models.FollowUpRule{}, id)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		respondError(c, apperrors.NewNotFound("rule", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Rule deleted successfully"})
}

// ToggleRule enables or disables a rule.
func (h *RuleHandler) ToggleRule(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.Model(&models.FollowUpRule{}).Where("id = ?", id).Update("active", req.Active).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Rule toggled successfully"})
}

func validateTrigger(triggerType string) error {
	switch triggerType {
	case models.TriggerAfterRegistration,
		models.TriggerAfterLastMessage,
		models.TriggerInactiveUser,
		models.TriggerLimitReached:
		return nil
	default:
		return apperrors.NewValidation("trigger_type", "unknown trigger type "+triggerType)
	}
}
