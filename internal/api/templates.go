package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Pevznergo/newchat-sub000/internal/apperrors"
	"github.com/Pevznergo/newchat-sub000/internal/models"
)

type TemplateHandler struct {
	db *gorm.DB
}

func NewTemplateHandler(db *gorm.DB) *TemplateHandler {
	return &TemplateHandler{db: db}
}

// GetTemplates returns stored templates, optionally filtered by purpose.
func (h *TemplateHandler) GetTemplates(c *gin.Context) {
	q := h.db.Order("created_at DESC")
	if t := c.Query("type"); t != "" {
		q = q.Where("type = ?", t)
	}

	var templates []models.Template
	if err := q.Find(&templates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, templates)
}

type templateRequest struct {
	Name           string `json:"name" binding:"required"`
	Content        string `json:"content" binding:"required"`
	ParseMode      string `json:"parse_mode"`
	MediaFileID    string `json:"media_file_id"`
	MediaType      string `json:"media_type"`
	Keyboard       string `json:"keyboard"`
	Type           string `json:"type" binding:"required"`
	TargetAudience string `json:"target_audience"`
}

// CreateTemplate creates a new message template.
func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateTemplateFields(req.Type, req.TargetAudience, req.MediaFileID, req.MediaType); err != nil {
		respondError(c, err)
		return
	}

	audience := req.TargetAudience
	if audience == "" {
		audience = models.AudienceAll
	}

	tmpl := models.Template{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Content:        req.Content,
		ParseMode:      req.ParseMode,
		MediaFileID:    req.MediaFileID,
		MediaType:      req.MediaType,
		Keyboard:       req.Keyboard,
		Type:           req.Type,
		TargetAudience: audience,
		Active:         true,
	}
	if err := h.db.Create(&tmpl).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, tmpl)
}

// UpdateTemplate edits a template. Queued sends reference templates by ID,
// so edits reach not-yet-delivered queue entries.
func (h *TemplateHandler) UpdateTemplate(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Name           string `json:"name"`
		Content        string `json:"content"`
		ParseMode      string `json:"parse_mode"`
		MediaFileID    string `json:"media_file_id"`
		MediaType      string `json:"media_type"`
		Keyboard       string `json:"keyboard"`
		TargetAudience string `json:"target_audience"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]any{}
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.Content != "" {
		updates["content"] = req.Content
	}
	if req.ParseMode != "" {
		updates["parse_mode"] = req.ParseMode
	}
	if req.MediaFileID != "" {
		updates["media_file_id"] = req.MediaFileID
	}
	if req.MediaType != "" {
		updates["media_type"] = req.MediaType
	}
	if req.Keyboard != "" {
		updates["keyboard"] = req.Keyboard
	}
	if req.TargetAudience != "" {
		updates["target_audience"] = req.TargetAudience
	}

	res := h.db.Model(&models.Template{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		respondError(c, apperrors.NewNotFound("template", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Template updated successfully"})
}

// DeleteTemplate removes a template. Deletion is blocked while any queue row
// references it, which keeps the send history resolvable.
func (h *TemplateHandler) DeleteTemplate(c *gin.Context) {
	id := c.Param("id")

	var refs int64
	if err := h.db.Model(&models.ScheduledSend{}).Where("template_id = ?", id).Count(&refs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if refs > 0 {
		respondError(c, apperrors.NewPrecondition("template %s is referenced by %d sends and cannot be deleted", id, refs))
		return
	}

	res := h.db.Delete(&models.Template{}, "id = ?", id)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		respondError(c, apperrors.NewNotFound("template", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Template deleted successfully"})
}

// ToggleTemplate enables or disables a template.
func (h *TemplateHandler) ToggleTemplate(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.Model(&models.Template{}).Where("id = ?", id).Update("active", req.Active).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Template toggled successfully"})
}

func validateTemplateFields(templateType, audience, mediaFileID, mediaType string) error {
	switch templateType {
	case models.TemplateTypeFollowUp, models.TemplateTypeBroadcast:
	default:
		return apperrors.NewValidation("type", "must be follow_up or broadcast")
	}
	switch audience {
	case "", models.AudienceAll, models.AudienceFree, models.AudiencePremium:
	default:
		return apperrors.NewValidation("target_audience", "must be all, free or premium")
	}
	if mediaFileID != "" {
		switch mediaType {
		case "photo", "video", "document":
		default:
			return apperrors.NewValidation("media_type", "must be photo, video or document")
		}
	}
	return nil
}
