package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Pevznergo/newchat-sub000/internal/modelconfig"
	"github.com/Pevznergo/newchat-sub000/internal/models"
)

type ModelConfigHandler struct {
	db    *gorm.DB
	cache *modelconfig.Cache
	log   *zap.Logger
}

func NewModelConfigHandler(db *gorm.DB, cache *modelconfig.Cache, log *zap.Logger) *ModelConfigHandler {
	return &ModelConfigHandler{db: db, cache: cache, log: log}
}

func (h *ModelConfigHandler) GetConfigs(c *gin.Context) {
	var configs []models.ModelConfig
	if err := h.db.Order("key").Find(&configs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, configs)
}

func (h *ModelConfigHandler) GetConfig(c *gin.Context) {
	cfg, err := h.cache.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// UpsertConfig writes a model configuration and invalidates its cache entry
// so the chat flow sees the change on the next read.
func (h *ModelConfigHandler) UpsertConfig(c *gin.Context) {
	key := c.Param("key")

	var req struct {
		Provider    string  `json:"provider" binding:"required"`
		ModelName   string  `json:"model_name" binding:"required"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
		Active      bool    `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var cfg models.ModelConfig
	err := h.db.First(&cfg, "key = ?", key).Error
	switch err {
	case nil:
		updates := map[string]any{
			"provider":    req.Provider,
			"model_name":  req.ModelName,
			"max_tokens":  req.MaxTokens,
			"temperature": req.Temperature,
			"active":      req.Active,
		}
		if err := h.db.Model(&cfg).Updates(updates).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	case gorm.ErrRecordNotFound:
		cfg = models.ModelConfig{
			Key:         key,
			Provider:    req.Provider,
			ModelName:   req.ModelName,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Active:      req.Active,
		}
		if err := h.db.Create(&cfg).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.cache.Invalidate(c.Request.Context(), key); err != nil {
		h.log.Warn("model config cache invalidation failed", zap.String("key", key), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"message": "Model config saved"})
}
