package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Pevznergo/newchat-sub000/internal/campaign"
)

type CampaignHandler struct {
	engine *campaign.Engine
}

func NewCampaignHandler(engine *campaign.Engine) *CampaignHandler {
	return &CampaignHandler{engine: engine}
}

func (h *CampaignHandler) GetCampaigns(c *gin.Context) {
	campaigns, err := h.engine.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, campaigns)
}

func (h *CampaignHandler) GetCampaign(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}

	cmp, err := h.engine.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	stats, err := h.engine.Stats(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": cmp, "stats": stats})
}

func (h *CampaignHandler) CreateCampaign(c *gin.Context) {
	var in campaign.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmp, err := h.engine.Create(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cmp)
}

func (h *CampaignHandler) UpdateCampaign(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}

	var in campaign.UpdateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmp, err := h.engine.Update(c.Request.Context(), id, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

func (h *CampaignHandler) ScheduleCampaign(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}

	var req struct {
		ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmp, err := h.engine.Schedule(c.Request.Context(), id, req.ScheduledAt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

// StartCampaign snapshots the audience and begins sending.
func (h *CampaignHandler) StartCampaign(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}

	cmp, err := h.engine.Start(c.Request.Context(), id, time.Now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

func campaignID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid campaign id"})
		return 0, false
	}
	return uint(id), true
}
