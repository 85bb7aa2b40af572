package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"time"

	"github.com/Pevznergo/newchat-sub000/internal/api"
	"github.com/Pevznergo/newchat-sub000/internal/audience"
	"github.com/Pevznergo/newchat-sub000/internal/campaign"
	"github.com/Pevznergo/newchat-sub000/internal/config"
	"github.com/Pevznergo/newchat-sub000/internal/database"
	"github.com/Pevznergo/newchat-sub000/internal/delivery"
	"github.com/Pevznergo/newchat-sub000/internal/followup"
	"github.com/Pevznergo/newchat-sub000/internal/metrics"
	"github.com/Pevznergo/newchat-sub000/internal/modelconfig"
	"github.com/Pevznergo/newchat-sub000/internal/telegram"
	"github.com/Pevznergo/newchat-sub000/internal/webhook"
	"github.com/Pevznergo/newchat-sub000/internal/ws"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.LoadConfig()

	db, err := database.Connect(cfg)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	metrics.Init()

	botClient, err := telegram.NewClient(cfg.BotToken, cfg.SendRatePerSec, logger)
	if err != nil {
		logger.Fatal("telegram client init failed", zap.Error(err))
	}

	hub := ws.NewHub(logger)
	go hub.Run()

	selector := audience.NewSelector(db)
	campaignEngine := campaign.NewEngine(db, selector, logger, hub)
	followupEngine := followup.NewEngine(db, selector, logger)
	worker := delivery.NewWorker(db, botClient, campaignEngine, logger, hub)
	modelCache := modelconfig.NewCache(db, rdb, time.Duration(cfg.ModelCacheTTL)*time.Second, logger)

	webhookHandler := webhook.NewHandler(db, cfg, logger)
	templateHandler := api.NewTemplateHandler(db)
	ruleHandler := api.NewRuleHandler(db)
	campaignHandler := api.NewCampaignHandler(campaignEngine)
	queueHandler := api.NewQueueHandler(db, worker, followupEngine, botClient)
	modelHandler := api.NewModelConfigHandler(db, modelCache, logger)

	r := gin.Default()

	// CORS Middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Telegram Webhook
	r.POST("/webhook", webhookHandler.HandleUpdate)

	// Dashboard live feed + metrics
	r.GET("/ws", func(c *gin.Context) { hub.ServeWs(c.Writer, c.Request) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := r.Group("/api")
	{
		// Template Routes
		apiGroup.GET("/templates", templateHandler.GetTemplates)
		apiGroup.POST("/templates", templateHandler.CreateTemplate)
		apiGroup.PUT("/templates/:id", templateHandler.UpdateTemplate)
		apiGroup.DELETE("/templates/:id", templateHandler.DeleteTemplate)
		apiGroup.POST("/templates/:id/toggle", templateHandler.ToggleTemplate)

		// Follow-up Rule Routes
		apiGroup.GET("/followups", ruleHandler.GetRules)
		apiGroup.POST("/followups", ruleHandler.CreateRule)
		apiGroup.PUT("/followups/:id", ruleHandler.UpdateRule)
		apiGroup.DELETE("/followups/:id", ruleHandler.DeleteRule)
		apiGroup.POST("/followups/:id/toggle", ruleHandler.ToggleRule)
		apiGroup.POST("/followups/run", queueHandler.RunFollowUps)

		// Campaign Routes
		apiGroup.GET("/campaigns", campaignHandler.GetCampaigns)
		apiGroup.POST("/campaigns", campaignHandler.CreateCampaign)
		apiGroup.GET("/campaigns/:id", campaignHandler.GetCampaign)
		apiGroup.PUT("/campaigns/:id", campaignHandler.UpdateCampaign)
		apiGroup.POST("/campaigns/:id/schedule", campaignHandler.ScheduleCampaign)
		apiGroup.POST("/campaigns/:id/start", campaignHandler.StartCampaign)

		// Queue Routes
		apiGroup.POST("/queue/process", queueHandler.ProcessQueue)
		apiGroup.GET("/queue/stats", queueHandler.GetQueueStats)
		apiGroup.DELETE("/queue/sends/:id/message", queueHandler.DeleteSentMessage)

		// Model Config Routes
		apiGroup.GET("/models", modelHandler.GetConfigs)
		apiGroup.GET("/models/:key", modelHandler.GetConfig)
		apiGroup.PUT("/models/:key", modelHandler.UpsertConfig)
	}

	logger.Info("server starting", zap.String("port", cfg.Port))
	if err := r.Run(":" + cfg.Port); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
