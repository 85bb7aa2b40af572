// The worker binary runs one stateless scheduling-and-delivery pass and
// exits: start due campaigns, evaluate follow-up rules, drain a batch of the
// send queue. An external cron invokes it at fixed intervals; overlapping
// invocations are safe because all coordination lives in row state.
package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Pevznergo/newchat-sub000/internal/audience"
	"github.com/Pevznergo/newchat-sub000/internal/campaign"
	"github.com/Pevznergo/newchat-sub000/internal/config"
	"github.com/Pevznergo/newchat-sub000/internal/database"
	"github.com/Pevznergo/newchat-sub000/internal/delivery"
	"github.com/Pevznergo/newchat-sub000/internal/followup"
	"github.com/Pevznergo/newchat-sub000/internal/metrics"
	"github.com/Pevznergo/newchat-sub000/internal/telegram"
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

	metrics.Init()

	botClient, err := telegram.NewClient(cfg.BotToken, cfg.SendRatePerSec, logger)
	if err != nil {
		logger.Fatal("telegram client init failed", zap.Error(err))
	}

	selector := audience.NewSelector(db)
	campaignEngine := campaign.NewEngine(db, selector, logger, nil)
	followupEngine := followup.NewEngine(db, selector, logger)
	worker := delivery.NewWorker(db, botClient, campaignEngine, logger, nil)

	ctx := context.Background()
	now := time.Now()

	started := campaignEngine.StartDue(ctx, now)
	if started > 0 {
		logger.Info("scheduled campaigns started", zap.Int("count", started))
	}

	passSummary, err := followupEngine.RunPass(ctx, now)
	if err != nil {
		logger.Error("follow-up pass failed", zap.Error(err))
	} else {
		logger.Info("follow-up pass finished",
			zap.Int("rules_evaluated", passSummary.RulesEvaluated),
			zap.Int("enqueued", passSummary.Enqueued),
		)
	}

	summary, err := worker.ProcessPending(ctx, now, cfg.WorkerBatchSize)
	if err != nil {
		logger.Fatal("delivery pass failed", zap.Error(err))
	}
	logger.Info("delivery pass finished",
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
		zap.Int("total", summary.Total),
	)
}
