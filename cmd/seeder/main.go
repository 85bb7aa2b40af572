// The seeder fills a development database with demo users, templates and a
// follow-up rule so the admin dashboard and worker have something to chew on.
package main

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Pevznergo/newchat-sub000/internal/config"
	"github.com/Pevznergo/newchat-sub000/internal/database"
	"github.com/Pevznergo/newchat-sub000/internal/models"
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

	now := time.Now()
	dayAgo := now.Add(-26 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	users := []models.User{
		{TgID: 100001, ChatID: 100001, Username: "alice_demo", FirstName: "Alice", Tariff: models.AudienceFree, RegisteredAt: weekAgo, LastSeenAt: &dayAgo, LastMessageAt: &dayAgo},
		{TgID: 100002, ChatID: 100002, Username: "bob_demo", FirstName: "Bob", Tariff: models.AudiencePremium, HasSubscription: true, RegisteredAt: weekAgo, LastSeenAt: &now, LastMessageAt: &now},
		{TgID: 100003, ChatID: 100003, Username: "carol_demo", FirstName: "Carol", Tariff: models.AudienceFree, RegisteredAt: dayAgo, LastSeenAt: &dayAgo},
	}
	for i := range users {
		if err := db.Where("tg_id = ?", users[i].TgID).FirstOrCreate(&users[i]).Error; err != nil {
			logger.Fatal("seed user failed", zap.Int64("tg_id", users[i].TgID), zap.Error(err))
		}
	}

	comeback := models.Template{
		ID:             uuid.NewString(),
		Name:           "Come back nudge",
		Content:        "We miss you! Your assistant has new tricks — come say hi.",
		Type:           models.TemplateTypeFollowUp,
		TargetAudience: models.AudienceFree,
		Active:         true,
	}
	announce := models.Template{
		ID:             uuid.NewString(),
		Name:           "Release announcement",
		Content:        "<b>New models are live.</b> Open the bot to try them.",
		ParseMode:      "HTML",
		Type:           models.TemplateTypeBroadcast,
		TargetAudience: models.AudienceAll,
		Active:         true,
	}
	for _, tmpl := range []*models.Template{&comeback, &announce} {
		if err := db.Where("name = ?", tmpl.Name).FirstOrCreate(tmpl).Error; err != nil {
			logger.Fatal("seed template failed", zap.String("name", tmpl.Name), zap.Error(err))
		}
	}

	rule := models.FollowUpRule{
		Name:            "24h inactivity nudge",
		TemplateID:      comeback.ID,
		TriggerType:     models.TriggerInactiveUser,
		DelayHours:      24,
		MaxSendsPerUser: 1,
		Active:          true,
	}
	if err := db.Where("name = ?", rule.Name).FirstOrCreate(&rule).Error; err != nil {
		logger.Fatal("seed rule failed", zap.Error(err))
	}

	logger.Info("seeding completed",
		zap.Int("users", len(users)),
		zap.Int("templates", 2),
		zap.Int("rules", 1),
	)
}
