package models

import (
	"time"
)

// Template purpose.
const (
	TemplateTypeFollowUp  = "follow_up"
	TemplateTypeBroadcast = "broadcast"
)

// Target audience tags.
const (
	AudienceAll     = "all"
	AudienceFree    = "free"
	AudiencePremium = "premium"
)

// Follow-up trigger types.
const (
	TriggerAfterRegistration = "after_registration"
	TriggerAfterLastMessage  = "after_last_message"
	TriggerInactiveUser      = "inactive_user"
	TriggerLimitReached      = "limit_reached"
)

// Campaign statuses. Transitions are monotonic forward:
// draft -> scheduled|sending -> completed, any -> failed.
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusSending   = "sending"
	CampaignStatusCompleted = "completed"
	CampaignStatusFailed    = "failed"
)

// Scheduled send statuses. "processing" is the claim state: a worker that
// wins the pending -> processing transition owns the row.
const (
	SendStatusPending    = "pending"
	SendStatusProcessing = "processing"
	SendStatusSent       = "sent"
	SendStatusFailed     = "failed"
)

// Send origin.
const (
	SendTypeFollowUp  = "follow_up"
	SendTypeBroadcast = "broadcast"
)

// User represents a Telegram bot user. Activity signals (registered_at,
// last_message_at, last_seen_at, limit_reached_at) are written by the webhook
// and the chat flow; the messaging core only reads them.
type User struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	TgID            int64      `gorm:"uniqueIndex;not null" json:"tg_id"`
	ChatID          int64      `gorm:"index" json:"chat_id"` // 0 = no deliverable chat
	Username        string     `gorm:"type:varchar(255)" json:"username"`
	FirstName       string     `gorm:"type:varchar(255)" json:"first_name"`
	Tariff          string     `gorm:"type:varchar(20);default:'free';index" json:"tariff"`
	HasSubscription bool       `gorm:"default:false" json:"has_subscription"`
	RequestsUsed    int        `gorm:"default:0" json:"requests_used"`
	RequestLimit    int        `gorm:"default:10" json:"request_limit"`
	LimitReachedAt  *time.Time `json:"limit_reached_at"`
	RegisteredAt    time.Time  `gorm:"autoCreateTime" json:"registered_at"`
	LastMessageAt   *time.Time `json:"last_message_at"`
	LastSeenAt      *time.Time `json:"last_seen_at"`
}

func (User) TableName() string {
	return "users"
}

// Template represents a reusable message body. Sends reference templates by
// ID, so edits affect not-yet-delivered queue entries.
type Template struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name           string    `gorm:"type:varchar(255);not null" json:"name"`
	Content        string    `gorm:"type:text" json:"content"`
	ParseMode      string    `gorm:"type:varchar(20)" json:"parse_mode"` // "", HTML, Markdown
	MediaFileID    string    `gorm:"type:varchar(255)" json:"media_file_id"`
	MediaType      string    `gorm:"type:varchar(20)" json:"media_type"` // photo, video, document
	Keyboard       string    `gorm:"type:text" json:"keyboard"`          // inline keyboard JSON
	Type           string    `gorm:"type:varchar(20);not null;index" json:"type"`
	TargetAudience string    `gorm:"type:varchar(20);default:'all'" json:"target_audience"`
	Active         bool      `gorm:"default:true" json:"active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Template) TableName() string {
	return "templates"
}

// FollowUpRule is a standing policy evaluated on every scheduler pass. The
// engine never mutates it; only admin edits do.
type FollowUpRule struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Name            string    `gorm:"type:varchar(255);not null" json:"name"`
	TemplateID      string    `gorm:"type:varchar(36);not null" json:"template_id"`
	Template        Template  `gorm:"foreignKey:TemplateID" json:"template,omitempty"`
	TriggerType     string    `gorm:"type:varchar(50);not null" json:"trigger_type"`
	DelayHours      int       `gorm:"not null" json:"delay_hours"`
	TargetAudience  string    `gorm:"type:varchar(20)" json:"target_audience"` // "" = template's audience
	Conditions      string    `gorm:"type:text" json:"conditions"`             // JSON filters
	MaxSendsPerUser int       `gorm:"default:1" json:"max_sends_per_user"`
	Priority        int       `gorm:"default:0" json:"priority"`
	Active          bool      `gorm:"default:true" json:"active"`
	DaysOfWeek      string    `gorm:"type:varchar(50)" json:"days_of_week"`   // CSV 0-6, Sunday=0, "" = every day
	SendTimeStart   string    `gorm:"type:varchar(5)" json:"send_time_start"` // "HH:MM", "" = no window
	SendTimeEnd     string    `gorm:"type:varchar(5)" json:"send_time_end"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (FollowUpRule) TableName() string {
	return "follow_up_rules"
}

// BroadcastCampaign is a one-shot send job. The recipient set is snapshotted
// once at start time; TotalRecipients never changes afterwards.
type BroadcastCampaign struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Name            string     `gorm:"type:varchar(255);not null" json:"name"`
	TemplateID      string     `gorm:"type:varchar(36);not null" json:"template_id"`
	Template        Template   `gorm:"foreignKey:TemplateID" json:"template,omitempty"`
	TargetAudience  string     `gorm:"type:varchar(20);default:'all'" json:"target_audience"`
	Filters         string     `gorm:"type:text" json:"filters"` // JSON, e.g. {"min_inactive_days":30}
	ScheduledAt     *time.Time `json:"scheduled_at"`
	Status          string     `gorm:"type:varchar(20);default:'draft';index" json:"status"`
	TotalRecipients int        `gorm:"default:0" json:"total_recipients"`
	SentCount       int        `gorm:"default:0" json:"sent_count"`
	FailedCount     int        `gorm:"default:0" json:"failed_count"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BroadcastCampaign) TableName() string {
	return "broadcast_campaigns"
}

// ScheduledSend is one unit of delivery work. Rows are append-mostly: the
// rule and campaign engines create pending rows, the delivery worker is the
// only writer of terminal transitions, and nothing ever deletes a row.
type ScheduledSend struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	UserID       uint       `gorm:"not null;index" json:"user_id"`
	User         User       `gorm:"foreignKey:UserID" json:"user,omitempty"`
	TemplateID   string     `gorm:"type:varchar(36);not null" json:"template_id"`
	Template     Template   `gorm:"foreignKey:TemplateID" json:"template,omitempty"`
	RuleID       *uint      `gorm:"index" json:"rule_id"`
	CampaignID   *uint      `gorm:"index" json:"campaign_id"`
	SendType     string     `gorm:"type:varchar(20);not null" json:"send_type"`
	Status       string     `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	MessageID    int        `json:"message_id"` // Telegram message id, set on success
	ChatID       int64      `json:"chat_id"`
	ErrorMessage string     `gorm:"type:text" json:"error_message"`
	RetryCount   int        `gorm:"default:0" json:"retry_count"`
	Tracked      bool       `gorm:"default:false" json:"tracked"`
	ScheduledAt  time.Time  `gorm:"not null;index" json:"scheduled_at"`
	SentAt       *time.Time `json:"sent_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (ScheduledSend) TableName() string {
	return "scheduled_sends"
}

// ModelConfig holds admin-managed AI model settings, read through the redis
// cache in internal/modelconfig.
type ModelConfig struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Key         string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"key"`
	Provider    string    `gorm:"type:varchar(100)" json:"provider"`
	ModelName   string    `gorm:"type:varchar(255)" json:"model_name"`
	MaxTokens   int       `gorm:"default:4096" json:"max_tokens"`
	Temperature float64   `gorm:"default:0.7" json:"temperature"`
	Active      bool      `gorm:"default:true" json:"active"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ModelConfig) TableName() string {
	return "model_configs"
}
