// Package telegram wraps the Bot API client used to transmit messages. The
// delivery worker talks to it through the Channel interface so tests can
// substitute a fake.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Media identifies a previously uploaded Telegram file.
type Media struct {
	Kind   string // photo, video, document
	FileID string
}

// SendOptions carries per-message formatting.
type SendOptions struct {
	ParseMode    string // "", HTML, Markdown
	KeyboardJSON string // inline keyboard layout, [][]{text,url|callback_data}
}

// Delivered is the provider-assigned identifier pair persisted on success.
type Delivered struct {
	MessageID int
	ChatID    int64
}

// Channel is the transmission boundary of the delivery pipeline.
type Channel interface {
	SendText(ctx context.Context, chatID int64, text string, opts SendOptions) (Delivered, error)
	SendMedia(ctx context.Context, chatID int64, media Media, caption string, opts SendOptions) (Delivered, error)
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

type Client struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewClient connects to the Bot API. ratePerSec bounds outgoing sends to stay
// under Telegram's flood limits.
func NewClient(token string, ratePerSec int, log *zap.Logger) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	if ratePerSec <= 0 {
		ratePerSec = 25
	}
	log.Info("telegram bot authorized", zap.String("username", bot.Self.UserName))
	return &Client{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		log:     log,
	}, nil
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string, opts SendOptions) (Delivered, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Delivered{}, err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = opts.ParseMode
	if markup, ok := buildKeyboard(opts.KeyboardJSON); ok {
		msg.ReplyMarkup = markup
	}

	sent, err := c.bot.Send(msg)
	if err != nil {
		return Delivered{}, fmt.Errorf("telegram send: %w", err)
	}
	return Delivered{MessageID: sent.MessageID, ChatID: sent.Chat.ID}, nil
}

func (c *Client) SendMedia(ctx context.Context, chatID int64, media Media, caption string, opts SendOptions) (Delivered, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Delivered{}, err
	}

	markup, hasMarkup := buildKeyboard(opts.KeyboardJSON)

	var chattable tgbotapi.Chattable
	switch media.Kind {
	case "photo":
		m := tgbotapi.NewPhoto(chatID, tgbotapi.FileID(media.FileID))
		m.Caption = caption
		m.ParseMode = opts.ParseMode
		if hasMarkup {
			m.ReplyMarkup = markup
		}
		chattable = m
	case "video":
		m := tgbotapi.NewVideo(chatID, tgbotapi.FileID(media.FileID))
		m.Caption = caption
		m.ParseMode = opts.ParseMode
		if hasMarkup {
			m.ReplyMarkup = markup
		}
		chattable = m
	case "document":
		m := tgbotapi.NewDocument(chatID, tgbotapi.FileID(media.FileID))
		m.Caption = caption
		m.ParseMode = opts.ParseMode
		if hasMarkup {
			m.ReplyMarkup = markup
		}
		chattable = m
	default:
		return Delivered{}, fmt.Errorf("unsupported media kind %q", media.Kind)
	}

	sent, err := c.bot.Send(chattable)
	if err != nil {
		return Delivered{}, fmt.Errorf("telegram send %s: %w", media.Kind, err)
	}
	return Delivered{MessageID: sent.MessageID, ChatID: sent.Chat.ID}, nil
}

// DeleteMessage removes a previously delivered message, addressed by the
// identifier pair recorded on the send row.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	if err != nil {
		return fmt.Errorf("telegram delete message: %w", err)
	}
	return nil
}

type keyboardButton struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

func buildKeyboard(keyboardJSON string) (tgbotapi.InlineKeyboardMarkup, bool) {
	if keyboardJSON == "" {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}

	var layout [][]keyboardButton
	if err := json.Unmarshal([]byte(keyboardJSON), &layout); err != nil {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, row := range layout {
		var buttons []tgbotapi.InlineKeyboardButton
		for _, b := range row {
			switch {
			case b.URL != "":
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			case b.CallbackData != "":
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.CallbackData))
			}
		}
		if len(buttons) > 0 {
			rows = append(rows, buttons)
		}
	}
	if len(rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}
