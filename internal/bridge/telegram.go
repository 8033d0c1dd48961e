package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/codernetes/hub/internal/logging"
	"github.com/codernetes/hub/internal/models"
)

// TelegramConfig configures the Telegram bridge.
type TelegramConfig struct {
	// BotToken is the Bot API token.
	BotToken string

	// ParseMode is passed through to sendMessage when set (e.g. Markdown).
	ParseMode string

	// AllowedChats restricts which chat ids may issue commands. Empty
	// means every chat is allowed.
	AllowedChats []int64

	// MessagesPerSecond caps outbound sendMessage calls.
	MessagesPerSecond float64

	// APIBase overrides the Bot API root, for tests.
	APIBase string
}

// Telegram long-polls the Bot API for commands and answers with
// sendMessage, rate-limited to stay under the Bot API ceiling.
type Telegram struct {
	cfg     TelegramConfig
	sink    CommandSink
	client  *http.Client
	limiter *rate.Limiter
	allowed map[int64]bool
	logger  zerolog.Logger

	botUsername string
	offset      int64
}

// NewTelegram creates the Telegram bridge. sink receives forwarded
// commands.
func NewTelegram(cfg TelegramConfig, sink CommandSink) *Telegram {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 1
	}

	var allowed map[int64]bool
	if len(cfg.AllowedChats) > 0 {
		allowed = make(map[int64]bool, len(cfg.AllowedChats))
		for _, id := range cfg.AllowedChats {
			allowed[id] = true
		}
	}

	return &Telegram{
		cfg:     cfg,
		sink:    sink,
		client:  &http.Client{Timeout: 40 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), 1),
		allowed: allowed,
		logger:  logging.Component("telegram"),
	}
}

// telegramUpdate is the subset of Bot API update fields the bridge reads.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		Chat      struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		} `json:"chat"`
		From struct {
			ID        int64  `json:"id"`
			Username  string `json:"username"`
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
		} `json:"from"`
	} `json:"message"`
}

// Run resolves the bot identity and long-polls updates until ctx is
// cancelled.
func (t *Telegram) Run(ctx context.Context) error {
	if err := t.hydrateIdentity(ctx); err != nil {
		return err
	}

	for {
		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn().Err(err).Msg("telegram poll failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, update := range updates {
			t.offset = update.UpdateID + 1
			t.handleUpdate(ctx, &update)
		}
	}
}

func (t *Telegram) hydrateIdentity(ctx context.Context) error {
	var me struct {
		Username string `json:"username"`
	}
	if err := t.apiCall(ctx, "getMe", nil, &me); err != nil {
		return err
	}
	t.botUsername = me.Username
	t.logger.Info().Str("bot_username", me.Username).Msg("telegram identity resolved")
	return nil
}

func (t *Telegram) getUpdates(ctx context.Context) ([]telegramUpdate, error) {
	body := map[string]any{
		"timeout":         30,
		"allowed_updates": []string{"message"},
	}
	if t.offset > 0 {
		body["offset"] = t.offset
	}

	var updates []telegramUpdate
	if err := t.apiCall(ctx, "getUpdates", body, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (t *Telegram) handleUpdate(ctx context.Context, update *telegramUpdate) {
	message := update.Message
	if message == nil || message.Text == "" || message.Chat.ID == 0 {
		return
	}

	if t.allowed != nil && !t.allowed[message.Chat.ID] {
		t.logger.Debug().Int64("chat_id", message.Chat.ID).Msg("chat not allowed, update dropped")
		return
	}

	userName := message.From.Username
	if userName == "" {
		userName = message.From.FirstName
		if message.From.LastName != "" {
			userName += " " + message.From.LastName
		}
	}

	cmd := models.Command{
		Type: models.MessageTypeCommand,
		Source: models.CommandSource{
			Platform:  models.PlatformTelegram,
			ChatID:    message.Chat.ID,
			MessageID: message.MessageID,
			User:      strconv.FormatInt(message.From.ID, 10),
			UserName:  userName,
		},
		Text: message.Text,
	}

	if err := t.sink.SendCommand(ctx, cmd); err != nil {
		t.logger.Warn().Err(err).Int64("chat_id", message.Chat.ID).Msg("command forward failed")
	}
}

// HandleResponse delivers a hub response with sendMessage, replying to
// the originating message when known.
func (t *Telegram) HandleResponse(ctx context.Context, response models.Response) {
	if response.Target.ChatID == 0 || response.Text == "" {
		t.logger.Warn().Msg("telegram response without chat_id or text dropped")
		return
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return
	}

	body := map[string]any{
		"chat_id": response.Target.ChatID,
		"text":    response.Text,
	}
	if t.cfg.ParseMode != "" {
		body["parse_mode"] = t.cfg.ParseMode
	}
	if response.Target.MessageID != 0 {
		body["reply_to_message_id"] = response.Target.MessageID
	}

	var sent json.RawMessage
	if err := t.apiCall(ctx, "sendMessage", body, &sent); err != nil {
		t.logger.Error().Err(err).Int64("chat_id", response.Target.ChatID).Msg("sendMessage failed")
	}
}

// apiCall posts to the Bot API and unwraps the {ok, result} envelope.
func (t *Telegram) apiCall(ctx context.Context, method string, body map[string]any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.cfg.APIBase, t.cfg.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("telegram %s: decoding response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram %s: %s", method, envelope.Description)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decoding result: %w", method, err)
		}
	}
	return nil
}
