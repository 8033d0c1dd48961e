package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/codernetes/hub/internal/logging"
	"github.com/codernetes/hub/internal/models"
)

const slackPingInterval = 30 * time.Second

// SlackConfig configures the Slack bridge.
type SlackConfig struct {
	// BotToken is the xoxb- bot token.
	BotToken string

	// DefaultChannel receives replies whose target lacks a channel.
	DefaultChannel string

	// APIBase overrides the Slack API root, for tests.
	APIBase string
}

// Slack relays Slack RTM traffic to the hub and posts hub responses
// back with chat.postMessage.
type Slack struct {
	cfg    SlackConfig
	sink   CommandSink
	client *http.Client
	logger zerolog.Logger

	botUserID string
	botTeamID string
	pingID    atomic.Int64
}

// NewSlack creates the Slack bridge. sink receives forwarded commands.
func NewSlack(cfg SlackConfig, sink CommandSink) *Slack {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://slack.com/api"
	}
	return &Slack{
		cfg:    cfg,
		sink:   sink,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logging.Component("slack"),
	}
}

// Run resolves the bot identity and consumes RTM events until ctx is
// cancelled, reconnecting on failure.
func (s *Slack) Run(ctx context.Context) error {
	if err := s.hydrateIdentity(ctx); err != nil {
		return err
	}

	for {
		if err := s.consumeRTM(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("slack rtm connection lost")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// hydrateIdentity resolves the bot's own user id so mentions can be
// recognized and self-messages skipped.
func (s *Slack) hydrateIdentity(ctx context.Context) error {
	var resp struct {
		OK     bool   `json:"ok"`
		Error  string `json:"error"`
		UserID string `json:"user_id"`
		TeamID string `json:"team_id"`
	}
	if err := s.apiCall(ctx, "auth.test", nil, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("slack auth.test failed: %s", resp.Error)
	}

	s.botUserID = resp.UserID
	s.botTeamID = resp.TeamID
	s.logger.Info().Str("bot_user_id", resp.UserID).Str("team_id", resp.TeamID).Msg("slack identity resolved")
	return nil
}

func (s *Slack) rtmConnect(ctx context.Context) (string, error) {
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		URL   string `json:"url"`
	}
	if err := s.apiCall(ctx, "rtm.connect", nil, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("slack rtm.connect failed: %s", resp.Error)
	}
	return resp.URL, nil
}

// slackEvent is the subset of RTM event fields the bridge reads.
type slackEvent struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype"`
	ID          int64  `json:"id"`
	User        string `json:"user"`
	Text        string `json:"text"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type"`
	Team        string `json:"team"`
	TS          string `json:"ts"`
	ThreadTS    string `json:"thread_ts"`
	UserProfile struct {
		DisplayName string `json:"display_name"`
		RealName    string `json:"real_name"`
	} `json:"user_profile"`
}

func (s *Slack) consumeRTM(ctx context.Context) error {
	url, err := s.rtmConnect(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.logger.Info().Msg("slack rtm connected")

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var event slackEvent
		if err := json.Unmarshal(data, &event); err != nil {
			s.logger.Debug().Err(err).Msg("unparseable slack event")
			continue
		}

		switch event.Type {
		case "hello":
			s.logger.Info().Msg("slack rtm handshake complete")
		case "ping":
			pong, _ := json.Marshal(map[string]any{"type": "pong", "reply_to": event.ID})
			if err := conn.WriteMessage(websocket.TextMessage, pong); err != nil {
				return err
			}
		case "message":
			s.handleMessage(ctx, &event)
		case "disconnect":
			return errors.New("slack rtm sent disconnect")
		case "error":
			s.logger.Error().RawJSON("event", data).Msg("slack rtm error event")
		}
	}
}

// pingLoop keeps the RTM socket alive with application-level pings.
func (s *Slack) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(slackPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, _ := json.Marshal(map[string]any{
				"id":   s.pingID.Add(1),
				"type": "ping",
				"time": time.Now().Unix(),
			})
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug().Err(err).Msg("slack ping failed")
				return
			}
		}
	}
}

// handleMessage filters an RTM message event and forwards it as a
// command. In channels and groups the bot must be mentioned; direct
// messages go through as-is.
func (s *Slack) handleMessage(ctx context.Context, event *slackEvent) {
	if event.Subtype != "" && event.Subtype != "thread_broadcast" {
		return
	}
	if event.User == "" || event.User == s.botUserID {
		return
	}

	text := strings.TrimSpace(event.Text)
	if text == "" || event.Channel == "" {
		return
	}

	channelType := event.ChannelType
	if channelType == "" {
		channelType = guessChannelType(event.Channel)
	}
	if channelType == "channel" || channelType == "group" {
		if s.botUserID == "" {
			return
		}
		mention := "<@" + s.botUserID + ">"
		if !strings.Contains(text, mention) {
			return
		}
		text = strings.TrimSpace(strings.Replace(text, mention, "", 1))
	}

	threadTS := event.ThreadTS
	if threadTS == "" {
		threadTS = event.TS
	}
	userName := event.UserProfile.DisplayName
	if userName == "" {
		userName = event.UserProfile.RealName
	}

	cmd := models.Command{
		Type: models.MessageTypeCommand,
		Source: models.CommandSource{
			Platform: models.PlatformSlack,
			Channel:  event.Channel,
			ThreadTS: threadTS,
			User:     event.User,
			UserName: userName,
		},
		Text: text,
	}

	if err := s.sink.SendCommand(ctx, cmd); err != nil {
		s.logger.Warn().Err(err).Str("channel", event.Channel).Msg("command forward failed")
	}
}

// HandleResponse posts a hub response into the originating Slack thread.
func (s *Slack) HandleResponse(ctx context.Context, response models.Response) {
	channel := response.Target.Channel
	if channel == "" {
		channel = s.cfg.DefaultChannel
	}
	if channel == "" || response.Text == "" {
		s.logger.Warn().Msg("slack response without channel or text dropped")
		return
	}

	body := map[string]any{"channel": channel, "text": response.Text}
	if response.Target.ThreadTS != "" {
		body["thread_ts"] = response.Target.ThreadTS
		if response.Broadcast {
			body["reply_broadcast"] = true
		}
	}

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := s.apiCall(ctx, "chat.postMessage", body, &resp); err != nil {
		s.logger.Error().Err(err).Str("channel", channel).Msg("chat.postMessage failed")
		return
	}
	if !resp.OK {
		s.logger.Error().Str("error", resp.Error).Str("channel", channel).Msg("slack rejected message")
	}
}

func (s *Slack) apiCall(ctx context.Context, method string, body map[string]any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIBase+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.BotToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("slack %s: decoding response: %w", method, err)
	}
	return nil
}

// guessChannelType infers the conversation kind from the id prefix when
// the event omits channel_type.
func guessChannelType(channelID string) string {
	switch {
	case strings.HasPrefix(channelID, "D"):
		return "im"
	case strings.HasPrefix(channelID, "G"):
		return "group"
	case strings.HasPrefix(channelID, "C"):
		return "channel"
	default:
		return "unknown"
	}
}
