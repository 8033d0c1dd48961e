package models

import "errors"

// Platform identifies a chat platform a command originated from.
type Platform string

const (
	PlatformSlack    Platform = "slack"
	PlatformTelegram Platform = "telegram"
)

// Reply target validation errors.
var (
	ErrUnknownPlatform     = errors.New("unknown platform")
	ErrMissingChannel      = errors.New("slack targets require a channel")
	ErrMissingChatID       = errors.New("telegram targets require a chat_id")
	ErrMissingUserIdentity = errors.New("command source requires a user identity")
)

// ReplyTarget is the chat-platform address a job's outcome must be
// delivered to. It is created at job-creation time and consumed once, on
// the job's first terminal status.
type ReplyTarget struct {
	// Platform selects the adapter that delivers the reply.
	Platform Platform `json:"platform"`

	// Channel is the Slack channel id (slack only).
	Channel string `json:"channel,omitempty"`

	// ThreadTS is the Slack thread timestamp to reply in (slack only).
	ThreadTS string `json:"thread_ts,omitempty"`

	// ChatID is the Telegram chat id (telegram only).
	ChatID int64 `json:"chat_id,omitempty"`

	// MessageID is the Telegram message to reply to (telegram, optional).
	MessageID int64 `json:"message_id,omitempty"`

	// Broadcast sends the reply to the channel at large rather than as a
	// threaded reply.
	Broadcast bool `json:"broadcast,omitempty"`
}

// Validate checks the target against its platform's addressing rules.
func (t *ReplyTarget) Validate() error {
	switch t.Platform {
	case PlatformSlack:
		if t.Channel == "" {
			return ErrMissingChannel
		}
	case PlatformTelegram:
		if t.ChatID == 0 {
			return ErrMissingChatID
		}
	default:
		return ErrUnknownPlatform
	}
	return nil
}

// CommandSource describes who issued a platform command and where.
type CommandSource struct {
	// Platform is the originating chat platform.
	Platform Platform `json:"platform"`

	// Channel is the Slack channel id (slack only).
	Channel string `json:"channel,omitempty"`

	// ThreadTS is the Slack thread timestamp (slack only).
	ThreadTS string `json:"thread_ts,omitempty"`

	// ChatID is the Telegram chat id (telegram only).
	ChatID int64 `json:"chat_id,omitempty"`

	// MessageID is the Telegram message id (telegram only).
	MessageID int64 `json:"message_id,omitempty"`

	// User is the platform-specific user identifier.
	User string `json:"user"`

	// UserName is the human-readable name, when the platform provides one.
	UserName string `json:"user_name,omitempty"`
}

// ReplyTarget derives the address replies to this source should go to.
func (s *CommandSource) ReplyTarget() ReplyTarget {
	return ReplyTarget{
		Platform:  s.Platform,
		Channel:   s.Channel,
		ThreadTS:  s.ThreadTS,
		ChatID:    s.ChatID,
		MessageID: s.MessageID,
	}
}

// Validate checks the source's addressing and identity fields.
func (s *CommandSource) Validate() error {
	if s.User == "" {
		return ErrMissingUserIdentity
	}
	target := s.ReplyTarget()
	return target.Validate()
}
