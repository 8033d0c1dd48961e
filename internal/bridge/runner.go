package bridge

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codernetes/hub/internal/models"
)

// ErrNoBridges is returned when Run is called with nothing to run.
var ErrNoBridges = errors.New("no bridges configured")

// Adapter is a platform bridge: Run consumes the platform until the
// context dies, HandleResponse posts a hub reply back to the platform.
type Adapter interface {
	Run(ctx context.Context) error
	HandleResponse(ctx context.Context, response models.Response)
}

// Pair couples a platform adapter with its own hub link.
type Pair struct {
	Link    *HubLink
	Adapter Adapter
}

// NewSlackPair wires a Slack adapter to its hub link.
func NewSlackPair(hubURL string, reconnectDelay time.Duration, cfg SlackConfig) Pair {
	var slack *Slack
	link := NewHubLink(hubURL, models.PlatformSlack, reconnectDelay, func(ctx context.Context, response models.Response) {
		slack.HandleResponse(ctx, response)
	})
	slack = NewSlack(cfg, link)
	return Pair{Link: link, Adapter: slack}
}

// NewTelegramPair wires a Telegram adapter to its hub link.
func NewTelegramPair(hubURL string, reconnectDelay time.Duration, cfg TelegramConfig) Pair {
	var telegram *Telegram
	link := NewHubLink(hubURL, models.PlatformTelegram, reconnectDelay, func(ctx context.Context, response models.Response) {
		telegram.HandleResponse(ctx, response)
	})
	telegram = NewTelegram(cfg, link)
	return Pair{Link: link, Adapter: telegram}
}

// Run drives every pair until the context is cancelled or one of them
// fails fatally.
func Run(ctx context.Context, pairs ...Pair) error {
	if len(pairs) == 0 {
		return ErrNoBridges
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, pair := range pairs {
		group.Go(func() error { return pair.Link.Run(ctx) })
		group.Go(func() error { return pair.Adapter.Run(ctx) })
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
