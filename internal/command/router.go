package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/codernetes/hub/internal/db"
	"github.com/codernetes/hub/internal/job"
	"github.com/codernetes/hub/internal/logging"
	"github.com/codernetes/hub/internal/models"
)

// ErrCredentialRequired is returned when a command references repositories
// but the user has no stored token to clone them with.
var ErrCredentialRequired = errors.New("credential required")

// TokenLookup resolves a stored credential for a user. *db.TokenRepository
// satisfies this; it reports db.ErrTokenNotFound for missing entries.
type TokenLookup interface {
	Get(ctx context.Context, userID, provider string) (string, error)
}

// Router parses inbound platform commands, creates jobs, and records
// where the reply must go.
type Router struct {
	jobs    *job.Store
	tokens  TokenLookup
	replies *ReplyStore
	logger  zerolog.Logger
}

// NewRouter creates a command router. tokens may be nil, in which case
// repository commands never require a credential.
func NewRouter(jobs *job.Store, tokens TokenLookup, replies *ReplyStore) *Router {
	return &Router{
		jobs:    jobs,
		tokens:  tokens,
		replies: replies,
		logger:  logging.Component("command"),
	}
}

// Replies exposes the reply store for the notifier.
func (r *Router) Replies() *ReplyStore {
	return r.replies
}

// Dispatch handles one inbound command: parse, resolve credentials,
// create the job, and record the reply target. On ErrParse or
// ErrCredentialRequired no job is created and no state is mutated; the
// caller turns the error into a chat reply.
func (r *Router) Dispatch(ctx context.Context, source models.CommandSource, text string) (*models.Job, error) {
	if err := source.Validate(); err != nil {
		return nil, err
	}

	cmd, err := Parse(text)
	if err != nil {
		return nil, err
	}

	// Repository work needs a clone credential on the node.
	if len(cmd.Repositories) > 0 && r.tokens != nil {
		if _, err := r.tokens.Get(ctx, source.User, "github"); err != nil {
			if errors.Is(err, db.ErrTokenNotFound) {
				return nil, fmt.Errorf("%w: no github token stored for user %s", ErrCredentialRequired, source.User)
			}
			return nil, fmt.Errorf("token lookup failed: %w", err)
		}
	}

	j := &models.Job{
		Prompt:        cmd.Prompt,
		TargetNodeID:  cmd.TargetNodeID,
		RequestedTags: cmd.RequestedTags,
		Repositories:  cmd.Repositories,
		Metadata: map[string]string{
			"origin": string(source.Platform),
			"user":   source.User,
		},
	}
	if source.UserName != "" {
		j.Metadata["user_name"] = source.UserName
	}

	if err := r.jobs.Create(ctx, j); err != nil {
		return nil, err
	}

	r.replies.Record(j.ID, source.ReplyTarget())

	r.logger.Info().Str("job_id", j.ID).Str("platform", string(source.Platform)).
		Str("user", source.User).Msg("command dispatched")

	return j, nil
}
