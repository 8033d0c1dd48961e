package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codernetes/hub/internal/db"
	"github.com/codernetes/hub/internal/job"
	"github.com/codernetes/hub/internal/models"
)

func newTestRouter(t *testing.T) (*Router, *db.TokenRepository) {
	t.Helper()

	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = database.MigrateUp(context.Background())
	require.NoError(t, err)

	tokens := db.NewTokenRepository(database)
	jobs := job.NewStore(db.NewJobRepository(database), nil, "fail")
	return NewRouter(jobs, tokens, NewReplyStore()), tokens
}

func slackSource(user string) models.CommandSource {
	return models.CommandSource{
		Platform: models.PlatformSlack,
		Channel:  "C123",
		ThreadTS: "1700000000.000100",
		User:     user,
		UserName: "alex",
	}
}

func TestDispatchCreatesJobAndRecordsReply(t *testing.T) {
	ctx := context.Background()
	router, _ := newTestRouter(t)

	j, err := router.Dispatch(ctx, slackSource("U1"), "run the smoke tests tags=linux")
	require.NoError(t, err)
	require.NotEmpty(t, j.ID)

	assert.Equal(t, "run the smoke tests", j.Prompt)
	assert.Equal(t, models.JobStatusPending, j.Status)
	assert.Equal(t, []string{"linux"}, j.RequestedTags)
	assert.Equal(t, "slack", j.Origin())
	assert.Equal(t, "U1", j.Metadata["user"])

	target, ok := router.Replies().Consume(j.ID)
	require.True(t, ok)
	assert.Equal(t, models.PlatformSlack, target.Platform)
	assert.Equal(t, "C123", target.Channel)
	assert.Equal(t, "1700000000.000100", target.ThreadTS)

	// One-shot: a second consume finds nothing.
	_, ok = router.Replies().Consume(j.ID)
	assert.False(t, ok)
}

func TestDispatchRequiresCredentialForRepos(t *testing.T) {
	ctx := context.Background()
	router, tokens := newTestRouter(t)

	_, err := router.Dispatch(ctx, slackSource("U1"), "run tests repo=https://github.com/o/r")
	assert.ErrorIs(t, err, ErrCredentialRequired)
	assert.Equal(t, 0, router.Replies().Len(), "no reply target recorded on rejection")

	// No job was created either.
	jobs, err := router.jobs.List(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// After registering a token the same command succeeds.
	require.NoError(t, tokens.Set(ctx, "U1", "github", "ghp_x"))
	j, err := router.Dispatch(ctx, slackSource("U1"), "run tests repo=https://github.com/o/r")
	require.NoError(t, err)
	assert.Len(t, j.Repositories, 1)
}

func TestDispatchWithoutReposNeedsNoCredential(t *testing.T) {
	router, _ := newTestRouter(t)

	_, err := router.Dispatch(context.Background(), slackSource("U-unregistered"), "just summarize the logs")
	assert.NoError(t, err)
}

func TestDispatchSurfacesParseError(t *testing.T) {
	router, _ := newTestRouter(t)

	_, err := router.Dispatch(context.Background(), slackSource("U1"), "tags=only,options")
	assert.ErrorIs(t, err, ErrParse)
}

func TestDispatchValidatesSource(t *testing.T) {
	router, _ := newTestRouter(t)

	// Slack source without a channel is not addressable for the reply.
	source := models.CommandSource{Platform: models.PlatformSlack, User: "U1"}
	_, err := router.Dispatch(context.Background(), source, "do something")
	assert.Error(t, err)
}

func TestDispatchTelegramSource(t *testing.T) {
	router, _ := newTestRouter(t)

	source := models.CommandSource{
		Platform:  models.PlatformTelegram,
		ChatID:    987654,
		MessageID: 42,
		User:      "tg-111",
	}
	j, err := router.Dispatch(context.Background(), source, "check disk usage target=edge-1")
	require.NoError(t, err)
	assert.Equal(t, "edge-1", j.TargetNodeID)
	assert.Equal(t, "telegram", j.Origin())

	target, ok := router.Replies().Peek(j.ID)
	require.True(t, ok)
	assert.Equal(t, int64(987654), target.ChatID)
}
