// Package command turns inbound chat commands into jobs and remembers
// where the outcome must be delivered.
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/codernetes/hub/internal/models"
)

// ErrParse is returned for command text that yields no usable prompt.
var ErrParse = errors.New("could not parse command")

// Command is the structured form of a chat command.
type Command struct {
	Prompt        string
	Repositories  []models.RepositorySpec
	RequestedTags []string
	TargetNodeID  string
}

// Parse extracts options from a command string. Recognized tokens:
//
//	repo=URL / repos=URL / repo:URL   add a repository
//	tags=a,b                          restrict to nodes carrying all tags
//	target=NODE                       pin to a specific node
//
// Everything else becomes the prompt, whitespace-joined. A command whose
// prompt is empty after option extraction fails with ErrParse.
func Parse(text string) (*Command, error) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrParse)
	}

	cmd := &Command{}
	var promptTokens []string

	for _, token := range tokens {
		lower := strings.ToLower(token)

		switch {
		case strings.HasPrefix(lower, "repo=") || strings.HasPrefix(lower, "repos="):
			_, value, _ := strings.Cut(token, "=")
			if value != "" {
				cmd.Repositories = append(cmd.Repositories, models.RepositorySpec{URL: value})
			}

		case strings.HasPrefix(lower, "repo:"):
			_, value, _ := strings.Cut(token, ":")
			if value != "" {
				cmd.Repositories = append(cmd.Repositories, models.RepositorySpec{URL: value})
			}

		case strings.HasPrefix(lower, "tags="):
			_, value, _ := strings.Cut(token, "=")
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					cmd.RequestedTags = append(cmd.RequestedTags, tag)
				}
			}

		case strings.HasPrefix(lower, "target="):
			_, value, _ := strings.Cut(token, "=")
			cmd.TargetNodeID = strings.TrimSpace(value)

		default:
			promptTokens = append(promptTokens, token)
		}
	}

	cmd.Prompt = strings.Join(promptTokens, " ")
	if cmd.Prompt == "" {
		return nil, fmt.Errorf("%w: command contains only options, no prompt", ErrParse)
	}

	return cmd, nil
}
