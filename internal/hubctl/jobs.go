package hubctl

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codernetes/hub/internal/models"
)

func newJobsCmd(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage jobs",
	}

	cmd.AddCommand(
		newJobsListCmd(client),
		newJobsGetCmd(client),
		newJobsCreateCmd(client),
		newJobsCancelCmd(client),
		newJobsLogsCmd(client),
	)
	return cmd
}

func newJobsListCmd(client func() *Client) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := client().ListJobs(cmd.Context(), status, limit)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				rows = append(rows, []string{
					j.ID,
					string(j.Status),
					j.Origin(),
					j.TargetNodeID,
					j.CreatedAt.Local().Format(time.DateTime),
					truncate(j.Prompt, 60),
				})
			}
			return writeTable(cmd.OutOrStdout(),
				[]string{"ID", "STATUS", "ORIGIN", "TARGET", "CREATED", "PROMPT"}, rows)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|queued|running|succeeded|failed|cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs to return")
	return cmd
}

func newJobsGetCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := client().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(cmd, j)
			return nil
		},
	}
}

func newJobsCreateCmd(client func() *Client) *cobra.Command {
	var (
		prompt string
		target string
		tags   []string
		repos  []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := CreateJobRequest{
				Prompt:        prompt,
				TargetNodeID:  target,
				RequestedTags: tags,
				Metadata:      map[string]string{"origin": "cli"},
			}
			for _, raw := range repos {
				spec, err := parseRepoSpec(raw)
				if err != nil {
					return err
				}
				req.Repositories = append(req.Repositories, spec)
			}

			j, err := client().CreateJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			printJob(cmd, j)
			return nil
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "instruction text for the executing node (required)")
	cmd.Flags().StringVar(&target, "node", "", "pin the job to a specific node id")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "capability tags the executing node must carry")
	cmd.Flags().StringArrayVar(&repos, "repo", nil, "repository to clone, url[#branch] (repeatable)")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func newJobsCancelCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := client().CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s is now %s\n", j.ID, j.Status)
			return nil
		},
	}
}

func newJobsLogsCmd(client func() *Client) *cobra.Command {
	var (
		afterSeq int64
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Show a job's log lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := client().JobLogs(cmd.Context(), args[0], afterSeq, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, entry := range entries {
				fmt.Fprintf(out, "%s [%s] %s\n",
					entry.Timestamp.Local().Format(time.TimeOnly), entry.Level, entry.Message)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&afterSeq, "after", -1, "only show entries after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries")
	return cmd
}

func printJob(cmd *cobra.Command, j *models.Job) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:       %s\n", j.ID)
	fmt.Fprintf(out, "status:   %s\n", j.Status)
	fmt.Fprintf(out, "origin:   %s\n", j.Origin())
	fmt.Fprintf(out, "created:  %s\n", j.CreatedAt.Local().Format(time.DateTime))
	if j.TargetNodeID != "" {
		fmt.Fprintf(out, "target:   %s\n", j.TargetNodeID)
	}
	if len(j.RequestedTags) > 0 {
		fmt.Fprintf(out, "tags:     %s\n", strings.Join(j.RequestedTags, ", "))
	}
	for _, repo := range j.Repositories {
		fmt.Fprintf(out, "repo:     %s", repo.URL)
		if repo.Branch != "" {
			fmt.Fprintf(out, " (branch %s)", repo.Branch)
		}
		fmt.Fprintln(out)
	}
	if j.FinishedAt != nil {
		fmt.Fprintf(out, "finished: %s\n", j.FinishedAt.Local().Format(time.DateTime))
	}
	if j.ResultSummary != "" {
		fmt.Fprintf(out, "result:   %s\n", j.ResultSummary)
	}
	if j.ErrorMessage != "" {
		fmt.Fprintf(out, "error:    %s\n", j.ErrorMessage)
	}
	fmt.Fprintf(out, "prompt:   %s\n", j.Prompt)
}

// parseRepoSpec splits a url[#branch] flag value.
func parseRepoSpec(raw string) (models.RepositorySpec, error) {
	url, branch, _ := strings.Cut(raw, "#")
	if strings.TrimSpace(url) == "" {
		return models.RepositorySpec{}, fmt.Errorf("invalid repository %q", raw)
	}
	return models.RepositorySpec{URL: url, Branch: branch}, nil
}

func truncate(text string, max int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-1]) + "…"
}
