package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/codernetes/hub/internal/models"
)

// sendFunc delivers an envelope to the hub. The executor never cares
// whether the hub is reachable; delivery failures are logged and the
// job continues so a reconnecting client can still finish local work.
type sendFunc func(ctx context.Context, msg any) error

// executor runs a single assigned job: it prepares the workdir, clones
// the requested repositories, runs the configured command with the
// prompt in the environment, and streams output back as job.log lines.
type executor struct {
	workdirRoot string
	command     []string
	send        sendFunc
	logger      zerolog.Logger
}

// run executes the assignment to completion and reports the terminal
// status. A cancelled ctx kills the running process and reports the
// job as cancelled.
func (e *executor) run(ctx context.Context, assign models.JobAssign) {
	workdir := filepath.Join(e.workdirRoot, assign.JobID)
	logPath := filepath.Join(workdir, "job.log")

	err := e.execute(ctx, assign, workdir, logPath)
	switch {
	case err == nil:
		e.report(models.JobStatusUpdate{
			Type:          models.MessageTypeJobStatus,
			JobID:         assign.JobID,
			Status:        models.JobStatusSucceeded,
			ResultSummary: "job completed successfully",
			LogPath:       logPath,
		})
	case ctx.Err() != nil:
		e.report(models.JobStatusUpdate{
			Type:          models.MessageTypeJobStatus,
			JobID:         assign.JobID,
			Status:        models.JobStatusCancelled,
			ResultSummary: "cancelled on request",
			LogPath:       logPath,
		})
	default:
		e.log(assign.JobID, logPath, "error", err.Error())
		e.report(models.JobStatusUpdate{
			Type:         models.MessageTypeJobStatus,
			JobID:        assign.JobID,
			Status:       models.JobStatusFailed,
			ErrorMessage: err.Error(),
			LogPath:      logPath,
		})
	}
}

func (e *executor) execute(ctx context.Context, assign models.JobAssign, workdir, logPath string) error {
	if err := os.RemoveAll(workdir); err != nil {
		return fmt.Errorf("clear workdir: %w", err)
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	e.log(assign.JobID, logPath, "info", "workdir ready: "+workdir)

	promptPath := filepath.Join(workdir, "prompt.txt")
	if err := os.WriteFile(promptPath, []byte(assign.Prompt), 0o644); err != nil {
		return fmt.Errorf("write prompt file: %w", err)
	}

	for _, repo := range assign.Repositories {
		if strings.TrimSpace(repo.URL) == "" {
			continue
		}
		e.log(assign.JobID, logPath, "info", "cloning "+repo.URL)
		args := cloneArgs(repo, workdir)
		if err := e.runCommand(ctx, assign.JobID, logPath, workdir, nil, args); err != nil {
			return fmt.Errorf("clone %s: %w", repo.URL, err)
		}
	}

	if len(e.command) == 0 {
		e.log(assign.JobID, logPath, "info", "no command configured, skipping execution")
		return nil
	}

	env := append(os.Environ(),
		"CODERNETES_PROMPT="+assign.Prompt,
		"CODERNETES_PROMPT_FILE="+promptPath,
		"CODERNETES_JOB_ID="+assign.JobID,
	)
	return e.runCommand(ctx, assign.JobID, logPath, workdir, env, e.command)
}

// runCommand executes argv in dir, streaming stdout as info lines and
// stderr as error lines.
func (e *executor) runCommand(ctx context.Context, jobID, logPath, dir string, env, argv []string) error {
	e.log(jobID, logPath, "info", "running: "+strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.pipe(jobID, logPath, "info", stdout)
	}()
	go func() {
		defer wg.Done()
		e.pipe(jobID, logPath, "error", stderr)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return fmt.Errorf("command exited with code %d", exit.ExitCode())
		}
		return err
	}
	e.log(jobID, logPath, "info", "command finished: exit code 0")
	return nil
}

func (e *executor) pipe(jobID, logPath, level string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		e.log(jobID, logPath, level, scanner.Text())
	}
}

// log appends the line to the local job log and forwards it to the hub.
func (e *executor) log(jobID, logPath, level, message string) {
	if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		fmt.Fprintf(f, "[%s] %s\n", level, message)
		_ = f.Close()
	}
	line := models.JobLog{
		Type:    models.MessageTypeJobLog,
		JobID:   jobID,
		Level:   level,
		Message: message,
	}
	if err := e.send(context.Background(), line); err != nil {
		e.logger.Debug().Err(err).Str("job_id", jobID).Msg("log line not delivered")
	}
}

func (e *executor) report(update models.JobStatusUpdate) {
	if err := e.send(context.Background(), update); err != nil {
		e.logger.Warn().Err(err).
			Str("job_id", update.JobID).
			Str("status", string(update.Status)).
			Msg("status report not delivered")
	}
}

// cloneArgs builds a shallow git clone invocation for a repository spec.
func cloneArgs(repo models.RepositorySpec, workdir string) []string {
	args := []string{"git", "clone", "--depth", "1"}
	if repo.Branch != "" {
		args = append(args, "--branch", repo.Branch)
	}
	return append(args, repo.URL, filepath.Join(workdir, repoName(repo.URL)))
}

// repoName derives a directory name from a clone URL.
func repoName(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	name := path.Base(strings.TrimRight(p, "/"))
	name = strings.TrimSuffix(name, ".git")
	if name == "" || name == "." || name == "/" {
		return "repository"
	}
	return name
}
