package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kingrea/appfactory/internal/boundary"
	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/pipeline"
)

const (
	stderrTailLines = 12
	waitDelay       = 2 * time.Second
)

// Command executes each stage by running an external program. The request is
// written to its stdin as JSON and the response is read from its stdout:
//
//	{"body": {...} | "markdown", "provenance": {"run": ..., "idea": ..., "idea_dir": ..., "inputs": [...]}, "error": "..."}
type Command struct {
	argv    []string
	timeout time.Duration
	env     []string
	dir     string
	logger  *slog.Logger
}

// NewCommand validates spec and returns a command executor.
func NewCommand(spec Spec) (*Command, error) {
	if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
		return nil, fmt.Errorf("executor: command executor requires a program")
	}
	if spec.Timeout < 0 {
		return nil, fmt.Errorf("executor: negative timeout %s", spec.Timeout)
	}
	logger := spec.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Command{
		argv:    append([]string{}, spec.Command...),
		timeout: spec.Timeout,
		env:     append([]string{}, spec.Env...),
		dir:     spec.Dir,
		logger:  logger,
	}, nil
}

type response struct {
	Body       json.RawMessage     `json:"body"`
	Provenance boundary.Provenance `json:"provenance"`
	Error      string              `json:"error,omitempty"`
}

// Execute runs the program once for req. Cancelling ctx kills the program and
// returns the context error.
func (c *Command) Execute(ctx context.Context, req pipeline.Request) (pipeline.Output, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return pipeline.Output{}, fmt.Errorf("executor: encode request: %w", err)
	}
	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.dir
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	c.logger.Debug("executor finished",
		"program", c.argv[0],
		"stage", req.Stage,
		"idea", req.IdeaID,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	if err := ctx.Err(); err != nil {
		return pipeline.Output{}, err
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return pipeline.Output{}, failure.Executor(req.Stage, req.IdeaID, fmt.Errorf("%s timed out after %s", c.argv[0], c.timeout))
	}
	if runErr != nil {
		msg := fmt.Sprintf("%s: %v", c.argv[0], runErr)
		if tail := tailLines(stderr.String(), stderrTailLines); tail != "" {
			msg += ": " + tail
		}
		return pipeline.Output{}, failure.Executor(req.Stage, req.IdeaID, errors.New(msg))
	}
	return decodeResponse(req, stdout.Bytes())
}

func decodeResponse(req pipeline.Request, data []byte) (pipeline.Output, error) {
	var resp response
	if err := json.Unmarshal(bytes.TrimSpace(data), &resp); err != nil {
		return pipeline.Output{}, failure.Executor(req.Stage, req.IdeaID, fmt.Errorf("decode response: %w", err))
	}
	if resp.Error != "" {
		return pipeline.Output{}, failure.Executor(req.Stage, req.IdeaID, errors.New(resp.Error))
	}
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 || string(body) == "null" {
		return pipeline.Output{}, failure.Validation(req.Stage, req.IdeaID, "", "executor returned no body", nil)
	}
	if body[0] == '"' {
		var text string
		if err := json.Unmarshal(body, &text); err != nil {
			return pipeline.Output{}, failure.Validation(req.Stage, req.IdeaID, "", "executor returned an invalid body", err)
		}
		body = []byte(text)
	}
	return pipeline.Output{Body: append([]byte(nil), body...), Provenance: resp.Provenance}, nil
}

func tailLines(text string, n int) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
