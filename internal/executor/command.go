package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"stageline/internal/domain"
)

const defaultCommandTimeout = 10 * time.Minute

var envKeyRe = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Command runs a shell command for a stage. Its stdout becomes a single text artifact;
// a non-zero exit or a timeout is a stage failure.
type Command struct {
	Command string
	Timeout time.Duration
	Dir     string
}

// ExitError reports a command that ran but did not succeed.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (c Command) Execute(ctx context.Context, stageID string, st domain.PipelineState, ec ExecContext) (Result, error) {
	if strings.TrimSpace(c.Command) == "" {
		return Result{}, fmt.Errorf("stage %s: empty command", stageID)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), commandEnv(stageID, st, ec)...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("command %q timed out after %s", c.Command, timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, &ExitError{Command: c.Command, ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return Result{}, fmt.Errorf("exec: %w", err)
	}
	return Result{
		Status: StatusOK,
		Artifacts: []Artifact{{
			Name:    stageID + ".out",
			Kind:    "text",
			Content: stdout.String(),
		}},
	}, nil
}

func commandEnv(stageID string, st domain.PipelineState, ec ExecContext) []string {
	env := []string{
		"SL_PROJECT_ID=" + ec.ProjectID,
		"SL_THREAD_ID=" + ec.ThreadID,
		"SL_STAGE_ID=" + stageID,
		"SL_STACK=" + st.Stack,
		"SL_ATTEMPT=" + strconv.Itoa(ec.Attempt),
	}
	for _, k := range sortedKeys(ec.Params) {
		env = append(env, "SL_PARAM_"+strings.ToUpper(envKeyRe.ReplaceAllString(k, "_"))+"="+ec.Params[k])
	}
	return env
}
