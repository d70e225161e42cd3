package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/torosent/keyshard/internal/aggregate"
)

// ExitTempFail is the exit code a unit command uses to ask for a retry.
const ExitTempFail = 75

// OutputError reports unit command output that could not be interpreted.
type OutputError struct {
	Output string
	Reason string
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("unit output %s: %q", e.Reason, truncate(e.Output, 200))
}

// CommandExecutor runs an external command once per unit. The unit is passed
// through KEYSHARD_* environment variables and the command prints a JSON
// document on stdout, from which the result fields are read.
type CommandExecutor struct {
	Command []string
	Env     []string
	Timeout time.Duration
	// Result paths use gjson syntax; a leading "$." is accepted.
	PassedPath   string
	ScorePath    string
	TaskTypePath string
}

// NewCommandExecutor returns an executor with the default result paths.
func NewCommandExecutor(command []string, timeout time.Duration) *CommandExecutor {
	return &CommandExecutor{
		Command:      command,
		Timeout:      timeout,
		PassedPath:   "passed",
		ScorePath:    "score",
		TaskTypePath: "task_type",
	}
}

func (c *CommandExecutor) Execute(ctx context.Context, u Unit) (aggregate.Result, error) {
	if len(c.Command) == 0 {
		return aggregate.Result{}, errors.New("unit command is empty")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Env = append(append(os.Environ(), c.Env...), unitEnv(u)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Grandchildren may keep the pipes open after a timeout kill.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return aggregate.Result{}, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitTempFail {
			return aggregate.Result{}, &TransientError{Err: fmt.Errorf("%s: %s", err, truncate(stderr.String(), 200))}
		}
		return aggregate.Result{}, err
	}
	return c.parse(stdout.Bytes())
}

func (c *CommandExecutor) parse(out []byte) (aggregate.Result, error) {
	out = bytes.TrimSpace(out)
	// Only the last line counts, so commands may log freely before it.
	if i := bytes.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	if !gjson.ValidBytes(out) {
		return aggregate.Result{}, &OutputError{Output: string(out), Reason: "is not JSON"}
	}
	passed := gjson.GetBytes(out, jsonPath(c.PassedPath, "passed"))
	if !passed.Exists() {
		return aggregate.Result{}, &OutputError{Output: string(out), Reason: "has no passed field"}
	}
	res := aggregate.Result{Passed: passed.Bool()}
	if score := gjson.GetBytes(out, jsonPath(c.ScorePath, "score")); score.Exists() {
		res.Score = score.Float()
	} else if res.Passed {
		res.Score = 1
	}
	if tt := gjson.GetBytes(out, jsonPath(c.TaskTypePath, "task_type")); tt.Exists() {
		res.TaskType = tt.String()
	}
	return res, nil
}

func jsonPath(path, fallback string) string {
	if path == "" {
		return fallback
	}
	return strings.TrimPrefix(path, "$.")
}

func unitEnv(u Unit) []string {
	return []string{
		"KEYSHARD_UNIT_INDEX=" + strconv.Itoa(u.Index),
		"KEYSHARD_MODEL=" + u.Model,
		"KEYSHARD_VARIANT=" + u.Variant,
		"KEYSHARD_DIFFICULTY=" + u.Difficulty,
		"KEYSHARD_TASK_FILTER=" + u.TaskFilter,
		"KEYSHARD_RELIABILITY=" + strconv.FormatFloat(u.Reliability, 'f', -1, 64),
		"KEYSHARD_RESOURCE=" + u.Resource,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
