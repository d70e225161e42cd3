package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/torosent/keyshard/internal/metrics"
	"github.com/torosent/keyshard/internal/tracing"
)

// Report is the JSON line a shard child process prints last on stdout.
// Completed counts the units the child persisted to the store.
type Report struct {
	ShardID   string         `json:"shard_id"`
	Status    Status         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Output    string         `json:"output,omitempty"`
	Stats     *metrics.Stats `json:"stats,omitempty"`
	Completed int            `json:"completed,omitempty"`
}

// ReportOf converts a result into its child report.
func ReportOf(res ShardResult) Report {
	r := Report{ShardID: res.Shard.ID, Status: res.Status, Output: res.Output, Stats: res.Stats, Completed: res.Completed}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	return r
}

// ProcessRunner executes every shard in its own child process, so a crashing
// shard cannot affect its siblings. The child is invoked as
//
//	<Binary> <Args...> shard --model ... --instances ... --resource ...
//
// and must exit 0 on success. A child that outlives Timeout is killed and the
// shard reported as failed.
type ProcessRunner struct {
	// Binary defaults to the running executable.
	Binary string
	// Args precede the shard subcommand, typically global flags.
	Args    []string
	Env     []string
	Timeout time.Duration
	// Propagate passes the shard span's trace context to the child.
	Propagate bool
	// TailBytes bounds the captured output per stream.
	TailBytes int
	Logger    *zap.Logger
}

func (r *ProcessRunner) RunShard(ctx context.Context, s Shard) ShardResult {
	binary := r.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return ShardResult{Shard: s, Err: fmt.Errorf("locate executable: %w", err)}
		}
		binary = exe
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), r.Args...), ShardArgs(s)...)
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = append(os.Environ(), r.Env...)
	if r.Propagate {
		cmd.Env = append(cmd.Env, tracing.InjectEnv(ctx)...)
	}
	stdout, stderr := newTailBuffer(r.TailBytes), newTailBuffer(r.TailBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	if r.Logger != nil {
		r.Logger.Debug("starting shard process",
			zap.String("shard", s.ID),
			zap.String("binary", binary),
			zap.Strings("args", args))
	}

	start := time.Now()
	runErr := cmd.Run()
	res := ShardResult{Shard: s, Duration: time.Since(start), Output: combineOutput(stdout, stderr)}
	report, hasReport := parseReport(stdout.String())
	if hasReport {
		res.Stats = report.Stats
		res.Completed = report.Completed
		if report.Output != "" {
			res.Output = report.Output
		}
	}

	switch {
	case ctx.Err() != nil:
		res.Err = fmt.Errorf("shard process terminated: %w", ctx.Err())
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.Err = fmt.Errorf("shard process exited with code %d", exitErr.ExitCode())
		} else {
			res.Err = fmt.Errorf("run shard process: %w", runErr)
		}
		if hasReport && report.Error != "" {
			res.Err = fmt.Errorf("%w: %s", res.Err, report.Error)
		}
	case hasReport && report.Status == StatusFailed:
		msg := report.Error
		if msg == "" {
			msg = "shard reported failure"
		}
		res.Err = errors.New(msg)
	}
	if res.Err != nil {
		res.Status = StatusFailed
	} else {
		res.Status = StatusDone
	}
	return res
}

// ShardArgs renders the shard subcommand invocation for s.
func ShardArgs(s Shard) []string {
	args := []string{
		"shard",
		"--model", s.Model,
		"--instances", strconv.Itoa(s.Instances),
		"--resource", string(s.Resource),
		"--class", s.Class.String(),
		"--qps", strconv.FormatFloat(s.QPS, 'f', -1, 64),
		"--workers", strconv.Itoa(s.Workers),
		"--shard-id", s.ID,
		"--job-id", s.JobID,
	}
	if s.Attempt > 0 {
		args = append(args, "--attempt", strconv.Itoa(s.Attempt))
	}
	if s.Config.Variant != "" {
		args = append(args, "--variant", s.Config.Variant)
	}
	if s.Config.Difficulty != "" {
		args = append(args, "--difficulty", s.Config.Difficulty)
	}
	if s.Config.TaskFilter != "" {
		args = append(args, "--task-filter", s.Config.TaskFilter)
	}
	if s.Config.Reliability != 0 {
		args = append(args, "--reliability", strconv.FormatFloat(s.Config.Reliability, 'f', -1, 64))
	}
	return args
}

func parseReport(stdout string) (Report, bool) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if !gjson.Valid(last) || !gjson.Get(last, "status").Exists() {
		return Report{}, false
	}
	report := Report{
		ShardID:   gjson.Get(last, "shard_id").String(),
		Status:    Status(gjson.Get(last, "status").String()),
		Error:     gjson.Get(last, "error").String(),
		Output:    gjson.Get(last, "output").String(),
		Completed: int(gjson.Get(last, "completed").Int()),
	}
	if raw := gjson.Get(last, "stats"); raw.IsObject() {
		var stats metrics.Stats
		if err := json.Unmarshal([]byte(raw.Raw), &stats); err == nil {
			report.Stats = &stats
		}
	}
	return report, true
}

func combineOutput(stdout, stderr *tailBuffer) string {
	var b bytes.Buffer
	if stdout.Truncated() {
		b.WriteString("[stdout truncated]\n")
	}
	b.WriteString(stdout.String())
	if errOut := stderr.String(); errOut != "" {
		if b.Len() > 0 && !bytes.HasSuffix(b.Bytes(), []byte("\n")) {
			b.WriteByte('\n')
		}
		if stderr.Truncated() {
			b.WriteString("[stderr truncated]\n")
		}
		b.WriteString(errOut)
	}
	return b.String()
}
