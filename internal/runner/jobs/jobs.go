// Package jobs holds the built-in jobs every batchctl daemon can schedule.
package jobs

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

	"github.com/kballard/go-shellquote"

	"batchctl/internal/params"
	"batchctl/internal/runner"
	logx "batchctl/pkg/logx"
)

const (
	NameLog  = "log"
	NameExec = "exec"

	ArgCommand = "command"
	ArgDir     = "dir"

	maxOutputInError = 512
)

// Register adds the built-in jobs to l.
func Register(l *runner.Local, log logx.Logger) error {
	log = log.With(logx.String("comp", "jobs"))
	if err := l.RegisterFunc(NameLog, LogJob(log)); err != nil {
		return err
	}
	return l.RegisterFunc(NameExec, ExecJob(log))
}

// LogJob writes its arguments to the log. Useful as a heartbeat and for wiring checks.
func LogJob(log logx.Logger) runner.JobFunc {
	return func(ctx context.Context, args params.LaunchArguments) error {
		fields := make([]logx.Field, 0, len(args))
		for _, a := range args {
			fields = append(fields, logx.String("arg."+a.Key, ArgText(a.Value)))
		}
		log.Info("log job fired", fields...)
		return nil
	}
}

// ExecJob runs the "command" STRING argument, split with shell quoting rules.
// "dir" sets the working directory; every other argument is exported as an
// environment variable (see EnvName).
func ExecJob(log logx.Logger) runner.JobFunc {
	return func(ctx context.Context, args params.LaunchArguments) error {
		raw, ok := args.GetString(ArgCommand)
		if !ok || strings.TrimSpace(raw) == "" {
			return fmt.Errorf("exec: %q STRING argument required", ArgCommand)
		}
		parts, err := shellquote.Split(raw)
		if err != nil {
			return fmt.Errorf("exec: parse command: %w", err)
		}
		if len(parts) == 0 {
			return fmt.Errorf("exec: empty command")
		}

		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		if dir, ok := args.GetString(ArgDir); ok {
			cmd.Dir = dir
		}
		cmd.Env = os.Environ()
		for _, a := range args {
			if a.Key == ArgCommand || a.Key == ArgDir {
				continue
			}
			cmd.Env = append(cmd.Env, EnvName(a.Key)+"="+ArgText(a.Value))
		}
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		start := time.Now()
		runErr := cmd.Run()
		log.Debug("exec finished",
			logx.Strings("argv", parts),
			logx.Duration("dur", time.Since(start)),
			logx.Int("output_bytes", out.Len()),
		)
		if runErr != nil {
			var ee *exec.ExitError
			if errors.As(runErr, &ee) {
				return fmt.Errorf("exec: %s exited %d: %s", parts[0], ee.ExitCode(), tail(out.String(), maxOutputInError))
			}
			return fmt.Errorf("exec: run %s: %w", parts[0], runErr)
		}
		return nil
	}
}

// EnvName upper-cases key and replaces anything outside [A-Z0-9_] with '_'.
func EnvName(key string) string {
	b := []byte(strings.ToUpper(key))
	for i, c := range b {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			b[i] = '_'
		}
	}
	return string(b)
}

// ArgText renders a launch argument the way the parameter string would.
func ArgText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return params.FormatDate(x)
	default:
		return fmt.Sprint(v)
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
