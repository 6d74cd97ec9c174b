package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/pkg/logger"
)

// Exit codes reserved by the execution contract.
const (
	ExitBlocked      = 126 // allowlist violation
	ExitMissing      = 127 // executable not found or failed to start
	excerptLineCount = 20
	pollInterval     = 100 * time.Millisecond
)

// TickSignal is the supervision callback's verdict.
type TickSignal int

// Tick verdicts. LeaseExpired and RunCanceled terminate the subprocess and
// are surfaced as distinct result variants, never conflated.
const (
	TickOK TickSignal = iota
	TickLeaseExpired
	TickRunCanceled
)

// Options describes one supervised subprocess execution.
type Options struct {
	Argv       []string
	Dir        string
	Timeout    time.Duration
	OutputPath string
	EnvOverlay map[string]string

	// ShouldCancel is probed at most once per CancelCheckInterval.
	ShouldCancel        func(ctx context.Context) (bool, error)
	CancelCheckInterval time.Duration

	// OnTick runs at most once per TickInterval (the worker heartbeats the
	// lease here).
	OnTick       func(ctx context.Context) TickSignal
	TickInterval time.Duration
}

// Result is the single result variant every subprocess returns. Exactly one
// of the terminal classifications applies: canceled, lease_expired,
// timed_out, or a plain exit code.
type Result struct {
	ExitCode      int
	TimedOut      bool
	Canceled      bool
	LeaseExpired  bool
	Duration      time.Duration
	OutputPath    string
	OutputExcerpt string

	// Output holds the full captured output when no OutputPath was given
	// (in-memory capture, used by short plumbing commands).
	Output string
}

// Failed reports whether the execution ended in anything but a clean exit.
func (r Result) Failed() bool {
	return r.TimedOut || r.Canceled || r.LeaseExpired || r.ExitCode != 0
}

// Supervisor runs subprocesses under a policy.
type Supervisor struct {
	policy Policy
}

// NewSupervisor creates a supervisor with the given policy.
func NewSupervisor(policy Policy) *Supervisor {
	return &Supervisor{policy: policy}
}

// Policy returns the supervisor's policy.
func (s *Supervisor) Policy() Policy {
	return s.policy
}

// Run executes one subprocess to completion under the policy and timers.
// Captured stdout+stderr goes to Options.OutputPath when set.
func (s *Supervisor) Run(ctx context.Context, opts Options) (Result, error) {
	started := time.Now()

	if len(opts.Argv) == 0 {
		return Result{}, fmt.Errorf("empty argv")
	}

	out, err := openOutput(opts.OutputPath)
	if err != nil {
		return Result{}, err
	}
	if out != nil {
		defer out.Close()
	}
	var buf bytes.Buffer

	fail := func(msg string, code int) Result {
		if out != nil {
			fmt.Fprintln(out, msg)
		}
		return Result{
			ExitCode:      code,
			Duration:      time.Since(started),
			OutputPath:    opts.OutputPath,
			OutputExcerpt: msg,
			Output:        msg,
		}
	}

	if err := s.policy.CheckCommand(opts.Argv[0]); err != nil {
		return fail(err.Error(), ExitBlocked), nil
	}
	if opts.Dir != "" {
		if err := s.policy.CheckDir(opts.Dir); err != nil {
			return fail(err.Error(), ExitBlocked), nil
		}
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = s.policy.BuildEnv(opts.EnvOverlay)
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	} else {
		cmd.Stdout = &buf
		cmd.Stderr = &buf
	}

	if err := cmd.Start(); err != nil {
		return fail(fmt.Sprintf("failed to start %s: %v", opts.Argv[0], err), ExitMissing), nil
	}

	waitCh := make(chan error, 1)
	go func() { //nolint:naked-goroutine // bounded by the child process lifetime
		waitCh <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	res := Result{OutputPath: opts.OutputPath}
	lastCancelCheck := started
	lastTick := started

poll:
	for {
		select {
		case waitErr := <-waitCh:
			res.ExitCode = exitCode(cmd, waitErr)
			break poll
		case <-deadline:
			res.TimedOut = true
			killProcess(cmd)
			<-waitCh
			break poll
		case <-ctx.Done():
			res.Canceled = true
			killProcess(cmd)
			<-waitCh
			break poll
		case <-time.After(pollInterval):
		}

		now := time.Now()
		if opts.ShouldCancel != nil && opts.CancelCheckInterval > 0 &&
			now.Sub(lastCancelCheck) >= opts.CancelCheckInterval {
			lastCancelCheck = now
			canceled, err := opts.ShouldCancel(ctx)
			if err != nil {
				logger.Warn("cancel probe failed", zap.Error(err))
			} else if canceled {
				res.Canceled = true
				terminateProcess(cmd)
				<-waitCh
				break poll
			}
		}
		if opts.OnTick != nil && opts.TickInterval > 0 && now.Sub(lastTick) >= opts.TickInterval {
			lastTick = now
			switch opts.OnTick(ctx) {
			case TickLeaseExpired:
				res.LeaseExpired = true
				terminateProcess(cmd)
				<-waitCh
				break poll
			case TickRunCanceled:
				res.Canceled = true
				terminateProcess(cmd)
				<-waitCh
				break poll
			}
		}
	}

	res.Duration = time.Since(started)
	if out != nil {
		_ = out.Sync()
		res.OutputExcerpt = TailLines(readOutput(opts.OutputPath), excerptLineCount)
	} else {
		res.Output = buf.String()
		res.OutputExcerpt = TailLines(res.Output, excerptLineCount)
	}
	return res, nil
}

func openOutput(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return f, nil
}

func readOutput(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// TailLines returns the last n lines of s.
func TailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// terminateProcess asks the process to stop; killProcess is immediate.
func terminateProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
		// Escalate shortly after; the wait channel observes the exit.
		time.AfterFunc(5*time.Second, func() { killProcess(cmd) })
	}
}

func killProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
