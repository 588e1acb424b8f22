// Backend and Session model the child-process supervision contract:
// the runtime spawns an external command in the agent's
// working directory and streams its stdout as structured events.
// Start returns a Session you read events from and Wait on; any
// line-oriented JSON-event command fits the contract.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"github.com/zeroshot-dev/zeroshot/agent/events"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// Options configures one child-process invocation.
type Options struct {
	// Command is the argv to execute, e.g. {"claude", "-p", "--output-format", "stream-json"}.
	// Never shelled through "sh -c" — always invoked directly as an
	// argv array.
	Command []string
	CWD     string
	Prompt  string

	// Env is the explicit, minimal environment passed to the child.
	// It must never include secrets from the host environment, only
	// explicitly passed values — callers must not append os.Environ()
	// here.
	Env []string
}

// Session is a running (or finished) child process.
type Session interface {
	// Events streams parsed stdout records in order. The channel is
	// closed when the process's stdout is exhausted.
	Events() <-chan events.Event
	// Wait blocks until the process exits and returns its error, if
	// any (non-nil on non-zero exit). Safe to call once.
	Wait() error
	// Signal sends a graceful termination request (SIGTERM on Unix).
	Signal() error
	// Kill force-terminates the process immediately.
	Kill() error
	// PID returns the OS process id backing this session, or 0 if none
	// (e.g. a subcluster session, which has no local child process).
	PID() int
}

// Backend launches a child process for an agent's task execution.
type Backend interface {
	Start(ctx context.Context, opts Options) (Session, error)
}

// ExecBackend is the production Backend: it runs Options.Command
// directly (no shell interpolation) with stdin closed after the prompt
// is written.
type ExecBackend struct{}

type execSession struct {
	cmd    *exec.Cmd
	evCh   chan events.Event
	stderr bytes.Buffer

	waitOnce sync.Once
	waitErr  error
}

// Start implements Backend.
func (ExecBackend) Start(ctx context.Context, opts Options) (Session, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("%w: empty command", zserr.ErrChildSpawn)
	}
	cmd := exec.CommandContext(ctx, opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.CWD
	cmd.Env = opts.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", zserr.ErrChildSpawn, err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", zserr.ErrChildSpawn, err)
	}

	s := &execSession{cmd: cmd, evCh: make(chan events.Event, 64)}
	cmd.Stderr = &s.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", zserr.ErrChildSpawn, opts.Command[0], err)
	}

	go func() {
		_, _ = stdin.Write([]byte(opts.Prompt))
		_ = stdin.Close()
	}()

	go func() {
		defer close(s.evCh)
		_ = events.Scan(stdout, func(ev events.Event) bool {
			s.evCh <- ev
			return true
		})
	}()

	return s, nil
}

func (s *execSession) Events() <-chan events.Event { return s.evCh }

func (s *execSession) Wait() error {
	s.waitOnce.Do(func() {
		err := s.cmd.Wait()
		if err != nil {
			s.waitErr = fmt.Errorf("%w: %v: %s", zserr.ErrChildSpawn, err, s.stderr.String())
		}
	})
	return s.waitErr
}

func (s *execSession) Signal() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Signal(syscall.SIGTERM)
}

func (s *execSession) Kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

func (s *execSession) PID() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// RetryPolicy is an explicit retry/backoff policy value, used for
// transient child-process failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   float64 // seconds
	MaxDelay    float64 // seconds
	Jitter      float64 // fraction of delay, e.g. 0.2 for ±20%
}

// DefaultRetryPolicy allows three attempts with jittered exponential
// backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 1, MaxDelay: 30, Jitter: 0.2}
}

// RetryablePatterns are stderr substrings that mark a child failure as
// transient.
var RetryablePatterns = []string{
	"ECONNRESET",
	"ETIMEDOUT",
	"rate limit",
	"overloaded",
	"timeout",
	"connection reset",
}

// IsRetryable reports whether err (typically from Session.Wait) looks
// like a transient failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pat := range RetryablePatterns {
		if containsFold(msg, pat) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return bytes.Contains(bytes.ToLower([]byte(s)), bytes.ToLower([]byte(substr)))
}
