// Package auth runs the external login script that prepares browser state
// before a crawl. The script is expected to leave a storage-state file and a
// session-storage snapshot behind; the crawler only reads those files.
package auth

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/statecrawler/internal/browser"
	"github.com/JakeFAU/statecrawler/internal/session"
)

// PublicUser crawls without logging in.
const PublicUser = "public"

// DefaultTimeout bounds one script run.
const DefaultTimeout = 2 * time.Minute

// CommandRunner executes a process and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, env []string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args []string, env []string) ([]byte, error) {
	// #nosec G204 -- the command comes from operator configuration.
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(cmd.Environ(), env...)
	return cmd.CombinedOutput()
}

// Credentials identify the crawl user.
type Credentials struct {
	User string
	Pass string
}

// Public reports whether no login is wanted.
func (c Credentials) Public() bool {
	return c.User == "" || c.User == PublicUser
}

// Config describes the login script.
type Config struct {
	// Command is the program and its leading arguments; user and password are
	// appended.
	Command []string
	Timeout time.Duration
}

// Authenticator prepares the session files in a session.Store.
type Authenticator struct {
	cfg    Config
	store  *session.Store
	runner CommandRunner
	logger *zap.Logger
}

// Option customizes an Authenticator.
type Option func(*Authenticator)

// WithRunner replaces the process runner.
func WithRunner(r CommandRunner) Option {
	return func(a *Authenticator) {
		if r != nil {
			a.runner = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l
		}
	}
}

// New returns an Authenticator writing to store.
func New(cfg Config, store *session.Store, opts ...Option) *Authenticator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	a := &Authenticator{cfg: cfg, store: store, runner: ExecRunner{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate prepares the session files for creds. The public user gets an
// empty storage state and the empty snapshot "" without running anything. With
// no command configured the existing files are used as they are.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) error {
	if creds.Public() {
		a.logger.Info("crawling as the public user")
		if err := (browser.StorageState{}).Save(a.store.StatePath()); err != nil {
			return fmt.Errorf("reset storage state: %w", err)
		}
		if err := browser.WriteFileAtomic(a.store.SnapshotPath(), []byte(`""`)); err != nil {
			return fmt.Errorf("reset session snapshot: %w", err)
		}
		return nil
	}
	if len(a.cfg.Command) == 0 {
		a.logger.Warn("no auth command configured, using existing session files",
			zap.String("user", creds.User),
			zap.String("state_path", a.store.StatePath()),
		)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	name := a.cfg.Command[0]
	args := append(append([]string(nil), a.cfg.Command[1:]...), creds.User, creds.Pass)
	env := []string{
		"STATECRAWLER_USER=" + creds.User,
		"STATECRAWLER_PASS=" + creds.Pass,
		"STATECRAWLER_STATE_PATH=" + a.store.StatePath(),
		"STATECRAWLER_SESSION_PATH=" + a.store.SnapshotPath(),
	}

	a.logger.Info("running auth command", zap.String("command", name), zap.String("user", creds.User))
	start := time.Now()
	out, err := a.runner.Run(ctx, name, args, env)
	a.logOutput(out)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("auth command timed out after %s: %w", a.cfg.Timeout, err)
		}
		return fmt.Errorf("auth command %s: %w", name, err)
	}
	a.logger.Info("auth command finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (a *Authenticator) logOutput(out []byte) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		a.logger.Debug("auth output", zap.String("line", line))
	}
}
