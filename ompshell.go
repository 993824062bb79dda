// Package ompshell is the executor entry point: it resolves the
// persistence decision, delegates to the session registry or the one-shot
// fallback, retries once on a narrow class of startup failures, and
// exposes a process-wide shutdown hook (spec.md 4.7, 6).
package ompshell

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ravshansbox/ompshell/internal/config"
	"github.com/ravshansbox/ompshell/internal/oneshot"
	"github.com/ravshansbox/ompshell/internal/registry"
	"github.com/ravshansbox/ompshell/internal/shellsession"
	"github.com/ravshansbox/ompshell/pkg/shellconfig"
)

// Options are the per-call options of spec.md 6.
type Options struct {
	Cwd          string
	Timeout      time.Duration
	Env          map[string]string
	OnChunk      func(line []byte)
	ArtifactPath string
	ArtifactID   string
}

// Result is the spec.md 6 Result shape.
type Result struct {
	Output          string `json:"output"`
	ExitCode        int    `json:"exit_code"`
	ExitCodeUnknown bool   `json:"exit_code_unknown"`
	Cancelled       bool   `json:"cancelled"`
	Truncated       bool   `json:"truncated"`
	TotalLines      int    `json:"total_lines"`
	TotalBytes      int    `json:"total_bytes"`
	OutputLines     int    `json:"output_lines"`
	OutputBytes     int    `json:"output_bytes"`
	ArtifactID      string `json:"artifact_id,omitempty"`
}

var (
	defaultMu       sync.Mutex
	defaultExecutor *Executor
)

// Executor owns one process-wide session registry plus the config it was
// built from. Most callers use the package-level Execute, which lazily
// builds and reuses a default Executor; construct one directly only to
// run with a non-default Config or to scope shutdown independently.
type Executor struct {
	cfg *config.Config
	reg *registry.Registry
}

// New builds an Executor from cfg. cfg's abort/output/shell tunables are
// applied to every session the registry creates.
func New(cfg *config.Config) *Executor {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Executor{
		cfg: cfg,
		reg: registry.New(shellsession.Options{
			AbortGrace:   cfg.Abort.GetGrace(),
			MarkerTail:   cfg.Output.MarkerTail,
			OutputBudget: cfg.Output.BudgetBytes(),
			NoLogin:      cfg.Shell.NoLogin || noLoginOverride(),
		}),
	}
}

// Shutdown implements the process post-mortem hook of spec.md 4.7: disposes
// every live session concurrently and clears the registry.
func (e *Executor) Shutdown() {
	e.reg.Shutdown()
}

// Execute runs command to completion against the shell described by cfg,
// choosing persistent or one-shot mode per spec.md 4.7's decision, and
// retrying once if the persistent path fails to start.
func (e *Executor) Execute(ctx context.Context, cfg *shellconfig.Config, command string, opts Options) (Result, error) {
	if cfg.Interpreter == "" {
		cfg = withInterpreter(cfg, e.cfg.Shell.DefaultInterpreter)
	}

	execOpts := shellsession.ExecuteOptions{
		Cwd:          opts.Cwd,
		Timeout:      opts.Timeout,
		Env:          opts.Env,
		OnChunk:      opts.OnChunk,
		ArtifactPath: opts.ArtifactPath,
		ArtifactID:   opts.ArtifactID,
	}
	if execOpts.Timeout <= 0 {
		execOpts.Timeout = e.cfg.Abort.GetDefaultTimeout()
	}

	if !persistentMode(cfg) {
		res, err := oneshot.Execute(ctx, cfg, command, oneshot.Options{
			Cwd:          execOpts.Cwd,
			Timeout:      execOpts.Timeout,
			Env:          execOpts.Env,
			OnChunk:      execOpts.OnChunk,
			ArtifactPath: execOpts.ArtifactPath,
			ArtifactID:   execOpts.ArtifactID,
		}, e.cfg.Output.BudgetBytes())
		return fromOneshot(res), err
	}

	sess := e.reg.Get(cfg)
	res, err := sess.Execute(ctx, command, execOpts)
	if err != nil && isRestartable(err) {
		sess = e.reg.Replace(cfg)
		res, err = sess.Execute(ctx, command, execOpts)
	}
	return fromSession(res), err
}

// isRestartable implements spec.md 4.5/9's narrow restart predicate: only
// the two exact startup conditions ("Shell session not started", "Shell
// session stdin unavailable") are retried. A write failure is also
// described as "restartable" in prose (§7), but is deliberately excluded
// here per §9's note that an implementation "may broaden the retry
// predicate but should do so consciously" — a write failure can indicate a
// genuinely new failure class, so it surfaces to the caller instead of
// being silently retried.
func isRestartable(err error) bool {
	var startup *shellconfig.StartupError
	if !errors.As(err, &startup) {
		return false
	}
	return errors.Is(startup.Err, shellconfig.ErrSessionNotStarted) ||
		errors.Is(startup.Err, shellconfig.ErrSessionStdinUnavailable)
}

// persistentMode implements spec.md 4.7 step 2: operator override first,
// then the OS/shell-family heuristic.
func persistentMode(cfg *shellconfig.Config) bool {
	if v, ok := persistOverride(); ok {
		return v
	}
	if runtime.GOOS == "windows" {
		return false
	}
	return cfg.Family().SupportsPersistence()
}

// persistOverride parses OMP_SHELL_PERSIST (spec.md 6).
func persistOverride() (value bool, ok bool) {
	raw, present := os.LookupEnv("OMP_SHELL_PERSIST")
	if !present {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// noLoginOverride parses OMP_BASH_NO_LOGIN and its legacy alias
// OMP_NO_LOGIN_SHELL (spec.md 6: "and a legacy alias").
func noLoginOverride() bool {
	for _, name := range []string{"OMP_BASH_NO_LOGIN", "OMP_NO_LOGIN_SHELL"} {
		if v, ok := os.LookupEnv(name); ok {
			v = strings.ToLower(strings.TrimSpace(v))
			if v != "" && v != "0" && v != "false" && v != "no" && v != "off" {
				return true
			}
		}
	}
	return false
}

func withInterpreter(cfg *shellconfig.Config, interpreter string) *shellconfig.Config {
	out := *cfg
	out.Interpreter = interpreter
	return &out
}

func fromSession(r shellsession.Result) Result {
	return Result{
		Output:          r.Output,
		ExitCode:        r.ExitCode,
		ExitCodeUnknown: r.ExitCodeUnknown,
		Cancelled:       r.Cancelled,
		Truncated:       r.Truncated,
		TotalLines:      r.TotalLines,
		TotalBytes:      r.TotalBytes,
		OutputLines:     r.OutputLines,
		OutputBytes:     r.OutputBytes,
		ArtifactID:      r.ArtifactID,
	}
}

func fromOneshot(r oneshot.Result) Result {
	return Result{
		Output:          r.Output,
		ExitCode:        r.ExitCode,
		ExitCodeUnknown: r.ExitCodeUnknown,
		Cancelled:       r.Cancelled,
		Truncated:       r.Truncated,
		TotalLines:      r.TotalLines,
		TotalBytes:      r.TotalBytes,
		OutputLines:     r.OutputLines,
		OutputBytes:     r.OutputBytes,
		ArtifactID:      r.ArtifactID,
	}
}

// Default returns the package-level Executor, building it from
// config.DefaultConfig on first use.
func Default() *Executor {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultExecutor == nil {
		defaultExecutor = New(config.DefaultConfig())
	}
	return defaultExecutor
}

// Execute runs command against cfg using the package-level default
// Executor. Most callers use this instead of constructing their own
// Executor.
func Execute(ctx context.Context, cfg *shellconfig.Config, command string, opts Options) (Result, error) {
	return Default().Execute(ctx, cfg, command, opts)
}

// Shutdown disposes every session owned by the package-level default
// Executor. Intended to be registered as a process exit hook by the host
// application (spec.md 4.7, "process post-mortem hook").
func Shutdown() {
	defaultMu.Lock()
	e := defaultExecutor
	defaultMu.Unlock()
	if e != nil {
		e.Shutdown()
	}
}
