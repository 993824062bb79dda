// Package shellsession implements one persistent child shell: stdin writer,
// output pumps, completion-marker parser, command serialization, and
// cancellation/timeout/shell-death handling (spec.md 4.3-4.6). This is the
// executor's largest component.
package shellsession

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/term"

	"github.com/ravshansbox/ompshell/internal/logging"
	"github.com/ravshansbox/ompshell/internal/outputsink"
	"github.com/ravshansbox/ompshell/internal/scriptbuilder"
	"github.com/ravshansbox/ompshell/pkg/shellconfig"
)

// readBufSize is the chunk size used to read from the child's output
// stream (the merged pty for POSIX families, plain stdout/stderr pipes for
// fish). It has no bearing on correctness; it only bounds how many bytes
// arrive in one processing job.
const readBufSize = 32 * 1024

// Options configures a Session beyond what ShellConfig itself carries.
type Options struct {
	AbortGrace   time.Duration // spec.md ABORT_GRACE, default 1500ms
	MarkerTail   int           // spec.md MARKER_TAIL, default 128
	OutputBudget int           // rolling byte budget handed to each Output Sink
	NoLogin      bool          // suppress the shell family's login flag
}

// ExecuteOptions are the per-call options of spec.md 6.
type ExecuteOptions struct {
	Cwd          string
	Timeout      time.Duration
	Env          map[string]string
	OnChunk      func(line []byte)
	ArtifactPath string
	ArtifactID   string
}

// Result is the spec.md 6 Result shape. ExitCodeUnknown true means the
// "unknown" exit code sentinel; ExitCode is meaningless in that case.
type Result struct {
	Output          string
	ExitCode        int
	ExitCodeUnknown bool
	Cancelled       bool
	Truncated       bool
	TotalLines      int
	TotalBytes      int
	OutputLines     int
	OutputBytes     int
	ArtifactID      string
}

type runningCommand struct {
	marker   string
	sentinel []byte
	sink     *outputsink.Sink
	resultCh chan Result
	done     chan struct{}
	once     sync.Once

	mu          sync.Mutex
	cancelled   bool
	abortNotice string
}

// Session owns one persistent child shell process.
type Session struct {
	cfg  *shellconfig.Config
	opts Options

	startOnce sync.Once
	startErr  error

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	exitCh  <-chan error
	scanBuf []byte
	current *runningCommand
	closed  bool
	dead    bool // child process has exited; session can no longer serve commands

	chunks chan []byte
	exited chan struct{} // closed by watchExit once the child has been reaped
	sem    *semaphore.Weighted
	group  *errgroup.Group
}

// New creates a Session bound to cfg. The child shell is not spawned until
// the first call to Execute (spec.md 3, "created lazily on first execute").
func New(cfg *shellconfig.Config, opts Options) *Session {
	if opts.AbortGrace <= 0 {
		opts.AbortGrace = 1500 * time.Millisecond
	}
	if opts.MarkerTail <= 0 {
		opts.MarkerTail = 128
	}
	return &Session{
		cfg:    cfg,
		opts:   opts,
		chunks: make(chan []byte, 64),
		exited: make(chan struct{}),
		sem:    semaphore.NewWeighted(1),
	}
}

// Execute runs one command to completion, per spec.md 4.5-4.6.
func (s *Session) Execute(ctx context.Context, command string, opts ExecuteOptions) (Result, error) {
	if err := s.ensureStarted(ctx); err != nil {
		return Result{}, err
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, shellconfig.ErrSessionClosed
	}
	// Per-command setup: discard any residue left by a previously aborted
	// command (spec.md 4.5).
	s.scanBuf = nil
	s.mu.Unlock()

	return s.runScript(ctx, command, opts)
}

// runScript builds and writes the script for one command, then waits for
// its resolution via the marker parser, the abort path, or shell death.
func (s *Session) runScript(ctx context.Context, command string, opts ExecuteOptions) (Result, error) {
	marker, err := newMarker()
	if err != nil {
		return Result{}, err
	}

	sink := outputsink.New(outputsink.Options{
		OnChunk:      opts.OnChunk,
		Budget:       s.opts.OutputBudget,
		ArtifactPath: opts.ArtifactPath,
		ArtifactID:   opts.ArtifactID,
	})

	rc := &runningCommand{
		marker:   marker,
		sentinel: append([]byte("\n"), []byte(marker)...),
		sink:     sink,
		resultCh: make(chan Result, 1),
		done:     make(chan struct{}),
	}
	s.setCurrent(rc)

	script := scriptbuilder.Build(s.cfg.Family(), scriptbuilder.Options{
		Cwd:     opts.Cwd,
		Env:     opts.Env,
		Prefix:  s.cfg.Prefix,
		Command: command,
		Marker:  marker,
	})

	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()

	if _, err := io.WriteString(stdin, script); err != nil {
		s.setCurrent(nil)
		s.Dispose()
		return Result{}, &shellconfig.WriteError{Fingerprint: s.cfg.Fingerprint(), Err: err}
	}

	go s.watchAbort(ctx, rc, opts.Timeout)

	// Resolution always arrives on resultCh: via the marker parser, the
	// abort path, or watchExit on shell death (all three funnel through
	// finish, §3's idempotency guard).
	return <-rc.resultCh, nil
}

// watchAbort races the caller's context and an optional timeout against the
// command's own completion, invoking the abort protocol (spec.md 4.6) if
// either fires first.
func (s *Session) watchAbort(ctx context.Context, rc *runningCommand, timeout time.Duration) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-rc.done:
		return
	case <-ctx.Done():
		s.abort(rc, "Command cancelled")
	case <-timeoutCh:
		seconds := int(timeout.Round(time.Second) / time.Second)
		s.abort(rc, fmt.Sprintf("Command timed out after %d seconds", seconds))
	}
}

// abort implements spec.md 4.6's two-stage SIGINT-then-grace-then-kill
// escalation.
func (s *Session) abort(rc *runningCommand, notice string) {
	rc.mu.Lock()
	if rc.cancelled {
		rc.mu.Unlock()
		return
	}
	rc.cancelled = true
	rc.abortNotice = notice
	rc.mu.Unlock()

	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil {
		if err := sendInterrupt(cmd); err != nil {
			logging.Warn("failed to send interrupt to shell process group", logging.Err(err))
		}
	}

	grace := time.NewTimer(s.opts.AbortGrace)
	defer grace.Stop()

	select {
	case <-rc.done:
		// The script's cleanup block survived SIGINT and emitted the
		// marker; resolveMarker already overrides the exit code to
		// unknown because rc.cancelled is set.
		return
	case <-grace.C:
		if cmd != nil {
			if err := killProcessGroup(cmd); err != nil {
				logging.Warn("failed to kill shell process group after abort grace", logging.Err(err))
			}
		}
		s.finish(rc, Result{Cancelled: true, ExitCodeUnknown: true}, notice)
	}
}

// finish resolves rc exactly once (spec.md 3, "completed flag... idempotency
// guard"), dumps its sink, clears it as the session's current command if it
// still is, and delivers the result.
func (s *Session) finish(rc *runningCommand, partial Result, annotation string) {
	rc.once.Do(func() {
		summary := rc.sink.Dump(annotation)
		partial.Output = summary.Output
		partial.Truncated = summary.Truncated
		partial.TotalLines = summary.TotalLines
		partial.TotalBytes = summary.TotalBytes
		partial.OutputLines = summary.OutputLines
		partial.OutputBytes = summary.OutputBytes
		partial.ArtifactID = summary.ArtifactID

		s.mu.Lock()
		if s.current == rc {
			s.current = nil
		}
		s.mu.Unlock()

		rc.resultCh <- partial
		close(rc.done)
	})
}

func (s *Session) setCurrent(rc *runningCommand) {
	s.mu.Lock()
	s.current = rc
	s.mu.Unlock()
}

func (s *Session) getCurrent() *runningCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ensureStarted spawns the child shell on first use (spec.md 3, 4.3). It is
// safe to call repeatedly; only the first caller pays the startup cost.
func (s *Session) ensureStarted(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.start(ctx)
	})
	return s.startErr
}

// start spawns the persistent child shell. POSIX families (bash, zsh, dash,
// sh) are spawned behind a pty, running interactively: spec.md 8's errexit
// isolation ("set -e; false does not abort the session") only holds for an
// interactive shell, since a non-interactive one is killed outright by the
// first failing simple command under `set -e`, before the script's own
// restore/marker steps ever run (confirmed against the teacher's own
// bwrap/session.go, which spawns its persistent shell with "-i" over a pty
// for the same reason). Fish has no errexit equivalent and keeps the
// simpler plain-pipe transport.
func (s *Session) start(ctx context.Context) error {
	if s.cfg.Family() == shellconfig.FamilyFish {
		if err := s.startPipes(); err != nil {
			return err
		}
	} else {
		if err := s.startPTY(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	exitCh := s.exitCh
	s.mu.Unlock()

	go s.watchExit(exitCh)
	go s.processor()

	if s.cfg.SnapshotPath != "" {
		sourceCmd := "source " + shQuote(s.cfg.SnapshotPath)
		if s.cfg.Family() != shellconfig.FamilyFish {
			sourceCmd += " 2>/dev/null"
		}
		rc, err := s.runScript(ctx, sourceCmd, ExecuteOptions{})
		if err != nil {
			return err
		}
		// runScript reports a caller-cancelled command as Result{Cancelled:
		// true}, not as an error; without this check a ctx that expires
		// mid-snapshot would make start() report success with an
		// unsourced snapshot.
		if rc.Cancelled {
			return &shellconfig.StartupError{Interpreter: s.cfg.Interpreter,
				Err: fmt.Errorf("%w: snapshot sourcing cancelled: %v", shellconfig.ErrSessionNotStarted, ctx.Err())}
		}
	}

	return nil
}

// startPTY spawns a POSIX family shell interactively behind a pty. A single
// reader pumps the merged pty stream (a pty inherently merges stdout and
// stderr onto one fd, matching spec.md 4.1's "merged stdout+stderr"
// framing). Echo and canonical line discipline are disabled so the
// multi-line scripts this session writes are never reflected back into the
// output stream, which would otherwise false-positive-match the marker
// sentinel against the echoed script itself before the command even runs;
// PS1/PS2 (and zsh's RPS1/RPROMPT) are forced empty so "-i" doesn't print a
// prompt before every statement of a generated script.
func (s *Session) startPTY() error {
	args := s.posixLaunchArgs()
	cmd := exec.Command(s.cfg.Interpreter, args...)
	cmd.Env = applyForced(buildEnv(s.cfg.Env), posixPromptEnv(s.cfg.Family()))

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return &shellconfig.StartupError{Interpreter: s.cfg.Interpreter,
			Err: fmt.Errorf("%w: %v", shellconfig.ErrSessionNotStarted, err)}
	}
	// Raw mode is load-bearing, not cosmetic: with echo left on, the
	// multi-line script this session writes gets reflected back into the
	// same stream the marker scanner reads, which can resolve a command
	// against its own echoed source before it has even run. A shell that
	// silently stays in cooked mode is worse than one that fails to start.
	if _, err := term.MakeRaw(int(ptmx.Fd())); err != nil {
		_ = ptmx.Close()
		_ = cmd.Process.Kill()
		return &shellconfig.StartupError{Interpreter: s.cfg.Interpreter,
			Err: fmt.Errorf("%w: failed to put pty into raw mode: %v", shellconfig.ErrSessionNotStarted, err)}
	}

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	// Verify the child did not exit synchronously (spec.md 4.3).
	select {
	case waitErr := <-exitCh:
		_ = ptmx.Close()
		return &shellconfig.StartupError{Interpreter: s.cfg.Interpreter,
			Err: fmt.Errorf("%w: child exited immediately: %v", shellconfig.ErrSessionNotStarted, waitErr)}
	case <-time.After(50 * time.Millisecond):
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = ptmx
	s.exitCh = exitCh
	s.mu.Unlock()

	g := &errgroup.Group{}
	g.Go(func() error { return s.pumpPTY(ptmx) })
	s.group = g
	go func() {
		// Wait for pumpPTY to see EOF (the kernel delivers it on its own
		// once the child exits, closing the slave side) before closing the
		// master ourselves. Closing it any earlier races pumpPTY's in-flight
		// ReadBytes on the same fd and can truncate the last buffered line.
		if err := g.Wait(); err != nil {
			logging.Debug("shell session output pump exited", logging.Err(err))
		}
		_ = ptmx.Close()
		close(s.chunks)
	}()

	return nil
}

// startPipes spawns a fish shell over plain stdio pipes, as before: fish has
// no errexit equivalent, so it needs neither a pty nor "-i" to keep a
// failing command from killing the session.
func (s *Session) startPipes() error {
	args := s.loginArgs()
	cmd := exec.Command(s.cfg.Interpreter, args...)
	cmd.Env = buildEnv(s.cfg.Env)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &shellconfig.StartupError{Interpreter: s.cfg.Interpreter,
			Err: fmt.Errorf("%w: %v", shellconfig.ErrSessionStdinUnavailable, err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &shellconfig.StartupError{Interpreter: s.cfg.Interpreter, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &shellconfig.StartupError{Interpreter: s.cfg.Interpreter, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &shellconfig.StartupError{Interpreter: s.cfg.Interpreter,
			Err: fmt.Errorf("%w: %v", shellconfig.ErrSessionNotStarted, err)}
	}

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	// Verify the child did not exit synchronously (spec.md 4.3).
	select {
	case waitErr := <-exitCh:
		return &shellconfig.StartupError{Interpreter: s.cfg.Interpreter,
			Err: fmt.Errorf("%w: child exited immediately: %v", shellconfig.ErrSessionNotStarted, waitErr)}
	case <-time.After(50 * time.Millisecond):
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.exitCh = exitCh
	s.mu.Unlock()

	g := &errgroup.Group{}
	g.Go(func() error { return s.pump(stdout) })
	g.Go(func() error { return s.pump(stderr) })
	s.group = g
	go func() {
		// Only close chunks once both readers have genuinely stopped, so
		// watchExit (which races the child's exit independently) never
		// sends on a closed channel.
		if err := g.Wait(); err != nil {
			logging.Debug("shell session output pump exited", logging.Err(err))
		}
		_ = stdin.Close()
		close(s.chunks)
	}()

	return nil
}

// loginArgs implements spec.md 4.3's login-flag decision. Only fish uses
// this now; POSIX families go through posixLaunchArgs.
func (s *Session) loginArgs() []string {
	args := append([]string(nil), s.cfg.ExtraArgs...)
	if s.cfg.SnapshotPath != "" || s.opts.NoLogin {
		return args
	}
	return append([]string{"-l"}, args...)
}

// posixLaunchArgs builds the launch arguments for a persistent POSIX shell.
// Every family gets "-i": interactivity, not a visible prompt, is what
// spec.md 8's errexit isolation depends on (prompts are suppressed
// separately, via posixPromptEnv). Bash additionally drops rc/profile
// sourcing with "--norc --noprofile" whenever login is suppressed, and zsh
// gets the equivalent "--no-rcs", so an interactive-but-non-login invocation
// doesn't still pick up ~/.bashrc or ~/.zshrc. Bash also gets "+H": "-i"
// turns on csh-style "!"-history expansion, which would otherwise mangle a
// user command containing a literal "!" (e.g. a commit message); zsh has no
// such expansion on by default so it needs no equivalent.
func (s *Session) posixLaunchArgs() []string {
	args := append([]string(nil), s.cfg.ExtraArgs...)
	useLogin := s.cfg.SnapshotPath == "" && !s.opts.NoLogin

	switch s.cfg.Family() {
	case shellconfig.FamilyBash:
		var flags []string
		if useLogin {
			flags = append(flags, "-l")
		} else {
			flags = append(flags, "--norc", "--noprofile")
		}
		flags = append(flags, "-i", "+H")
		return append(flags, args...)
	case shellconfig.FamilyZsh:
		var flags []string
		if useLogin {
			flags = append(flags, "-l")
		} else {
			flags = append(flags, "--no-rcs")
		}
		flags = append(flags, "-i")
		return append(flags, args...)
	default: // dash, sh, and any other POSIX-ish interpreter
		return append([]string{"-i"}, args...)
	}
}

// posixPromptEnv forces the family's prompt variables empty, so running
// interactively ("-i") doesn't print a PS1 before every statement of a
// generated multi-line script. Interactivity itself (and thus errexit
// survival) is governed by "-i", not by PS1's content, so an empty prompt
// has no bearing on it.
func posixPromptEnv(family shellconfig.Family) map[string]string {
	env := map[string]string{"PS1": "", "PS2": "", "PS4": ""}
	switch family {
	case shellconfig.FamilyBash:
		env["PROMPT_COMMAND"] = ""
	case shellconfig.FamilyZsh:
		env["RPS1"] = ""
		env["RPROMPT"] = ""
		env["PROMPT"] = ""
	}
	return env
}

// applyForced overrides envSlice entries with forced, which always wins
// over anything buildEnv produced (including an operator-supplied override
// of the same key): the prompt suppression above is a session-internal
// invariant, not something the caller can opt out of.
func applyForced(envSlice []string, forced map[string]string) []string {
	if len(forced) == 0 {
		return envSlice
	}
	out := make([]string, 0, len(envSlice)+len(forced))
	for _, kv := range envSlice {
		k, _, _ := strings.Cut(kv, "=")
		if _, override := forced[k]; override {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range forced {
		out = append(out, k+"="+v)
	}
	return out
}

// pump reads from one output stream and enqueues chunk-processing jobs,
// preserving arrival order within each chunk (spec.md 4.4). Used for fish's
// plain stdout/stderr pipes.
func (s *Session) pump(r io.Reader) error {
	br := bufio.NewReaderSize(r, readBufSize)
	buf := make([]byte, readBufSize)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.chunks <- chunk
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// pumpPTY reads line by line from the pty master, mirroring the teacher's
// own readOutput: a pty's line discipline can still translate a bare '\n'
// from the shell into "\r\n", and a command run under it can write its own
// stray '\r' bytes regardless of termios settings (progress bars and the
// like), so every line is normalized before it reaches the scanner.
func (s *Session) pumpPTY(r *os.File) error {
	br := bufio.NewReaderSize(r, readBufSize)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			s.chunks <- normalizeCRLF(line)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// normalizeCRLF strips carriage returns the way the teacher's readOutput
// does: a "\r\n" pair collapses to "\n", and any other stray '\r' is
// dropped outright.
func normalizeCRLF(b []byte) []byte {
	if !bytes.ContainsRune(b, '\r') {
		return append([]byte(nil), b...)
	}
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	b = bytes.ReplaceAll(b, []byte("\r"), nil)
	return b
}

// processor is the sole owner of the scanning buffer (spec.md 9, "single
// owner task ... removes the need for an explicit second lock").
func (s *Session) processor() {
	for chunk := range s.chunks {
		s.mu.Lock()
		s.scanBuf = append(s.scanBuf, chunk...)
		s.mu.Unlock()
		s.scan()
	}
}

// scan implements the spec.md 4.4 chunk-processing algorithm.
func (s *Session) scan() {
	for {
		rc := s.getCurrent()
		if rc == nil {
			// No command in flight: trim to avoid unbounded growth from
			// unexpected shell chatter between commands.
			s.mu.Lock()
			if len(s.scanBuf) > s.opts.MarkerTail {
				s.scanBuf = s.scanBuf[len(s.scanBuf)-s.opts.MarkerTail:]
			}
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		buf := s.scanBuf
		idx := bytes.Index(buf, rc.sentinel)

		if idx < 0 {
			lastNL := bytes.LastIndexByte(buf, '\n')
			if lastNL < 0 {
				keep := s.opts.MarkerTail
				if len(rc.sentinel) > keep {
					keep = len(rc.sentinel)
				}
				if len(buf) > keep {
					flush := append([]byte(nil), buf[:len(buf)-keep]...)
					s.scanBuf = buf[len(buf)-keep:]
					s.mu.Unlock()
					rc.sink.Push(flush)
					return
				}
				s.mu.Unlock()
				return
			}
			flushEnd := lastNL + 1
			safety := s.opts.MarkerTail
			if safety > flushEnd {
				safety = flushEnd
			}
			flushEnd -= safety
			if flushEnd > 0 {
				flush := append([]byte(nil), buf[:flushEnd]...)
				s.scanBuf = buf[flushEnd:]
				s.mu.Unlock()
				rc.sink.Push(flush)
			} else {
				s.mu.Unlock()
			}
			return
		}

		// Sentinel found.
		var pre []byte
		if idx > 0 {
			pre = append([]byte(nil), buf[:idx]...)
		}
		rest := buf[idx+len(rc.sentinel):]
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			// Exit-code digits not fully arrived yet; retain sentinel and
			// whatever trails it, flush only the bytes strictly before it.
			s.scanBuf = buf[idx:]
			s.mu.Unlock()
			if pre != nil {
				rc.sink.Push(pre)
			}
			return
		}

		digits := append([]byte(nil), rest[:nl]...)
		s.scanBuf = rest[nl+1:]
		s.mu.Unlock()

		if pre != nil {
			rc.sink.Push(pre)
		}

		code, ok := parseExitCode(digits)
		s.resolveMarker(rc, code, ok)
		// Loop again: leftover bytes after the marker line belong to the
		// next command, if any has already been published.
	}
}

// resolveMarker finishes rc via the marker path. If rc was already marked
// cancelled by the abort protocol, the exit code is reported unknown per
// spec.md 4.6 step 3 even though the script completed normally.
func (s *Session) resolveMarker(rc *runningCommand, code int, ok bool) {
	rc.mu.Lock()
	cancelled := rc.cancelled
	notice := rc.abortNotice
	rc.mu.Unlock()

	if cancelled {
		s.finish(rc, Result{Cancelled: true, ExitCodeUnknown: true}, notice)
		return
	}
	s.finish(rc, Result{ExitCode: code, ExitCodeUnknown: !ok}, "")
}

// watchExit resolves any in-flight command as cancelled when the child
// process exits unexpectedly (spec.md 4.3, 4.6). It deliberately does not
// close s.stdin itself: for the pty transport that handle is the same fd
// the output pump is still draining, and closing it here would race that
// pump's in-flight read. The pump's own post-g.Wait goroutine (startPTY/
// startPipes) owns that close, once draining has genuinely finished.
func (s *Session) watchExit(exitCh <-chan error) {
	<-exitCh

	s.mu.Lock()
	s.dead = true
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	close(s.exited)

	if cur != nil {
		s.finish(cur, Result{Cancelled: true, ExitCodeUnknown: true}, "Shell session terminated")
	}
}

// Alive reports whether the session's child shell is still usable.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.dead
}

// Dispose tears the session down (spec.md 4.3 "Tear-down"). Idempotent.
func (s *Session) Dispose() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := killProcessGroup(cmd); err != nil {
		logging.Warn("dispose: failed to kill shell process group", logging.Err(err))
	}

	// The child is reaped by the goroutine started in start() (it alone
	// may call cmd.Wait, exactly once); wait for that to land instead of
	// calling Wait ourselves.
	select {
	case <-s.exited:
	case <-time.After(5 * time.Second):
		logging.Warn("dispose: timed out waiting for shell process to be reaped")
	}
	return nil
}

// buildEnv merges the host process environment with the config's bindings.
// A nil value means the variable is explicitly unset (spec.md 3, "some may
// be unset") and is dropped from both layers.
func buildEnv(env map[string]*string) []string {
	base := os.Environ()
	overrides := make(map[string]*string, len(env))
	for k, v := range env {
		overrides[k] = v
	}

	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if ov, present := overrides[k]; present {
			if ov != nil {
				out = append(out, k+"="+*ov)
			}
			delete(overrides, k)
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		if v != nil {
			out = append(out, k+"="+*v)
		}
	}
	return out
}

// shQuote applies the classic '…'\''…' single-quote escaping (spec.md 4.2),
// used here for the one-off snapshot `source` line.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
