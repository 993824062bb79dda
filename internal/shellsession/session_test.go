package shellsession_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ravshansbox/ompshell/internal/shellsession"
	"github.com/ravshansbox/ompshell/pkg/shellconfig"
)

func testOpts() shellsession.Options {
	return shellsession.Options{
		AbortGrace:   300 * time.Millisecond,
		MarkerTail:   16,
		OutputBudget: 64 * 1024,
	}
}

func newBashSession(t *testing.T) *shellsession.Session {
	t.Helper()
	sess := shellsession.New(&shellconfig.Config{Interpreter: "/bin/bash"}, testOpts())
	t.Cleanup(func() { _ = sess.Dispose() })
	return sess
}

func newShSession(t *testing.T) *shellsession.Session {
	t.Helper()
	sess := shellsession.New(&shellconfig.Config{Interpreter: "/bin/sh"}, testOpts())
	t.Cleanup(func() { _ = sess.Dispose() })
	return sess
}

func execute(t *testing.T, sess *shellsession.Session, command string, opts shellsession.ExecuteOptions) shellsession.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := sess.Execute(ctx, command, opts)
	if err != nil {
		t.Fatalf("Execute(%q): %v", command, err)
	}
	return res
}

func TestExecuteBasicCommandAndExitCode(t *testing.T) {
	sess := newBashSession(t)

	res := execute(t, sess, "echo hello world", shellsession.ExecuteOptions{})
	if res.ExitCodeUnknown {
		t.Fatal("expected a known exit code")
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Output, "hello world") {
		t.Fatalf("expected output to contain %q, got %q", "hello world", res.Output)
	}
}

func TestExecuteReportsNonZeroExitCode(t *testing.T) {
	sess := newBashSession(t)

	res := execute(t, sess, "(exit 42)", shellsession.ExecuteOptions{})
	if res.ExitCodeUnknown {
		t.Fatal("expected a known exit code")
	}
	if res.ExitCode != 42 {
		t.Fatalf("expected exit code 42, got %d", res.ExitCode)
	}
}

func TestOutputNeverContainsTheMarker(t *testing.T) {
	sess := newBashSession(t)

	res := execute(t, sess, "echo the quick brown fox", shellsession.ExecuteOptions{})
	if strings.Contains(res.Output, "__OMP_CMD_DONE__") {
		t.Fatalf("marker leaked into output: %q", res.Output)
	}
}

func TestWorkingDirectoryPersistsAcrossCommands(t *testing.T) {
	sess := newBashSession(t)
	dir := t.TempDir()

	execute(t, sess, "cd "+dir, shellsession.ExecuteOptions{})
	res := execute(t, sess, "pwd", shellsession.ExecuteOptions{})

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	if !strings.Contains(res.Output, resolved) {
		t.Fatalf("expected pwd to reflect %q, got %q", resolved, res.Output)
	}
}

func TestPerCallCwdChangesDirectoryForThatCommand(t *testing.T) {
	sess := newBashSession(t)
	dir := t.TempDir()

	res := execute(t, sess, "pwd", shellsession.ExecuteOptions{Cwd: dir})
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	if !strings.Contains(res.Output, resolved) {
		t.Fatalf("expected pwd to reflect %q, got %q", resolved, res.Output)
	}
}

func TestEnvironmentVariablePersistsAcrossCommands(t *testing.T) {
	sess := newBashSession(t)

	execute(t, sess, "export OMP_PERSIST_VAR=carried", shellsession.ExecuteOptions{})
	res := execute(t, sess, "echo $OMP_PERSIST_VAR", shellsession.ExecuteOptions{})
	if !strings.Contains(res.Output, "carried") {
		t.Fatalf("expected exported var to persist, got %q", res.Output)
	}
}

func TestPerCommandEnvIsIsolated(t *testing.T) {
	sess := newBashSession(t)

	res := execute(t, sess, "echo $OMP_ONE_SHOT_VAR", shellsession.ExecuteOptions{
		Env: map[string]string{"OMP_ONE_SHOT_VAR": "ephemeral"},
	})
	if !strings.Contains(res.Output, "ephemeral") {
		t.Fatalf("expected per-command env to apply, got %q", res.Output)
	}

	after := execute(t, sess, "echo [$OMP_ONE_SHOT_VAR]", shellsession.ExecuteOptions{})
	if !strings.Contains(after.Output, "[]") {
		t.Fatalf("expected per-command env to not persist, got %q", after.Output)
	}
}

func TestExitDoesNotKillTheSessionProcessDirectly(t *testing.T) {
	sess := newBashSession(t)

	res := execute(t, sess, "exit 3", shellsession.ExecuteOptions{})
	// The shim captures `exit` as a function, so the script's own $?
	// reflects the shimmed call rather than terminating the shell.
	if res.ExitCodeUnknown {
		t.Fatal("expected a known exit code from a shimmed `exit`")
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode)
	}
	if !sess.Alive() {
		t.Fatal("expected the session to survive a user command containing `exit`")
	}

	follow := execute(t, sess, "echo still-alive", shellsession.ExecuteOptions{})
	if !strings.Contains(follow.Output, "still-alive") {
		t.Fatalf("expected the session to keep serving commands after `exit`, got %q", follow.Output)
	}
}

func TestLogoutAndExecAreAlsoShimmed(t *testing.T) {
	sess := newBashSession(t)

	execute(t, sess, "logout", shellsession.ExecuteOptions{})
	if !sess.Alive() {
		t.Fatal("expected the session to survive a user command containing `logout`")
	}

	execute(t, sess, "exec true", shellsession.ExecuteOptions{})
	if !sess.Alive() {
		t.Fatal("expected the session to survive a user command containing `exec`")
	}

	follow := execute(t, sess, "echo still-alive", shellsession.ExecuteOptions{})
	if !strings.Contains(follow.Output, "still-alive") {
		t.Fatalf("expected session to keep serving commands, got %q", follow.Output)
	}
}

func TestErrexitDoesNotAbortTheSession(t *testing.T) {
	sess := newBashSession(t)

	res := execute(t, sess, "set -e; false; echo after", shellsession.ExecuteOptions{})
	if res.ExitCodeUnknown {
		t.Fatal("expected a known exit code")
	}
	if res.ExitCode != 1 {
		t.Fatalf("expected exit code 1 from the failing `false`, got %d", res.ExitCode)
	}

	follow := execute(t, sess, "false; echo survived", shellsession.ExecuteOptions{})
	if !strings.Contains(follow.Output, "survived") {
		t.Fatalf("expected errexit to not leak into the next command, got %q", follow.Output)
	}
}

func TestIntTrapIsIsolatedPerCommand(t *testing.T) {
	sess := newBashSession(t)

	execute(t, sess, "trap 'echo custom-trap' INT", shellsession.ExecuteOptions{})
	res := execute(t, sess, "echo default-trap-command", shellsession.ExecuteOptions{})
	if !strings.Contains(res.Output, "default-trap-command") {
		t.Fatalf("expected the command to run normally, got %q", res.Output)
	}
}

func TestTimeoutAbortsTheCommand(t *testing.T) {
	sess := newBashSession(t)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := sess.Execute(ctx, "sleep 30", shellsession.ExecuteOptions{Timeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	elapsed := time.Since(start)

	if !res.Cancelled {
		t.Fatal("expected the command to be reported cancelled after a timeout")
	}
	if !res.ExitCodeUnknown {
		t.Fatal("expected exit code unknown after a timeout")
	}
	if elapsed > 5*time.Second {
		t.Fatalf("expected the abort grace to bound wall-clock time, took %s", elapsed)
	}

	follow := execute(t, sess, "echo still-usable", shellsession.ExecuteOptions{})
	if !strings.Contains(follow.Output, "still-usable") {
		t.Fatalf("expected the session to remain usable after an abort, got %q", follow.Output)
	}
}

func TestContextCancellationAbortsTheCommand(t *testing.T) {
	sess := newBashSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan shellsession.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := sess.Execute(ctx, "sleep 30", shellsession.ExecuteOptions{})
		resultCh <- res
		errCh <- err
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case res := <-resultCh:
		if err := <-errCh; err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !res.Cancelled {
			t.Fatal("expected the command to be reported cancelled")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancellation to resolve the command")
	}
}

func TestSessionRecoversFromUnderlyingShellDeath(t *testing.T) {
	sess := newShSession(t)

	execute(t, sess, "echo warm-up", shellsession.ExecuteOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := sess.Execute(ctx, "kill -KILL $$", shellsession.ExecuteOptions{})
	if err != nil {
		// A WriteError is an acceptable outcome if the kill raced the write.
		if !sess.Alive() {
			return
		}
	}
	if sess.Alive() {
		t.Fatal("expected session to report dead after its shell process was killed")
	}
	if !res.Cancelled || !res.ExitCodeUnknown {
		t.Fatalf("expected a cancelled/unknown result after shell death, got %+v", res)
	}
}

func TestArtifactMirroringWritesFile(t *testing.T) {
	sess := newBashSession(t)
	path := filepath.Join(t.TempDir(), "artifact.log")

	res := execute(t, sess, "echo mirrored-output", shellsession.ExecuteOptions{
		ArtifactPath: path,
		ArtifactID:   "fixed-id",
	})
	if res.ArtifactID != "fixed-id" {
		t.Fatalf("expected artifact id to be echoed back, got %q", res.ArtifactID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !strings.Contains(string(data), "mirrored-output") {
		t.Fatalf("expected artifact file to contain command output, got %q", string(data))
	}
}

func TestOnChunkStreamsLinesInOrder(t *testing.T) {
	sess := newBashSession(t)

	var lines []string
	execute(t, sess, "printf 'one\\ntwo\\nthree\\n'", shellsession.ExecuteOptions{
		OnChunk: func(line []byte) {
			lines = append(lines, strings.TrimRight(string(line), "\n"))
		},
	})

	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d streamed lines, got %d (%v)", len(want), len(lines), lines)
	}
	for i, w := range want {
		if lines[i] != w {
			t.Fatalf("expected line %d to be %q, got %q", i, w, lines[i])
		}
	}
}

func TestSequentialExecuteCallsAreSerialized(t *testing.T) {
	sess := newBashSession(t)

	const n = 5
	results := make(chan shellsession.Result, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			res, err := sess.Execute(ctx, "echo call", shellsession.ExecuteOptions{})
			if err != nil {
				t.Errorf("Execute call %d: %v", i, err)
			}
			results <- res
		}()
	}

	for i := 0; i < n; i++ {
		res := <-results
		if !strings.Contains(res.Output, "call") {
			t.Fatalf("expected each serialized call to complete cleanly, got %q", res.Output)
		}
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	sess := newBashSession(t)
	execute(t, sess, "echo warm-up", shellsession.ExecuteOptions{})

	if err := sess.Dispose(); err != nil {
		t.Fatalf("first Dispose: %v", err)
	}
	if err := sess.Dispose(); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
	if sess.Alive() {
		t.Fatal("expected session to be dead after Dispose")
	}
}

func TestExecuteAfterDisposeReturnsClosedError(t *testing.T) {
	sess := newBashSession(t)
	execute(t, sess, "echo warm-up", shellsession.ExecuteOptions{})
	if err := sess.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := sess.Execute(ctx, "echo unreachable", shellsession.ExecuteOptions{})
	if err == nil {
		t.Fatal("expected an error executing against a disposed session")
	}
}

func TestFishFamilyRunsBasicCommands(t *testing.T) {
	if _, err := os.Stat("/usr/bin/fish"); err != nil {
		t.Skip("fish not installed")
	}
	sess := shellsession.New(&shellconfig.Config{Interpreter: "/usr/bin/fish"}, testOpts())
	t.Cleanup(func() { _ = sess.Dispose() })

	res := execute(t, sess, "echo fish-hello", shellsession.ExecuteOptions{})
	if !strings.Contains(res.Output, "fish-hello") {
		t.Fatalf("expected fish output to contain %q, got %q", "fish-hello", res.Output)
	}
}
