// Package oneshot implements the fresh-shell-per-command fallback used on
// Windows and when the operator disables persistence (spec.md 4.7, 2: "One-
// shot Executor"). It reuses the Command Script Builder and Output Sink so
// its result shape matches the persistent path exactly.
package oneshot

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/ravshansbox/ompshell/internal/outputsink"
	"github.com/ravshansbox/ompshell/internal/scriptbuilder"
	"github.com/ravshansbox/ompshell/pkg/shellconfig"
)

// Options mirrors shellsession.ExecuteOptions; kept as a separate type so
// this package has no dependency on internal/shellsession.
type Options struct {
	Cwd          string
	Timeout      time.Duration
	Env          map[string]string
	OnChunk      func(line []byte)
	ArtifactPath string
	ArtifactID   string
}

// Result mirrors shellsession.Result.
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

// Execute spawns a fresh shell, writes the one generated script to its
// stdin (prefixed by a `source <snapshot>` one-liner if configured), and
// waits for it to run to completion or for ctx/timeout to fire.
func Execute(ctx context.Context, cfg *shellconfig.Config, command string, opts Options, outputBudget int) (Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	marker, err := newMarker()
	if err != nil {
		return Result{}, err
	}
	script := scriptbuilder.Build(cfg.Family(), scriptbuilder.Options{
		Cwd:     opts.Cwd,
		Env:     opts.Env,
		Prefix:  cfg.Prefix,
		Command: command,
		Marker:  marker,
	})
	if cfg.SnapshotPath != "" {
		prelude := "source " + shQuote(cfg.SnapshotPath)
		if cfg.Family() != shellconfig.FamilyFish {
			prelude += " 2>/dev/null"
		}
		script = prelude + "\n" + script
	}

	args := append([]string(nil), cfg.ExtraArgs...)
	cmd := exec.CommandContext(ctx, cfg.Interpreter, args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("oneshot: acquire stdin: %w", err)
	}

	sink := outputsink.New(outputsink.Options{
		OnChunk:      opts.OnChunk,
		Budget:       outputBudget,
		ArtifactPath: opts.ArtifactPath,
		ArtifactID:   opts.ArtifactID,
	})

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("oneshot: acquire stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("oneshot: start: %w", err)
	}

	if _, err := io.WriteString(stdin, script); err != nil {
		_ = cmd.Process.Kill()
		return Result{}, fmt.Errorf("oneshot: write script: %w", err)
	}
	_ = stdin.Close()

	// The exit code we care about is not the shell process's own OS exit
	// status (the script's final statement is always the marker printf,
	// which exits 0) but the digits the script prints after the marker
	// sentinel, captured from $? before the shim's restore block ran.
	sentinel := []byte("\n" + marker)
	buf := make([]byte, 32*1024)
	var scanBuf []byte
	var resolved bool
	var exitCode int
	var exitUnknown bool
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			scanBuf = append(scanBuf, buf[:n]...)
			if !resolved {
				if idx := bytes.Index(scanBuf, sentinel); idx >= 0 {
					rest := scanBuf[idx+len(sentinel):]
					if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
						sink.Push(scanBuf[:idx])
						exitCode, resolved = parseExitCode(rest[:nl])
						exitUnknown = !resolved
						resolved = true
						scanBuf = nil
					}
				} else if len(scanBuf) > len(sentinel) {
					flush := len(scanBuf) - len(sentinel)
					sink.Push(scanBuf[:flush])
					scanBuf = scanBuf[flush:]
				}
			}
		}
		if rerr != nil {
			break
		}
	}
	if !resolved && len(scanBuf) > 0 {
		sink.Push(scanBuf)
	}

	_ = cmd.Wait()

	if ctx.Err() != nil {
		summary := sink.Dump(abortAnnotation(ctx))
		return Result{
			Cancelled:       true,
			ExitCodeUnknown: true,
			Output:          summary.Output,
			Truncated:       summary.Truncated,
			TotalLines:      summary.TotalLines,
			TotalBytes:      summary.TotalBytes,
			OutputLines:     summary.OutputLines,
			OutputBytes:     summary.OutputBytes,
			ArtifactID:      summary.ArtifactID,
		}, nil
	}

	annotation := ""
	if !resolved {
		exitUnknown = true
		annotation = "Shell exited before reporting a result"
	}

	summary := sink.Dump(annotation)
	return Result{
		ExitCode:        exitCode,
		ExitCodeUnknown: exitUnknown,
		Output:          summary.Output,
		Truncated:       summary.Truncated,
		TotalLines:      summary.TotalLines,
		TotalBytes:      summary.TotalBytes,
		OutputLines:     summary.OutputLines,
		OutputBytes:     summary.OutputBytes,
		ArtifactID:      summary.ArtifactID,
	}, nil
}

// newMarker mints a random marker with the same shape and strength as the
// persistent session's (spec.md 9): 128-bit nonce, hex-encoded.
func newMarker() (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("mint oneshot marker nonce: %w", err)
	}
	return "__OMP_CMD_DONE__" + hex.EncodeToString(nonce) + "__", nil
}

// parseExitCode parses the ASCII-digit exit code the script prints after
// the marker sentinel. Mirrors shellsession's parser; duplicated rather
// than imported so this package stays free of a shellsession dependency.
func parseExitCode(digits []byte) (code int, ok bool) {
	if len(digits) == 0 {
		return 0, false
	}
	for _, b := range digits {
		if b < '0' || b > '9' {
			return 0, false
		}
		code = code*10 + int(b-'0')
	}
	return code, true
}

func abortAnnotation(ctx context.Context) string {
	if ctx.Err() == context.DeadlineExceeded {
		return "Command timed out"
	}
	return "Command cancelled"
}

func shQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\\', '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	out = append(out, '\'')
	return string(out)
}
