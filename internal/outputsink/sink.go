// Package outputsink implements the Output Sink: it accepts raw byte
// chunks representing merged stdout+stderr, exposes a line-aligned
// streaming callback, optionally mirrors every byte to an artifact file,
// enforces a bounded in-memory tail, and produces a final summary.
package outputsink

import (
	"bytes"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/ravshansbox/ompshell/internal/logging"
)

// Options configures a Sink for one Running Command.
type Options struct {
	// OnChunk is invoked once per newline-terminated line, in arrival
	// order, with the line's bytes including its trailing '\n'. Dump also
	// invokes it for a trailing partial line (passed without a '\n') and
	// for the annotation line. May be nil.
	OnChunk func(line []byte)

	// Budget is the rolling byte budget (B in spec.md 4.1): chunks beyond
	// it displace the oldest retained bytes, never the newest.
	Budget int

	// ArtifactPath, if non-empty, mirrors every pushed byte to this path.
	ArtifactPath string

	// ArtifactID is reported back in the Summary. If empty and
	// ArtifactPath is set, one is generated.
	ArtifactID string
}

// Summary is the Output Sink's final product (spec.md 3).
type Summary struct {
	Output      string
	TotalLines  int
	TotalBytes  int
	OutputLines int
	OutputBytes int
	Truncated   bool
	ArtifactID  string
}

// Sink accumulates output for exactly one Running Command. It is owned
// exclusively by that command; the owning Session never reads from it
// directly (spec.md 3 invariant).
type Sink struct {
	mu      sync.Mutex
	onChunk func(line []byte)
	budget  int

	pending []byte // bytes received since the last newline
	tail    []byte // budget-bounded rolling tail of completed output

	totalBytes int
	totalLines int
	truncated  bool

	artifactID   string
	artifactFile *os.File
	artifactWarn sync.Once
	artifactOK   bool

	done bool
}

// New creates a Sink from the given options.
func New(opts Options) *Sink {
	s := &Sink{
		onChunk: opts.OnChunk,
		budget:  opts.Budget,
	}

	if opts.ArtifactPath != "" {
		id := opts.ArtifactID
		if id == "" {
			id = uuid.NewString()
		}
		s.artifactID = id
		if f, err := os.OpenFile(opts.ArtifactPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err != nil {
			logging.Warn("failed to open artifact file, continuing in memory-only mode",
				logging.String("path", opts.ArtifactPath),
				logging.Err(err),
			)
		} else {
			s.artifactFile = f
			s.artifactOK = true
		}
	}

	return s
}

// Push appends a raw byte chunk, preserving arrival order. It is safe to
// call concurrently from multiple goroutines (e.g. the stdout and stderr
// readers); pushes are serialized internally so bytes within one chunk are
// never interleaved with another.
func (s *Sink) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}

	s.mirror(chunk)

	s.pending = append(s.pending, chunk...)
	for {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			break
		}
		line := s.pending[:idx+1]
		s.pending = s.pending[idx+1:]

		s.totalBytes += len(line)
		s.totalLines++

		lineCopy := append([]byte(nil), line...)
		s.appendTail(lineCopy)

		if s.onChunk != nil {
			s.onChunk(lineCopy)
		}
	}
}

// Dump finalizes the Sink: flushes any pending partial line, appends
// annotation as a trailing line if non-empty (used for abort/timeout
// notices), closes the artifact file if any, and returns the summary.
func (s *Sink) Dump(annotation string) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.done && len(s.pending) > 0 {
		s.totalBytes += len(s.pending)
		s.totalLines++
		pendingCopy := append([]byte(nil), s.pending...)
		s.appendTail(pendingCopy)
		if s.onChunk != nil {
			s.onChunk(pendingCopy)
		}
		s.pending = nil
	}

	if !s.done && annotation != "" {
		line := []byte(annotation + "\n")
		s.totalBytes += len(line)
		s.totalLines++
		s.appendTail(line)
		if s.onChunk != nil {
			s.onChunk(line)
		}
	}

	s.done = true

	if s.artifactFile != nil {
		_ = s.artifactFile.Close()
		s.artifactFile = nil
	}

	outputLines := countLines(s.tail)

	return Summary{
		Output:      string(s.tail),
		TotalLines:  s.totalLines,
		TotalBytes:  s.totalBytes,
		OutputLines: outputLines,
		OutputBytes: len(s.tail),
		Truncated:   s.truncated,
		ArtifactID:  s.artifactID,
	}
}

// appendTail appends b to the rolling tail, displacing the oldest bytes
// if the budget is exceeded. Caller must hold s.mu.
func (s *Sink) appendTail(b []byte) {
	s.tail = append(s.tail, b...)
	if s.budget > 0 && len(s.tail) > s.budget {
		overflow := len(s.tail) - s.budget
		s.tail = s.tail[overflow:]
		s.truncated = true
	}
}

// mirror writes chunk to the artifact file, if any. Write errors are
// non-fatal: the Sink records a one-shot warning and continues in
// memory-only mode. Caller must hold s.mu.
func (s *Sink) mirror(chunk []byte) {
	if s.artifactFile == nil || !s.artifactOK {
		return
	}
	if _, err := s.artifactFile.Write(chunk); err != nil {
		s.artifactWarn.Do(func() {
			logging.Warn("artifact write failed, continuing in memory-only mode",
				logging.String("artifact_id", s.artifactID),
				logging.Err(err),
			)
		})
		s.artifactOK = false
		_ = s.artifactFile.Close()
		s.artifactFile = nil
	}
}

func countLines(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	n := bytes.Count(b, []byte{'\n'})
	if b[len(b)-1] != '\n' {
		n++
	}
	return n
}
