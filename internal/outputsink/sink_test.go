package outputsink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPushLineAlignedCallback(t *testing.T) {
	var lines []string
	s := New(Options{
		OnChunk: func(line []byte) { lines = append(lines, string(line)) },
		Budget:  1000,
	})

	s.Push([]byte("hello "))
	s.Push([]byte("world\nsecond line\npartial"))

	if len(lines) != 2 {
		t.Fatalf("expected 2 line callbacks before dump, got %d: %v", len(lines), lines)
	}
	if lines[0] != "hello world\n" {
		t.Errorf("line 0 = %q, want %q", lines[0], "hello world\n")
	}
	if lines[1] != "second line\n" {
		t.Errorf("line 1 = %q, want %q", lines[1], "second line\n")
	}

	summary := s.Dump("")
	if len(lines) != 3 {
		t.Fatalf("expected partial line flushed by Dump, got %d lines", len(lines))
	}
	if lines[2] != "partial" {
		t.Errorf("flushed partial = %q, want %q", lines[2], "partial")
	}
	if summary.Output != "hello world\nsecond line\npartial" {
		t.Errorf("summary.Output = %q", summary.Output)
	}
	if summary.Truncated {
		t.Error("should not be truncated")
	}
	if summary.TotalLines != 3 {
		t.Errorf("TotalLines = %d, want 3", summary.TotalLines)
	}
}

func TestDumpAnnotationAppendedAsTrailingLine(t *testing.T) {
	s := New(Options{Budget: 1000})
	s.Push([]byte("output\n"))
	summary := s.Dump("Command timed out after 1 seconds")

	want := "output\nCommand timed out after 1 seconds\n"
	if summary.Output != want {
		t.Errorf("summary.Output = %q, want %q", summary.Output, want)
	}
}

func TestBudgetTruncationKeepsNewestBytes(t *testing.T) {
	s := New(Options{Budget: 10})
	s.Push([]byte("0123456789ABCDEF\n"))
	summary := s.Dump("")

	if !summary.Truncated {
		t.Error("expected Truncated = true")
	}
	if summary.OutputBytes > 10 {
		t.Errorf("OutputBytes = %d, want <= 10", summary.OutputBytes)
	}
	if !strings.HasSuffix("0123456789ABCDEF\n", summary.Output) {
		t.Errorf("expected tail of original bytes, got %q", summary.Output)
	}
	if summary.TotalBytes != len("0123456789ABCDEF\n") {
		t.Errorf("TotalBytes = %d, want %d", summary.TotalBytes, len("0123456789ABCDEF\n"))
	}
}

func TestArtifactMirroring(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.log")

	s := New(Options{Budget: 1000, ArtifactPath: path, ArtifactID: "fixed-id"})
	s.Push([]byte("line one\n"))
	s.Push([]byte("line two\n"))
	summary := s.Dump("")

	if summary.ArtifactID != "fixed-id" {
		t.Errorf("ArtifactID = %q, want %q", summary.ArtifactID, "fixed-id")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	if string(data) != "line one\nline two\n" {
		t.Errorf("artifact contents = %q", string(data))
	}
}

func TestArtifactIDGeneratedWhenOmitted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.log")

	s := New(Options{Budget: 100, ArtifactPath: path})
	summary := s.Dump("")
	if summary.ArtifactID == "" {
		t.Error("expected a generated artifact ID")
	}
}

func TestArtifactWriteFailureIsNonFatal(t *testing.T) {
	// A directory cannot be opened for writing as a regular file.
	dir := t.TempDir()
	s := New(Options{Budget: 100, ArtifactPath: dir})
	s.Push([]byte("still works\n"))
	summary := s.Dump("")
	if summary.Output != "still works\n" {
		t.Errorf("expected in-memory output to survive artifact failure, got %q", summary.Output)
	}
}

func TestNoNewlineNoTrailingLossOnDump(t *testing.T) {
	s := New(Options{Budget: 100})
	s.Push([]byte("no newline at all"))
	summary := s.Dump("")
	if summary.Output != "no newline at all" {
		t.Errorf("summary.Output = %q", summary.Output)
	}
	if summary.TotalLines != 1 {
		t.Errorf("TotalLines = %d, want 1", summary.TotalLines)
	}
}
