package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestReadWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := &WriteFile{Root: dir}
	if _, err := w.Execute(context.Background(), json.RawMessage(`{"path":"a.txt","content":"hello"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	r := &ReadFile{Root: dir}
	got, err := r.Execute(context.Background(), json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q", got)
	}
}

func TestEditFileRequiresSingleMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("foo bar foo"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := &EditFile{Root: dir}
	_, err := e.Execute(context.Background(), json.RawMessage(`{"path":"a.txt","find":"foo","replace":"baz"}`))
	if err == nil {
		t.Fatal("expected ambiguous-match error for repeated find string")
	}

	_, err = e.Execute(context.Background(), json.RawMessage(`{"path":"a.txt","find":"bar","replace":"baz"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "foo baz foo" {
		t.Errorf("got %q", string(data))
	}
}

func TestListDirWithGlob(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.go"), []byte(""), 0o644)
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte(""), 0o644)

	l := &ListDir{Root: dir}
	out, err := l.Execute(context.Background(), json.RawMessage(`{"path":".","glob":"*.go"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "a.go" {
		t.Errorf("got %q", out)
	}
}

func TestSearchFilesLiteral(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("package main\nfunc main() {}\n"), 0o644)

	s := &SearchFiles{Root: dir}
	out, err := s.Execute(context.Background(), json.RawMessage(`{"pattern":"func main","path":"."}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out == "" {
		t.Error("expected a match")
	}
}
