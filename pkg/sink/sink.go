// Package sink writes event batches to newline-delimited JSON files.
//
// One file is written per server and run. The file name starts with the UTC
// wall-clock time of the write followed by the server name made filesystem
// safe:
//
//	2026-10-17_T093005_10-0-0-5.json
//
// Every line holds one event exactly as the appliance returned it, with
// insignificant whitespace removed.
package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TimestampLayout is the time prefix of output file names.
const TimestampLayout = "2006-01-02_T150405"

// Writer persists the events of one server. *FileSink implements it.
type Writer interface {
	Write(server string, events []json.RawMessage) (string, error)
}

// FileSink writes batches into a directory.
type FileSink struct {
	// Dir is the output directory. Empty means the working directory.
	Dir string

	// Now returns the write time. Defaults to time.Now.
	Now func() time.Time

	create func(path string) (io.WriteCloser, error)

	logger zerolog.Logger
}

// NewFileSink creates a sink writing into dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{
		Dir:    dir,
		Now:    time.Now,
		logger: log.With().Str("component", "sink").Logger(),
	}
}

// FileName returns the output file name for server at t.
// Dots and colons (host:port) in the server name become dashes.
func FileName(server string, t time.Time) string {
	safe := strings.NewReplacer(".", "-", ":", "-", "/", "-", "\\", "-").Replace(server)
	return t.UTC().Format(TimestampLayout) + "_" + safe + ".json"
}

// Write stores events as NDJSON and returns the file path. The file is
// written even for an empty batch. A batch containing a value that is not
// valid JSON is rejected before anything is created.
func (s *FileSink) Write(server string, events []json.RawMessage) (string, error) {
	lines := make([][]byte, 0, len(events))
	for i, event := range events {
		var buf bytes.Buffer
		if err := json.Compact(&buf, event); err != nil {
			return "", fmt.Errorf("event %d of server %s is not valid JSON: %w", i, server, err)
		}
		lines = append(lines, buf.Bytes())
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	path := filepath.Join(s.Dir, FileName(server, now()))

	if s.Dir != "" {
		if err := os.MkdirAll(s.Dir, 0o755); err != nil {
			return "", fmt.Errorf("create output directory: %w", err)
		}
	}

	create := s.create
	if create == nil {
		create = createExclusive
	}
	f, err := create(path)
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close %s: %w", path, err)
	}

	s.logger.Info().
		Str("server", server).
		Str("path", path).
		Int("events", len(events)).
		Msg("Events written")
	return path, nil
}

// createExclusive never replaces an existing file.
func createExclusive(path string) (io.WriteCloser, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}
