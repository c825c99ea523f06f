package player

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// ErrSinkClosed is returned when bytes are sent after Close.
var ErrSinkClosed = errors.New("playback sink already closed")

// Sink consumes ordered audio bytes for live playback. Send call order is
// delivery order: the subprocess decodes one continuous byte stream.
type Sink interface {
	Send(p []byte) error
	Close() error
}

// NewQuietSink returns a sink whose operations are no-ops and never fail.
// Used when playback is disabled; persistence is unaffected.
func NewQuietSink() Sink {
	return quietSink{}
}

type quietSink struct{}

func (quietSink) Send([]byte) error { return nil }
func (quietSink) Close() error      { return nil }

type processSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output bytes.Buffer
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// OpenSink spawns one long-lived player subprocess reading audio from stdin.
// A nil command opens a quiet sink. The subprocess's own output is captured
// for diagnostics, not shown to the operator.
func OpenSink(ctx context.Context, command *Command, log *slog.Logger) (Sink, error) {
	if command == nil {
		return NewQuietSink(), nil
	}
	args, err := command.StdinArgs()
	if err != nil {
		return nil, err
	}

	s := &processSink{
		log: log.With(slog.String("component", "playback-sink")),
	}
	cmd := exec.CommandContext(ctx, command.Path, args...)
	cmd.Stdout = &s.output
	cmd.Stderr = &s.output

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open player stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn player %s: %w", command.Path, err)
	}
	s.cmd = cmd
	s.stdin = stdin

	s.log.Debug("player subprocess started",
		slog.String("path", command.Path),
		slog.Int("pid", cmd.Process.Pid))
	return s, nil
}

// Send writes the bytes fully before returning. Blocking here when the
// subprocess is slow to consume is the stream's backpressure.
func (s *processSink) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if _, err := s.stdin.Write(p); err != nil {
		return fmt.Errorf("write to player: %w", err)
	}
	return nil
}

// Close signals end-of-audio and awaits process exit. A nonzero exit is a
// failure, reported with whatever the player wrote on its output streams.
func (s *processSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.closed = true

	if err := s.stdin.Close(); err != nil {
		s.log.Warn("closing player stdin failed", slog.String("error", err.Error()))
	}
	if err := s.cmd.Wait(); err != nil {
		if out := outputTail(&s.output); out != "" {
			return fmt.Errorf("player exited abnormally: %w: %s", err, out)
		}
		return fmt.Errorf("player exited abnormally: %w", err)
	}
	if out := outputTail(&s.output); out != "" {
		s.log.Debug("player output", slog.String("output", out))
	}
	return nil
}

func outputTail(buf *bytes.Buffer) string {
	const limit = 512
	out := strings.TrimSpace(buf.String())
	if len(out) > limit {
		out = "..." + out[len(out)-limit:]
	}
	return out
}
