package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/sonalabs/sona-core/internal/deinterleave"
	"github.com/sonalabs/sona-core/internal/player"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sliceSource struct {
	chunks []deinterleave.Chunk
	pos    int
}

func (s *sliceSource) Next(_ context.Context) (deinterleave.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return deinterleave.Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

type fakePersister struct {
	mu       sync.Mutex
	appended map[string][]byte
	failGen  string
	closed   bool
}

func newFakePersister() *fakePersister {
	return &fakePersister{appended: make(map[string][]byte)}
}

func (f *fakePersister) Append(_ context.Context, _, generationID, _ string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if generationID == f.failGen {
		return "", errors.New("disk full")
	}
	f.appended[generationID] = append(f.appended[generationID], payload...)
	return "/audio/" + generationID + ".wav", nil
}

func (f *fakePersister) CloseSession(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type recordingSink struct {
	buf      bytes.Buffer
	sendErr  error
	closeErr error
	closed   bool
}

func (r *recordingSink) Send(p []byte) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	_, _ = r.buf.Write(p)
	return nil
}

func (r *recordingSink) Close() error {
	r.closed = true
	return r.closeErr
}

func chunk(gen string, index int, last bool, payload string) deinterleave.Chunk {
	return deinterleave.Chunk{GenerationID: gen, Index: index, Last: last, Audio: []byte(payload)}
}

func TestRunOrdersInterleavedGenerations(t *testing.T) {
	src := &sliceSource{chunks: []deinterleave.Chunk{
		chunk("a", 0, false, "a0."),
		chunk("b", 0, false, "b0."),
		chunk("a", 1, true, "a1."),
		chunk("b", 1, true, "b1."),
	}}
	persist := newFakePersister()
	sink := &recordingSink{}

	co := New("session-1", "hello", persist, sink, newLogger())
	res := co.Run(context.Background(), src)

	if got := sink.buf.String(); got != "a0.a1.b0.b1." {
		t.Fatalf("unexpected playback order: %q", got)
	}
	if !sink.closed {
		t.Fatal("expected sink closed at end of stream")
	}
	if !persist.closed {
		t.Fatal("expected file handles closed at end of stream")
	}
	if len(res.Generations) != 2 {
		t.Fatalf("expected 2 generation outcomes, got %d", len(res.Generations))
	}
	for _, g := range res.Generations {
		if !g.Played || g.Err != nil {
			t.Fatalf("generation %s: played=%v err=%v", g.GenerationID, g.Played, g.Err)
		}
		if g.Chunks != 2 {
			t.Fatalf("generation %s: expected 2 chunks persisted, got %d", g.GenerationID, g.Chunks)
		}
		if g.FilePath == "" {
			t.Fatalf("generation %s: missing file path", g.GenerationID)
		}
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
	// Persisted bytes follow arrival order within each generation.
	if string(persist.appended["a"]) != "a0.a1." || string(persist.appended["b"]) != "b0.b1." {
		t.Fatalf("unexpected persisted bytes: %q %q", persist.appended["a"], persist.appended["b"])
	}
}

func TestRunPersistFailureDoesNotStopPlayback(t *testing.T) {
	src := &sliceSource{chunks: []deinterleave.Chunk{
		chunk("a", 0, false, "a0."),
		chunk("a", 1, true, "a1."),
	}}
	persist := newFakePersister()
	persist.failGen = "a"
	sink := &recordingSink{}

	co := New("session-1", "hello", persist, sink, newLogger())
	res := co.Run(context.Background(), src)

	if got := sink.buf.String(); got != "a0.a1." {
		t.Fatalf("expected playback despite persist failure, got %q", got)
	}
	if len(res.Generations) != 1 {
		t.Fatalf("expected 1 generation outcome, got %d", len(res.Generations))
	}
	g := res.Generations[0]
	if g.Err == nil {
		t.Fatal("expected persist error surfaced on generation outcome")
	}
	if !g.Played {
		t.Fatal("playback should have succeeded independently")
	}
	if g.Chunks != 0 {
		t.Fatalf("expected 0 chunks persisted, got %d", g.Chunks)
	}
}

func TestRunPlaybackFailureDoesNotStopPersistence(t *testing.T) {
	src := &sliceSource{chunks: []deinterleave.Chunk{
		chunk("a", 0, false, "a0."),
		chunk("a", 1, true, "a1."),
	}}
	persist := newFakePersister()
	sink := &recordingSink{sendErr: errors.New("broken pipe")}

	co := New("session-1", "hello", persist, sink, newLogger())
	res := co.Run(context.Background(), src)

	if string(persist.appended["a"]) != "a0.a1." {
		t.Fatalf("expected all chunks persisted, got %q", persist.appended["a"])
	}
	g := res.Generations[0]
	if g.Played {
		t.Fatal("generation must not report played after send failure")
	}
	if g.Err == nil {
		t.Fatal("expected playback error on generation outcome")
	}
	if g.Chunks != 2 {
		t.Fatalf("expected 2 chunks persisted, got %d", g.Chunks)
	}
}

func TestRunDetectsStalledGeneration(t *testing.T) {
	// stuck never delivers its last chunk; done is complete but buffered
	// behind it and must still play once stuck is abandoned.
	src := &sliceSource{chunks: []deinterleave.Chunk{
		chunk("stuck", 0, false, "s0."),
		chunk("done", 0, true, "d0."),
	}}
	persist := newFakePersister()
	sink := &recordingSink{}

	co := New("session-1", "hello", persist, sink, newLogger())
	res := co.Run(context.Background(), src)

	if got := sink.buf.String(); got != "s0.d0." {
		t.Fatalf("unexpected playback bytes: %q", got)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a stall warning")
	}

	outcomes := make(map[string]GenerationOutcome)
	for _, g := range res.Generations {
		outcomes[g.GenerationID] = g
	}
	if outcomes["stuck"].Err == nil || outcomes["stuck"].Played {
		t.Fatalf("expected stuck reported as truncated: %+v", outcomes["stuck"])
	}
	if outcomes["done"].Err != nil || !outcomes["done"].Played {
		t.Fatalf("expected done to play cleanly: %+v", outcomes["done"])
	}
	// Persistence is unaffected by the stall.
	if string(persist.appended["stuck"]) != "s0." {
		t.Fatalf("expected stuck chunk persisted, got %q", persist.appended["stuck"])
	}
}

func TestRunDuplicateChunkWarns(t *testing.T) {
	src := &sliceSource{chunks: []deinterleave.Chunk{
		chunk("a", 0, false, "a0."),
		chunk("a", 0, false, "a0-dup."),
		chunk("a", 1, true, "a1."),
	}}
	persist := newFakePersister()
	sink := &recordingSink{}

	co := New("session-1", "hello", persist, sink, newLogger())
	res := co.Run(context.Background(), src)

	if got := sink.buf.String(); got != "a0.a1." {
		t.Fatalf("duplicate must not reach playback, got %q", got)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "duplicate") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected duplicate warning, got %v", res.Warnings)
	}
}

func TestRunReportsPlayerExitFailure(t *testing.T) {
	src := &sliceSource{chunks: []deinterleave.Chunk{
		chunk("a", 0, true, "a0."),
	}}
	persist := newFakePersister()
	sink := &recordingSink{closeErr: fmt.Errorf("player exited abnormally: exit status 3")}

	co := New("session-1", "hello", persist, sink, newLogger())
	res := co.Run(context.Background(), src)

	if res.PlaybackErr == nil {
		t.Fatal("expected session-level playback error from sink close")
	}
	if res.Generations[0].Err != nil {
		t.Fatalf("generation outcome should stay clean: %v", res.Generations[0].Err)
	}
}

func TestRunQuietSink(t *testing.T) {
	src := &sliceSource{chunks: []deinterleave.Chunk{
		chunk("a", 0, false, "a0."),
		chunk("a", 1, true, "a1."),
	}}
	persist := newFakePersister()

	co := New("session-1", "hello", persist, player.NewQuietSink(), newLogger())
	res := co.Run(context.Background(), src)

	if res.PlaybackErr != nil {
		t.Fatalf("quiet sink must never fail: %v", res.PlaybackErr)
	}
	if string(persist.appended["a"]) != "a0.a1." {
		t.Fatalf("quiet mode must still persist the stream, got %q", persist.appended["a"])
	}
	if !res.Generations[0].Played {
		t.Fatal("quiet mode still tracks playback completion")
	}
}
