package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sonalabs/sona-core/internal/bus"
	"github.com/sonalabs/sona-core/internal/config"
	"github.com/sonalabs/sona-core/internal/deinterleave"
	"github.com/sonalabs/sona-core/internal/player"
	"github.com/sonalabs/sona-core/internal/protocol"
	"github.com/sonalabs/sona-core/internal/session"
	"github.com/sonalabs/sona-core/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const snippetLimit = 120

// Service handles speak and replay requests from the bus. One playback
// session runs at a time: the player subprocess and its input pipe are
// exclusive to a session.
type Service struct {
	cfg      config.Config
	bus      *bus.Client
	store    *store.Store
	synth    Synthesizer
	resolver *player.Resolver

	subSpeak  *nats.Subscription
	subReplay *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	playMu    sync.Mutex
	logger    *slog.Logger

	sessions metric.Int64Counter
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, st *store.Store, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		bus:      busClient,
		store:    st,
		synth:    synth,
		resolver: player.NewResolver(log, nil),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "speech-service")),
	}
	meter := otel.Meter("github.com/sonalabs/sona-core/speech")
	if counter, err := meter.Int64Counter("sona.speech.sessions"); err == nil {
		s.sessions = counter
	}
	return s
}

func (s *Service) Start() error {
	subSpeak, err := s.bus.Conn().Subscribe(protocol.SubjectSpeakRequest, s.handleSpeak)
	if err != nil {
		return fmt.Errorf("subscribe speak requests: %w", err)
	}
	s.subSpeak = subSpeak

	subReplay, err := s.bus.Conn().Subscribe(protocol.SubjectReplayRequest, s.handleReplay)
	if err != nil {
		subSpeak.Drain()
		return fmt.Errorf("subscribe replay requests: %w", err)
	}
	s.subReplay = subReplay
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subSpeak != nil {
		_ = s.subSpeak.Drain()
	}
	if s.subReplay != nil {
		_ = s.subReplay.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.subSpeak != nil && s.subReplay != nil }

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		return
	}
	if req.Text == "" {
		s.logger.Warn("ignoring speak request with empty text")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.playMu.Lock()
		defer s.playMu.Unlock()

		ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.Session.StreamTimeout)*time.Millisecond)
		defer cancel()

		result := s.runSession(ctx, req)
		s.publishResult(result)
	}()
}

func (s *Service) runSession(ctx context.Context, req protocol.SpeakRequest) protocol.SessionResult {
	sessionID := uuid.NewString()
	log := s.logger.With(slog.String("session_id", sessionID))

	sink, sinkErr := s.openSink(ctx, req.Quiet, log)

	voice := req.Voice
	if voice == "" {
		voice = s.cfg.Synth.Voice
	}
	chunks, errs := s.synth.Synthesize(ctx, Request{
		SessionID:    sessionID,
		Text:         req.Text,
		Voice:        voice,
		ContinueFrom: req.ContinueFrom,
	})

	co := session.New(sessionID, snippet(req.Text), s.store, sink, log)
	res := co.Run(ctx, &chanSource{chunks: chunks, errs: errs})

	out := toProto(res, req.RequestID)
	if sinkErr != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("playback unavailable: %v", sinkErr))
	}
	if s.sessions != nil {
		s.sessions.Add(context.Background(), 1)
	}
	log.Info("speak session finished",
		slog.Int("generations", len(out.Generations)),
		slog.Int("warnings", len(out.Warnings)))
	return out
}

// openSink resolves the player and spawns it in stdin-streaming mode. Quiet
// mode never resolves a player at all. Resolution and spawn failures degrade
// to a quiet sink so persistence still runs; the error is reported alongside
// the session result.
func (s *Service) openSink(ctx context.Context, quiet bool, log *slog.Logger) (player.Sink, error) {
	if quiet || !s.cfg.Playback.Enabled {
		return player.NewQuietSink(), nil
	}
	command, err := s.playerCommand()
	if err != nil {
		return player.NewQuietSink(), err
	}
	sink, err := player.OpenSink(ctx, command, log)
	if err != nil {
		return player.NewQuietSink(), err
	}
	return sink, nil
}

func (s *Service) playerCommand() (*player.Command, error) {
	if s.cfg.Playback.Command != "" {
		return player.ParseCustom(s.cfg.Playback.Command)
	}
	return s.resolver.Resolve()
}

func (s *Service) handleReplay(msg *nats.Msg) {
	var req protocol.ReplayRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode replay request", slogError(err))
		return
	}
	if req.GenerationID == "" {
		s.logger.Warn("ignoring replay request with empty generation id")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.playMu.Lock()
		defer s.playMu.Unlock()

		ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.Session.StreamTimeout)*time.Millisecond)
		defer cancel()

		s.publishResult(s.replay(ctx, req))
	}()
}

// replay plays a stored generation's file with the player's path-mode
// invocation; path mode works even for players without stdin support.
func (s *Service) replay(ctx context.Context, req protocol.ReplayRequest) protocol.SessionResult {
	out := protocol.SessionResult{
		SessionID: uuid.NewString(),
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
	}

	gen, err := s.store.Lookup(ctx, req.GenerationID)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	result := protocol.GenerationResult{
		GenerationID: gen.ID,
		FilePath:     gen.FilePath,
		Chunks:       gen.Chunks,
	}

	if !s.cfg.Playback.Enabled {
		result.Error = "playback disabled"
		out.Generations = append(out.Generations, result)
		return out
	}

	command, err := s.playerCommand()
	if err != nil {
		result.Error = err.Error()
		out.Generations = append(out.Generations, result)
		return out
	}

	cmd := exec.CommandContext(ctx, command.Path, command.FileArgs(gen.FilePath)...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		result.Error = fmt.Sprintf("replay failed: %v: %s", err, output.String())
	} else {
		result.Played = true
	}
	out.Generations = append(out.Generations, result)
	return out
}

func (s *Service) publishResult(result protocol.SessionResult) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("failed to marshal session result", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSessionResult, data); err != nil {
		s.logger.Warn("failed to publish session result", slogError(err))
	}
}

// chanSource adapts the synthesizer's channel pair to the coordinator's
// pull-based source.
type chanSource struct {
	chunks <-chan deinterleave.Chunk
	errs   <-chan error
}

func (c *chanSource) Next(ctx context.Context) (deinterleave.Chunk, error) {
	for {
		if c.chunks == nil && c.errs == nil {
			return deinterleave.Chunk{}, io.EOF
		}
		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				c.chunks = nil
				continue
			}
			return chunk, nil
		case err, ok := <-c.errs:
			if !ok {
				c.errs = nil
				continue
			}
			if err != nil {
				return deinterleave.Chunk{}, err
			}
		case <-ctx.Done():
			return deinterleave.Chunk{}, ctx.Err()
		}
	}
}

func toProto(res session.Result, requestID string) protocol.SessionResult {
	out := protocol.SessionResult{
		SessionID: res.SessionID,
		RequestID: requestID,
		Warnings:  res.Warnings,
		Timestamp: time.Now().UTC(),
	}
	if res.PlaybackErr != nil {
		out.Error = res.PlaybackErr.Error()
	}
	for _, g := range res.Generations {
		result := protocol.GenerationResult{
			GenerationID: g.GenerationID,
			FilePath:     g.FilePath,
			Chunks:       g.Chunks,
			Played:       g.Played,
		}
		if g.Err != nil {
			result.Error = g.Err.Error()
		}
		out.Generations = append(out.Generations, result)
	}
	return out
}

// snippet truncates the request text for the store's metadata row, dropping
// any rune the byte limit cut in half.
func snippet(text string) string {
	if len(text) <= snippetLimit {
		return text
	}
	cut := text[:snippetLimit]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
