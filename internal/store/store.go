// Package store persists synthesized generations: one audio file per
// generation plus a SQLite row describing it for later replay.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sonalabs/sona-core/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no generation row matches the requested id.
var ErrNotFound = errors.New("generation not found")

// AudioParams describes the byte format the synthesizer emits. "wav" payloads
// are appended verbatim; "pcm" payloads (16-bit little-endian) are buffered
// and encoded into a WAV container when the generation closes.
type AudioParams struct {
	Format     string
	SampleRate int
	Channels   int
}

// Generation is one stored unit of synthesized speech.
type Generation struct {
	ID        string
	SessionID string
	FilePath  string
	Snippet   string
	ByteCount int64
	Chunks    int
	CreatedAt time.Time
}

type openGeneration struct {
	sessionID string
	file      *os.File
	path      string
	pcm       []byte
	bytes     int64
	chunks    int
}

// Store owns the generation metadata database and the file handles of
// generations currently being written.
type Store struct {
	db     *sql.DB
	cfg    config.StoreConfig
	params AudioParams
	log    *slog.Logger
	clock  func() time.Time

	mu   sync.Mutex
	open map[string]*openGeneration
}

// Open initializes the store, creating the audio directory and database
// schema as needed.
func Open(ctx context.Context, cfg config.StoreConfig, params AudioParams, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.AudioDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		params: params,
		log:    log.With(slog.String("component", "generation-store")),
		clock:  time.Now,
		open:   make(map[string]*openGeneration),
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS generations (
    generation_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    file_path TEXT NOT NULL,
    snippet TEXT,
    byte_count INTEGER NOT NULL DEFAULT 0,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generations_session ON generations(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database and any file handles left open.
func (s *Store) Close() error {
	s.mu.Lock()
	for id, gen := range s.open {
		_ = gen.file.Close()
		delete(s.open, id)
	}
	s.mu.Unlock()
	return s.db.Close()
}

// Append writes one chunk's payload into the generation's file, creating the
// file and its metadata row lazily on the generation's first chunk. It
// returns the file path the generation persists to.
func (s *Store) Append(ctx context.Context, sessionID, generationID, snippet string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.open[generationID]
	if !ok {
		path := filepath.Join(s.cfg.AudioDir, generationID+".wav")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return "", fmt.Errorf("create generation file: %w", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO generations(generation_id, session_id, file_path, snippet, created_at)
			 VALUES(?, ?, ?, ?, ?)
			 ON CONFLICT(generation_id) DO UPDATE SET session_id=excluded.session_id,
			     file_path=excluded.file_path, snippet=excluded.snippet, created_at=excluded.created_at`,
			generationID, sessionID, path, snippet, s.clock().UTC()); err != nil {
			file.Close()
			return "", fmt.Errorf("insert generation row: %w", err)
		}
		gen = &openGeneration{sessionID: sessionID, file: file, path: path}
		s.open[generationID] = gen
	}

	if s.params.Format == "pcm" {
		gen.pcm = append(gen.pcm, payload...)
	} else {
		if _, err := gen.file.Write(payload); err != nil {
			return gen.path, fmt.Errorf("append to generation file: %w", err)
		}
	}
	gen.bytes += int64(len(payload))
	gen.chunks++
	return gen.path, nil
}

// CloseSession finalizes every generation the session opened: PCM buffers are
// encoded into their WAV containers, file handles are closed, and counters
// are flushed to the metadata rows.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, gen := range s.open {
		if gen.sessionID != sessionID {
			continue
		}
		if err := s.finalize(ctx, id, gen); err != nil {
			errs = append(errs, fmt.Errorf("generation %s: %w", id, err))
		}
		delete(s.open, id)
	}
	return errors.Join(errs...)
}

func (s *Store) finalize(ctx context.Context, generationID string, gen *openGeneration) error {
	var encodeErr error
	if s.params.Format == "pcm" {
		encodeErr = encodePCM(gen.file, gen.pcm, s.params.SampleRate, s.params.Channels)
	}
	closeErr := gen.file.Close()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE generations SET byte_count = ?, chunk_count = ? WHERE generation_id = ?`,
		gen.bytes, gen.chunks, generationID); err != nil {
		return fmt.Errorf("update generation row: %w", err)
	}
	if encodeErr != nil {
		return fmt.Errorf("encode wav: %w", encodeErr)
	}
	return closeErr
}

func encodePCM(file *os.File, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Lookup retrieves a stored generation by id for replay.
func (s *Store) Lookup(ctx context.Context, generationID string) (Generation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT generation_id, session_id, file_path, snippet, byte_count, chunk_count, created_at
		 FROM generations WHERE generation_id = ?`, generationID)

	var g Generation
	var created string
	if err := row.Scan(&g.ID, &g.SessionID, &g.FilePath, &g.Snippet, &g.ByteCount, &g.Chunks, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Generation{}, fmt.Errorf("%w: %s", ErrNotFound, generationID)
		}
		return Generation{}, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		g.CreatedAt = ts
	}
	return g, nil
}

// ListSession retrieves a session's generations in creation order.
func (s *Store) ListSession(ctx context.Context, sessionID string) ([]Generation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT generation_id, session_id, file_path, snippet, byte_count, chunk_count, created_at
		 FROM generations WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Generation
	for rows.Next() {
		var g Generation
		var created string
		if err := rows.Scan(&g.ID, &g.SessionID, &g.FilePath, &g.Snippet, &g.ByteCount, &g.Chunks, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			g.CreatedAt = ts
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Prune applies retention: generations older than retention_days and rows
// beyond max_generations are deleted, along with their audio files.
func (s *Store) Prune(ctx context.Context) error {
	var victims []Generation

	collect := func(query string, args ...any) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var g Generation
			if err := rows.Scan(&g.ID, &g.FilePath); err != nil {
				return err
			}
			victims = append(victims, g)
		}
		return rows.Err()
	}

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if err := collect(`SELECT generation_id, file_path FROM generations WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxGenerations > 0 {
		if err := collect(`SELECT generation_id, file_path FROM generations
			ORDER BY created_at DESC LIMIT -1 OFFSET ?`, s.cfg.MaxGenerations); err != nil {
			return err
		}
	}

	for _, g := range victims {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM generations WHERE generation_id = ?`, g.ID); err != nil {
			return err
		}
		if err := os.Remove(g.FilePath); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove pruned audio file",
				slog.String("path", g.FilePath),
				slog.String("error", err.Error()))
		}
	}
	if len(victims) > 0 {
		s.log.Info("pruned generations", slog.Int("count", len(victims)))
	}
	return nil
}
