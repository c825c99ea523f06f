package speech

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/sonalabs/sona-core/internal/config"
	"github.com/sonalabs/sona-core/internal/deinterleave"
	"github.com/sonalabs/sona-core/internal/protocol"
)

type execSynth struct {
	cmd []string
	cfg config.SynthConfig
	mu  sync.Mutex
}

type execRequest struct {
	Text         string `json:"text"`
	Voice        string `json:"voice"`
	ContinueFrom string `json:"continue_from,omitempty"`
	SampleRate   int    `json:"sample_rate"`
	Channels     int    `json:"channels"`
	Format       string `json:"format"`
}

// NewExecSynth wraps an external synthesis command. The command receives one
// JSON request on stdin and emits one protocol.SynthesisChunk per stdout line.
func NewExecSynth(cfg config.SynthConfig) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return &execSynth{cmd: args, cfg: cfg}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (<-chan deinterleave.Chunk, <-chan error) {
	e.mu.Lock()
	chunks := make(chan deinterleave.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		defer e.mu.Unlock()

		payload := execRequest{
			Text:         req.Text,
			Voice:        req.Voice,
			ContinueFrom: req.ContinueFrom,
			SampleRate:   e.cfg.SampleRate,
			Channels:     e.cfg.Channels,
			Format:       e.cfg.Format,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			errs <- err
			return
		}

		base := e.cmd[0]
		args := append([]string{}, e.cmd[1:]...)
		cmd := exec.CommandContext(ctx, base, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- err
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- err
			return
		}

		if _, err := stdin.Write(data); err != nil {
			errs <- err
			cmd.Wait()
			return
		}
		stdin.Close()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp protocol.SynthesisChunk
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- fmt.Errorf("decode synth chunk: %w", err)
				cmd.Wait()
				return
			}
			select {
			case chunks <- deinterleave.Chunk{
				GenerationID: resp.GenerationID,
				Index:        resp.ChunkIndex,
				Last:         resp.IsLastChunk,
				Audio:        resp.Audio,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				cmd.Wait()
				return
			}
		}
		if err := cmd.Wait(); err != nil {
			errs <- fmt.Errorf("synth command failed: %w", err)
			return
		}
		if scanErr := scanner.Err(); scanErr != nil {
			errs <- scanErr
		}
	}()
	return chunks, errs
}
