package speech

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sonalabs/sona-core/internal/config"
	"github.com/sonalabs/sona-core/internal/deinterleave"
)

func writeSynthScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "synth.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func collect(t *testing.T, chunks <-chan deinterleave.Chunk, errs <-chan error) ([]deinterleave.Chunk, error) {
	t.Helper()
	var out []deinterleave.Chunk
	var firstErr error
	deadline := time.After(10 * time.Second)
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			out = append(out, c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-deadline:
			t.Fatal("synthesizer did not finish in time")
		}
	}
	return out, firstErr
}

func TestExecSynthStreamsChunkLines(t *testing.T) {
	script := writeSynthScript(t, `cat >/dev/null
echo '{"generation_id":"gen-1","chunk_index":0,"is_last_chunk":false,"audio":"YWJj"}'
echo '{"generation_id":"gen-1","chunk_index":1,"is_last_chunk":true,"audio":"ZGVm"}'
`)
	synth, err := NewExecSynth(config.SynthConfig{Command: "sh " + script})
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}

	chunks, errs := synth.Synthesize(context.Background(), Request{SessionID: "s1", Text: "hello"})
	got, streamErr := collect(t, chunks, errs)
	if streamErr != nil {
		t.Fatalf("unexpected stream error: %v", streamErr)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if got[0].GenerationID != "gen-1" || got[0].Index != 0 || got[0].Last {
		t.Fatalf("unexpected first chunk: %+v", got[0])
	}
	if string(got[0].Audio) != "abc" {
		t.Fatalf("audio not base64-decoded: %q", got[0].Audio)
	}
	if !got[1].Last || string(got[1].Audio) != "def" {
		t.Fatalf("unexpected last chunk: %+v", got[1])
	}
}

func TestExecSynthReportsNonzeroExit(t *testing.T) {
	script := writeSynthScript(t, `cat >/dev/null
echo '{"generation_id":"gen-1","chunk_index":0,"is_last_chunk":true,"audio":""}'
exit 5
`)
	synth, err := NewExecSynth(config.SynthConfig{Command: "sh " + script})
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}

	chunks, errs := synth.Synthesize(context.Background(), Request{Text: "hello"})
	got, streamErr := collect(t, chunks, errs)
	if len(got) != 1 {
		t.Fatalf("expected the chunk emitted before the failure, got %d", len(got))
	}
	if streamErr == nil || !strings.Contains(streamErr.Error(), "synth command failed") {
		t.Fatalf("expected nonzero exit surfaced, got %v", streamErr)
	}
}

func TestExecSynthRejectsMalformedChunkLine(t *testing.T) {
	script := writeSynthScript(t, `cat >/dev/null
echo 'not json'
`)
	synth, err := NewExecSynth(config.SynthConfig{Command: "sh " + script})
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}

	chunks, errs := synth.Synthesize(context.Background(), Request{Text: "hello"})
	got, streamErr := collect(t, chunks, errs)
	if len(got) != 0 {
		t.Fatalf("expected no chunks, got %d", len(got))
	}
	if streamErr == nil || !strings.Contains(streamErr.Error(), "decode synth chunk") {
		t.Fatalf("expected decode error, got %v", streamErr)
	}
}

func TestNewExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth(config.SynthConfig{Command: "   "}); err == nil {
		t.Fatal("expected error for empty synth command")
	}
}

func TestNewSynthesizerModes(t *testing.T) {
	if _, err := NewSynthesizer(config.SynthConfig{Mode: "mock", SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("mock mode: %v", err)
	}
	if _, err := NewSynthesizer(config.SynthConfig{Mode: "exec", Command: "sona-synth --stream"}); err != nil {
		t.Fatalf("exec mode: %v", err)
	}
	if _, err := NewSynthesizer(config.SynthConfig{Mode: "sing"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
