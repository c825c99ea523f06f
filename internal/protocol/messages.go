package protocol

import "time"

// SpeakRequest asks the daemon to synthesize and play a piece of text.
type SpeakRequest struct {
	RequestID    string `json:"request_id,omitempty"`
	Text         string `json:"text"`
	Voice        string `json:"voice,omitempty"`
	ContinueFrom string `json:"continue_from,omitempty"`
	Quiet        bool   `json:"quiet,omitempty"`
}

// ReplayRequest asks the daemon to play back a previously stored generation.
type ReplayRequest struct {
	RequestID    string `json:"request_id,omitempty"`
	GenerationID string `json:"generation_id"`
}

// SynthesisChunk is one fragment of a generation's audio as produced by a
// synthesizer backend. Audio is base64 on the wire (encoding/json []byte).
type SynthesisChunk struct {
	GenerationID string `json:"generation_id"`
	ChunkIndex   int    `json:"chunk_index"`
	IsLastChunk  bool   `json:"is_last_chunk"`
	Audio        []byte `json:"audio"`
}

// GenerationResult describes the outcome for a single generation of a session.
type GenerationResult struct {
	GenerationID string `json:"generation_id"`
	FilePath     string `json:"file_path,omitempty"`
	Chunks       int    `json:"chunks"`
	Played       bool   `json:"played"`
	Error        string `json:"error,omitempty"`
}

// SessionResult is the aggregate outcome of one speak session. It names which
// generations succeeded and where their audio lives rather than collapsing
// the session into a single pass/fail.
type SessionResult struct {
	SessionID   string             `json:"session_id"`
	RequestID   string             `json:"request_id,omitempty"`
	Generations []GenerationResult `json:"generations"`
	Warnings    []string           `json:"warnings,omitempty"`
	Error       string             `json:"error,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

const (
	SubjectSpeakRequest  = "tts.speak.request"
	SubjectReplayRequest = "tts.replay.request"
	SubjectSessionResult = "tts.session.result"
)
