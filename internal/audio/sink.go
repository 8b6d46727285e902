package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Sink receives audio relayed from widget clients. Write is called for every
// accepted chunk, Finish once when the owning session ends.
type Sink interface {
	Write(sessionID string, chunk []byte) error
	Finish(sessionID string) error
}

// LogSink records chunk sizes and discards the audio.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audio").Logger()}
}

func (s *LogSink) Write(sessionID string, chunk []byte) error {
	s.log.Debug().Str("session_id", sessionID).Int("bytes", len(chunk)).Msg("audio chunk received")
	return nil
}

func (s *LogSink) Finish(string) error { return nil }

// ErrRecordingTooLarge is returned once a session's buffer reaches its cap.
var ErrRecordingTooLarge = errors.New("recording exceeds size limit")

// Recorder buffers PCM16LE per session and writes <dir>/<sessionID>.wav when
// the session finishes.
type Recorder struct {
	dir        string
	sampleRate int
	maxBytes   int
	log        zerolog.Logger

	mu      sync.Mutex
	buffers map[string][]byte
}

func NewRecorder(dir string, sampleRate, maxBytes int, log zerolog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dump dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &Recorder{
		dir:        dir,
		sampleRate: sampleRate,
		maxBytes:   maxBytes,
		log:        log.With().Str("component", "audio_recorder").Logger(),
		buffers:    make(map[string][]byte),
	}, nil
}

func (r *Recorder) Write(sessionID string, chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := r.buffers[sessionID]
	if len(buf)+len(chunk) > r.maxBytes {
		return ErrRecordingTooLarge
	}
	r.buffers[sessionID] = append(buf, chunk...)
	return nil
}

func (r *Recorder) Finish(sessionID string) error {
	r.mu.Lock()
	pcm, ok := r.buffers[sessionID]
	delete(r.buffers, sessionID)
	r.mu.Unlock()
	if !ok || len(pcm) == 0 {
		return nil
	}

	// Session ids are generated server side, but never let one escape dir.
	name := filepath.Base(filepath.Clean(sessionID))
	if name == "." || name == string(filepath.Separator) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	path := filepath.Join(r.dir, name+".wav")
	if err := WriteWAVPCM16LEFile(path, pcm, r.sampleRate); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	r.log.Info().Str("session_id", sessionID).Str("path", path).Int("bytes", len(pcm)).Msg("session audio recorded")
	return nil
}

// Pending reports how many sessions currently hold buffered audio.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
