package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// TranscriptEvent is one line of a per-session NDJSON transcript.
type TranscriptEvent struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Transcript event types.
const (
	EventUserMessage      = "chat_user_message"
	EventAssistantMessage = "chat_assistant_message"
	EventOutlineAccepted  = "outline_accepted"
	EventExtractionFailed = "extraction_failed"
	EventModelError       = "model_error"
	EventMaterialized     = "materialized"
)

// TranscriptLogger records chat events.
type TranscriptLogger interface {
	Log(event TranscriptEvent)
	Close() error
}

// TranscriptConfig configures the NDJSON transcript writer.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

type noopTranscript struct{}

func (noopTranscript) Log(TranscriptEvent) {}
func (noopTranscript) Close() error        { return nil }

// NDJSONTranscript appends events to <dir>/<user>/<session>.ndjson from a
// single background writer. Events are dropped when the queue is full.
type NDJSONTranscript struct {
	dir    string
	queue  chan TranscriptEvent
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewTranscriptLogger returns a writer for cfg, or a no-op logger when disabled.
func NewTranscriptLogger(cfg TranscriptConfig, logger *slog.Logger) (TranscriptLogger, error) {
	if !cfg.Enabled {
		return noopTranscript{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("transcript directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	t := &NDJSONTranscript{
		dir:    cfg.Dir,
		queue:  make(chan TranscriptEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go t.run()
	return t, nil
}

// Log enqueues an event without blocking.
func (t *NDJSONTranscript) Log(event TranscriptEvent) {
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}
	select {
	case t.queue <- event:
	default:
		t.logger.Warn("transcript queue full, dropping event", "session_id", event.SessionID, "event_type", event.EventType)
	}
}

// Close drains the queue and stops the writer.
func (t *NDJSONTranscript) Close() error {
	t.once.Do(func() { close(t.queue) })
	<-t.done
	return nil
}

func (t *NDJSONTranscript) run() {
	defer close(t.done)
	for event := range t.queue {
		if err := t.write(event); err != nil {
			t.logger.Warn("failed to write transcript event", "session_id", event.SessionID, "error", err)
		}
	}
}

func (t *NDJSONTranscript) write(event TranscriptEvent) error {
	userDir := filepath.Join(t.dir, safeSegment(event.UserID))
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return fmt.Errorf("create user directory: %w", err)
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(userDir, safeSegment(event.SessionID)+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func safeSegment(s string) string {
	s = unsafeSegment.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}

var (
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	spaceRun   = regexp.MustCompile(`[ \t]+`)
)

// cleanForReadability strips terminal escapes and collapses runs of spaces.
func cleanForReadability(raw string) string {
	clean := ansiEscape.ReplaceAllString(raw, "")
	clean = spaceRun.ReplaceAllString(clean, " ")
	return strings.TrimSpace(clean)
}
