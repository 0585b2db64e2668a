package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// ErrSlowConsumer is returned by a channel-backed sink whose reader has
// fallen behind. The bus detaches it rather than waiting.
var ErrSlowConsumer = errors.New("event consumer is not keeping up")

// ErrSinkClosed is returned after a sink has been closed.
var ErrSinkClosed = errors.New("event sink closed")

// LoggingSink writes a one-line summary of every event at debug level.
type LoggingSink struct {
	logger *zap.Logger
}

// NewLoggingSink creates a sink on logger.
func NewLoggingSink(logger *zap.Logger) *LoggingSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingSink{logger: logger.Named("events")}
}

func (s *LoggingSink) HandleEvent(_ context.Context, ev Event) error {
	payload, _ := json.Marshal(ev.Data)
	if len(payload) > 200 {
		payload = payload[:200]
	}
	s.logger.Debug(string(ev.Type),
		zap.String("investigation_id", ev.InvestigationID),
		zap.ByteString("data", payload))
	return nil
}

// MemorySink collects events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) HandleEvent(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of everything collected so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// OfType returns the collected events with the given type.
func (s *MemorySink) OfType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *MemorySink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *MemorySink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

// JSONLSink writes one JSON line per event.
type JSONLSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewJSONLSink writes to w. The sink does not own w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

// NewJSONLFileSink appends to <dir>/<investigationID>.jsonl, creating the
// directory if needed. Closing the sink closes the file.
func NewJSONLFileSink(dir, investigationID string) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, investigationID+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &JSONLSink{w: f, closer: f}, nil
}

func (s *JSONLSink) HandleEvent(_ context.Context, ev Event) error {
	line, err := ev.JSONL()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return ErrSinkClosed
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = nil
	if s.closer != nil {
		c := s.closer
		s.closer = nil
		return c.Close()
	}
	return nil
}

// WebSocketSink buffers serialised events for one connected observer. The
// connection's write pump drains Messages; if it falls behind by more than
// the buffer, the sink fails and the bus detaches it.
type WebSocketSink struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewWebSocketSink creates a sink with the given buffer size.
func NewWebSocketSink(buffer int) *WebSocketSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &WebSocketSink{ch: make(chan []byte, buffer)}
}

// Messages yields one JSON frame per event and is closed by Close.
func (s *WebSocketSink) Messages() <-chan []byte { return s.ch }

func (s *WebSocketSink) HandleEvent(_ context.Context, ev Event) error {
	frame, err := ev.JSONL()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
