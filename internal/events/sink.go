package events

import (
	"sync"

	"github.com/msageha/devswarm/internal/logging"
	"github.com/msageha/devswarm/internal/model"
)

// Sink receives human-readable progress messages from the director, watcher and swarm.
// Implementations must be safe for concurrent use and must not block for long.
type Sink interface {
	Append(message string, kind model.LogType)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(message string, kind model.LogType)

// Append calls f.
func (f SinkFunc) Append(message string, kind model.LogType) { f(message, kind) }

// Discard drops every message.
var Discard Sink = SinkFunc(func(string, model.LogType) {})

// LogSink forwards messages to a leveled logger. Errors are logged at
// ERROR and everything else at INFO.
type LogSink struct {
	Logger *logging.Logger
}

// Append implements Sink.
func (s LogSink) Append(message string, kind model.LogType) {
	if kind == model.LogError {
		s.Logger.Errorf("%s", message)
		return
	}
	s.Logger.Infof("[%s] %s", kind, message)
}

// BusSink publishes each message as an EventLog event.
type BusSink struct {
	Bus *Bus
}

// Append implements Sink.
func (s BusSink) Append(message string, kind model.LogType) {
	s.Bus.Publish(EventLog, map[string]any{
		"message": message,
		"type":    string(kind),
	})
}

// MultiSink fans a message out to every member in order. Nil members are skipped.
type MultiSink []Sink

// Append implements Sink.
func (m MultiSink) Append(message string, kind model.LogType) {
	for _, s := range m {
		if s != nil {
			s.Append(message, kind)
		}
	}
}

// Message is one recorded sink entry.
type Message struct {
	Text string
	Kind model.LogType
}

// Recorder keeps every appended message in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Append implements Sink.
func (r *Recorder) Append(message string, kind model.LogType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Text: message, Kind: kind})
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// OfKind returns the texts of recorded messages with the given kind.
func (r *Recorder) OfKind(kind model.LogType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.messages {
		if m.Kind == kind {
			out = append(out, m.Text)
		}
	}
	return out
}
