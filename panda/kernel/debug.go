package kernel

import (
	"log/slog"
)

// DebugSink collects the text guest code prints with svcOutputDebugString
// and logs it line by line.
type DebugSink struct {
	logger *slog.Logger

	// settings
	keep int // lines kept for Lines, 0 disables history

	line    []byte
	history []string
}

type DebugSinkOption func(*DebugSink)

// WithLogger logs debug output to l instead of the default logger.
func WithLogger(l *slog.Logger) DebugSinkOption { return func(s *DebugSink) { s.logger = l } }

// WithHistory keeps the last n complete lines.
func WithHistory(n int) DebugSinkOption { return func(s *DebugSink) { s.keep = n } }

// NewDebugSink creates a sink logging through slog.
func NewDebugSink(opts ...DebugSinkOption) *DebugSink {
	s := &DebugSink{
		logger: slog.Default(),
		keep:   64,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Reset()
	return s
}

// Configure applies options to an existing sink. Lines beyond a reduced
// history are dropped.
func (s *DebugSink) Configure(opts ...DebugSinkOption) {
	for _, opt := range opts {
		opt(s)
	}
	s.trim()
}

// Write implements io.Writer. Text is buffered until a newline or NUL.
func (s *DebugSink) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == 0 || b == '\n' || b == '\r' {
			s.flush()
			continue
		}
		s.line = append(s.line, b)
	}
	return len(p), nil
}

func (s *DebugSink) flush() {
	if len(s.line) == 0 {
		return
	}
	text := string(s.line)
	s.line = s.line[:0]
	s.logger.Info("guest", "line", text)
	if s.keep == 0 {
		return
	}
	s.history = append(s.history, text)
	s.trim()
}

func (s *DebugSink) trim() {
	if s.keep <= 0 {
		s.history = nil
		return
	}
	if len(s.history) > s.keep {
		s.history = s.history[len(s.history)-s.keep:]
	}
}

// Lines returns the most recent complete lines, oldest first.
func (s *DebugSink) Lines() []string {
	return append([]string(nil), s.history...)
}

func (s *DebugSink) Reset() {
	s.line = s.line[:0]
	s.history = nil
}
