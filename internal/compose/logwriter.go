package compose

import (
	"bytes"
	"strings"
	"sync"
)

const (
	subscriberQueue = 256
	defaultTail     = 50
)

// LogWriter splits compose output into lines and broadcasts each line to
// subscribers. Every subscriber has a bounded queue; lines for a subscriber
// that cannot keep up are dropped instead of slowing the process down.
// The last few lines are kept so late subscribers and error messages can
// see recent output.
type LogWriter struct {
	mu          sync.Mutex
	partial     []byte
	tail        []string
	tailSize    int
	subscribers map[chan string]struct{}
	closed      bool
}

// NewLogWriter creates a LogWriter remembering up to tailSize lines.
func NewLogWriter(tailSize int) *LogWriter {
	if tailSize <= 0 {
		tailSize = defaultTail
	}
	return &LogWriter{
		tailSize:    tailSize,
		subscribers: make(map[chan string]struct{}),
	}
}

// Write implements io.Writer.
func (lw *LogWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.closed {
		return len(p), nil
	}

	data := append(lw.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		lw.emit(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	lw.partial = append([]byte(nil), data...)
	return len(p), nil
}

// emit must be called with mu held.
func (lw *LogWriter) emit(line string) {
	if len(lw.tail) == lw.tailSize {
		lw.tail = append(lw.tail[:0], lw.tail[1:]...)
	}
	lw.tail = append(lw.tail, line)

	for ch := range lw.subscribers {
		select {
		case ch <- line:
		default: // drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel receiving every line written from now on.
// The channel is closed when the writer closes or cancel is called.
func (lw *LogWriter) Subscribe() (<-chan string, func()) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	ch := make(chan string, subscriberQueue)
	if lw.closed {
		close(ch)
		return ch, func() {}
	}
	lw.subscribers[ch] = struct{}{}
	return ch, func() { lw.unsubscribe(ch) }
}

func (lw *LogWriter) unsubscribe(ch chan string) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, ok := lw.subscribers[ch]; ok {
		delete(lw.subscribers, ch)
		close(ch)
	}
}

// Tail returns the most recent lines.
func (lw *LogWriter) Tail() []string {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return append([]string(nil), lw.tail...)
}

// TailString joins the most recent lines with newlines.
func (lw *LogWriter) TailString() string {
	return strings.TrimSpace(strings.Join(lw.Tail(), "\n"))
}

// Close flushes a trailing partial line and ends every subscription.
func (lw *LogWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.closed {
		return nil
	}
	if len(lw.partial) > 0 {
		lw.emit(string(lw.partial))
		lw.partial = nil
	}
	lw.closed = true
	for ch := range lw.subscribers {
		close(ch)
	}
	lw.subscribers = nil
	return nil
}
