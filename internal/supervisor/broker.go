package supervisor

import (
	"bytes"
	"sync"
)

// subscriberBufferSize is the channel buffer for each output subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// OutputBroker fans out engine process output to per-session subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a session finished) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected session volume.
type OutputBroker struct {
	mu     sync.Mutex
	topics map[string]*outputTopic
}

type outputTopic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewOutputBroker creates a new output broker.
func NewOutputBroker() *OutputBroker {
	return &OutputBroker{
		topics: make(map[string]*outputTopic),
	}
}

// Subscribe returns a channel that receives output lines for the given
// session and an unsubscribe function. If the session has already finished
// (Close was called), the returned channel is immediately closed.
func (b *OutputBroker) Subscribe(sessionID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		t = &outputTopic{subs: make(map[int]chan string)}
		b.topics[sessionID] = t
	}

	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an output line to all subscribers of the given session.
// Lines are dropped for subscribers whose buffers are full.
func (b *OutputBroker) Publish(sessionID, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Drop line for slow subscribers to avoid blocking the reader.
		}
	}
}

// Close marks a session's output stream finished, closing all subscriber
// channels. Publish and Subscribe after Close are safe no-ops.
func (b *OutputBroker) Close(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		b.topics[sessionID] = &outputTopic{closed: true}
		return
	}
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Writer returns an io.Writer that splits the byte stream into lines and
// publishes each complete line to the session's topic. Suitable for wiring
// straight into an engine process's stdout and stderr.
func (b *OutputBroker) Writer(sessionID string) *LineWriter {
	return &LineWriter{broker: b, sessionID: sessionID}
}

// LineWriter adapts a byte stream to per-line Publish calls, buffering any
// trailing partial line between writes.
type LineWriter struct {
	broker    *OutputBroker
	sessionID string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line; keep it buffered for the next write.
			w.buf.WriteString(line)
			break
		}
		w.broker.Publish(w.sessionID, string(bytes.TrimRight([]byte(line), "\r\n")))
	}
	return len(p), nil
}
