package supervisor

import (
	"context"
	"time"
)

// SessionKey identifies a session on the control channel. Keys are assigned
// by the channel when an engine connects and are never reused within a
// channel's lifetime.
type SessionKey int

// ID is the full channel identity of a connected engine process.
type ID struct {
	Key  SessionKey
	Host string
	Port int
}

// Event kinds delivered by the control channel.
const (
	EventSuccess = "success"
	EventFailed  = "failed"
	EventError   = "error"
	EventWatch   = "watch"
	EventList    = "list"
)

// Event is one pending notification drained from the control channel.
type Event struct {
	Key      SessionKey
	Seq      uint64
	Kind     string
	Category string // list events: inputs, outputs or globalNames
	Message  string // error events: descriptive message
	Item     string // error events: offending name, when the engine reports one
	Payload  []byte // watch and list events: wire-format watch list
}

// Channel is the control connection to running engine processes. Commands
// are fire-and-forget: outcomes surface later as Events returned from Poll.
// Implementations must be safe for concurrent use.
type Channel interface {
	// ListenAndWait blocks until the next spawned engine process connects
	// back, completes the handshake and returns its assigned identity.
	ListenAndWait(ctx context.Context) (ID, error)

	RunOnce(key SessionKey) error
	RunContinuously(key SessionKey) error
	Stop(key SessionKey) error
	Terminate(key SessionKey) error
	SetInput(key SessionKey, name, value string) error
	SetGlobalName(key SessionKey, name, value string) error
	Watch(key SessionKey, wl *WatchList, autoDelete bool) error
	CancelWatch(key SessionKey, watchID string) error
	List(key SessionKey, category string) error

	// Ack reports a handler's result back to the engine so its side of the
	// protocol state machine stays in sync.
	Ack(ev Event, handled bool) error

	// Poll returns every pending event across all sessions, waiting up to
	// timeout for the first one when none are queued.
	Poll(timeout time.Duration) []Event

	// Release drops the channel's state for a finalized session.
	Release(key SessionKey)
}
