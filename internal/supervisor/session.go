package supervisor

import (
	"errors"
	"sync"
	"time"

	"github.com/csiro-workspace/workspace-go/internal/model"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateSpawning State = iota
	StateConnected
	StateIdle
	StateRunningOnce
	StateRunningContinuous
	StateStopped
	StateTerminating
	StateTerminated
)

var stateNames = map[State]string{
	StateSpawning:          "spawning",
	StateConnected:         "connected",
	StateIdle:              "idle",
	StateRunningOnce:       "running_once",
	StateRunningContinuous: "running_continuous",
	StateStopped:           "stopped",
	StateTerminating:       "terminating",
	StateTerminated:        "terminated",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Handler signatures. Every handler is invoked from the polling call stack
// and its boolean result is forwarded to the control channel as the
// acknowledgement for the event that triggered it.
type (
	// RunHandler receives run completion notifications (success or failure).
	RunHandler func(*Session) bool

	// ErrorHandler receives runtime workflow errors. The error is an
	// *ItemNotFoundError when the engine reported an invalid input, output
	// or global name reference.
	ErrorHandler func(*Session, error) bool

	// WatchHandler receives a resolved watch list once every monitored item
	// is up to date.
	WatchHandler func(*Session, *WatchList) bool

	// ListHandler receives the result of a list query.
	ListHandler func(*Session, *WatchList) bool
)

type watchEntry struct {
	handler    WatchHandler
	autoDelete bool
}

// Session is one supervised engine process: its channel identity, child
// process handle, registered completion handlers, watch registry and
// list-query slots. Sessions are created with Registry.Open and live until
// their process is confirmed exited.
type Session struct {
	id   string
	file string
	reg  *Registry

	// Guards everything below. Never held while a caller-supplied handler
	// runs, so handlers may freely issue session commands.
	mu         sync.Mutex
	key        ID
	state      State
	proc       Process
	onSuccess  RunHandler
	onFailed   RunHandler
	onError    ErrorHandler
	watches    map[string]watchEntry
	listSlots  map[string]ListHandler
	runWaiters []chan bool
	runID      string
	runMode    string
	runStarted time.Time
}

// ID returns the session's supervisor-assigned identifier.
func (s *Session) ID() string {
	return s.id
}

// File returns the workflow file or URL the engine was started with.
func (s *Session) File() string {
	return s.file
}

// Key returns the channel identity assigned at connect.
func (s *Session) Key() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the engine process id, or 0 before spawn.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// OnSuccess registers the handler invoked when the workflow completes
// successfully. Passing nil clears it.
func (s *Session) OnSuccess(h RunHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSuccess = h
}

// OnFailed registers the handler invoked when the workflow fails to execute.
// Passing nil clears it.
func (s *Session) OnFailed(h RunHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailed = h
}

// OnError registers the handler invoked when the engine reports a runtime
// error. Runtime errors are non-fatal to the session. Passing nil clears it.
func (s *Session) OnError(h ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = h
}

// RunOnce asks the engine to execute the workflow until it completes or
// fails. Completion is reported through the success/failed handlers, never
// through this call.
func (s *Session) RunOnce() error {
	return s.startRun(model.ModeOnce)
}

// RunContinuously asks the engine to execute the workflow and then re-run
// automatically whenever an input or global value changes, until Stop.
func (s *Session) RunContinuously() error {
	return s.startRun(model.ModeContinuous)
}

func (s *Session) startRun(mode string) error {
	s.mu.Lock()
	if s.state == StateTerminating || s.state == StateTerminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	key := s.key.Key
	prevRun := s.runID
	s.runID = model.NewID()
	s.runMode = mode
	s.runStarted = time.Now().UTC()
	if mode == model.ModeOnce {
		s.state = StateRunningOnce
	} else {
		s.state = StateRunningContinuous
	}
	runID := s.runID
	s.mu.Unlock()

	// A re-run issued while an earlier run record was still open closes the
	// old record; the engine abandons the old execution either way.
	if prevRun != "" {
		s.reg.journalRunEnded(prevRun, model.StatusStopped, "superseded by new run")
	}
	s.reg.journalRunStarted(runID, s.id, mode)

	var err error
	if mode == model.ModeOnce {
		err = s.reg.ch.RunOnce(key)
	} else {
		err = s.reg.ch.RunContinuously(key)
	}
	return err
}

// Stop asks the engine to halt execution. The engine may not stop
// immediately; inputs and globals may still be set afterwards and execution
// can resume with RunOnce or RunContinuously.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == StateTerminating || s.state == StateTerminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	key := s.key.Key
	runID := s.runID
	s.runID = ""
	if s.state == StateRunningOnce || s.state == StateRunningContinuous {
		s.state = StateStopped
	}
	s.mu.Unlock()

	if runID != "" {
		s.reg.journalRunEnded(runID, model.StatusStopped, "")
	}
	return s.reg.ch.Stop(key)
}

// Terminate asks the engine process to shut down and enqueues the session
// for escalation: if the process has not exited by the configured timeout it
// is force-killed on a later poll. Safe to call more than once.
func (s *Session) Terminate() error {
	s.mu.Lock()
	if s.state == StateTerminating || s.state == StateTerminated {
		s.mu.Unlock()
		return nil
	}
	key := s.key.Key
	s.state = StateTerminating
	s.mu.Unlock()

	err := s.reg.ch.Terminate(key)
	// Enqueue even when the terminate command could not be delivered: the
	// escalation sweep is what guarantees the process gets reaped.
	s.reg.enqueueTermination(s)
	return err
}

// SetInput assigns serialized content to the named top-level input. Applied
// by the engine as soon as it is safe to do so; an invalid name surfaces
// later through the error handler as an *ItemNotFoundError.
func (s *Session) SetInput(name, value string) error {
	s.mu.Lock()
	if s.state == StateTerminating || s.state == StateTerminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	key := s.key.Key
	s.mu.Unlock()
	return s.reg.ch.SetInput(key, name, value)
}

// SetGlobalName assigns serialized content to the input bound to the given
// global name.
func (s *Session) SetGlobalName(name, value string) error {
	s.mu.Lock()
	if s.state == StateTerminating || s.state == StateTerminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	key := s.key.Key
	s.mu.Unlock()
	return s.reg.ch.SetGlobalName(key, name, value)
}

// Watch registers handler under the watch list's id and asks the engine to
// monitor its items. Once every item is up to date the handler fires with
// the resolved list. With autoDelete the registration is removed immediately
// before that first delivery, so the handler can never fire twice.
// Registering a second watch under an id that is already registered replaces
// the previous handler. Returns the watch id, or an empty id and an error
// when the underlying registration fails.
func (s *Session) Watch(handler WatchHandler, wl *WatchList, autoDelete bool) (string, error) {
	if handler == nil {
		return "", errors.New("watch: nil handler")
	}
	if wl == nil || wl.ID == "" {
		return "", ErrNoWatchID
	}

	s.mu.Lock()
	if s.state == StateTerminating || s.state == StateTerminated {
		s.mu.Unlock()
		return "", ErrTerminated
	}
	key := s.key.Key
	s.watches[wl.ID] = watchEntry{handler: handler, autoDelete: autoDelete}
	s.mu.Unlock()

	if err := s.reg.ch.Watch(key, wl, autoDelete); err != nil {
		s.mu.Lock()
		delete(s.watches, wl.ID)
		s.mu.Unlock()
		return "", err
	}
	return wl.ID, nil
}

// CancelWatch removes the registration for watchID and asks the engine to
// stop watching. Idempotent: cancelling an unknown or already auto-deleted
// id is a no-op.
func (s *Session) CancelWatch(watchID string) error {
	s.mu.Lock()
	if s.state == StateTerminating || s.state == StateTerminated {
		s.mu.Unlock()
		return nil
	}
	key := s.key.Key
	delete(s.watches, watchID)
	s.mu.Unlock()
	return s.reg.ch.CancelWatch(key, watchID)
}

// ListInputs requests the engine's declared inputs; callback fires with the
// result on a later poll. Each category holds at most one outstanding query:
// issuing a second request before the first resolves overwrites the slot and
// the first request's delivery is dropped when it arrives.
func (s *Session) ListInputs(callback ListHandler) error {
	return s.list(CategoryInputs, callback)
}

// ListOutputs requests the engine's declared outputs. See ListInputs for the
// single-outstanding-query semantics.
func (s *Session) ListOutputs(callback ListHandler) error {
	return s.list(CategoryOutputs, callback)
}

// ListGlobalNames requests the engine's global name bindings. See ListInputs
// for the single-outstanding-query semantics.
func (s *Session) ListGlobalNames(callback ListHandler) error {
	return s.list(CategoryGlobalNames, callback)
}

func (s *Session) list(category string, callback ListHandler) error {
	if callback == nil {
		return errors.New("list: nil callback")
	}
	s.mu.Lock()
	if s.state == StateTerminating || s.state == StateTerminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	key := s.key.Key
	s.listSlots[category] = callback
	s.mu.Unlock()
	return s.reg.ch.List(key, category)
}

func (s *Session) procExited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc == nil || s.proc.Exited()
}
