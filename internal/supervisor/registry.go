package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/csiro-workspace/workspace-go/internal/model"
)

const (
	// defaultTerminateTimeout bounds how long a terminating engine process
	// may linger before it is force-killed.
	defaultTerminateTimeout = 10 * time.Second

	// defaultRunOnceTimeout bounds a blocking single-run wait when the
	// caller supplies no deadline.
	defaultRunOnceTimeout = 10 * time.Second

	// loopPollTimeout is the channel drain timeout used by the event loop.
	loopPollTimeout = 50 * time.Millisecond

	// closeDrainTimeout is the slack granted beyond the termination timeout
	// when Close drains the registry.
	closeDrainTimeout = 2 * time.Second
)

// Options configures a Registry.
type Options struct {
	// Channel is the control connection to engine processes. Required.
	Channel Channel

	// Spawn launches engine processes. Required for Open.
	Spawn SpawnFunc

	// Logger receives dispatch failures and lifecycle messages. Defaults to
	// a logger that discards everything.
	Logger *slog.Logger

	// Journal, when non-nil, records session and run transitions.
	Journal Journal

	// TerminateTimeout overrides the default force-kill escalation timeout.
	TerminateTimeout time.Duration

	// RunOnceTimeout bounds RunOnceAndWait calls whose context carries no
	// deadline of its own.
	RunOnceTimeout time.Duration
}

type termRecord struct {
	at   time.Time
	sess *Session
}

// Registry is the process-wide table of live sessions plus the queue of
// sessions pending forced termination. All registry mutation happens inside
// the polling call stack; the internal mutexes exist so that commands and
// polling may safely run on different goroutines.
type Registry struct {
	ch             Channel
	spawn          SpawnFunc
	logger         *slog.Logger
	journal        Journal
	termTimeout    time.Duration
	runOnceTimeout time.Duration
	broker         *OutputBroker

	// openMu serializes spawn and connect handshake across Open calls. The
	// hello frame carries no identity, so the connection accepted during
	// ListenAndWait belongs to whichever engine dialed first; interleaved
	// opens would cross-wire sessions and processes.
	openMu sync.Mutex

	mu          sync.Mutex
	sessions    map[SessionKey]*Session
	byID        map[string]*Session
	terminating []termRecord

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	loopActive atomic.Bool
}

// NewRegistry creates a registry over the given control channel.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Channel == nil {
		return nil, errors.New("registry: nil channel")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	termTimeout := opts.TerminateTimeout
	if termTimeout <= 0 {
		termTimeout = defaultTerminateTimeout
	}
	runOnceTimeout := opts.RunOnceTimeout
	if runOnceTimeout <= 0 {
		runOnceTimeout = defaultRunOnceTimeout
	}
	return &Registry{
		ch:             opts.Channel,
		spawn:          opts.Spawn,
		logger:         logger,
		journal:        opts.Journal,
		termTimeout:    termTimeout,
		runOnceTimeout: runOnceTimeout,
		broker:         NewOutputBroker(),
		sessions:       make(map[SessionKey]*Session),
		byID:           make(map[string]*Session),
	}, nil
}

// Broker returns the engine output broker for streaming subscription.
func (r *Registry) Broker() *OutputBroker {
	return r.broker
}

// Open spawns an engine process for the workflow file and blocks until the
// engine connects back or the wait fails. On success the session is
// registered and ready for commands. On connect failure the spawned process
// is killed and an error wrapping ErrConnect is returned.
func (r *Registry) Open(ctx context.Context, file string) (*Session, error) {
	if r.spawn == nil {
		return nil, errors.New("registry: no spawn function configured")
	}

	s := &Session{
		id:        model.NewID(),
		file:      file,
		reg:       r,
		state:     StateSpawning,
		watches:   make(map[string]watchEntry),
		listSlots: make(map[string]ListHandler),
	}

	// One spawn-and-handshake at a time; see openMu.
	r.openMu.Lock()
	defer r.openMu.Unlock()

	proc, err := r.spawn(file, r.broker.Writer(s.id))
	if err != nil {
		return nil, fmt.Errorf("spawn engine for %q: %w", file, err)
	}
	s.proc = proc

	id, err := r.ch.ListenAndWait(ctx)
	if err != nil {
		// The engine never reached us; the process is of no further use.
		if killErr := proc.Kill(); killErr != nil {
			r.logger.Warn("kill unconnected engine", "session", s.id, "error", killErr)
		}
		r.broker.Close(s.id)
		return nil, fmt.Errorf("%w: workflow %q: %v", ErrConnect, file, err)
	}

	s.mu.Lock()
	s.key = id
	s.state = StateConnected
	s.mu.Unlock()

	r.mu.Lock()
	r.sessions[id.Key] = s
	r.byID[s.id] = s
	r.mu.Unlock()

	activeSessions.Inc()
	r.journalSessionStarted(s.id, int(id.Key), file)
	r.logger.Info("session connected",
		"session", s.id,
		"key", int(id.Key),
		"file", file,
		"pid", proc.PID(),
	)
	return s, nil
}

// Get returns the live session with the given supervisor id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Poll drains the control channel for all sessions, dispatches each pending
// event to its registered handler, then sweeps the termination queue.
// Handlers for a given session fire in the order the channel reports them
// within a single call.
func (r *Registry) Poll(timeout time.Duration) {
	start := time.Now()
	for _, ev := range r.ch.Poll(timeout) {
		r.dispatch(ev)
	}
	r.sweepTerminating()
	pollDuration.Observe(time.Since(start).Seconds())
}

// StartEventLoop launches a goroutine that repeatedly invokes the same drain
// primitive as Poll. onStart, when non-nil, is invoked once the loop is
// running. At most one of manual polling and the event loop should be active
// for a registry; starting a second loop is an error.
func (r *Registry) StartEventLoop(onStart func()) error {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.loopCancel != nil {
		return errors.New("event loop already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.loopCancel = cancel
	r.loopDone = done
	r.loopActive.Store(true)

	go func() {
		defer close(done)
		if onStart != nil {
			onStart()
		}
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			r.Poll(loopPollTimeout)
		}
	}()
	return nil
}

// StopEventLoop stops the event loop if it is running and waits for the
// in-flight tick to finish.
func (r *Registry) StopEventLoop() {
	r.loopMu.Lock()
	cancel := r.loopCancel
	done := r.loopDone
	r.loopCancel = nil
	r.loopDone = nil
	r.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.loopActive.Store(false)
}

func (r *Registry) loopRunning() bool {
	return r.loopActive.Load()
}

// Close terminates every live session and polls until each engine process is
// reaped or the escalation deadline passes. The event loop is stopped first
// so the drain below is the only poller.
func (r *Registry) Close() error {
	r.StopEventLoop()

	for _, s := range r.Sessions() {
		if err := s.Terminate(); err != nil {
			r.logger.Warn("terminate on close", "session", s.id, "error", err)
		}
	}

	deadline := time.Now().Add(r.termTimeout + closeDrainTimeout)
	for {
		r.mu.Lock()
		remaining := len(r.terminating)
		r.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("close: %d session(s) not reaped before deadline", remaining)
		}
		r.Poll(10 * time.Millisecond)
	}
}

func (r *Registry) enqueueTermination(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.terminating {
		if rec.sess == s {
			return
		}
	}
	r.terminating = append(r.terminating, termRecord{at: time.Now(), sess: s})
}

// sweepTerminating walks the pending-termination queue: sessions whose
// process exited are finalized, sessions past the timeout are force-killed
// exactly once and finalized, everything else stays queued.
func (r *Registry) sweepTerminating() {
	now := time.Now()

	r.mu.Lock()
	var keep []termRecord
	var exited, overdue []*Session
	for _, rec := range r.terminating {
		switch {
		case rec.sess.procExited():
			exited = append(exited, rec.sess)
		case now.Sub(rec.at) > r.termTimeout:
			overdue = append(overdue, rec.sess)
		default:
			keep = append(keep, rec)
		}
	}
	r.terminating = keep
	r.mu.Unlock()

	for _, s := range exited {
		r.finalize(s)
	}
	for _, s := range overdue {
		r.logger.Warn("engine did not exit before timeout, killing",
			"session", s.id,
			"pid", s.PID(),
			"timeout", r.termTimeout,
		)
		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()
		if proc != nil {
			if err := proc.Kill(); err != nil {
				r.logger.Error("kill engine process", "session", s.id, "error", err)
			}
		}
		forcedKills.Inc()
		r.finalize(s)
	}
}

// finalize releases a session's handler references, resolves any blocked
// adapters, removes it from the registry and records the end of its life.
func (r *Registry) finalize(s *Session) {
	s.mu.Lock()
	key := s.key.Key
	s.state = StateTerminated
	s.onSuccess = nil
	s.onFailed = nil
	s.onError = nil
	s.watches = make(map[string]watchEntry)
	s.listSlots = make(map[string]ListHandler)
	runID := s.runID
	s.runID = ""
	waiters := s.runWaiters
	s.runWaiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		w <- false
	}
	if runID != "" {
		r.journalRunEnded(runID, model.StatusKilled, "session terminated")
	}

	r.ch.Release(key)

	r.mu.Lock()
	delete(r.sessions, key)
	delete(r.byID, s.id)
	r.mu.Unlock()

	r.broker.Close(s.id)
	activeSessions.Dec()
	r.journalSessionEnded(s.id)
	r.logger.Info("session finalized", "session", s.id, "key", int(key))
}
