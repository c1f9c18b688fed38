package supervisor

import (
	"context"
	"errors"

	"github.com/csiro-workspace/workspace-go/internal/model"
)

// dispatch routes a single channel event to the owning session. Events for
// unknown keys are dropped; the engine may still be flushing after release.
func (r *Registry) dispatch(ev Event) {
	r.mu.Lock()
	s, ok := r.sessions[ev.Key]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("event for unknown session key", "key", int(ev.Key), "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case EventSuccess:
		eventsTotal.WithLabelValues(ev.Kind).Inc()
		r.dispatchRun(s, ev, true)
	case EventFailed:
		eventsTotal.WithLabelValues(ev.Kind).Inc()
		r.dispatchRun(s, ev, false)
	case EventError:
		eventsTotal.WithLabelValues(ev.Kind).Inc()
		r.dispatchError(s, ev)
	case EventWatch:
		eventsTotal.WithLabelValues(ev.Kind).Inc()
		r.dispatchWatch(s, ev)
	case EventList:
		eventsTotal.WithLabelValues(ev.Kind).Inc()
		r.dispatchList(s, ev)
	default:
		// The kind string comes off the wire; an arbitrary value must not
		// become a new metric label.
		eventsTotal.WithLabelValues(eventKindUnknown).Inc()
		r.logger.Warn("unrecognized event kind", "session", s.id, "kind", ev.Kind)
	}
}

func (r *Registry) dispatchRun(s *Session, ev Event, success bool) {
	s.mu.Lock()
	var handler RunHandler
	if success {
		handler = s.onSuccess
	} else {
		handler = s.onFailed
	}
	// A once run is over on its first completion event. A continuous run
	// keeps its record open until Stop or Terminate closes it.
	var runID string
	if s.state == StateRunningOnce {
		s.state = StateIdle
		runID = s.runID
		s.runID = ""
	}
	waiters := s.runWaiters
	s.runWaiters = nil
	s.mu.Unlock()

	if runID != "" {
		status := model.StatusSucceeded
		if !success {
			status = model.StatusFailed
		}
		r.journalRunEnded(runID, status, ev.Message)
	}

	handled := true
	if handler != nil {
		handled = r.invoke(s, func() bool { return handler(s) })
	}
	r.ack(ev, handled)

	for _, w := range waiters {
		w <- success
	}
}

func (r *Registry) dispatchError(s *Session, ev Event) {
	var err error
	if ev.Item != "" {
		err = &ItemNotFoundError{Name: ev.Item}
	} else {
		err = errors.New(ev.Message)
	}

	s.mu.Lock()
	handler := s.onError
	s.mu.Unlock()

	handled := true
	if handler != nil {
		handled = r.invoke(s, func() bool { return handler(s, err) })
	} else {
		r.logger.Error("engine reported error", "session", s.id, "error", err)
	}
	r.ack(ev, handled)
}

func (r *Registry) dispatchWatch(s *Session, ev Event) {
	wl, err := ParseWatchList(ev.Payload)
	if err != nil {
		r.logger.Warn("malformed watch event payload", "session", s.id, "error", err)
		return
	}

	s.mu.Lock()
	entry, ok := s.watches[wl.ID]
	if ok && entry.autoDelete {
		// Removed before the handler runs so a re-entrant registration under
		// the same id is not clobbered afterwards.
		delete(s.watches, wl.ID)
	}
	s.mu.Unlock()

	if !ok {
		// Cancelled or already auto-deleted; the event is stale.
		return
	}

	handled := true
	if entry.handler != nil {
		handled = r.invoke(s, func() bool { return entry.handler(s, wl) })
	}
	r.ack(ev, handled)
}

func (r *Registry) dispatchList(s *Session, ev Event) {
	s.mu.Lock()
	handler, ok := s.listSlots[ev.Category]
	delete(s.listSlots, ev.Category)
	s.mu.Unlock()

	if !ok {
		// The slot was overwritten by a later query; this reply is orphaned.
		r.logger.Debug("list reply with no pending query", "session", s.id, "category", ev.Category)
		return
	}

	wl, err := ParseWatchList(ev.Payload)
	if err != nil {
		r.logger.Warn("malformed list reply payload", "session", s.id, "error", err)
		return
	}

	handled := true
	if handler != nil {
		handled = r.invoke(s, func() bool { return handler(s, wl) })
	}
	r.ack(ev, handled)
}

// invoke runs a handler with panic recovery. A panicking handler counts as
// handled so the engine is never left waiting on an acknowledgement.
func (r *Registry) invoke(s *Session, fn func() bool) (handled bool) {
	defer func() {
		if rec := recover(); rec != nil {
			handlerPanics.Inc()
			r.logger.Error("handler panic", "session", s.id, "panic", rec)
			handled = true
		}
	}()
	return fn()
}

func (r *Registry) ack(ev Event, handled bool) {
	if err := r.ch.Ack(ev, handled); err != nil {
		r.logger.Warn("ack event", "key", int(ev.Key), "seq", ev.Seq, "error", err)
	}
}

// Journal write failures are logged and otherwise ignored; the journal is an
// audit trail, not a dependency of the supervision path.

func (r *Registry) journalSessionStarted(sessionID string, key int, file string) {
	if r.journal == nil {
		return
	}
	if err := r.journal.SessionStarted(context.Background(), sessionID, key, file); err != nil {
		r.logger.Warn("journal session start", "session", sessionID, "error", err)
	}
}

func (r *Registry) journalSessionEnded(sessionID string) {
	if r.journal == nil {
		return
	}
	if err := r.journal.SessionEnded(context.Background(), sessionID); err != nil {
		r.logger.Warn("journal session end", "session", sessionID, "error", err)
	}
}

func (r *Registry) journalRunStarted(runID, sessionID, mode string) {
	if r.journal == nil {
		return
	}
	if err := r.journal.RunStarted(context.Background(), runID, sessionID, mode); err != nil {
		r.logger.Warn("journal run start", "run", runID, "error", err)
	}
}

func (r *Registry) journalRunEnded(runID, status, message string) {
	runsTotal.WithLabelValues(status).Inc()
	if r.journal == nil {
		return
	}
	if err := r.journal.RunEnded(context.Background(), runID, status, message); err != nil {
		r.logger.Warn("journal run end", "run", runID, "error", err)
	}
}
