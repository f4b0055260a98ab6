package widget

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agency-uplink/internal/chat"
)

// Registry tracks the live controller for each visitor tab.
type Registry struct {
	factory *Factory
	auditor *Auditor
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]map[string]*entry
}

type entry struct {
	ctrl    *chat.Controller
	mount   Mount
	detach  func()
	onEvict func()
}

// NewRegistry creates an empty registry.
func NewRegistry(factory *Factory, auditor *Auditor, logger *slog.Logger) *Registry {
	if auditor == nil {
		auditor = NewAuditor(nil, nil, logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory: factory,
		auditor: auditor,
		logger:  logger,
		active:  make(map[string]map[string]*entry),
	}
}

// Lookup returns the controller for a visitor tab, or nil.
func (r *Registry) Lookup(visitorID, sessionID string) *chat.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.getLocked(visitorID, sessionID); e != nil {
		return e.ctrl
	}
	return nil
}

// Acquire returns the controller for a visitor tab, creating one on first
// use.
func (r *Registry) Acquire(visitorID, sessionID, transport string) (*chat.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.getLocked(visitorID, sessionID); e != nil {
		return e.ctrl, false
	}

	ctrl := r.factory.New("")
	m := Mount{VisitorID: visitorID, SessionID: sessionID, WidgetID: ctrl.ID(), Transport: transport}
	r.putLocked(&entry{ctrl: ctrl, mount: m, detach: r.auditor.Attach(ctrl, m)})
	return ctrl, true
}

// Mount creates a fresh controller bound to a connection. Any controller
// already registered for the tab is closed and its onEvict runs.
func (r *Registry) Mount(visitorID, sessionID, transport string, onEvict func()) *chat.Controller {
	ctrl := r.factory.New("")
	m := Mount{VisitorID: visitorID, SessionID: sessionID, WidgetID: ctrl.ID(), Transport: transport}
	e := &entry{ctrl: ctrl, mount: m, detach: r.auditor.Attach(ctrl, m), onEvict: onEvict}

	r.mu.Lock()
	old := r.getLocked(visitorID, sessionID)
	r.putLocked(e)
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("Widget replaced", "visitor_id", visitorID, "session_id", sessionID, "widget_id", old.mount.WidgetID)
		r.teardown(old)
	}
	return ctrl
}

// Release closes ctrl and unregisters it if it is still the tab's current
// controller. A stale release leaves the newer controller alone.
func (r *Registry) Release(visitorID, sessionID string, ctrl *chat.Controller) {
	r.mu.Lock()
	e := r.getLocked(visitorID, sessionID)
	if e == nil || e.ctrl != ctrl {
		r.mu.Unlock()
		ctrl.Close()
		return
	}
	r.deleteLocked(visitorID, sessionID)
	r.mu.Unlock()

	e.onEvict = nil
	r.teardown(e)
}

// Remove closes the controller for a visitor tab. It reports whether one
// existed.
func (r *Registry) Remove(visitorID, sessionID string) bool {
	r.mu.Lock()
	e := r.getLocked(visitorID, sessionID)
	if e != nil {
		r.deleteLocked(visitorID, sessionID)
	}
	r.mu.Unlock()

	if e == nil {
		return false
	}
	r.teardown(e)
	return true
}

// CloseVisitor closes every controller a visitor owns.
func (r *Registry) CloseVisitor(visitorID string) int {
	r.mu.Lock()
	sessions := r.active[visitorID]
	delete(r.active, visitorID)
	r.mu.Unlock()

	for _, e := range sessions {
		r.teardown(e)
	}
	return len(sessions)
}

// ReapIdle closes controllers whose last input is older than ttl. A
// controller with a send in flight is left alone.
func (r *Registry) ReapIdle(now time.Time, ttl time.Duration) []Mount {
	r.mu.Lock()
	var candidates []*entry
	for _, sessions := range r.active {
		for _, e := range sessions {
			candidates = append(candidates, e)
		}
	}
	r.mu.Unlock()

	// Controllers are inspected without r.mu; Status delivers events.
	var victims []*entry
	for _, e := range candidates {
		if now.Sub(e.ctrl.LastActive()) < ttl || e.ctrl.Status().Pending {
			continue
		}
		r.mu.Lock()
		if r.getLocked(e.mount.VisitorID, e.mount.SessionID) == e {
			r.deleteLocked(e.mount.VisitorID, e.mount.SessionID)
			victims = append(victims, e)
		}
		r.mu.Unlock()
	}

	mounts := make([]Mount, 0, len(victims))
	for _, e := range victims {
		r.teardown(e)
		mounts = append(mounts, e.mount)
	}
	return mounts
}

// Len reports the number of live controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sessions := range r.active {
		n += len(sessions)
	}
	return n
}

// CloseAll tears down every controller.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	active := r.active
	r.active = make(map[string]map[string]*entry)
	r.mu.Unlock()

	for _, sessions := range active {
		for _, e := range sessions {
			r.teardown(e)
		}
	}
}

func (r *Registry) getLocked(visitorID, sessionID string) *entry {
	if sessions, ok := r.active[visitorID]; ok {
		return sessions[sessionID]
	}
	return nil
}

func (r *Registry) putLocked(e *entry) {
	if _, ok := r.active[e.mount.VisitorID]; !ok {
		r.active[e.mount.VisitorID] = make(map[string]*entry)
	}
	r.active[e.mount.VisitorID][e.mount.SessionID] = e
}

func (r *Registry) deleteLocked(visitorID, sessionID string) {
	if sessions, ok := r.active[visitorID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.active, visitorID)
		}
	}
}

// teardown closes the controller before detaching so the auditor sees the
// closed event.
func (r *Registry) teardown(e *entry) {
	e.ctrl.Close()
	if e.detach != nil {
		e.detach()
	}
	if e.onEvict != nil {
		e.onEvict()
	}
	r.logger.Debug("Widget controller closed",
		"visitor_id", e.mount.VisitorID,
		"session_id", e.mount.SessionID,
		"widget_id", e.mount.WidgetID,
	)
}
