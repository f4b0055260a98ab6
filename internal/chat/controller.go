package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	DefaultFailureThreshold    = 3
	DefaultCooldownDwell       = 30 * time.Second
	DefaultCredentialPrefix    = "AIza"
	DefaultCredentialMinLength = 20
)

var errControllerClosed = errors.New("controller closed")

// Options configures a Controller. Zero values fall back to the defaults
// above, a round-robin selector, the system clock and DefaultLines.
type Options struct {
	// ID identifies the widget mount in logs.
	ID string
	// Connector opens sessions with the completion service. A nil connector
	// behaves like a missing credential.
	Connector Connector
	// Credential is the pre-provisioned key read at startup. A captured
	// runtime key takes precedence over it.
	Credential string

	Lines    Lines
	Selector Selector
	Clock    Clock
	Logger   *slog.Logger

	// Greet seeds the transcript with Lines.Greeting.
	Greet bool
	// Streaming appends the reply as chunks arrive instead of once at the end.
	Streaming bool

	FailureThreshold    int
	CooldownDwell       time.Duration
	OfflineDelay        time.Duration
	CredentialPrefix    string
	CredentialMinLength int
}

func (o *Options) applyDefaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.CooldownDwell <= 0 {
		o.CooldownDwell = DefaultCooldownDwell
	}
	if o.CredentialPrefix == "" {
		o.CredentialPrefix = DefaultCredentialPrefix
	}
	if o.CredentialMinLength <= 0 {
		o.CredentialMinLength = DefaultCredentialMinLength
	}
	if o.Selector == nil {
		o.Selector = &RoundRobin{}
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Lines.FailureLabels == nil && o.Lines.DefaultErrorLabel == "" {
		o.Lines = DefaultLines()
	}
}

// Controller is the session controller for one widget mount. All state
// changes are serialised through mu; subscribers are notified in the order
// changes were applied.
type Controller struct {
	opts Options
	log  *slog.Logger

	mu            sync.Mutex
	transcript    []Message
	pending       bool
	failures      int
	cooldownUntil time.Time
	cooldownTimer Timer
	cooldownGen   uint64
	credential    string
	session       Session
	sessionCred   string
	closed        bool
	cancelSend    context.CancelFunc
	lastActive    time.Time

	subs     map[int]func(Event)
	nextSub  int
	outbox   []Event
	draining bool
}

// New creates a controller in the Idle state.
func New(opts Options) *Controller {
	opts.applyDefaults()
	c := &Controller{
		opts: opts,
		log:  opts.Logger.With("widget_id", opts.ID),
		subs: make(map[int]func(Event)),
	}
	c.lastActive = opts.Clock.Now()
	if opts.Greet && opts.Lines.Greeting != "" {
		c.appendLocked(RoleAssistant, KindGreeting, opts.Lines.Greeting)
		c.outbox = nil
	}
	return c
}

// ID returns the widget mount identifier.
func (c *Controller) ID() string { return c.opts.ID }

// Subscribe registers fn for events and returns a function that removes it.
// fn runs without the controller lock held, but it must not block for long:
// it delays delivery of later events.
func (c *Controller) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Submit handles one visitor input. It blocks until the turn is resolved
// and reports how. Inputs arriving while a send is pending or during
// cooldown are rejected, not queued.
func (c *Controller) Submit(ctx context.Context, text string) Outcome {
	trimmed := strings.TrimSpace(text)

	c.mu.Lock()
	now := c.opts.Clock.Now()
	c.expireCooldownLocked(now)
	if c.closed || trimmed == "" || c.stateLocked() != StateIdle {
		c.mu.Unlock()
		return OutcomeRejected
	}
	c.lastActive = now

	if c.isCredential(trimmed) {
		c.credential = trimmed
		c.dropSessionLocked()
		c.appendLocked(RoleAssistant, KindNotice, c.opts.Lines.CredentialStored)
		c.emitLocked(Event{Type: EventTurnResolved, Outcome: OutcomeCredentialStored})
		c.log.Info("runtime credential stored")
		c.flushLocked()
		return OutcomeCredentialStored
	}

	c.appendLocked(RoleUser, KindUser, text)
	c.pending = true
	c.emitStatusLocked(now)

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelSend = cancel
	credential := c.activeCredentialLocked()
	c.flushLocked()

	if c.opts.Connector == nil || (credential == "" && !suppliesCredential(c.opts.Connector)) {
		return c.resolveOffline(sendCtx, now)
	}

	session, err := c.sessionFor(sendCtx, credential)
	replyIdx, full := -1, ""
	if err == nil {
		replyIdx, full, err = c.receive(sendCtx, session, text)
	}
	return c.resolve(now, replyIdx, full, err)
}

func (c *Controller) resolveOffline(ctx context.Context, started time.Time) Outcome {
	c.waitOffline(ctx)

	c.mu.Lock()
	c.cancelSend = nil
	if c.closed {
		c.mu.Unlock()
		return OutcomeAbandoned
	}
	if lines := c.opts.Lines.Offline; len(lines) > 0 {
		c.appendLocked(RoleAssistant, KindNotice, lines[c.opts.Selector.Pick(len(lines))])
	}
	c.pending = false
	now := c.opts.Clock.Now()
	c.emitStatusLocked(now)
	c.emitLocked(Event{Type: EventTurnResolved, Outcome: OutcomeOffline, Latency: now.Sub(started)})
	c.flushLocked()
	return OutcomeOffline
}

func (c *Controller) waitOffline(ctx context.Context) {
	if c.opts.OfflineDelay <= 0 {
		return
	}
	done := make(chan struct{})
	t := c.opts.Clock.AfterFunc(c.opts.OfflineDelay, func() { close(done) })
	select {
	case <-done:
	case <-ctx.Done():
		t.Stop()
	}
}

// sessionFor returns the live session for credential, connecting a new one
// seeded with the transcript minus the pending user turn.
func (c *Controller) sessionFor(ctx context.Context, credential string) (Session, error) {
	c.mu.Lock()
	if c.session != nil && c.sessionCred == credential {
		s := c.session
		c.mu.Unlock()
		return s, nil
	}
	c.dropSessionLocked()
	history := historyFrom(c.transcript[:len(c.transcript)-1])
	c.mu.Unlock()

	s, err := c.opts.Connector.Connect(ctx, credential, history)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		closeSession(s)
		return nil, errControllerClosed
	}
	c.session = s
	c.sessionCred = credential
	c.log.Debug("completion session opened", "history_turns", len(history))
	return s, nil
}

// receive drains the reply. In streaming mode each chunk is applied to the
// transcript as its own update; replyIdx is the reply message, or -1 if
// nothing was appended yet.
func (c *Controller) receive(ctx context.Context, s Session, text string) (replyIdx int, full string, err error) {
	replyIdx = -1
	var buf strings.Builder
	for chunk, err := range s.Send(ctx, text) {
		if err != nil {
			return replyIdx, buf.String(), err
		}
		buf.WriteString(chunk)
		if !c.opts.Streaming {
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return replyIdx, buf.String(), errControllerClosed
		}
		if replyIdx < 0 {
			replyIdx = c.appendLocked(RoleAssistant, KindReply, chunk)
		} else {
			c.transcript[replyIdx].Text += chunk
			msg := c.transcript[replyIdx]
			c.emitLocked(Event{Type: EventMessageUpdated, Message: &msg})
		}
		c.flushLocked()
	}
	return replyIdx, buf.String(), nil
}

func (c *Controller) resolve(started time.Time, replyIdx int, full string, err error) Outcome {
	c.mu.Lock()
	c.cancelSend = nil
	if c.closed {
		c.mu.Unlock()
		return OutcomeAbandoned
	}

	now := c.opts.Clock.Now()
	latency := now.Sub(started)
	c.pending = false

	if err == nil {
		if replyIdx < 0 {
			c.appendLocked(RoleAssistant, KindReply, full)
		}
		c.failures = 0
		c.emitStatusLocked(now)
		c.emitLocked(Event{Type: EventTurnResolved, Outcome: OutcomeReplied, Latency: latency})
		c.flushLocked()
		return OutcomeReplied
	}

	c.failures++
	category := Classify(err)
	c.log.Warn("completion send failed",
		"category", category,
		"consecutive_failures", c.failures,
		"error", err,
	)

	outcome := OutcomeFailed
	if c.failures >= c.opts.FailureThreshold {
		outcome = OutcomeCooldown
		c.appendLocked(RoleAssistant, KindNotice, c.opts.Lines.CooldownEntered)
		c.enterCooldownLocked(now)
	} else {
		c.appendLocked(RoleAssistant, KindNotice, c.opts.Lines.failureText(category, Describe(err)))
	}
	c.emitStatusLocked(now)
	c.emitLocked(Event{Type: EventTurnResolved, Outcome: outcome, Category: category, Latency: latency})
	c.flushLocked()
	return outcome
}

func (c *Controller) enterCooldownLocked(now time.Time) {
	c.cooldownUntil = now.Add(c.opts.CooldownDwell)
	c.cooldownGen++
	gen := c.cooldownGen
	c.cooldownTimer = c.opts.Clock.AfterFunc(c.opts.CooldownDwell, func() {
		c.onCooldownElapsed(gen)
	})
	c.log.Warn("uplink cooldown entered", "until", c.cooldownUntil)
}

func (c *Controller) onCooldownElapsed(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.cooldownGen || c.cooldownUntil.IsZero() {
		c.mu.Unlock()
		return
	}
	c.leaveCooldownLocked(c.opts.Clock.Now())
	c.flushLocked()
}

// expireCooldownLocked clears a cooldown whose deadline has passed but whose
// timer has not been observed yet.
func (c *Controller) expireCooldownLocked(now time.Time) {
	if c.cooldownUntil.IsZero() || now.Before(c.cooldownUntil) {
		return
	}
	c.leaveCooldownLocked(now)
}

func (c *Controller) leaveCooldownLocked(now time.Time) {
	if c.cooldownTimer != nil {
		c.cooldownTimer.Stop()
		c.cooldownTimer = nil
	}
	c.cooldownGen++
	c.cooldownUntil = time.Time{}
	c.failures = 0
	c.appendLocked(RoleAssistant, KindNotice, c.opts.Lines.BackOnline)
	c.emitStatusLocked(now)
	c.log.Info("uplink cooldown cleared")
}

// ResetCooldown is the manual override for an active cooldown. It reports
// whether a cooldown was cleared.
func (c *Controller) ResetCooldown() bool {
	c.mu.Lock()
	if c.closed || c.cooldownUntil.IsZero() {
		c.mu.Unlock()
		return false
	}
	c.lastActive = c.opts.Clock.Now()
	c.leaveCooldownLocked(c.lastActive)
	c.flushLocked()
	return true
}

// Close tears the controller down: the cooldown timer is released, any
// in-flight send is cancelled and no later event mutates state. It is safe
// to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cooldownTimer != nil {
		c.cooldownTimer.Stop()
		c.cooldownTimer = nil
	}
	c.cooldownGen++
	if c.cancelSend != nil {
		c.cancelSend()
		c.cancelSend = nil
	}
	c.dropSessionLocked()
	c.emitLocked(Event{Type: EventClosed})
	c.log.Debug("controller closed")
	c.flushLocked()
}

// Snapshot returns a copy of the transcript and status flags.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	now := c.opts.Clock.Now()
	if !c.closed {
		c.expireCooldownLocked(now)
	}
	snap := Snapshot{
		Status:     c.statusLocked(now),
		Transcript: append([]Message(nil), c.transcript...),
	}
	c.flushLocked()
	return snap
}

// Status returns the current presentation flags.
func (c *Controller) Status() Status {
	return c.Snapshot().Status
}

// LastActive reports when the controller last accepted input.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *Controller) stateLocked() State {
	switch {
	case c.closed:
		return StateClosed
	case c.pending:
		return StateSending
	case !c.cooldownUntil.IsZero():
		return StateCooldown
	default:
		return StateIdle
	}
}

func (c *Controller) statusLocked(now time.Time) Status {
	st := Status{
		State:         c.stateLocked(),
		Pending:       c.pending,
		Failures:      c.failures,
		HasCredential: c.activeCredentialLocked() != "",
	}
	if !c.cooldownUntil.IsZero() {
		st.Cooldown = true
		st.CooldownUntil = c.cooldownUntil
		if rem := c.cooldownUntil.Sub(now); rem > 0 {
			st.CooldownRemaining = rem
		}
	}
	return st
}

func (c *Controller) activeCredentialLocked() string {
	if c.credential != "" {
		return c.credential
	}
	return c.opts.Credential
}

// isCredential reports whether input looks like an access key rather than
// a question: the fixed prefix, the minimum length and no whitespace.
func (c *Controller) isCredential(input string) bool {
	if !strings.HasPrefix(input, c.opts.CredentialPrefix) || len(input) < c.opts.CredentialMinLength {
		return false
	}
	return strings.IndexFunc(input, unicode.IsSpace) < 0
}

func (c *Controller) dropSessionLocked() {
	if c.session == nil {
		return
	}
	closeSession(c.session)
	c.session = nil
	c.sessionCred = ""
}

func closeSession(s Session) {
	if cl, ok := s.(Closer); ok {
		if err := cl.Close(); err != nil {
			slog.Debug("failed to close completion session", "error", err)
		}
	}
}

func (c *Controller) appendLocked(role Role, kind Kind, text string) int {
	msg := Message{
		Index:     len(c.transcript),
		Role:      role,
		Kind:      kind,
		Text:      text,
		CreatedAt: c.opts.Clock.Now(),
	}
	c.transcript = append(c.transcript, msg)
	c.emitLocked(Event{Type: EventMessageAppended, Message: &msg})
	return msg.Index
}

func (c *Controller) emitStatusLocked(now time.Time) {
	st := c.statusLocked(now)
	c.emitLocked(Event{Type: EventStateChanged, Status: &st})
}

func (c *Controller) emitLocked(ev Event) {
	c.outbox = append(c.outbox, ev)
}

// flushLocked delivers queued events and releases mu. Only one goroutine
// delivers at a time; events queued by others while it runs are picked up
// by its loop, which keeps delivery in mutation order.
func (c *Controller) flushLocked() {
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.outbox) > 0 {
		batch := c.outbox
		c.outbox = nil
		subs := make([]func(Event), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()
		for _, ev := range batch {
			for _, fn := range subs {
				fn(ev)
			}
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

// historyFrom converts transcript messages into session history. Only
// completed exchanges are kept: a user turn is included when a reply
// follows it, so the service always sees alternating roles. User turns
// that never got a reply are dropped, as are the greeting and notices.
func historyFrom(msgs []Message) []Turn {
	var turns []Turn
	var pendingUser *Message
	for i := range msgs {
		m := msgs[i]
		if !m.conversational() {
			continue
		}
		switch m.Kind {
		case KindUser:
			pendingUser = &msgs[i]
		case KindReply:
			if pendingUser == nil {
				continue
			}
			turns = append(turns,
				Turn{Role: RoleUser, Text: pendingUser.Text},
				Turn{Role: RoleAssistant, Text: m.Text},
			)
			pendingUser = nil
		}
	}
	return turns
}
