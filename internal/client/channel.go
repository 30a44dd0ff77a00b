// Package client implements the client core: one resilient connection
// channel per scope, and the session controller that orchestrates them.
package client

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/protocol"
)

// Scope identifies which logical channel a connection and its reconnect
// state belong to.
type Scope string

const (
	ScopeLobby Scope = "lobby"
	ScopeRoom  Scope = "room"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnectScheduled
)

type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventClosed
	EventSendFailed
)

// Event is the tagged variant delivered to the session's dispatch loop.
// Transport failures never cross this boundary as panics or errors in the
// caller; they arrive here as Closed events.
type Event struct {
	Scope    Scope
	Kind     EventKind
	Data     []byte
	Code     int
	Terminal bool
	Err      error
}

// Backoff is the reconnect schedule: the delay doubles per failed attempt
// up to Max and resets to Base on every successful open.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 8 * time.Second}
}

var ErrNotOpen = errors.New("channel not open")

// Channel is one resilient bidirectional stream. All retry state lives here,
// mutated only through its own methods; at most one reconnect timer is
// pending at any time.
type Channel struct {
	scope   Scope
	events  chan<- Event
	backoff Backoff

	// Room-scope connects are gated: they never attempt without a
	// display name. nil for the lobby scope.
	username func() string

	mu     sync.Mutex
	url    string
	ws     *websocket.Conn
	state  State
	delay  time.Duration
	timer  *time.Timer
	manual bool // caller-initiated close in flight; suppresses reconnect
	redial bool // manual room-switch close; reopen immediately
	gen    int  // connection generation; stale reader events are dropped
}

func NewChannel(scope Scope, url string, events chan<- Event, b Backoff, username func() string) *Channel {
	if b.Base <= 0 {
		b = DefaultBackoff()
	}
	return &Channel{
		scope:    scope,
		events:   events,
		backoff:  b,
		username: username,
		url:      url,
		delay:    b.Base,
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryDelay is the delay the next scheduled reconnect would use.
func (c *Channel) RetryDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

// Connect opens the channel if none is open. Non-blocking: the outcome
// arrives as an Open or Closed event.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	c.cancelTimerLocked()
	if c.gated() {
		c.state = StateDisconnected
		c.mu.Unlock()
		log.Debug().Str("module", "client.channel").Str("scope", string(c.scope)).Msg("connect gated: no username")
		return
	}
	c.state = StateConnecting
	c.gen++
	gen, url := c.gen, c.url
	c.mu.Unlock()
	go c.dial(gen, url)
}

// gated reports whether a room-scope connect must not be attempted.
// Callers hold c.mu.
func (c *Channel) gated() bool {
	return c.scope == ScopeRoom && c.username != nil && c.username() == ""
}

func (c *Channel) dial(gen int, url string) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	if err != nil {
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.events <- Event{Scope: c.scope, Kind: EventClosed, Err: err}
		return
	}
	if c.gated() {
		// Opened without a display name; close immediately.
		c.state = StateDisconnected
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.state = StateOpen
	c.delay = c.backoff.Base
	c.mu.Unlock()
	log.Info().Str("module", "client.channel").Str("scope", string(c.scope)).Str("url", url).Msg("channel open")
	c.events <- Event{Scope: c.scope, Kind: EventOpen}
	go c.readLoop(gen, ws)
}

func (c *Channel) readLoop(gen int, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleClosed(gen, err)
			return
		}
		c.events <- Event{Scope: c.scope, Kind: EventMessage, Data: data}
	}
}

func (c *Channel) handleClosed(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.ws = nil

	if c.redial {
		// Manual room-switch close: re-open against the new target at
		// once, no delayed retry.
		c.redial, c.manual = false, false
		c.state = StateConnecting
		c.gen++
		g, url := c.gen, c.url
		c.mu.Unlock()
		go c.dial(g, url)
		return
	}
	if c.manual {
		c.manual = false
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}

	code := websocket.CloseNoStatusReceived
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
	}
	if protocol.TerminalClose(code) {
		c.state = StateDisconnected
		c.mu.Unlock()
		log.Warn().Str("module", "client.channel").Str("scope", string(c.scope)).Int("code", code).Msg("terminal close, not reconnecting")
		c.events <- Event{Scope: c.scope, Kind: EventClosed, Code: code, Terminal: true, Err: err}
		return
	}
	c.scheduleReconnectLocked()
	c.mu.Unlock()
	c.events <- Event{Scope: c.scope, Kind: EventClosed, Code: code, Err: err}
}

// scheduleReconnectLocked arms the single retry timer. Callers hold c.mu.
func (c *Channel) scheduleReconnectLocked() {
	c.state = StateReconnectScheduled
	d := c.delay
	c.delay = nextDelay(c.delay, c.backoff.Max)
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		// The timer fires at most once and is cleared before any
		// state mutation.
		c.timer = nil
		if c.state != StateReconnectScheduled || c.gated() {
			c.state = StateDisconnected
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.gen++
		gen, url := c.gen, c.url
		c.mu.Unlock()
		c.dial(gen, url)
	})
	log.Debug().Str("module", "client.channel").Str("scope", string(c.scope)).Dur("delay", d).Msg("reconnect scheduled")
}

func nextDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	return d
}

func (c *Channel) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.state == StateReconnectScheduled {
		c.state = StateDisconnected
	}
}

// Send transmits one envelope if the channel is open; otherwise it signals
// send-failed and reports ErrNotOpen. The write happens on a local copy of
// the conn, outside the lock, so a slow peer stalls only the sender and
// never Connect, Close or the retry machinery. The session's dispatch loop
// is the single caller, which keeps writes serialized.
func (c *Channel) Send(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	open := c.state == StateOpen && ws != nil
	c.mu.Unlock()
	if !open {
		c.events <- Event{Scope: c.scope, Kind: EventSendFailed, Err: ErrNotOpen}
		return ErrNotOpen
	}
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.events <- Event{Scope: c.scope, Kind: EventSendFailed, Err: err}
		return err
	}
	return nil
}

// Close performs a caller-initiated close: pending reconnects are cancelled
// and the resulting transport close does not trigger the retry machinery.
func (c *Channel) Close() {
	c.mu.Lock()
	c.cancelTimerLocked()
	if c.ws == nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.manual = true
	ws := c.ws
	c.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = ws.Close()
}

// SwitchTarget retargets the channel at a new URL. An open connection gets a
// manual close followed by an immediate re-dial; a closed one just dials.
func (c *Channel) SwitchTarget(url string) {
	c.mu.Lock()
	c.cancelTimerLocked()
	c.url = url
	if c.ws == nil {
		// Invalidate any in-flight dial against the old target.
		c.gen++
		if c.gated() {
			c.state = StateDisconnected
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		gen, u := c.gen, c.url
		c.mu.Unlock()
		go c.dial(gen, u)
		return
	}
	c.manual = true
	c.redial = true
	ws := c.ws
	c.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = ws.Close()
}
