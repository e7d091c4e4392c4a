package ws

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/bingosuite/inspector/internal/frame"
	"github.com/bingosuite/inspector/internal/logging"
)

const (
	requestBufferSize = 32
	hubTickerInterval = 1 * time.Minute
)

// Channel is one attached viewer as the hub sees it.
type Channel interface {
	ID() string
	// Send queues msg without blocking and reports whether it was accepted.
	Send(msg []byte) bool
	// CloseSend tells the viewer no more messages will follow.
	CloseSend()
}

// Backend is the debugger connection a session multiplexes.
type Backend interface {
	Connect(ctx context.Context) error
	Request(raw []byte)
	Ready() <-chan struct{}
	Data() <-chan *frame.Message
	Done() <-chan struct{}
	Close()
}

type request struct {
	from Channel
	raw  []byte
}

type HubOption func(*Hub)

// WithClock replaces the clock used for idle detection.
func WithClock(c clock.Clock) HubOption {
	return func(h *Hub) { h.clock = c }
}

// Hub is one debugging session: a single backend shared by every attached
// viewer. All routing state is owned by the Run goroutine.
type Hub struct {
	sessionID string

	// registration order, which is also broadcast order
	channels []Channel

	register   chan Channel
	unregister chan Channel
	requests   chan request
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	newBackend func() Backend
	backend    Backend

	// request seq -> viewer awaiting the response to a direct command
	pending map[int]Channel
	// request seq -> arguments of a breakpoint command
	breakpointArgs map[int]json.RawMessage

	onShutdown func(sessionID string)

	idleTimeout  time.Duration
	lastActivity time.Time
	clock        clock.Clock

	log *zap.SugaredLogger
}

func NewHub(sessionID string, idleTimeout time.Duration, newBackend func() Backend, log *zap.SugaredLogger, opts ...HubOption) *Hub {
	h := &Hub{
		sessionID:      sessionID,
		register:       make(chan Channel),
		unregister:     make(chan Channel),
		requests:       make(chan request, requestBufferSize),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		newBackend:     newBackend,
		pending:        make(map[int]Channel),
		breakpointArgs: make(map[int]json.RawMessage),
		idleTimeout:    idleTimeout,
		clock:          clock.New(),
		log:            logging.OrNop(log).Named("hub").With("session", sessionID),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.lastActivity = h.clock.Now()
	return h
}

func (h *Hub) SessionID() string { return h.sessionID }

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer close(h.done)

	ticker := h.clock.Ticker(hubTickerInterval)
	defer ticker.Stop()

	for {
		var (
			data        <-chan *frame.Message
			backendDone <-chan struct{}
		)
		if h.backend != nil {
			data = h.backend.Data()
			backendDone = h.backend.Done()
		}

		select {
		case <-ticker.C:
			if h.idleTimeout > 0 && len(h.channels) == 0 && h.clock.Since(h.lastActivity) > h.idleTimeout {
				h.log.Infow("Session idle, shutting down", "idle_timeout", h.idleTimeout)
				h.shutdown()
				return
			}

		case ch := <-h.register:
			h.add(ctx, ch)

		case ch := <-h.unregister:
			h.remove(ch)

		case req := <-h.requests:
			h.handleRequest(req.from, req.raw)

		case msg := <-data:
			h.handleMessage(msg)

		case <-backendDone:
			h.drain()
			h.log.Infow("Debugger link closed, ending session", "viewers", len(h.channels))
			h.shutdown()
			return

		case <-h.stop:
			h.log.Infow("Session stopped", "viewers", len(h.channels))
			h.shutdown()
			return
		}
	}
}

// Register attaches a viewer. It reports false if the session has already ended.
func (h *Hub) Register(ch Channel) bool {
	select {
	case h.register <- ch:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(ch Channel) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// HandleRequest queues raw request text received from ch.
func (h *Hub) HandleRequest(ch Channel, raw []byte) {
	select {
	case h.requests <- request{from: ch, raw: raw}:
	case <-h.done:
	}
}

// Stop ends the session. It does not wait; use Done for that.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) add(ctx context.Context, ch Channel) {
	if slices.Contains(h.channels, ch) {
		return
	}
	h.channels = append(h.channels, ch)
	h.lastActivity = h.clock.Now()
	h.log.Infow("Viewer attached", "viewer", ch.ID(), "viewers", len(h.channels))

	if h.backend == nil {
		h.backend = h.newBackend()
		backend := h.backend
		go func() {
			if err := backend.Connect(ctx); err != nil {
				h.log.Errorw("Debugger connection failed", "error", err)
			}
		}()
	}
}

func (h *Hub) remove(ch Channel) {
	i := slices.Index(h.channels, ch)
	if i < 0 {
		return
	}
	h.channels = slices.Delete(h.channels, i, i+1)

	pruned := 0
	for seq, owner := range h.pending {
		if owner == ch {
			delete(h.pending, seq)
			pruned++
		}
	}
	ch.CloseSend()
	h.lastActivity = h.clock.Now()
	h.log.Infow("Viewer detached", "viewer", ch.ID(), "viewers", len(h.channels), "pruned_requests", pruned)
}

func (h *Hub) handleRequest(from Channel, raw []byte) {
	if !slices.Contains(h.channels, from) {
		h.log.Debugw("Dropping request from detached viewer", "viewer", from.ID())
		return
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		h.log.Warnw("Ignoring malformed request", "viewer", from.ID(), "error", err)
		return
	}

	switch {
	case IsDirect(req.Command):
		if prev, ok := h.pending[req.Seq]; ok && prev != from {
			h.log.Warnw("Request seq reused while pending", "seq", req.Seq, "viewer", from.ID(), "previous", prev.ID())
		}
		h.pending[req.Seq] = from
	case IsBreakpoint(req.Command):
		h.breakpointArgs[req.Seq] = req.Arguments
	}

	h.log.Debugw("Forwarding request", "viewer", from.ID(), "seq", req.Seq, "command", req.Command)
	h.lastActivity = h.clock.Now()
	h.backend.Request(raw)
}

func (h *Hub) handleMessage(msg *frame.Message) {
	h.lastActivity = h.clock.Now()

	if msg.IsResponse() && IsDirect(msg.Command()) {
		ch, ok := h.pending[msg.RequestSeq()]
		if !ok {
			h.log.Errorw("No viewer waiting for response, dropping it", "request_seq", msg.RequestSeq(), "command", msg.Command())
			return
		}
		delete(h.pending, msg.RequestSeq())

		data, err := msg.MarshalJSON()
		if err != nil {
			h.log.Errorw("Failed to encode response", "error", err)
			return
		}
		if !ch.Send(data) {
			h.log.Warnw("Viewer is slow, detaching", "viewer", ch.ID())
			h.remove(ch)
		}
		return
	}

	if IsBreakpoint(msg.Command()) {
		if args, ok := h.breakpointArgs[msg.RequestSeq()]; ok {
			delete(h.breakpointArgs, msg.RequestSeq())
			msg.SetArguments(args)
		}
	}

	data, err := msg.MarshalJSON()
	if err != nil {
		h.log.Errorw("Failed to encode message", "error", err)
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	var slow []Channel
	for _, ch := range h.channels {
		if !ch.Send(data) {
			slow = append(slow, ch)
		}
	}
	for _, ch := range slow {
		h.log.Warnw("Viewer is slow, detaching", "viewer", ch.ID())
		h.remove(ch)
	}
}

// drain delivers whatever the backend produced before it closed.
func (h *Hub) drain() {
	for {
		select {
		case msg := <-h.backend.Data():
			h.handleMessage(msg)
		default:
			return
		}
	}
}

func (h *Hub) shutdown() {
	for _, ch := range h.channels {
		ch.CloseSend()
	}
	h.channels = nil
	clear(h.pending)
	clear(h.breakpointArgs)

	if h.backend != nil {
		h.backend.Close()
	}
	if h.onShutdown != nil {
		h.onShutdown(h.sessionID)
	}
}
