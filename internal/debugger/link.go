package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/bingosuite/inspector/config"
	"github.com/bingosuite/inspector/internal/frame"
	"github.com/bingosuite/inspector/internal/logging"
)

const (
	linkDataBufferSize = 256
	readBufferSize     = 32 * 1024
)

// Link is one connection to the debugger backend. It moves from
// disconnected to connecting to connected and back to disconnected, after
// which it is finished; a new session needs a new Link.
type Link struct {
	cfg config.DebuggerConfig
	log *zap.SugaredLogger

	mu    sync.Mutex
	state State
	conn  net.Conn

	writeMu sync.Mutex

	ready     chan struct{}
	data      chan *frame.Message
	done      chan struct{}
	closeOnce sync.Once
}

func NewLink(cfg config.DebuggerConfig, log *zap.SugaredLogger) *Link {
	return &Link{
		cfg:   cfg,
		log:   logging.OrNop(log),
		state: StateDisconnected,
		ready: make(chan struct{}),
		data:  make(chan *frame.Message, linkDataBufferSize),
		done:  make(chan struct{}),
	}
}

// Ready is closed once the backend connection is established.
func (l *Link) Ready() <-chan struct{} { return l.ready }

// Data delivers decoded backend messages in the order they arrived.
func (l *Link) Data() <-chan *frame.Message { return l.data }

// Done is closed when the link closes, for whatever reason.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) Connected() bool {
	return l.State() == StateConnected
}

func (l *Link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Connect dials the backend. A failed dial closes the link.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed() || l.state != StateDisconnected {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("cannot connect link in state %s: %w", state, ErrClosed)
	}
	l.state = StateConnecting
	l.mu.Unlock()

	addr := l.cfg.Address()
	l.log.Infow("Connecting to debugger", "addr", addr)

	conn, err := l.dial(ctx, addr)
	if err != nil {
		l.log.Warnw("Unable to connect to debugger", "addr", addr, "error", err)
		l.Close()
		return fmt.Errorf("failed to connect to debugger at %s: %w", addr, err)
	}

	l.mu.Lock()
	if l.closed() {
		l.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	l.conn = conn
	l.state = StateConnected
	l.mu.Unlock()

	l.log.Infow("Connected to debugger", "addr", addr)
	close(l.ready)
	go l.readLoop(conn)
	return nil
}

func (l *Link) dial(ctx context.Context, addr string) (net.Conn, error) {
	var conn net.Conn
	attempt := 0
	operation := func() error {
		attempt++
		dialCtx := ctx
		if l.cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, l.cfg.ConnectTimeout)
			defer cancel()
		}

		var d net.Dialer
		c, err := d.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil || l.closed() {
				return backoff.Permanent(err)
			}
			l.log.Debugw("Dial attempt failed", "addr", addr, "attempt", attempt, "error", err)
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(200*time.Millisecond),
			backoff.WithMultiplier(2),
			backoff.WithRandomizationFactor(0.1),
		), uint64(l.cfg.ConnectRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return conn, nil
}

// Request frames raw and writes it to the backend. Requests made while the
// link is not connected are dropped.
func (l *Link) Request(raw []byte) {
	l.mu.Lock()
	conn := l.conn
	connected := l.state == StateConnected
	l.mu.Unlock()

	if !connected {
		l.log.Debugw("Dropping request, debugger not connected", "bytes", len(raw))
		return
	}

	l.writeMu.Lock()
	err := frame.Write(conn, raw)
	l.writeMu.Unlock()
	if err != nil {
		l.log.Warnw("Failed to write request to debugger", "error", err)
		l.Close()
	}
}

// Close releases the socket and closes Done. It is safe to call more than once.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		conn := l.conn
		l.conn = nil
		l.state = StateDisconnected
		close(l.done)
		l.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				l.log.Debugw("Debugger socket close error", "error", err)
			}
		}
		l.log.Infow("Debugger link closed")
	})
}

func (l *Link) readLoop(conn net.Conn) {
	// The backend does not support half-close, so a remote end tears down the whole link.
	defer l.Close()

	decoder := frame.NewDecoder(
		frame.WithMaxFrameSize(l.cfg.MaxFrameSize),
		frame.WithLogger(l.log),
	)
	buf := make([]byte, readBufferSize)

	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			frames, decodeErr := decoder.Feed(buf[:n])
			for _, f := range frames {
				msg, err := frame.ParseMessage(f.Body)
				if err != nil {
					l.log.Warnw("Discarding unparseable debugger message", "error", err)
					continue
				}
				select {
				case l.data <- msg:
				case <-l.done:
					return
				}
			}
			if decodeErr != nil {
				if errors.Is(decodeErr, frame.ErrFrameTooLarge) {
					l.log.Errorw("Debugger stream unusable", "error", decodeErr)
					return
				}
				l.log.Warnw("Failed to decode debugger frame", "error", decodeErr)
			}
		}

		if readErr != nil {
			switch {
			case l.closed():
			case errors.Is(readErr, io.EOF):
				l.log.Infow("Debugger closed the connection")
			default:
				l.log.Warnw("Debugger connection error", "error", readErr)
			}
			return
		}
	}
}
