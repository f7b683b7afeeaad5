package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"baatcheet/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrPongTimeout indicates keep-alive timed out waiting for traffic.
var ErrPongTimeout = errors.New("network: pong timeout")

// ChannelState represents the lifecycle state of one channel.
type ChannelState string

const (
	StateOpen    ChannelState = "OPEN"
	StateClosing ChannelState = "CLOSING"
	StateClosed  ChannelState = "CLOSED"
)

// ChannelOptions controls runtime behavior of Channel.
type ChannelOptions struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteTimeout      time.Duration
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Channel is one authenticated bidirectional WebSocket session.
type Channel struct {
	conn *websocket.Conn

	id        string
	principal models.Principal

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ChannelState

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	writeTimeout      time.Duration

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newChannel(conn *websocket.Conn, principal models.Principal, options ChannelOptions) *Channel {
	opts := options.withDefaults()

	ch := &Channel{
		conn:              conn,
		id:                uuid.NewString(),
		principal:         principal,
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		writeTimeout:      opts.WriteTimeout,
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
		state:             StateOpen,
	}

	conn.SetReadLimit(MaxFrameSize)
	ch.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		ch.extendReadDeadline()
		return nil
	})

	go ch.readLoop()
	go ch.keepAliveLoop()
	return ch
}

// ID is a process-unique channel handle.
func (ch *Channel) ID() string {
	return ch.id
}

// Principal is the identity authenticated when the channel opened.
func (ch *Channel) Principal() models.Principal {
	return ch.principal
}

// State returns the current channel state.
func (ch *Channel) State() ChannelState {
	ch.stateMu.RLock()
	defer ch.stateMu.RUnlock()
	return ch.state
}

// Done is closed when the channel is fully closed.
func (ch *Channel) Done() <-chan struct{} {
	return ch.closed
}

// LastError returns the terminal channel error, if any.
func (ch *Channel) LastError() error {
	ch.errMu.RLock()
	defer ch.errMu.RUnlock()
	return ch.closeErr
}

// SendFrame encodes and writes one frame.
func (ch *Channel) SendFrame(event string, seq uint64, data any) error {
	payload, err := EncodeFrame(event, seq, data)
	if err != nil {
		return err
	}
	return ch.SendRaw(payload)
}

// SendRaw writes a pre-encoded frame as one text message.
func (ch *Channel) SendRaw(payload []byte) error {
	if ch.State() == StateClosed {
		if err := ch.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	_ = ch.conn.SetWriteDeadline(time.Now().Add(ch.writeTimeout))
	if err := ch.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		ch.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Receive waits for the next inbound frame payload.
func (ch *Channel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-ch.inbound:
		return payload, nil
	case <-ch.closed:
		if err := ch.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame and terminates the channel.
func (ch *Channel) Close() error {
	if ch.State() == StateClosed {
		return nil
	}
	ch.setState(StateClosing)
	_ = ch.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(ch.writeTimeout),
	)
	ch.closeWithError(nil)
	return nil
}

func (ch *Channel) readLoop() {
	for {
		msgType, payload, err := ch.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				ch.closeWithError(ErrPongTimeout)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
				errors.Is(err, net.ErrClosed),
				ch.State() != StateOpen:
				ch.closeWithError(nil)
			default:
				ch.closeWithError(fmt.Errorf("read frame: %w", err))
			}
			return
		}

		ch.extendReadDeadline()
		if msgType != websocket.TextMessage || len(payload) == 0 {
			continue
		}

		select {
		case ch.inbound <- payload:
		case <-ch.closed:
			return
		}
	}
}

func (ch *Channel) keepAliveLoop() {
	ticker := time.NewTicker(ch.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := ch.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ch.writeTimeout)); err != nil {
				ch.closeWithError(fmt.Errorf("write ping: %w", err))
				return
			}
		case <-ch.closed:
			return
		}
	}
}

func (ch *Channel) extendReadDeadline() {
	_ = ch.conn.SetReadDeadline(time.Now().Add(ch.keepAliveInterval + ch.keepAliveTimeout))
}

func (ch *Channel) setState(state ChannelState) {
	ch.stateMu.Lock()
	defer ch.stateMu.Unlock()
	ch.state = state
}

func (ch *Channel) closeWithError(err error) {
	ch.closeOnce.Do(func() {
		ch.errMu.Lock()
		ch.closeErr = err
		ch.errMu.Unlock()

		ch.setState(StateClosed)
		_ = ch.conn.Close()
		close(ch.closed)
	})
}
