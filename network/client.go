package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"baatcheet/models"

	"github.com/gorilla/websocket"
)

var (
	// ErrAckTimeout indicates no ack arrived before the call deadline.
	ErrAckTimeout = errors.New("network: ack timeout")
	// ErrRejected wraps the error string of a negative ack.
	ErrRejected = errors.New("network: request rejected")
)

// DialOptions configures a client channel.
type DialOptions struct {
	Channel          ChannelOptions
	AckTimeout       time.Duration
	HandshakeTimeout time.Duration
}

// Client is the caller side of a channel. Requests are correlated with
// their acks by sequence number.
type Client struct {
	ch *Channel

	ackTimeout time.Duration
	seq        atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan Frame

	events chan Frame
}

// Dial opens a channel to a relay socket URL (ws:// or wss://) using token
// as the bearer credential.
func Dial(ctx context.Context, url, token string, options DialOptions) (*Client, error) {
	if options.AckTimeout <= 0 {
		options.AckTimeout = DefaultAckTimeout
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = 30 * time.Second
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: options.HandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", url, models.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		ch:         newChannel(conn, models.Principal{}, options.Channel),
		ackTimeout: options.AckTimeout,
		pending:    make(map[uint64]chan Frame),
		events:     make(chan Frame, 64),
	}
	go c.dispatchLoop()
	return c, nil
}

// Events delivers server-pushed frames such as message:new. It is closed
// when the channel closes.
func (c *Client) Events() <-chan Frame {
	return c.events
}

// Done is closed when the channel is closed.
func (c *Client) Done() <-chan struct{} {
	return c.ch.Done()
}

// Close closes the channel.
func (c *Client) Close() error {
	return c.ch.Close()
}

// Call sends event with in as its body and waits for the ack, decoding it
// into out. Without a context deadline the client ack timeout applies; on
// expiry the pending future is discarded.
func (c *Client) Call(ctx context.Context, event string, in, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ackTimeout)
		defer cancel()
	}

	seq := c.seq.Add(1)
	future := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending[seq] = future
	c.pendingMu.Unlock()
	defer c.forget(seq)

	if err := c.ch.SendFrame(event, seq, in); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}

	select {
	case frame := <-future:
		if out == nil {
			return nil
		}
		return frame.DecodeData(out)
	case <-c.ch.Done():
		if err := c.ch.LastError(); err != nil {
			return err
		}
		return io.EOF
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrAckTimeout
		}
		return ctx.Err()
	}
}

// JoinRoom subscribes the channel to roomID.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	var ack models.Ack
	if err := c.Call(ctx, EventRoomsJoin, models.JoinRoomRequest{RoomID: roomID}, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}
	return nil
}

// SendMessage submits a ciphertext message and returns the server ack.
func (c *Client) SendMessage(ctx context.Context, req models.SendMessageRequest) (models.Ack, error) {
	var ack models.Ack
	if err := c.Call(ctx, EventMessageSend, req, &ack); err != nil {
		return models.Ack{}, err
	}
	if !ack.OK {
		return ack, fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}
	return ack, nil
}

func (c *Client) forget(seq uint64) {
	c.pendingMu.Lock()
	delete(c.pending, seq)
	c.pendingMu.Unlock()
}

func (c *Client) dispatchLoop() {
	defer close(c.events)

	ctx := context.Background()
	for {
		payload, err := c.ch.Receive(ctx)
		if err != nil {
			return
		}
		frame, err := DecodeFrame(payload)
		if err != nil {
			continue
		}

		if frame.Event == EventAck {
			c.pendingMu.Lock()
			future, ok := c.pending[frame.Seq]
			c.pendingMu.Unlock()
			if ok {
				select {
				case future <- frame:
				default:
				}
			}
			continue
		}

		select {
		case c.events <- frame:
		case <-c.ch.Done():
			return
		}
	}
}
