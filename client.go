package cnsocket

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Client errors.
var (
	// ErrInvalidOnPacket is returned when no packet handler is provided.
	ErrInvalidOnPacket = errors.New("invalid on packet callback")
	// ErrConnectionClosed is returned when operating on a closed client.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when the send buffer cannot take another frame.
	ErrBufferFull = errors.New("send buffer full")
)

// Default client configuration values.
const (
	// defaultClientBufferSize is the default number of frames queued for sending.
	defaultClientBufferSize = 16
	// defaultClientIdleTimeout bounds how long a read or write may stall.
	defaultClientIdleTimeout = 30 * time.Second
)

type clientOptions struct {
	logger      Logger
	bufferSize  int
	idleTimeout time.Duration
	key         Key
	onPacket    func(Packet) error
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// ClientLoggerOption sets the client logger.
func ClientLoggerOption(logger Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// ClientBufferSizeOption sets how many sealed frames may wait for the writer.
func ClientBufferSizeOption(n int) ClientOption {
	return func(o *clientOptions) {
		o.bufferSize = n
	}
}

// ClientIdleTimeoutOption sets the read and write stall limit.
func ClientIdleTimeoutOption(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.idleTimeout = d
	}
}

// ClientKeyOption sets the initial key. Defaults to DefaultKey.
func ClientKeyOption(k Key) ClientOption {
	return func(o *clientOptions) {
		o.key = k
	}
}

// OnPacketOption sets the callback for every packet the server sends.
// Returning an error ends Run. The packet body is only valid during the call.
func OnPacketOption(fn func(Packet) error) ClientOption {
	return func(o *clientOptions) {
		o.onPacket = fn
	}
}

func checkClientOptions(opts *clientOptions) error {
	if opts.onPacket == nil {
		return ErrInvalidOnPacket
	}
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultClientBufferSize
	}
	if opts.idleTimeout <= 0 {
		opts.idleTimeout = defaultClientIdleTimeout
	}
	if opts.key == (Key{}) {
		opts.key = DefaultKey
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	return nil
}

// Client is the peer side of the protocol: it seals outgoing packets, opens
// incoming ones, and runs blocking read and write loops on its own goroutines.
// Used by tools, bots and tests that talk to a Server.
type Client struct {
	rawConn *net.TCPConn
	frames  FrameReader
	logger  Logger
	opts    clientOptions

	key     atomic.Uint64
	sendMsg chan []byte
	closed  atomic.Bool
	quit    chan struct{} // closed by Close to stop Run
}

// Dial connects to addr and returns a Client ready to Run.
func Dial(ctx context.Context, addr string, opt ...ClientOption) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	c, err := NewClient(conn.(*net.TCPConn), opt...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an established connection. Returns an error if no packet
// callback is set.
func NewClient(conn *net.TCPConn, opt ...ClientOption) (*Client, error) {
	var opts clientOptions
	for _, o := range opt {
		o(&opts)
	}
	if err := checkClientOptions(&opts); err != nil {
		return nil, err
	}

	c := &Client{
		rawConn: conn,
		logger:  opts.logger,
		opts:    opts,
		sendMsg: make(chan []byte, opts.bufferSize),
		quit:    make(chan struct{}),
	}
	c.key.Store(opts.key.Uint64())
	return c, nil
}

// SetKey switches the key used for frames sealed and opened from now on.
func (c *Client) SetKey(k Key) {
	c.key.Store(k.Uint64())
}

// Key returns the active key.
func (c *Client) Key() Key {
	return KeyFromUint64(c.key.Load())
}

// Run starts the read and write loops and blocks until either fails or ctx is
// canceled. The connection is closed when Run returns.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("client connected", "addr", c.Addr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})
	group.Go(func() error {
		return c.writeLoop(child)
	})
	// Unblock a read parked in the kernel once either loop ends or Close is called.
	group.Go(func() error {
		select {
		case <-child.Done():
		case <-c.quit:
			cancel()
		}
		_ = c.rawConn.SetReadDeadline(time.Now())
		return nil
	})

	err := group.Wait()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("client closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("client closed", "addr", c.Addr())
	}
	return err
}

// Close stops Run and closes the connection. Safe to call multiple times.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.quit)
	return c.rawConn.Close()
}

// IsClosed reports whether the client has been closed.
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// Addr returns the server address.
func (c *Client) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

func (c *Client) seal(typeID uint32, body []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	return AppendFrame(make([]byte, 0, LengthSize+TypeSize+len(body)), typeID, body, c.Key())
}

// Send queues one packet without blocking. It returns ErrBufferFull when the
// writer is behind; the packet is not queued in that case.
func (c *Client) Send(typeID uint32, body []byte) error {
	frame, err := c.seal(typeID, body)
	if err != nil {
		return err
	}
	select {
	case c.sendMsg <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendBlocking queues one packet, waiting for buffer space until ctx is done.
func (c *Client) SendBlocking(ctx context.Context, typeID uint32, body []byte) error {
	frame, err := c.seal(typeID, body)
	if err != nil {
		return err
	}
	select {
	case c.sendMsg <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendTimeout queues one packet, waiting at most timeout for buffer space.
func (c *Client) SendTimeout(typeID uint32, body []byte, timeout time.Duration) error {
	frame, err := c.seal(typeID, body)
	if err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.sendMsg <- frame:
		return nil
	case <-timer.C:
		return ErrBufferFull
	}
}

// readLoop reassembles frames from the connection and hands each opened
// packet to the callback. Packets that fail the checksum are dropped; a
// malformed length ends the loop.
func (c *Client) readLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))

		_, rerr := c.frames.Fill(c.rawConn)
		for {
			frame, err := c.frames.Next()
			if err != nil {
				c.logger.Debug("malformed frame", "addr", c.Addr(), "error", err)
				return err
			}
			if frame == nil {
				break
			}
			typeID, err := Open(frame, c.Key())
			if err != nil {
				c.logger.Debug("packet dropped", "addr", c.Addr(), "error", err)
				continue
			}
			if err := c.opts.onPacket(Packet{Type: typeID, Body: frame[TypeSize:]}); err != nil {
				return err
			}
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("read error", "addr", c.Addr(), "error", rerr)
			return rerr
		}
	}
}

// writeLoop sends queued frames in order.
func (c *Client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.sendMsg:
			_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout))
			if _, err := c.rawConn.Write(frame); err != nil {
				c.logger.Debug("write error", "addr", c.Addr(), "error", err)
				return err
			}
		}
	}
}

func (c *Client) closeConn() {
	c.closed.Store(true)
	c.rawConn.Close()
}
