// Package websocket provides a reference link.Driver backed by a
// gorilla/websocket connection. Payloads travel as binary frames; link
// quality is probed with WebSocket ping/pong round trips.
package websocket

import (
	"context"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gwebsocket "github.com/gorilla/websocket"

	"github.com/fieldlink/ddil-go/errors"
	"github.com/fieldlink/ddil-go/link"
)

// DriverConfig configures a websocket link driver.
type DriverConfig struct {
	// PingTimeout bounds a single quality probe. Defaults to 5s. A probe
	// that times out reports full loss for the sample.
	PingTimeout time.Duration

	// WriteTimeout bounds a single Send. Defaults to 10s.
	WriteTimeout time.Duration
}

// Dial opens a websocket connection and wraps it in a Driver.
func Dial(wsURL string, c DriverConfig) (*Driver, error) {
	wsURL = strings.Replace(wsURL, "http", "ws", 1)
	//nolint
	conn, resp, err := gwebsocket.DefaultDialer.Dial(wsURL, http.Header{})
	if err != nil {
		if resp == nil {
			return nil, err
		}
		dump, _ := httputil.DumpResponse(resp, true)
		return nil, errors.Errorf("dial failed with error response[%s]: %w", dump, err)
	}
	return New(conn, c), nil
}

// New wraps an established websocket connection. The caller must not use
// the connection afterwards; the driver owns its read side.
func New(conn *gwebsocket.Conn, c DriverConfig) *Driver {
	if c.PingTimeout == 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	d := &Driver{
		conn:     conn,
		cfg:      c,
		pongCh:   make(chan struct{}, 1),
		subs:     map[int]func(){},
		closedCh: make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		select {
		case d.pongCh <- struct{}{}:
		default:
		}
		return nil
	})
	// The read loop exists only to service control frames and to notice
	// the peer going away.
	go d.readLoop()
	return d
}

// Driver implements link.Driver over one websocket connection.
type Driver struct {
	writeMu sync.Mutex // gorilla allows a single concurrent writer
	conn    *gwebsocket.Conn
	cfg     DriverConfig

	probeMu sync.Mutex // serializes quality probes
	pongCh  chan struct{}

	pingsSent  atomic.Uint64
	pongsRecvd atomic.Uint64

	subsMu  sync.Mutex
	subs    map[int]func() // onDown callbacks
	nextSub int

	once     sync.Once
	closedCh chan struct{}
}

var _ link.Driver = (*Driver)(nil)

// Send implements link.Driver. The frame write doubles as the
// acknowledgment: an accepted write is an ack, a connection error is a
// failed send.
func (d *Driver) Send(ctx context.Context, payload []byte) error {
	select {
	case <-d.closedCh:
		return errors.ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	deadline := time.Now().Add(d.cfg.WriteTimeout)
	if t, ok := ctx.Deadline(); ok && t.Before(deadline) {
		deadline = t
	}
	_ = d.conn.SetWriteDeadline(deadline)
	if err := d.conn.WriteMessage(gwebsocket.BinaryMessage, payload); err != nil {
		return wrapError(err)
	}
	return nil
}

// Quality implements link.Driver. Latency is one ping/pong round trip;
// loss is the fraction of probes that never saw a pong, over the driver's
// lifetime window.
func (d *Driver) Quality(ctx context.Context) (link.Quality, error) {
	d.probeMu.Lock()
	defer d.probeMu.Unlock()

	select {
	case <-d.closedCh:
		return link.Quality{}, errors.ErrLinkClosed
	default:
	}

	// Drop a stale pong from an abandoned probe.
	select {
	case <-d.pongCh:
	default:
	}

	start := time.Now()
	d.writeMu.Lock()
	err := d.conn.WriteControl(gwebsocket.PingMessage, []byte{}, time.Now().Add(d.cfg.PingTimeout))
	d.writeMu.Unlock()
	if err != nil {
		return link.Quality{}, wrapError(err)
	}
	d.pingsSent.Add(1)

	timer := time.NewTimer(d.cfg.PingTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return link.Quality{}, ctx.Err()
	case <-d.closedCh:
		return link.Quality{}, errors.ErrLinkClosed
	case <-timer.C:
		return link.Quality{Latency: d.cfg.PingTimeout, Loss: 1}, nil
	case <-d.pongCh:
	}
	d.pongsRecvd.Add(1)

	sent := d.pingsSent.Load()
	recvd := d.pongsRecvd.Load()
	loss := 0.0
	if sent > 0 {
		loss = 1 - float64(recvd)/float64(sent)
		if loss < 0 {
			loss = 0
		}
	}
	return link.Quality{Latency: time.Since(start), Loss: loss}, nil
}

// Subscribe implements link.Driver. A websocket connection cannot come
// back once it drops, so only the down interrupt ever fires; re-dialing
// is the caller's concern.
func (d *Driver) Subscribe(onUp, onDown func()) (cancel func()) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = onDown
	return func() {
		d.subsMu.Lock()
		defer d.subsMu.Unlock()
		delete(d.subs, id)
	}
}

// Close tears down the connection and fires the down interrupts.
func (d *Driver) Close() error {
	var err error
	d.once.Do(func() {
		close(d.closedCh)
		err = d.conn.Close()
		d.fireDown()
	})
	return err
}

func (d *Driver) readLoop() {
	for {
		if _, _, err := d.conn.NextReader(); err != nil {
			_ = d.Close()
			return
		}
	}
}

func (d *Driver) fireDown() {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for _, onDown := range d.subs {
		if onDown != nil {
			onDown()
		}
	}
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var closeErr *gwebsocket.CloseError
	if errors.As(err, &closeErr) {
		return errors.Errorf("websocket closed cause[%+v]: %w", err, errors.ErrLinkClosed)
	}
	return errors.Errorf("websocket send failed: %w", errors.ErrDriverFault)
}
