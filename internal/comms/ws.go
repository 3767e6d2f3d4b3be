package comms

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/scenehost/internal/ir"
)

// Defaults for websocket transports.
const (
	DefaultMaxFrameSize = 4 << 20
	DefaultPeerQueue    = 256
	writeTimeout        = 5 * time.Second
	pongWait            = 60 * time.Second
	pingPeriod          = pongWait * 9 / 10
)

// WSOption configures a WSTransport.
type WSOption func(*WSTransport)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WSOption {
	return func(t *WSTransport) { t.logger = l }
}

// WithCompression enables zstd compression of large frames.
func WithCompression(on bool) WSOption {
	return func(t *WSTransport) { t.compress = on }
}

// WithPeerQueue sets how many frames may wait for each peer's writer.
// Frames beyond that are dropped for the slow peer only.
func WithPeerQueue(n int) WSOption {
	return func(t *WSTransport) {
		if n > 0 {
			t.peerQueue = n
		}
	}
}

// WithMaxFrameSize bounds inbound messages.
func WithMaxFrameSize(n int) WSOption {
	return func(t *WSTransport) {
		if n > 0 {
			t.maxFrame = n
		}
	}
}

// WSTransport is a websocket mesh. It accepts peers through Handler and
// connects to peers with Dial; both ends are treated alike.
type WSTransport struct {
	actor     ir.ActorID
	logger    *slog.Logger
	compress  bool
	peerQueue int
	maxFrame  int
	codec     *codec
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	frames chan Frame
	wg     sync.WaitGroup

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
}

type peer struct {
	conn   *websocket.Conn
	addr   string
	out    chan []byte
	cancel context.CancelFunc
}

// NewWS creates a transport for the local actor.
func NewWS(actor ir.ActorID, opts ...WSOption) (*WSTransport, error) {
	t := &WSTransport{
		actor:     actor,
		logger:    slog.Default(),
		peerQueue: DefaultPeerQueue,
		maxFrame:  DefaultMaxFrameSize,
		frames:    make(chan Frame, DefaultPeerQueue),
		peers:     make(map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	c, err := newCodec(t.compress, t.maxFrame)
	if err != nil {
		return nil, err
	}
	t.codec = c
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

// Actor returns the local actor id stamped on outgoing frames.
func (t *WSTransport) Actor() ir.ActorID { return t.actor }

// Handler accepts inbound peer connections.
func (t *WSTransport) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := t.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			t.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		t.serve(conn, r.RemoteAddr)
	}
}

// Dial connects to a peer at url (ws:// or wss://) and serves it in the
// background.
func (t *WSTransport) Dial(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.serve(conn, url)
	}()
	return nil
}

// Peers returns the number of connected peers.
func (t *WSTransport) Peers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// serve runs one peer connection until it fails or the transport closes.
func (t *WSTransport) serve(conn *websocket.Conn, addr string) {
	ctx, cancel := context.WithCancel(t.ctx)
	p := &peer{conn: conn, addr: addr, out: make(chan []byte, t.peerQueue), cancel: cancel}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		_ = conn.Close()
		return
	}
	t.peers[p] = struct{}{}
	t.mu.Unlock()

	t.logger.Info("peer connected", "peer", addr)
	defer func() {
		cancel()
		t.mu.Lock()
		delete(t.peers, p)
		t.mu.Unlock()
		_ = conn.Close()
		t.logger.Info("peer disconnected", "peer", addr)
	}()

	go t.writeLoop(ctx, p)

	conn.SetReadLimit(int64(t.maxFrame) + 1)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("peer read failed", "peer", addr, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.BinaryMessage {
			continue
		}
		f, err := t.codec.unpack(msg)
		if err != nil {
			t.logger.Warn("dropping peer frame", "peer", addr, "error", err)
			continue
		}
		if f.From == t.actor {
			continue
		}
		select {
		case t.frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (t *WSTransport) writeLoop(ctx context.Context, p *peer) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case b := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				t.logger.Debug("peer write failed", "peer", p.addr, "error", err)
				p.cancel()
				_ = p.conn.Close()
				return
			}
		case <-ping.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				p.cancel()
				_ = p.conn.Close()
				return
			}
		}
	}
}

// Send queues f for every peer. A peer whose queue is full misses the frame.
func (t *WSTransport) Send(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.From == "" {
		f.From = t.actor
	}
	msg := t.codec.pack(f)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	for p := range t.peers {
		select {
		case p.out <- msg:
		default:
			t.logger.Warn("peer queue full, dropping frame", "peer", p.addr, "kind", f.Kind)
		}
	}
	return nil
}

// Frames implements Transport.
func (t *WSTransport) Frames() <-chan Frame { return t.frames }

// Close disconnects every peer and closes Frames.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]*peer, 0, len(t.peers))
	for p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	t.cancel()
	for _, p := range peers {
		_ = p.conn.Close()
	}
	t.wg.Wait()
	t.codec.close()
	return nil
}
