package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsConn carries one frame per binary WebSocket message.
type wsConn struct {
	ws   *websocket.Conn
	opts Options
	peer string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewWebSocketConn(ws *websocket.Conn, opts Options) Conn {
	opts = opts.withDefaults()
	ws.SetReadLimit(int64(frame.FixedHeaderLen) + int64(opts.Limits.MaxAuthBytes) + int64(opts.Limits.MaxPayloadBytes))
	c := &wsConn{ws: ws, opts: opts}
	if raw := ws.UnderlyingConn(); raw != nil {
		if state, ok := connectionState(raw); ok && len(state.PeerCertificates) > 0 {
			c.peer = PeerIdentityFromCert(state.PeerCertificates[0])
		}
	}
	return c
}

func (c *wsConn) ReadFrame() (frame.Frame, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return frame.Frame{}, ErrConnClosed
			}
			return frame.Frame{}, normalizeErr(err)
		}
		if kind != websocket.BinaryMessage {
			log.Debug().Msgf("transport.wsConn skip message kind=%d remote=%s", kind, c.RemoteAddr())
			continue
		}
		return frame.Unmarshal(data, c.opts.Limits)
	}
}

func (c *wsConn) WriteFrame(f frame.Frame) error {
	data, err := frame.Marshal(f, c.opts.Limits)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return normalizeErr(c.ws.WriteMessage(websocket.BinaryMessage, data))
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }
func (c *wsConn) RemoteAddr() string                { return c.ws.RemoteAddr().String() }
func (c *wsConn) PeerIdentity() string              { return c.peer }

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// UpgradeHandler upgrades HTTP requests to framed WebSocket connections and
// hands each to accept. accept owns the Conn and runs on the request
// goroutine.
func UpgradeHandler(opts Options, accept func(Conn)) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Msgf("transport.UpgradeHandler upgrade remote=%s err=%v", r.RemoteAddr, err)
			return
		}
		conn := NewWebSocketConn(ws, opts)
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			conn.(*wsConn).peer = PeerIdentityFromCert(r.TLS.PeerCertificates[0])
		}
		accept(conn)
	}
}
