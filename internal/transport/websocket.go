package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/HsiangNianian/walletbridge/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const closeGracePeriod = time.Second

// WebSocket carries one channel over a gorilla connection. Frames are JSON text
// messages; a single reader and a single writer goroutine keep FIFO order.
type WebSocket struct {
	handlers
	conn    *websocket.Conn
	writeMu sync.Mutex
	outbox  *queue

	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

// NewWebSocket starts the write loop on conn. Nothing is read until Start, so
// handlers registered before it see every frame the peer sends.
func NewWebSocket(name string, conn *websocket.Conn, logger zerolog.Logger) *WebSocket {
	ws := &WebSocket{
		handlers: handlers{name: name, log: logger},
		conn:     conn,
		outbox:   newQueue(),
		done:     make(chan struct{}),
	}
	go ws.outbox.drain(ws.done, ws.write)
	return ws
}

// Start begins reading frames. Calls after the first are no-ops.
func (w *WebSocket) Start() {
	w.startOnce.Do(func() { go w.readLoop() })
}

// Dial connects to a background host serving channel name at url. The caller
// registers its handlers and then calls Start.
func Dial(ctx context.Context, name, url string, header http.Header, logger zerolog.Logger) (*WebSocket, error) {
	logger.Debug().Str("channel", name).Str("url", url).Msg("dial channel")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("channel", name).Str("url", url).Msg("channel connected")
	return NewWebSocket(name, conn, logger), nil
}

// BearerHeader builds the Authorization header checked by the wallet endpoint.
func BearerHeader(token string) http.Header {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}

func (w *WebSocket) Name() string { return w.name }

func (w *WebSocket) Send(env protocol.Envelope) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	w.outbox.push(b)
	return nil
}

func (w *WebSocket) OnMessage(h Handler) { w.add(h) }

func (w *WebSocket) Done() <-chan struct{} { return w.done }

func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (w *WebSocket) write(b []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		w.log.Warn().Err(err).Str("channel", w.name).Msg("write frame failed")
		go w.Close()
		return err
	}
	return nil
}

func (w *WebSocket) readLoop() {
	defer w.Close()
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.Debug().Err(err).Str("channel", w.name).Msg("read frame failed")
			}
			return
		}
		w.dispatch(data)
	}
}
