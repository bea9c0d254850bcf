package ws

import (
	"net/http"
	"sync"

	"github.com/HsiangNianian/walletbridge/internal/approval"
	"github.com/HsiangNianian/walletbridge/internal/messenger"
	"github.com/HsiangNianian/walletbridge/internal/protocol"
	"github.com/HsiangNianian/walletbridge/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub hosts the background end of every inpage and wallet channel.
type Hub struct {
	pipeline       *approval.Pipeline
	authToken      string
	allowedOrigins map[string]struct{}
	log            zerolog.Logger

	pageUpgrader   websocket.Upgrader
	walletUpgrader websocket.Upgrader

	mu      sync.RWMutex
	pages   map[*messenger.Messenger]string
	wallets map[*messenger.Messenger]struct{}
}

// NewHub builds a hub. An empty allowedOrigins accepts pages from any origin.
// Wallet UIs are authenticated by authToken alone, so they may connect from any
// origin, including an extension origin.
func NewHub(p *approval.Pipeline, authToken string, allowedOrigins []string, logger zerolog.Logger) *Hub {
	h := &Hub{
		pipeline:       p,
		authToken:      authToken,
		allowedOrigins: make(map[string]struct{}, len(allowedOrigins)),
		log:            logger,
		pages:          make(map[*messenger.Messenger]string),
		wallets:        make(map[*messenger.Messenger]struct{}),
	}
	for _, o := range allowedOrigins {
		h.allowedOrigins[o] = struct{}{}
	}
	h.pageUpgrader = websocket.Upgrader{CheckOrigin: h.originAllowed}
	h.walletUpgrader = websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}
	return h
}

func (h *Hub) originAllowed(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	_, ok := h.allowedOrigins[r.Header.Get("Origin")]
	return ok
}

// HandleInpage serves one page load. It returns when the page goes away.
func (h *Hub) HandleInpage(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !h.originAllowed(r) {
		h.log.Warn().Str("origin", origin).Str("remote", r.RemoteAddr).Msg("page origin not allowed")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := h.pageUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade inpage ws failed")
		return
	}
	m, t := h.messenger(protocol.ChannelBackgroundInpage, conn)
	h.pipeline.Attach(m, origin)
	t.Start()

	h.mu.Lock()
	h.pages[m] = origin
	pageCount := len(h.pages)
	h.mu.Unlock()
	h.log.Info().Str("origin", origin).Str("remote", r.RemoteAddr).Int("active_pages", pageCount).Msg("page connected")

	<-m.Done()

	h.mu.Lock()
	delete(h.pages, m)
	pageCount = len(h.pages)
	h.mu.Unlock()
	h.log.Info().Str("origin", origin).Int("active_pages", pageCount).Msg("page disconnected")
}

// HandleWallet serves one wallet UI. It returns when the UI goes away.
func (h *Hub) HandleWallet(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
		h.log.Warn().Str("remote", r.RemoteAddr).Msg("wallet unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.walletUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade wallet ws failed")
		return
	}
	m, t := h.messenger(protocol.ChannelBackgroundWallet, conn)
	h.pipeline.AttachWallet(m)
	t.Start()

	h.mu.Lock()
	h.wallets[m] = struct{}{}
	walletCount := len(h.wallets)
	h.mu.Unlock()
	h.log.Info().Str("remote", r.RemoteAddr).Int("active_wallets", walletCount).Msg("wallet connected")

	<-m.Done()

	h.mu.Lock()
	delete(h.wallets, m)
	walletCount = len(h.wallets)
	h.mu.Unlock()
	h.log.Info().Int("active_wallets", walletCount).Msg("wallet disconnected")
}

// Counts reports the connected pages and wallet UIs.
func (h *Hub) Counts() (pages, wallets int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pages), len(h.wallets)
}

// Close tears down every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*messenger.Messenger, 0, len(h.pages)+len(h.wallets))
	for m := range h.pages {
		all = append(all, m)
	}
	for m := range h.wallets {
		all = append(all, m)
	}
	h.mu.RUnlock()
	for _, m := range all {
		_ = m.Close()
	}
}

// messenger wraps conn without reading from it; the caller starts the transport
// once its handlers are in place.
func (h *Hub) messenger(channel protocol.Channel, conn *websocket.Conn) (*messenger.Messenger, *transport.WebSocket) {
	logger := h.log.With().Str("channel", string(channel)).Logger()
	t := transport.NewWebSocket(string(channel), conn, logger)
	return messenger.New(t, messenger.WithLogger(logger)), t
}
