package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aesterisk/aesterisk/internal/encryption"
	"github.com/aesterisk/aesterisk/internal/logger"
	"github.com/aesterisk/aesterisk/internal/packet"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512 KB
)

// Handler is one peer population's protocol logic, driven by a Listener.
// OnPacket runs in its own goroutine per inbound frame; returning an error
// closes the peer.
type Handler interface {
	// Name identifies the listener in logs.
	Name() string
	// Issuer is the expected iss claim of inbound frames.
	Issuer() string
	// OnAccept registers a new connection and its outbox.
	OnAccept(addr PeerAddr, tx *Outbox)
	// OnDisconnect tears the connection's state down; called exactly once.
	OnDisconnect(addr PeerAddr)
	// OnDecryptError is called when a frame fails decryption or claim
	// validation; the peer must be closed.
	OnDecryptError(addr PeerAddr)
	// OnPacket handles one decrypted packet.
	OnPacket(ctx context.Context, p packet.Packet, addr PeerAddr) error
	// ClosePeer force-closes the peer's outbox after a handler error.
	ClosePeer(addr PeerAddr)
}

// Listener accepts one peer population's WebSocket connections and runs the
// per-connection read/write pumps. Handlers never write to the socket; they
// enqueue on the connection's outbox and the writer drains it in FIFO
// order.
type Listener struct {
	bind      string
	handler   Handler
	decrypter *encryption.Decrypter
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

// NewListener creates a listener bound to bind for the given handler.
func NewListener(bind string, handler Handler, decrypter *encryption.Decrypter) *Listener {
	return &Listener{
		bind:      bind,
		handler:   handler,
		decrypter: decrypter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Peers authenticate via the JWE handshake, not the Origin
				// header.
				return true
			},
		},
		log: logger.WebSocket().With().Str("listener", handler.Name()).Logger(),
	}
}

// Run binds the configured address and serves until the context is
// cancelled.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.bind)
	if err != nil {
		return fmt.Errorf("error binding to socket: %w", err)
	}

	return l.Serve(ctx, ln)
}

// Serve accepts connections from an existing listener until the context is
// cancelled.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/", l.handleConnection)

	srv := &http.Server{
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	l.log.Info().Str("addr", ln.Addr().String()).Msg("Listening")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// handleConnection upgrades one HTTP request and runs the connection until
// either pump ends.
func (l *Listener) handleConnection(c *gin.Context) {
	conn, err := l.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.log.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	addr := PeerAddr(conn.RemoteAddr().String())
	tx := NewOutbox()

	l.handler.OnAccept(addr, tx)
	l.log.Debug().Str("addr", string(addr)).Msg("Accepted connection")

	// The disconnect hook must run exactly once no matter which pump
	// exits first.
	var once sync.Once
	disconnect := func() {
		once.Do(func() {
			tx.Close()
			conn.Close()
			l.handler.OnDisconnect(addr)
			l.log.Debug().Str("addr", string(addr)).Msg("Disconnected")
		})
	}

	go l.writePump(conn, tx, disconnect)
	l.readPump(c.Request.Context(), conn, addr, disconnect)
}

// readPump reads frames and dispatches each text frame to the handler in
// its own goroutine so a slow handler never blocks subsequent frames.
// Binary and other non-text frames are silently ignored.
func (l *Listener) readPump(ctx context.Context, conn *websocket.Conn, addr PeerAddr, disconnect func()) {
	defer disconnect()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				l.log.Warn().Str("addr", string(addr)).Err(err).Msg("Error reading message")
			}
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		go l.handlePacket(ctx, string(msg), addr)
	}
}

// writePump drains the outbox into the socket in FIFO order and keeps the
// connection alive with pings from a side goroutine. It exits when the
// outbox closes or a write fails; gorilla allows one concurrent writer, so
// both paths share a mutex.
func (l *Listener) writePump(conn *websocket.Conn, tx *Outbox, disconnect func()) {
	defer disconnect()

	var writeMu sync.Mutex
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	for {
		msg, ok := tx.Receive()

		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if !ok {
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			writeMu.Unlock()
			return
		}
		err := conn.WriteMessage(websocket.TextMessage, msg)
		writeMu.Unlock()

		if err != nil {
			l.log.Warn().Err(err).Msg("Write error")
			return
		}
	}
}

// handlePacket decrypts and dispatches one frame. A decryption or claim
// validation failure closes the peer; so does a handler error.
func (l *Listener) handlePacket(ctx context.Context, msg string, addr PeerAddr) {
	p, err := l.decrypter.DecryptPacket(msg, l.handler.Issuer())
	if err != nil {
		l.log.Warn().Str("addr", string(addr)).Err(err).Msg("Dropping undecryptable frame")
		l.handler.OnDecryptError(addr)
		return
	}

	if err := l.handler.OnPacket(ctx, p, addr); err != nil {
		l.log.Error().Str("addr", string(addr)).Stringer("id", p.ID).Err(err).Msg("Error handling packet")
		l.handler.ClosePeer(addr)
	}
}
