// Package agent implements the daemon's connection to the Aesterisk
// Server: the outbound WebSocket client with its reconnect loop, the
// handshake, packet dispatch, and the telemetry pumps feeding DSEvent
// frames upstream.
package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aesterisk/aesterisk/internal/daemon/config"
	"github.com/aesterisk/aesterisk/internal/daemon/docker"
	daemonerrors "github.com/aesterisk/aesterisk/internal/daemon/errors"
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

	// reconnectInterval is the pause between connection attempts.
	reconnectInterval = time.Second

	// attemptLogCap damps reconnect logging: the first few attempts are
	// logged, then only every attemptLogEvery-th (1800 x 1s = 30 min).
	attemptLogCap   = 5
	attemptLogEvery = 1800

	// sendBuffer bounds the outgoing queue. Telemetry events are dropped
	// when it is full; control frames (auth, handshake) instead wait for
	// the writer, so they are never lost to a slow session. The queue is
	// drained FIFO so per-event order survives.
	sendBuffer = 256
)

// Engine is the view of the container engine the agent needs. Implemented
// by docker.Client.
type Engine interface {
	EnsureNetwork(ctx context.Context, nw packet.Network) error
	ServerExists(ctx context.Context, id uint32) (bool, error)
	CreateServer(ctx context.Context, server packet.Server) (string, error)
	ServerStatsStream(ctx context.Context, id uint32) (io.ReadCloser, error)
	InspectServer(ctx context.Context, id uint32) (types.ContainerJSON, error)
	Close() error
}

// Agent is the daemon process state: configuration, crypto, the engine
// handle, the current server connection and the telemetry pumps.
type Agent struct {
	cfg  config.Config
	uuid uuid.UUID

	encrypter *encryption.Encrypter
	decrypter *encryption.Decrypter

	docker Engine

	// writeChan queues encrypted frames for the writer (single-writer
	// pattern). A fresh channel is swapped in for every connection
	// attempt and nilled out when the session dies, so no frame from a
	// dead session is ever replayed ahead of the next session's DSAuth
	// and sends with no live session fail with ErrNotConnected.
	writeMu   sync.RWMutex
	writeChan chan []byte

	connMu sync.RWMutex
	conn   *websocket.Conn

	// listens is the event set the server asked the daemon to stream.
	listensMu sync.RWMutex
	listens   map[packet.EventType]struct{}

	// statsPumps tracks the per-server stats pump cancellers.
	statsMu    sync.Mutex
	statsPumps map[uint32]context.CancelFunc

	log zerolog.Logger
}

// New builds the agent: keys are loaded (or generated on first boot), the
// server's public key is read, and the engine connection is verified.
func New(ctx context.Context, cfg config.Config) (*Agent, error) {
	id, err := uuid.Parse(cfg.Daemon.UUID)
	if err != nil {
		return nil, fmt.Errorf("could not parse daemon UUID: %w", err)
	}

	key, err := encryption.LoadOrGenerateKey(cfg.Daemon.PrivateKey, cfg.Daemon.PublicKey)
	if err != nil {
		return nil, err
	}

	serverPEM, err := os.ReadFile(cfg.Server.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("public key not specified: %w", err)
	}

	encrypter, err := encryption.NewEncrypter(serverPEM, encryption.IssuerDaemon)
	if err != nil {
		return nil, err
	}

	dockerClient, err := docker.New(ctx, "data")
	if err != nil {
		return nil, err
	}

	return &Agent{
		cfg:        cfg,
		uuid:       id,
		encrypter:  encrypter,
		decrypter:  encryption.NewDecrypterFromKey(key),
		docker:     dockerClient,
		listens:    make(map[packet.EventType]struct{}),
		statsPumps: make(map[uint32]context.CancelFunc),
		log:        logger.Log.With().Str("component", "agent").Logger(),
	}, nil
}

// Run connects to the server and keeps reconnecting until the context is
// cancelled. The node status pump runs for the whole lifetime.
func (a *Agent) Run(ctx context.Context) error {
	go a.runNodeStatus(ctx)

	attempts := 0
	for {
		attempts++
		logAttempt := attempts <= attemptLogCap || attempts%attemptLogEvery == 0

		if logAttempt {
			a.log.Info().Msg("Connecting to server...")
		}

		err := a.connectAndServe(ctx)
		if ctx.Err() != nil {
			a.stopStatsPumps()
			a.docker.Close()
			return nil
		}

		if err != nil && logAttempt {
			a.log.Error().Err(err).Msg("Connection failed")
		}
		if err == nil {
			// A clean session resets the damping.
			attempts = 0
		}
		if logAttempt {
			a.log.Warn().Int("attempt", attempts).Msg("Disconnected from server, retrying...")
		} else if attempts == attemptLogCap+1 {
			a.log.Warn().Msg("Max logged attempts reached, further attempts will be logged every 30 minutes")
		}

		select {
		case <-time.After(reconnectInterval):
		case <-ctx.Done():
			a.stopStatsPumps()
			a.docker.Close()
			return nil
		}
	}
}

// connectAndServe runs a single connection: dial, authenticate, pump until
// either side ends.
func (a *Agent) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.cfg.Server.URL, nil)
	if err != nil {
		return fmt.Errorf("could not connect to server: %w", err)
	}

	a.log.Info().Msg("Connected to server")

	// Each session gets its own queue; frames stranded by a dying
	// session are discarded with it, never replayed into the next one.
	writeChan := make(chan []byte, sendBuffer)
	a.writeMu.Lock()
	a.writeChan = writeChan
	a.writeMu.Unlock()

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()

	// A new session starts with no listens until the server says
	// otherwise.
	a.setListens(nil)

	done := make(chan struct{})
	go a.writePump(conn, writeChan, done)

	// Cancellation must interrupt the blocking read.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	a.log.Info().Msg("Authenticating...")
	if err := a.sendPacket(ctx, packet.DSAuthPacket{DaemonUUID: a.uuid.String()}); err != nil {
		a.log.Error().Err(err).Msg("Error authenticating")
	}

	a.readPump(ctx, conn)

	close(done)
	conn.Close()

	a.connMu.Lock()
	a.conn = nil
	a.connMu.Unlock()

	// The session's queue and listens die with it; sends between sessions
	// fail with ErrNotConnected instead of piling onto a stranded queue.
	a.writeMu.Lock()
	a.writeChan = nil
	a.writeMu.Unlock()
	a.setListens(nil)

	return nil
}

// readPump reads frames until the connection dies, handling each text
// frame in its own goroutine. Non-text frames are ignored.
func (a *Agent) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		// WriteControl is safe alongside the writer goroutine.
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				a.log.Warn().Err(err).Msg("Error reading message")
			}
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		go func(text string) {
			if err := a.handleMessage(ctx, text); err != nil {
				a.log.Error().Err(err).Msg("Error handling packet")
			}
		}(string(msg))
	}
}

// writePump drains one session's queue into its connection (single
// writer). It exits when done closes; the queue dies with the session.
func (a *Agent) writePump(conn *websocket.Conn, writeChan <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case msg := <-writeChan:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				a.log.Warn().Err(err).Msg("Write error")
				return
			}

		case <-done:
			return
		}
	}
}

// sendPacket seals a packet and hands it to the current session's writer.
// Telemetry events are dropped when the queue is full so a slow session
// can never wedge the stats pumps; control frames (auth, handshake) are
// never dropped and instead wait for the writer to free a slot. With no
// live session the frame is rejected with ErrNotConnected.
func (a *Agent) sendPacket(ctx context.Context, pk interface {
	ToPacket() (packet.Packet, error)
}) error {
	p, err := pk.ToPacket()
	if err != nil {
		return err
	}

	msg, err := a.encrypter.EncryptPacket(p)
	if err != nil {
		return err
	}

	a.writeMu.RLock()
	writeChan := a.writeChan
	a.writeMu.RUnlock()

	if writeChan == nil {
		return daemonerrors.ErrNotConnected
	}

	if p.ID == packet.DSEvent {
		select {
		case writeChan <- []byte(msg):
			return nil
		default:
			return fmt.Errorf("send queue is full, dropping %s", p.ID)
		}
	}

	select {
	case writeChan <- []byte(msg):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setListens replaces the set of event types the daemon streams.
func (a *Agent) setListens(events []packet.EventType) {
	next := make(map[packet.EventType]struct{}, len(events))
	for _, ev := range events {
		next[ev] = struct{}{}
	}

	a.listensMu.Lock()
	a.listens = next
	a.listensMu.Unlock()
}

// listening reports whether the server wants the given event type.
func (a *Agent) listening(event packet.EventType) bool {
	a.listensMu.RLock()
	defer a.listensMu.RUnlock()

	_, ok := a.listens[event]
	return ok
}
