package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aesterisk/aesterisk/internal/logger"
	"github.com/aesterisk/aesterisk/internal/packet"
)

// WebServer is the protocol logic of the web-facing listener.
type WebServer struct {
	state *State
	store Store
	log   zerolog.Logger
}

// NewWebServer wires the web listener's handler.
func NewWebServer(state *State, store Store) *WebServer {
	return &WebServer{
		state: state,
		store: store,
		log:   logger.Dispatch().With().Str("server", "web").Logger(),
	}
}

// Name implements Handler.
func (s *WebServer) Name() string { return "web" }

// Issuer implements Handler: web frames must be issued by the web role.
func (s *WebServer) Issuer() string { return "aesterisk/web" }

// OnAccept implements Handler.
func (s *WebServer) OnAccept(addr PeerAddr, tx *Outbox) {
	s.state.AddWeb(addr, tx)
}

// OnDisconnect implements Handler.
func (s *WebServer) OnDisconnect(addr PeerAddr) {
	if err := s.state.RemoveWeb(addr); err != nil {
		s.log.Debug().Str("addr", string(addr)).Err(err).Msg("Web cleanup")
	}
}

// OnDecryptError implements Handler.
func (s *WebServer) OnDecryptError(addr PeerAddr) {
	s.ClosePeer(addr)
}

// ClosePeer implements Handler.
func (s *WebServer) ClosePeer(addr PeerAddr) {
	if err := s.state.DisconnectWeb(addr); err != nil {
		s.log.Debug().Str("addr", string(addr)).Err(err).Msg("Web close")
	}
}

// OnPacket implements Handler. Web clients may only send WSAuth,
// WSHandshakeResponse, WSListen and WSSync; anything else is a protocol
// error.
func (s *WebServer) OnPacket(ctx context.Context, p packet.Packet, addr PeerAddr) error {
	switch p.ID {
	case packet.WSAuth:
		auth, err := packet.ParseWSAuth(p)
		if err != nil {
			return err
		}
		return s.handleAuth(ctx, auth, addr)

	case packet.WSHandshakeResponse:
		response, err := packet.ParseWSHandshakeResponse(p)
		if err != nil {
			return err
		}
		return s.state.AuthenticateWeb(addr, response.Challenge)

	case packet.WSListen:
		listen, err := packet.ParseWSListen(p)
		if err != nil {
			return err
		}
		if !s.state.WebAuthenticated(addr) {
			return ErrNotAuthenticated
		}
		return s.state.SendListen(addr, listen.Events)

	case packet.WSSync:
		sync, err := packet.ParseWSSync(p)
		if err != nil {
			return err
		}
		return s.handleSync(ctx, sync, addr)

	default:
		return fmt.Errorf("should not receive %s packet on the web listener", p.ID)
	}
}

// handleAuth resolves the user's public key (cache first, store on miss)
// and starts the handshake.
func (s *WebServer) handleAuth(ctx context.Context, auth packet.WSAuthPacket, addr PeerAddr) error {
	key, ok := s.state.CachedWebKey(auth.UserID)
	if !ok {
		var err error
		key, err = s.store.UserPublicKey(ctx, auth.UserID)
		if err != nil {
			return fmt.Errorf("user with ID %d does not exist: %w", auth.UserID, err)
		}
		s.state.StoreWebKey(auth.UserID, key)
	}

	return s.state.SendWebHandshakeRequest(addr, auth.UserID, key)
}

// handleSync pushes a fresh snapshot to the named daemon on behalf of an
// authenticated web peer. A failing query or an offline daemon aborts only
// this sync.
func (s *WebServer) handleSync(ctx context.Context, sync packet.WSSyncPacket, addr PeerAddr) error {
	if !s.state.WebAuthenticated(addr) {
		return ErrNotAuthenticated
	}

	snapshot, err := s.store.SyncSnapshot(ctx, sync.Daemon)
	if err != nil {
		s.log.Error().Str("daemon", sync.Daemon.String()).Err(err).Msg("Sync query failed")
		return nil
	}

	if err := s.state.PushSyncToDaemon(sync.Daemon, snapshot); err != nil {
		s.log.Warn().Str("daemon", sync.Daemon.String()).Err(err).Msg("Sync push failed")
	}

	return nil
}
