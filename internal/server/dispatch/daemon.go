package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aesterisk/aesterisk/internal/logger"
	"github.com/aesterisk/aesterisk/internal/packet"
)

// Store is the read-only view of the relational store the dispatch core
// needs: identity keys for both peer kinds and the desired-state snapshot
// for a daemon's node.
type Store interface {
	UserPublicKey(ctx context.Context, userID uint32) ([]byte, error)
	NodePublicKey(ctx context.Context, daemonUUID uuid.UUID) ([]byte, error)
	SyncSnapshot(ctx context.Context, daemonUUID uuid.UUID) (packet.SDSyncPacket, error)
}

// DaemonServer is the protocol logic of the daemon-facing listener.
type DaemonServer struct {
	state *State
	store Store
	log   zerolog.Logger
}

// NewDaemonServer wires the daemon listener's handler.
func NewDaemonServer(state *State, store Store) *DaemonServer {
	return &DaemonServer{
		state: state,
		store: store,
		log:   logger.Dispatch().With().Str("server", "daemon").Logger(),
	}
}

// Name implements Handler.
func (s *DaemonServer) Name() string { return "daemon" }

// Issuer implements Handler: daemon frames must be issued by the daemon
// role.
func (s *DaemonServer) Issuer() string { return "aesterisk/daemon" }

// OnAccept implements Handler.
func (s *DaemonServer) OnAccept(addr PeerAddr, tx *Outbox) {
	s.state.AddDaemon(addr, tx)
}

// OnDisconnect implements Handler.
func (s *DaemonServer) OnDisconnect(addr PeerAddr) {
	if err := s.state.RemoveDaemon(addr); err != nil {
		s.log.Debug().Str("addr", string(addr)).Err(err).Msg("Daemon cleanup")
	}
}

// OnDecryptError implements Handler.
func (s *DaemonServer) OnDecryptError(addr PeerAddr) {
	s.ClosePeer(addr)
}

// ClosePeer implements Handler.
func (s *DaemonServer) ClosePeer(addr PeerAddr) {
	if err := s.state.DisconnectDaemon(addr); err != nil {
		s.log.Debug().Str("addr", string(addr)).Err(err).Msg("Daemon close")
	}
}

// OnPacket implements Handler. Daemons may only send DSAuth,
// DSHandshakeResponse and DSEvent; anything else is a protocol error.
func (s *DaemonServer) OnPacket(ctx context.Context, p packet.Packet, addr PeerAddr) error {
	switch p.ID {
	case packet.DSAuth:
		auth, err := packet.ParseDSAuth(p)
		if err != nil {
			return err
		}
		return s.handleAuth(ctx, auth, addr)

	case packet.DSHandshakeResponse:
		response, err := packet.ParseDSHandshakeResponse(p)
		if err != nil {
			return err
		}
		return s.handleHandshakeResponse(ctx, response, addr)

	case packet.DSEvent:
		event, err := packet.ParseDSEvent(p)
		if err != nil {
			return err
		}
		return s.state.SendEventFromDaemon(addr, event.Data)

	default:
		return fmt.Errorf("should not receive %s packet on the daemon listener", p.ID)
	}
}

// handleAuth resolves the daemon's public key (cache first, store on miss)
// and starts the handshake.
func (s *DaemonServer) handleAuth(ctx context.Context, auth packet.DSAuthPacket, addr PeerAddr) error {
	daemonUUID, err := uuid.Parse(auth.DaemonUUID)
	if err != nil {
		return fmt.Errorf("could not parse daemon UUID: %w", err)
	}

	key, ok := s.state.CachedDaemonKey(daemonUUID)
	if !ok {
		key, err = s.store.NodePublicKey(ctx, daemonUUID)
		if err != nil {
			return fmt.Errorf("node with UUID %s does not exist: %w", daemonUUID, err)
		}
		s.state.StoreDaemonKey(daemonUUID, key)
	}

	return s.state.SendDaemonHandshakeRequest(addr, daemonUUID, key)
}

// handleHandshakeResponse finishes the handshake and kicks off the initial
// sync. A failing snapshot query aborts only the sync, never the
// connection.
func (s *DaemonServer) handleHandshakeResponse(ctx context.Context, response packet.DSHandshakeResponsePacket, addr PeerAddr) error {
	daemonUUID, err := s.state.AuthenticateDaemon(addr, response.Challenge)
	if err != nil {
		return err
	}

	s.log.Info().Str("daemon", daemonUUID.String()).Msg("Authenticated")

	snapshot, err := s.store.SyncSnapshot(ctx, daemonUUID)
	if err != nil {
		s.log.Error().Str("daemon", daemonUUID.String()).Err(err).Msg("Initial sync query failed")
		return nil
	}

	if err := s.state.PushSyncToDaemon(daemonUUID, snapshot); err != nil {
		s.log.Error().Str("daemon", daemonUUID.String()).Err(err).Msg("Initial sync push failed")
	}

	return nil
}
