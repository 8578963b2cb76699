package agent

import (
	"context"
	"fmt"

	"github.com/aesterisk/aesterisk/internal/encryption"
	"github.com/aesterisk/aesterisk/internal/packet"
)

// handleMessage decrypts one frame from the server and dispatches it. The
// daemon only ever receives SD* packets.
func (a *Agent) handleMessage(ctx context.Context, msg string) error {
	p, err := a.decrypter.DecryptPacket(msg, encryption.IssuerServer)
	if err != nil {
		return err
	}

	a.log.Debug().Stringer("id", p.ID).Msg("Received packet")

	switch p.ID {
	case packet.SDAuthResponse:
		response, err := packet.ParseSDAuthResponse(p)
		if err != nil {
			return err
		}
		return a.handleAuthResponse(response)

	case packet.SDHandshakeRequest:
		request, err := packet.ParseSDHandshakeRequest(p)
		if err != nil {
			return err
		}
		return a.handleHandshakeRequest(ctx, request)

	case packet.SDListen:
		listen, err := packet.ParseSDListen(p)
		if err != nil {
			return err
		}
		return a.handleListen(listen)

	case packet.SDSync:
		sync, err := packet.ParseSDSync(p)
		if err != nil {
			return err
		}
		return a.handleSync(ctx, sync)

	default:
		return fmt.Errorf("should not receive %s packet from the server", p.ID)
	}
}

// handleHandshakeRequest echoes the server's challenge back, proving the
// daemon holds the private key the challenge was encrypted for.
func (a *Agent) handleHandshakeRequest(ctx context.Context, request packet.SDHandshakeRequestPacket) error {
	return a.sendPacket(ctx, packet.DSHandshakeResponsePacket{Challenge: request.Challenge})
}

// handleAuthResponse logs the handshake outcome.
func (a *Agent) handleAuthResponse(response packet.SDAuthResponsePacket) error {
	if !response.Success {
		return fmt.Errorf("server rejected authentication")
	}

	a.log.Info().Msg("Authenticated")
	return nil
}

// handleListen replaces the streamed event set.
func (a *Agent) handleListen(listen packet.SDListenPacket) error {
	a.setListens(listen.Events)
	return nil
}

// handleSync reconciles the snapshot against the engine: ensure each
// network, materialize each absent server, and make sure every synced
// server has a stats pump. A failing entry is logged and skipped so the
// rest of the snapshot still applies; the prior state of failed entries is
// left in place.
func (a *Agent) handleSync(ctx context.Context, sync packet.SDSyncPacket) error {
	a.log.Info().
		Int("networks", len(sync.Networks)).
		Int("servers", len(sync.Servers)).
		Msg("Syncing data from server with Docker")

	for _, nw := range sync.Networks {
		a.log.Debug().Uint32("network", nw.ID).Msg("Checking network")
		if err := a.docker.EnsureNetwork(ctx, nw); err != nil {
			a.log.Error().Uint32("network", nw.ID).Err(err).Msg("Could not ensure network")
		}
	}

	for _, server := range sync.Servers {
		exists, err := a.docker.ServerExists(ctx, server.ID)
		if err != nil {
			a.log.Error().Uint32("server", server.ID).Err(err).Msg("Could not check server")
			continue
		}

		if !exists {
			a.log.Debug().Uint32("server", server.ID).Msg("Creating server")
			if _, err := a.docker.CreateServer(ctx, server); err != nil {
				a.log.Error().Uint32("server", server.ID).Err(err).Msg("Could not create server")
				continue
			}
		}

		a.startServerStats(ctx, server.ID)
	}

	return nil
}
