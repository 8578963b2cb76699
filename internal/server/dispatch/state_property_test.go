package dispatch

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aesterisk/aesterisk/internal/packet"
)

// TestIndexInvariantsUnderChurn drives a deterministic random sequence of
// listen / connect / disconnect / re-auth operations and checks the index
// invariants at quiescence after every step:
//   - the daemon id index only points at live authenticated connections
//     whose handshake carries the same id
//   - the two listen maps are exact mirrors with no empty levels
//   - no disconnected web peer is referenced anywhere
//   - daemon subscriptions survive daemon disconnects
func TestIndexInvariantsUnderChurn(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s := NewState()

	daemons := []uuid.UUID{
		uuid.MustParse("11111111-1111-4111-8111-111111111111"),
		uuid.MustParse("22222222-2222-4222-8222-222222222222"),
		uuid.MustParse("33333333-3333-4333-8333-333333333333"),
	}
	events := []packet.EventType{packet.EventNodeStatus, packet.EventServerStatus}

	// Reuse keypairs across reconnections; generating RSA keys per
	// operation would dominate the test.
	webPeers := make([]*testPeer, 3)
	daemonPeers := make([]*testPeer, len(daemons))
	for i := range webPeers {
		webPeers[i] = newTestPeer(t, fmt.Sprintf("127.0.0.1:5%04d", i))
	}
	for i := range daemonPeers {
		daemonPeers[i] = newTestPeer(t, fmt.Sprintf("127.0.0.1:6%04d", i))
	}

	webConnected := make([]bool, len(webPeers))
	daemonConnected := make([]bool, len(daemonPeers))
	nextPort := 40000

	reconnect := func(p *testPeer) {
		// A fresh connection reuses the keys but gets a new address and
		// outbox, like a real reconnect.
		nextPort++
		p.addr = PeerAddr(fmt.Sprintf("127.0.0.1:%d", nextPort))
		p.tx = NewOutbox()
	}

	drain := func(p *testPeer) {
		for {
			p.tx.mu.Lock()
			empty := len(p.tx.queue) == 0
			p.tx.queue = nil
			p.tx.mu.Unlock()
			if empty {
				return
			}
		}
	}

	randomListen := func() []packet.ListenEvent {
		var out []packet.ListenEvent
		for _, event := range events {
			var named []uuid.UUID
			for _, d := range daemons {
				if rng.Intn(2) == 0 {
					named = append(named, d)
				}
			}
			if len(named) > 0 {
				out = append(out, packet.ListenEvent{Event: event, Daemons: named})
			}
		}
		return out
	}

	for step := 0; step < 120; step++ {
		switch rng.Intn(5) {
		case 0: // web (re)connect
			i := rng.Intn(len(webPeers))
			if webConnected[i] {
				break
			}
			reconnect(webPeers[i])
			connectWeb(t, s, webPeers[i], uint32(i+1))
			webConnected[i] = true

		case 1: // web listen (replacing)
			i := rng.Intn(len(webPeers))
			if !webConnected[i] {
				break
			}
			require.NoError(t, s.SendListen(webPeers[i].addr, randomListen()))

		case 2: // web disconnect
			i := rng.Intn(len(webPeers))
			if !webConnected[i] {
				break
			}
			require.NoError(t, s.RemoveWeb(webPeers[i].addr))
			webConnected[i] = false

		case 3: // daemon (re)connect, possibly superseding itself
			i := rng.Intn(len(daemonPeers))
			old := daemonPeers[i].addr
			wasConnected := daemonConnected[i]
			reconnect(daemonPeers[i])
			connectDaemon(t, s, daemonPeers[i], daemons[i])
			if wasConnected {
				// The superseded connection's teardown must not disturb
				// the new one.
				require.NoError(t, s.RemoveDaemon(old))
			}
			daemonConnected[i] = true

		case 4: // daemon disconnect
			i := rng.Intn(len(daemonPeers))
			if !daemonConnected[i] {
				break
			}
			_, subscribed := s.daemonListen[daemons[i]]
			require.NoError(t, s.RemoveDaemon(daemonPeers[i].addr))
			_, stillSubscribed := s.daemonListen[daemons[i]]
			assert.Equal(t, subscribed, stillSubscribed, "step %d: daemon disconnect changed its subscriptions", step)
			daemonConnected[i] = false
		}

		for _, p := range webPeers {
			drain(p)
		}
		for _, p := range daemonPeers {
			drain(p)
		}

		assertMirror(t, s)
		assertChannelConsistency(t, s)

		// No reference to a disconnected web peer survives (I5).
		for i, p := range webPeers {
			if webConnected[i] {
				continue
			}
			_, ok := s.webListen[p.addr]
			assert.False(t, ok, "step %d: disconnected peer still in web listen map", step)
			for _, listen := range s.daemonListen {
				for _, set := range listen {
					_, ok := set[p.addr]
					assert.False(t, ok, "step %d: disconnected peer still subscribed", step)
				}
			}
		}

		// Disconnected daemons are out of the id index (I1) but their
		// subscriptions may persist by design.
		for i, d := range daemons {
			addr, ok := s.DaemonAddr(d)
			assert.Equal(t, daemonConnected[i], ok, "step %d: id index wrong for %s", step, d)
			if ok {
				assert.Equal(t, daemonPeers[i].addr, addr, "step %d: id index points at stale peer", step)
			}
		}
	}
}

// assertChannelConsistency checks I1 in both directions: every id index
// entry resolves to an authenticated daemon socket with the same UUID, and
// every authenticated daemon socket that is still connected appears in the
// index.
func assertChannelConsistency(t *testing.T, s *State) {
	t.Helper()

	s.daemonIDMu.RLock()
	ids := make(map[uuid.UUID]PeerAddr, len(s.daemonIDs))
	for d, addr := range s.daemonIDs {
		ids[d] = addr
	}
	s.daemonIDMu.RUnlock()

	s.daemonMu.RLock()
	defer s.daemonMu.RUnlock()

	for d, addr := range ids {
		socket, ok := s.daemonChannels[addr]
		require.True(t, ok, "id index entry %s points at missing channel", d)
		require.NotNil(t, socket.Handshake, "id index entry %s points at unauthenticated peer", d)
		assert.Equal(t, d, socket.Handshake.DaemonUUID)
	}

	for addr, socket := range s.daemonChannels {
		if socket.Handshake == nil {
			continue
		}
		assert.Equal(t, addr, ids[socket.Handshake.DaemonUUID], "authenticated daemon %s missing from id index", addr)
	}
}
