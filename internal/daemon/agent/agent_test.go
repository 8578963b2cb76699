package agent

import (
	"context"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	daemonerrors "github.com/aesterisk/aesterisk/internal/daemon/errors"
	"github.com/aesterisk/aesterisk/internal/encryption"
	"github.com/aesterisk/aesterisk/internal/packet"
)

func newTestAgent(t *testing.T) *Agent {
	a, _ := newTestAgentWithKey(t)
	return a
}

func newTestAgentWithKey(t *testing.T) (*Agent, *rsa.PrivateKey) {
	t.Helper()

	key, err := encryption.GenerateKey()
	require.NoError(t, err)

	encrypter, err := encryption.NewEncrypterFromKey(&key.PublicKey, encryption.IssuerDaemon)
	require.NoError(t, err)

	return &Agent{
		encrypter: encrypter,
		decrypter: encryption.NewDecrypterFromKey(key),
		writeChan: make(chan []byte, 2),
		listens:   make(map[packet.EventType]struct{}),
	}, key
}

func TestSetListensReplaces(t *testing.T) {
	a := newTestAgent(t)

	a.setListens([]packet.EventType{packet.EventNodeStatus, packet.EventServerStatus})
	assert.True(t, a.listening(packet.EventNodeStatus))
	assert.True(t, a.listening(packet.EventServerStatus))

	a.setListens([]packet.EventType{packet.EventServerStatus})
	assert.False(t, a.listening(packet.EventNodeStatus))
	assert.True(t, a.listening(packet.EventServerStatus))

	a.setListens(nil)
	assert.False(t, a.listening(packet.EventServerStatus))
}

func onlineEvent() packet.DSEventPacket {
	return packet.DSEventPacket{Data: packet.NewNodeStatus(packet.NodeStatusEvent{Online: true})}
}

func TestSendPacketEnqueuesEncryptedFrame(t *testing.T) {
	a := newTestAgent(t)

	require.NoError(t, a.sendPacket(context.Background(), packet.DSAuthPacket{DaemonUUID: "11111111-1111-4111-8111-111111111111"}))

	msg := <-a.writeChan
	decoded, err := a.decrypter.DecryptPacket(string(msg), encryption.IssuerDaemon)
	require.NoError(t, err)
	assert.Equal(t, packet.DSAuth, decoded.ID)
}

func TestSendPacketDropsEventsWhenQueueFull(t *testing.T) {
	a := newTestAgent(t)
	ctx := context.Background()

	require.NoError(t, a.sendPacket(ctx, onlineEvent()))
	require.NoError(t, a.sendPacket(ctx, onlineEvent()))

	err := a.sendPacket(ctx, onlineEvent())
	assert.ErrorContains(t, err, "send queue is full")
}

func TestSendPacketNeverDropsControlFrames(t *testing.T) {
	a := newTestAgent(t)
	ctx := context.Background()

	// Fill the queue with telemetry; a control frame must wait for the
	// writer instead of being dropped.
	require.NoError(t, a.sendPacket(ctx, onlineEvent()))
	require.NoError(t, a.sendPacket(ctx, onlineEvent()))

	done := make(chan error, 1)
	go func() {
		done <- a.sendPacket(ctx, packet.DSHandshakeResponsePacket{Challenge: "AB12"})
	}()

	select {
	case err := <-done:
		t.Fatalf("control frame sent against a full queue: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Draining one slot lets the blocked control send through.
	<-a.writeChan
	require.NoError(t, <-done)
}

func TestSendPacketControlHonoursCancellation(t *testing.T) {
	a := newTestAgent(t)

	require.NoError(t, a.sendPacket(context.Background(), onlineEvent()))
	require.NoError(t, a.sendPacket(context.Background(), onlineEvent()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.sendPacket(ctx, packet.DSAuthPacket{DaemonUUID: "11111111-1111-4111-8111-111111111111"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendPacketWithoutSessionFails(t *testing.T) {
	a := newTestAgent(t)

	a.writeMu.Lock()
	a.writeChan = nil
	a.writeMu.Unlock()

	err := a.sendPacket(context.Background(), packet.DSAuthPacket{DaemonUUID: "11111111-1111-4111-8111-111111111111"})
	assert.ErrorIs(t, err, daemonerrors.ErrNotConnected)

	err = a.sendPacket(context.Background(), onlineEvent())
	assert.ErrorIs(t, err, daemonerrors.ErrNotConnected)
}

func TestSendPacketUsesCurrentSessionQueue(t *testing.T) {
	a := newTestAgent(t)

	// A frame enqueued during one session...
	require.NoError(t, a.sendPacket(context.Background(), onlineEvent()))
	stale := a.writeChan

	// ...must not leak into the next session's queue after a reconnect
	// swaps in a fresh channel.
	a.writeMu.Lock()
	a.writeChan = make(chan []byte, 2)
	a.writeMu.Unlock()

	require.NoError(t, a.sendPacket(context.Background(), packet.DSAuthPacket{DaemonUUID: "11111111-1111-4111-8111-111111111111"}))

	assert.Len(t, stale, 1)
	require.Len(t, a.writeChan, 1)

	msg := <-a.writeChan
	decoded, err := a.decrypter.DecryptPacket(string(msg), encryption.IssuerDaemon)
	require.NoError(t, err)

	auth, err := packet.ParseDSAuth(decoded)
	require.NoError(t, err)
	assert.Equal(t, "11111111-1111-4111-8111-111111111111", auth.DaemonUUID)
}

func TestHandleListenUpdatesSet(t *testing.T) {
	a := newTestAgent(t)

	require.NoError(t, a.handleListen(packet.SDListenPacket{Events: []packet.EventType{packet.EventNodeStatus}}))
	assert.True(t, a.listening(packet.EventNodeStatus))

	require.NoError(t, a.handleListen(packet.SDListenPacket{Events: []packet.EventType{}}))
	assert.False(t, a.listening(packet.EventNodeStatus))
}

func TestHandleAuthResponse(t *testing.T) {
	a := newTestAgent(t)

	assert.NoError(t, a.handleAuthResponse(packet.SDAuthResponsePacket{Success: true}))
	assert.Error(t, a.handleAuthResponse(packet.SDAuthResponsePacket{Success: false}))
}

func TestHandleHandshakeRequestEchoesChallenge(t *testing.T) {
	a := newTestAgent(t)

	require.NoError(t, a.handleHandshakeRequest(context.Background(), packet.SDHandshakeRequestPacket{Challenge: "AB12"}))

	msg := <-a.writeChan
	decoded, err := a.decrypter.DecryptPacket(string(msg), encryption.IssuerDaemon)
	require.NoError(t, err)

	response, err := packet.ParseDSHandshakeResponse(decoded)
	require.NoError(t, err)
	assert.Equal(t, "AB12", response.Challenge)
}
