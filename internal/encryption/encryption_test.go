package encryption

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aesterisk/aesterisk/internal/packet"
)

func newTestPair(t *testing.T, issuer string) (*Encrypter, *Decrypter) {
	t.Helper()

	key, err := GenerateKey()
	require.NoError(t, err)

	enc, err := NewEncrypterFromKey(&key.PublicKey, issuer)
	require.NoError(t, err)

	return enc, NewDecrypterFromKey(key)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, dec := newTestPair(t, IssuerServer)

	p, err := packet.SWHandshakeRequestPacket{Challenge: "AB12CD"}.ToPacket()
	require.NoError(t, err)

	msg, err := enc.EncryptPacket(p)
	require.NoError(t, err)

	decoded, err := dec.DecryptPacket(msg, IssuerServer)
	require.NoError(t, err)
	assert.Equal(t, packet.SWHandshakeRequest, decoded.ID)

	hs, err := packet.ParseSWHandshakeRequest(decoded)
	require.NoError(t, err)
	assert.Equal(t, "AB12CD", hs.Challenge)
}

func TestEveryPacketVariantSurvivesTheEnvelope(t *testing.T) {
	enc, dec := newTestPair(t, IssuerDaemon)

	packets := []interface {
		ToPacket() (packet.Packet, error)
	}{
		packet.WSAuthPacket{UserID: 42},
		packet.DSAuthPacket{DaemonUUID: "11111111-1111-4111-8111-111111111111"},
		packet.SWHandshakeRequestPacket{Challenge: "AA"},
		packet.SDHandshakeRequestPacket{Challenge: "BB"},
		packet.WSHandshakeResponsePacket{Challenge: "AA"},
		packet.DSHandshakeResponsePacket{Challenge: "BB"},
		packet.SWAuthResponsePacket{Success: true},
		packet.SDAuthResponsePacket{Success: true},
		packet.WSListenPacket{Events: []packet.ListenEvent{}},
		packet.SDListenPacket{Events: []packet.EventType{packet.EventNodeStatus}},
		packet.DSEventPacket{Data: packet.NewNodeStatus(packet.NodeStatusEvent{Online: true})},
		packet.SDSyncPacket{Networks: []packet.Network{{ID: 7, Subnet: 3}}, Servers: []packet.Server{}},
	}

	for _, pk := range packets {
		p, err := pk.ToPacket()
		require.NoError(t, err)

		msg, err := enc.EncryptPacket(p)
		require.NoError(t, err)

		decoded, err := dec.DecryptPacket(msg, IssuerDaemon)
		require.NoError(t, err, "packet %s", p.ID)
		assert.Equal(t, p.ID, decoded.ID)
		assert.JSONEq(t, string(p.Data), string(decoded.Data))
	}
}

func TestDecryptRejectsWrongIssuer(t *testing.T) {
	enc, dec := newTestPair(t, IssuerServer)

	p, err := packet.SWAuthResponsePacket{Success: true}.ToPacket()
	require.NoError(t, err)

	msg, err := enc.EncryptPacket(p)
	require.NoError(t, err)

	_, err = dec.DecryptPacket(msg, IssuerWeb)
	assert.Error(t, err)
}

func TestDecryptRejectsOldToken(t *testing.T) {
	enc, dec := newTestPair(t, IssuerWeb)

	enc.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }

	p, err := packet.WSAuthPacket{UserID: 1}.ToPacket()
	require.NoError(t, err)

	msg, err := enc.EncryptPacket(p)
	require.NoError(t, err)

	_, err = dec.DecryptPacket(msg, IssuerWeb)
	assert.Error(t, err)
}

func TestDecryptRejectsFutureToken(t *testing.T) {
	enc, dec := newTestPair(t, IssuerWeb)

	enc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	p, err := packet.WSAuthPacket{UserID: 1}.ToPacket()
	require.NoError(t, err)

	msg, err := enc.EncryptPacket(p)
	require.NoError(t, err)

	_, err = dec.DecryptPacket(msg, IssuerWeb)
	assert.Error(t, err)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	enc, _ := newTestPair(t, IssuerServer)
	_, otherDec := newTestPair(t, IssuerServer)

	p, err := packet.SWAuthResponsePacket{Success: true}.ToPacket()
	require.NoError(t, err)

	msg, err := enc.EncryptPacket(p)
	require.NoError(t, err)

	_, err = otherDec.DecryptPacket(msg, IssuerServer)
	assert.Error(t, err)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	_, dec := newTestPair(t, IssuerServer)

	_, err := dec.DecryptPacket("not-a-jwe", IssuerServer)
	assert.Error(t, err)
}

func TestPEMRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	privPEM, err := EncodePrivateKey(key)
	require.NoError(t, err)
	pubPEM, err := EncodePublicKey(&key.PublicKey)
	require.NoError(t, err)

	parsedPriv, err := ParsePrivateKey(privPEM)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsedPriv))

	parsedPub, err := ParsePublicKey(pubPEM)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(parsedPub))
}

func TestLoadOrGenerateKeyCreatesPair(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "daemon.pem")
	pubPath := filepath.Join(dir, "daemon.pub")

	key, err := LoadOrGenerateKey(privPath, pubPath)
	require.NoError(t, err)
	require.NotNil(t, key)

	// A second call must load the same key instead of generating a new one.
	again, err := LoadOrGenerateKey(privPath, pubPath)
	require.NoError(t, err)
	assert.True(t, key.Equal(again))
}

func TestGenerateChallenge(t *testing.T) {
	c1, err := GenerateChallenge()
	require.NoError(t, err)
	c2, err := GenerateChallenge()
	require.NoError(t, err)

	assert.Len(t, c1, 512)
	assert.NotEqual(t, c1, c2)
	assert.Regexp(t, "^[0-9A-F]+$", c1)
}
