// Package packet defines the versioned wire schema shared by the Aesterisk
// Server, the daemons and the web clients.
//
// Every frame on the wire carries exactly one Packet. A Packet is a small
// tagged envelope: a schema version, a numeric ID identifying the variant,
// and the variant's payload as raw JSON. The ID prefix encodes direction
// (W=web, D=daemon, S=server; e.g. WSListen travels web->server, SDSync
// travels server->daemon).
//
// Typed packets (WSAuthPacket, SDSyncPacket, ...) each provide a
// Parse function that checks the envelope ID and version before decoding,
// and a ToPacket method for the reverse. Parsing is total: a packet whose
// ID and payload disagree is a protocol error, never a partial decode.
package packet

import (
	"encoding/json"
	"fmt"
)

// Version is the wire schema version, a single byte.
type Version uint8

// V0_1_0 is the only schema version currently in existence. Unknown
// versions must be rejected by every parser.
const V0_1_0 Version = 0

// ID tags the packet variant. The integer codes are wire-stable; never
// reorder them.
type ID uint8

const (
	WSAuth              ID = 0
	DSAuth              ID = 1
	SWHandshakeRequest  ID = 2
	SDHandshakeRequest  ID = 3
	WSHandshakeResponse ID = 4
	DSHandshakeResponse ID = 5
	SWAuthResponse      ID = 6
	SDAuthResponse      ID = 7
	WSListen            ID = 8
	SDListen            ID = 9
	DSEvent             ID = 10
	SWEvent             ID = 11
	WSSync              ID = 12
	SDSync              ID = 13
)

// String returns the symbolic name of the packet ID.
func (id ID) String() string {
	switch id {
	case WSAuth:
		return "WSAuth"
	case DSAuth:
		return "DSAuth"
	case SWHandshakeRequest:
		return "SWHandshakeRequest"
	case SDHandshakeRequest:
		return "SDHandshakeRequest"
	case WSHandshakeResponse:
		return "WSHandshakeResponse"
	case DSHandshakeResponse:
		return "DSHandshakeResponse"
	case SWAuthResponse:
		return "SWAuthResponse"
	case SDAuthResponse:
		return "SDAuthResponse"
	case WSListen:
		return "WSListen"
	case SDListen:
		return "SDListen"
	case DSEvent:
		return "DSEvent"
	case SWEvent:
		return "SWEvent"
	case WSSync:
		return "WSSync"
	case SDSync:
		return "SDSync"
	default:
		return fmt.Sprintf("ID(%d)", uint8(id))
	}
}

// Packet is the wire envelope: {version, id, data}.
type Packet struct {
	Version Version         `json:"version"`
	ID      ID              `json:"id"`
	Data    json.RawMessage `json:"data"`
}

// New builds a Packet by marshalling data as the payload of the given ID.
func New(id ID, data interface{}) (Packet, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Packet{}, fmt.Errorf("packet data should be serializable: %w", err)
	}

	return Packet{
		Version: V0_1_0,
		ID:      id,
		Data:    raw,
	}, nil
}

// FromJSON decodes a Packet from its JSON encoding, rejecting unknown
// schema versions.
func FromJSON(raw []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return Packet{}, fmt.Errorf("failed to deserialize packet: %w", err)
	}

	if p.Version != V0_1_0 {
		return Packet{}, fmt.Errorf("unknown packet version: %d", p.Version)
	}

	return p, nil
}

// String returns the packet's JSON encoding.
func (p Packet) String() string {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("Packet{version: %d, id: %s, <unserializable>}", p.Version, p.ID)
	}
	return string(raw)
}

// decodeAs is the shared tail of every typed Parse function: it checks the
// envelope against the expected ID and version, then decodes the payload.
func decodeAs(p Packet, want ID, dst interface{}) error {
	if p.ID != want {
		return fmt.Errorf("expected %s packet, got %s", want, p.ID)
	}

	if p.Version != V0_1_0 {
		return fmt.Errorf("unknown packet version: %d", p.Version)
	}

	if err := json.Unmarshal(p.Data, dst); err != nil {
		return fmt.Errorf("could not decode %s payload: %w", want, err)
	}

	return nil
}
