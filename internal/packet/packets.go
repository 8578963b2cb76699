package packet

import (
	"fmt"

	"github.com/google/uuid"
)

// WSAuthPacket starts the web handshake by naming the user connecting.
type WSAuthPacket struct {
	UserID uint32 `json:"user_id"`
}

// ParseWSAuth decodes a WSAuth packet.
func ParseWSAuth(p Packet) (WSAuthPacket, error) {
	var out WSAuthPacket
	err := decodeAs(p, WSAuth, &out)
	return out, err
}

// ToPacket wraps the payload in its wire envelope.
func (pk WSAuthPacket) ToPacket() (Packet, error) {
	return New(WSAuth, pk)
}

// DSAuthPacket starts the daemon handshake by naming the daemon connecting.
type DSAuthPacket struct {
	DaemonUUID string `json:"daemon_uuid"`
}

// ParseDSAuth decodes a DSAuth packet.
func ParseDSAuth(p Packet) (DSAuthPacket, error) {
	var out DSAuthPacket
	err := decodeAs(p, DSAuth, &out)
	return out, err
}

// ToPacket wraps the payload in its wire envelope.
func (pk DSAuthPacket) ToPacket() (Packet, error) {
	return New(DSAuth, pk)
}

// SWHandshakeRequestPacket carries the server's challenge to a web client.
type SWHandshakeRequestPacket struct {
	Challenge string `json:"challenge"`
}

// ParseSWHandshakeRequest decodes an SWHandshakeRequest packet.
func ParseSWHandshakeRequest(p Packet) (SWHandshakeRequestPacket, error) {
	var out SWHandshakeRequestPacket
	err := decodeAs(p, SWHandshakeRequest, &out)
	return out, err
}

// ToPacket wraps the payload in its wire envelope.
func (pk SWHandshakeRequestPacket) ToPacket() (Packet, error) {
	return New(SWHandshakeRequest, pk)
}

// SDHandshakeRequestPacket carries the server's challenge to a daemon.
type SDHandshakeRequestPacket struct {
	Challenge string `json:"challenge"`
}

// ParseSDHandshakeRequest decodes an SDHandshakeRequest packet.
func ParseSDHandshakeRequest(p Packet) (SDHandshakeRequestPacket, error) {
	var out SDHandshakeRequestPacket
	err := decodeAs(p, SDHandshakeRequest, &out)
	return out, err
}

// ToPacket wraps the payload in its wire envelope.
func (pk SDHandshakeRequestPacket) ToPacket() (Packet, error) {
	return New(SDHandshakeRequest, pk)
}

// WSHandshakeResponsePacket echoes the challenge back from a web client.
type WSHandshakeResponsePacket struct {
	Challenge string `json:"challenge"`
}

// ParseWSHandshakeResponse decodes a WSHandshakeResponse packet.
func ParseWSHandshakeResponse(p Packet) (WSHandshakeResponsePacket, error) {
	var out WSHandshakeResponsePacket
	err := decodeAs(p, WSHandshakeResponse, &out)
	return out, err
}

// ToPacket wraps the payload in its wire envelope.
func (pk WSHandshakeResponsePacket) ToPacket() (Packet, error) {
	return New(WSHandshakeResponse, pk)
}

// DSHandshakeResponsePacket echoes the challenge back from a daemon.
type DSHandshakeResponsePacket struct {
	Challenge string `json:"challenge"`
}

// ParseDSHandshakeResponse decodes a DSHandshakeResponse packet.
func ParseDSHandshakeResponse(p Packet) (DSHandshakeResponsePacket, error) {
	var out DSHandshakeResponsePacket
	err := decodeAs(p, DSHandshakeResponse, &out)
	return out, err
}

// ToPacket wraps the payload in its wire envelope.
func (pk DSHandshakeResponsePacket) ToPacket() (Packet, error) {
	return New(DSHandshakeResponse, pk)
}

// SWAuthResponsePacket finishes the web handshake.
type SWAuthResponsePacket struct {
	Success bool `json:"success"`
}

// ParseSWAuthResponse decodes an SWAuthResponse packet.
func ParseSWAuthResponse(p Packet) (SWAuthResponsePacket, error) {
	var out SWAuthResponsePacket
	err := decodeAs(p, SWAuthResponse, &out)
	return out, err
}

// ToPacket wraps the payload in its wire envelope.
func (pk SWAuthResponsePacket) ToPacket() (Packet, error) {
	return New(SWAuthResponse, pk)
}

// SDAuthResponsePacket finishes the daemon handshake.
type SDAuthResponsePacket struct {
	Success bool `json:"success"`
}

// ParseSDAuthResponse decodes an SDAuthResponse packet.
func ParseSDAuthResponse(p Packet) (SDAuthResponsePacket, error) {
	var out SDAuthResponsePacket
	err := decodeAs(p, SDAuthResponse, &out)
	return out, err
}

// ToPacket wraps the payload in its wire envelope.
func (pk SDAuthResponsePacket) ToPacket() (Packet, error) {
	return New(SDAuthResponse, pk)
}

// WSListenPacket declares the full set of (event, daemons) pairs a web
// client wants to receive.
type WSListenPacket struct {
	Events []ListenEvent `json:"events"`
}

// ParseWSListen decodes a WSListen packet, rejecting unknown event types.
func ParseWSListen(p Packet) (WSListenPacket, error) {
	var out WSListenPacket
	if err := decodeAs(p, WSListen, &out); err != nil {
		return out, err
	}

	for _, ev := range out.Events {
		if !ev.Event.Valid() {
			return out, fmt.Errorf("unknown event type: %q", ev.Event)
		}
	}

	return out, nil
}

// ToPacket wraps the payload in its wire envelope.
func (pk WSListenPacket) ToPacket() (Packet, error) {
	return New(WSListen, pk)
}

// SDListenPacket tells a daemon which event types it should stream.
type SDListenPacket struct {
	Events []EventType `json:"events"`
}

// ParseSDListen decodes an SDListen packet, rejecting unknown event types.
func ParseSDListen(p Packet) (SDListenPacket, error) {
	var out SDListenPacket
	if err := decodeAs(p, SDListen, &out); err != nil {
		return out, err
	}

	for _, ev := range out.Events {
		if !ev.Valid() {
			return out, fmt.Errorf("unknown event type: %q", ev)
		}
	}

	return out, nil
}

// ToPacket wraps the payload in its wire envelope.
func (pk SDListenPacket) ToPacket() (Packet, error) {
	return New(SDListen, pk)
}

// DSEventPacket carries one telemetry event from a daemon to the server.
type DSEventPacket struct {
	Data EventData `json:"data"`
}

// ParseDSEvent decodes a DSEvent packet, ensuring the event union holds
// exactly one variant.
func ParseDSEvent(p Packet) (DSEventPacket, error) {
	var out DSEventPacket
	if err := decodeAs(p, DSEvent, &out); err != nil {
		return out, err
	}

	if _, err := out.Data.Type(); err != nil {
		return out, err
	}

	return out, nil
}

// ToPacket wraps the payload in its wire envelope.
func (pk DSEventPacket) ToPacket() (Packet, error) {
	return New(DSEvent, pk)
}

// SWEventPacket carries one telemetry event from the server to a web
// client, tagged with the daemon it originated from.
type SWEventPacket struct {
	Daemon uuid.UUID `json:"daemon"`
	Event  EventData `json:"event"`
}

// ParseSWEvent decodes an SWEvent packet.
func ParseSWEvent(p Packet) (SWEventPacket, error) {
	var out SWEventPacket
	if err := decodeAs(p, SWEvent, &out); err != nil {
		return out, err
	}

	if _, err := out.Event.Type(); err != nil {
		return out, err
	}

	return out, nil
}

// ToPacket wraps the payload in its wire envelope.
func (pk SWEventPacket) ToPacket() (Packet, error) {
	return New(SWEvent, pk)
}

// WSSyncPacket asks the server to push a fresh sync snapshot to a daemon.
type WSSyncPacket struct {
	Daemon uuid.UUID `json:"daemon"`
}

// ParseWSSync decodes a WSSync packet.
func ParseWSSync(p Packet) (WSSyncPacket, error) {
	var out WSSyncPacket
	err := decodeAs(p, WSSync, &out)
	return out, err
}

// ToPacket wraps the payload in its wire envelope.
func (pk WSSyncPacket) ToPacket() (Packet, error) {
	return New(WSSync, pk)
}
