// Package dispatch implements the Server's dispatch core: the shared state
// tracking the two authenticated WebSocket peer populations (daemons and
// web clients), the bidirectional subscription index between them, the
// two-step challenge/response handshakes, event fan-out and sync pushes.
//
// Locking discipline: one RWMutex per map, and no I/O happens under any
// guard — the only side effect performed while holding a lock is enqueuing
// on a peer's Outbox, which never blocks. The two listen maps are the only
// pair ever held together, always in the order webListenMu before
// daemonListenMu, so their mirror invariant holds atomically with respect
// to every other handler.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aesterisk/aesterisk/internal/encryption"
	"github.com/aesterisk/aesterisk/internal/logger"
	"github.com/aesterisk/aesterisk/internal/packet"
)

// PeerAddr is the transport-level remote address of a live connection. It
// uniquely identifies the connection for its lifetime.
type PeerAddr string

// DaemonHandshake is the pending or completed handshake state of a daemon
// peer. The peer is authenticated once the handshake challenge has been
// verified; until then the struct only records what was sent.
type DaemonHandshake struct {
	DaemonUUID uuid.UUID
	Encrypter  *encryption.Encrypter
	Challenge  string
}

// DaemonSocket is the connection record of one daemon peer.
type DaemonSocket struct {
	Tx        *Outbox
	Handshake *DaemonHandshake
}

// WebHandshake is the pending or completed handshake state of a web peer.
type WebHandshake struct {
	UserID    uint32
	Encrypter *encryption.Encrypter
	Challenge string
}

// WebSocket is the connection record of one web peer.
type WebSocket struct {
	Tx        *Outbox
	Handshake *WebHandshake
}

// State is the dispatch core's shared state: both channel maps, the
// bidirectional subscription index, the daemon id index and the two
// write-through key caches.
type State struct {
	webMu       sync.RWMutex
	webChannels map[PeerAddr]*WebSocket

	daemonMu       sync.RWMutex
	daemonChannels map[PeerAddr]*DaemonSocket

	// daemonListen maps daemon -> event type -> web peers wanting it;
	// webListen is the inverse view keyed by web peer for cheap cleanup.
	// The two are mirror images (every triple in one has its inverse in
	// the other) and empty inner levels are always pruned.
	daemonListenMu sync.RWMutex
	daemonListen   map[uuid.UUID]map[packet.EventType]map[PeerAddr]struct{}

	webListenMu sync.RWMutex
	webListen   map[PeerAddr]map[packet.EventType]map[uuid.UUID]struct{}

	// daemonIDs maps a daemon UUID to the address of its one live
	// authenticated connection.
	daemonIDMu sync.RWMutex
	daemonIDs  map[uuid.UUID]PeerAddr

	webKeyMu    sync.RWMutex
	webKeyCache map[uint32][]byte

	daemonKeyMu    sync.RWMutex
	daemonKeyCache map[uuid.UUID][]byte

	log zerolog.Logger
}

// NewState creates an empty dispatch core.
func NewState() *State {
	return &State{
		webChannels:    make(map[PeerAddr]*WebSocket),
		daemonChannels: make(map[PeerAddr]*DaemonSocket),
		daemonListen:   make(map[uuid.UUID]map[packet.EventType]map[PeerAddr]struct{}),
		webListen:      make(map[PeerAddr]map[packet.EventType]map[uuid.UUID]struct{}),
		daemonIDs:      make(map[uuid.UUID]PeerAddr),
		webKeyCache:    make(map[uint32][]byte),
		daemonKeyCache: make(map[uuid.UUID][]byte),
		log:            *logger.Dispatch(),
	}
}

// AddDaemon registers a freshly accepted daemon connection.
func (s *State) AddDaemon(addr PeerAddr, tx *Outbox) {
	s.daemonMu.Lock()
	s.daemonChannels[addr] = &DaemonSocket{Tx: tx}
	s.daemonMu.Unlock()
}

// AddWeb registers a freshly accepted web connection.
func (s *State) AddWeb(addr PeerAddr, tx *Outbox) {
	s.webMu.Lock()
	s.webChannels[addr] = &WebSocket{Tx: tx}
	s.webMu.Unlock()
}

// Shutdown closes every peer's outbox so writer pumps drain and exit and
// reader loops observe the closed sockets. Used on process shutdown.
func (s *State) Shutdown() {
	s.daemonMu.RLock()
	for _, socket := range s.daemonChannels {
		socket.Tx.Close()
	}
	s.daemonMu.RUnlock()

	s.webMu.RLock()
	for _, socket := range s.webChannels {
		socket.Tx.Close()
	}
	s.webMu.RUnlock()
}

// DisconnectDaemon closes a daemon peer's outbox; the transport loop then
// tears the connection down and runs RemoveDaemon.
func (s *State) DisconnectDaemon(addr PeerAddr) error {
	s.daemonMu.RLock()
	socket, ok := s.daemonChannels[addr]
	s.daemonMu.RUnlock()

	if !ok {
		return ErrPeerNotFound
	}

	socket.Tx.Close()
	return nil
}

// DisconnectWeb closes a web peer's outbox; the transport loop then tears
// the connection down and runs RemoveWeb.
func (s *State) DisconnectWeb(addr PeerAddr) error {
	s.webMu.RLock()
	socket, ok := s.webChannels[addr]
	s.webMu.RUnlock()

	if !ok {
		return ErrPeerNotFound
	}

	socket.Tx.Close()
	return nil
}

// SendDaemonHandshakeRequest stores the pending handshake for a daemon peer
// and sends it the challenge, encrypted with the daemon's public key.
func (s *State) SendDaemonHandshakeRequest(addr PeerAddr, daemonUUID uuid.UUID, keyPEM []byte) error {
	challenge, err := encryption.GenerateChallenge()
	if err != nil {
		return err
	}

	encrypter, err := encryption.NewEncrypter(keyPEM, encryption.IssuerServer)
	if err != nil {
		return fmt.Errorf("key should be valid: %w", err)
	}

	s.daemonMu.Lock()
	socket, ok := s.daemonChannels[addr]
	if !ok {
		s.daemonMu.Unlock()
		return ErrPeerNotFound
	}
	socket.Handshake = &DaemonHandshake{
		DaemonUUID: daemonUUID,
		Encrypter:  encrypter,
		Challenge:  challenge,
	}
	tx := socket.Tx
	s.daemonMu.Unlock()

	return encryptAndSend(tx, encrypter, packet.SDHandshakeRequestPacket{Challenge: challenge})
}

// AuthenticateDaemon verifies a daemon's handshake response. On success it
// sends the auth response, replays the daemon's current SDListen set if any
// web clients are already subscribed, and registers the connection in the
// daemon id index. A second authentication for the same UUID supersedes the
// first: the older connection's outbox is closed and the index points at
// the new peer immediately.
func (s *State) AuthenticateDaemon(addr PeerAddr, challenge string) (uuid.UUID, error) {
	s.daemonMu.RLock()
	socket, ok := s.daemonChannels[addr]
	s.daemonMu.RUnlock()

	if !ok {
		return uuid.Nil, ErrPeerNotFound
	}
	if socket.Handshake == nil {
		return uuid.Nil, ErrNotAuthenticated
	}

	if challenge != socket.Handshake.Challenge {
		s.log.Warn().Str("addr", string(addr)).Msg("Failed daemon authentication")
		socket.Tx.Close()
		return uuid.Nil, ErrChallengeMismatch
	}

	daemonUUID := socket.Handshake.DaemonUUID
	encrypter := socket.Handshake.Encrypter

	if err := encryptAndSend(socket.Tx, encrypter, packet.SDAuthResponsePacket{Success: true}); err != nil {
		return uuid.Nil, err
	}

	s.daemonListenMu.RLock()
	events := listenKeys(s.daemonListen[daemonUUID])
	subscribed := len(events) > 0
	s.daemonListenMu.RUnlock()

	if subscribed {
		if err := encryptAndSend(socket.Tx, encrypter, packet.SDListenPacket{Events: events}); err != nil {
			return uuid.Nil, err
		}
	}

	s.daemonIDMu.Lock()
	old, had := s.daemonIDs[daemonUUID]
	s.daemonIDs[daemonUUID] = addr
	s.daemonIDMu.Unlock()

	if had && old != addr {
		s.log.Info().
			Str("daemon", daemonUUID.String()).
			Str("old", string(old)).
			Str("new", string(addr)).
			Msg("Daemon already connected, closing old connection")

		s.daemonMu.RLock()
		oldSocket, ok := s.daemonChannels[old]
		s.daemonMu.RUnlock()
		if ok {
			oldSocket.Tx.Close()
		}
	}

	return daemonUUID, nil
}

// RemoveDaemon tears down a daemon connection's state after the transport
// loop ends. Subscriptions in the daemon listen map are deliberately kept
// so a reconnecting daemon immediately receives its SDListen set; a
// synthetic offline NodeStatus is broadcast to current subscribers. When
// the connection was superseded by a newer one for the same UUID, neither
// the id index nor the subscribers are touched.
func (s *State) RemoveDaemon(addr PeerAddr) error {
	s.daemonMu.Lock()
	socket, ok := s.daemonChannels[addr]
	if ok {
		delete(s.daemonChannels, addr)
	}
	s.daemonMu.Unlock()

	if !ok {
		return ErrPeerNotFound
	}
	if socket.Handshake == nil {
		// The peer never authenticated; nothing else references it.
		return nil
	}

	daemonUUID := socket.Handshake.DaemonUUID

	s.daemonIDMu.Lock()
	current, had := s.daemonIDs[daemonUUID]
	superseded := had && current != addr
	if !superseded {
		delete(s.daemonIDs, daemonUUID)
	}
	s.daemonIDMu.Unlock()

	if superseded {
		return nil
	}

	return s.SendEventFromServer(daemonUUID, packet.NewNodeStatus(packet.NodeStatusEvent{
		Online: false,
		Stats:  nil,
	}))
}

// SendWebHandshakeRequest stores the pending handshake for a web peer and
// sends it the challenge, encrypted with the user's public key.
func (s *State) SendWebHandshakeRequest(addr PeerAddr, userID uint32, keyPEM []byte) error {
	challenge, err := encryption.GenerateChallenge()
	if err != nil {
		return err
	}

	encrypter, err := encryption.NewEncrypter(keyPEM, encryption.IssuerServer)
	if err != nil {
		return fmt.Errorf("key should be valid: %w", err)
	}

	s.webMu.Lock()
	socket, ok := s.webChannels[addr]
	if !ok {
		s.webMu.Unlock()
		return ErrPeerNotFound
	}
	socket.Handshake = &WebHandshake{
		UserID:    userID,
		Encrypter: encrypter,
		Challenge: challenge,
	}
	tx := socket.Tx
	s.webMu.Unlock()

	return encryptAndSend(tx, encrypter, packet.SWHandshakeRequestPacket{Challenge: challenge})
}

// AuthenticateWeb verifies a web client's handshake response and sends the
// auth response on success.
func (s *State) AuthenticateWeb(addr PeerAddr, challenge string) error {
	s.webMu.RLock()
	socket, ok := s.webChannels[addr]
	s.webMu.RUnlock()

	if !ok {
		return ErrPeerNotFound
	}
	if socket.Handshake == nil {
		return ErrNotAuthenticated
	}

	if challenge != socket.Handshake.Challenge {
		s.log.Warn().Str("addr", string(addr)).Msg("Failed web authentication")
		socket.Tx.Close()
		return ErrChallengeMismatch
	}

	return encryptAndSend(socket.Tx, socket.Handshake.Encrypter, packet.SWAuthResponsePacket{Success: true})
}

// WebAuthenticated reports whether the web peer has a handshake on record,
// which is set once its WSAuth has been answered with a challenge; whether
// the challenge response has been verified is not tracked separately.
func (s *State) WebAuthenticated(addr PeerAddr) bool {
	s.webMu.RLock()
	defer s.webMu.RUnlock()

	socket, ok := s.webChannels[addr]
	return ok && socket.Handshake != nil
}

// SendListen applies a web client's WSListen as its full declarative
// subscription set: the client's mirror view is replaced, the diff against
// the previous set is propagated into the daemon listen map (with pruning),
// newly named offline daemons produce one synthetic offline NodeStatus
// each, and every affected online daemon receives an updated SDListen.
func (s *State) SendListen(addr PeerAddr, events []packet.ListenEvent) error {
	next := make(map[packet.EventType]map[uuid.UUID]struct{})
	for _, ev := range events {
		set := next[ev.Event]
		if set == nil {
			set = make(map[uuid.UUID]struct{})
			next[ev.Event] = set
		}
		for _, daemon := range ev.Daemons {
			set[daemon] = struct{}{}
		}
	}

	type pair struct {
		event  packet.EventType
		daemon uuid.UUID
	}
	var added, removed []pair
	affected := make(map[uuid.UUID]struct{})

	s.webListenMu.Lock()
	s.daemonListenMu.Lock()

	prev := s.webListen[addr]
	for event, daemons := range next {
		for daemon := range daemons {
			if _, ok := prev[event][daemon]; !ok {
				added = append(added, pair{event, daemon})
				affected[daemon] = struct{}{}
			}
		}
	}
	for event, daemons := range prev {
		for daemon := range daemons {
			if _, ok := next[event][daemon]; !ok {
				removed = append(removed, pair{event, daemon})
				affected[daemon] = struct{}{}
			}
		}
	}

	if len(next) == 0 {
		delete(s.webListen, addr)
	} else {
		s.webListen[addr] = next
	}

	for _, p := range added {
		listen := s.daemonListen[p.daemon]
		if listen == nil {
			listen = make(map[packet.EventType]map[PeerAddr]struct{})
			s.daemonListen[p.daemon] = listen
		}
		set := listen[p.event]
		if set == nil {
			set = make(map[PeerAddr]struct{})
			listen[p.event] = set
		}
		set[addr] = struct{}{}
	}
	for _, p := range removed {
		s.pruneDaemonListenLocked(p.daemon, p.event, addr)
	}

	s.daemonListenMu.Unlock()
	s.webListenMu.Unlock()

	s.daemonIDMu.RLock()
	var offline []uuid.UUID
	for _, p := range added {
		if p.event != packet.EventNodeStatus {
			continue
		}
		if _, ok := s.daemonIDs[p.daemon]; !ok {
			offline = append(offline, p.daemon)
		}
	}
	online := make(map[uuid.UUID]PeerAddr)
	for daemon := range affected {
		if daemonAddr, ok := s.daemonIDs[daemon]; ok {
			online[daemon] = daemonAddr
		}
	}
	s.daemonIDMu.RUnlock()

	for _, daemon := range offline {
		if err := s.SendEventFromServer(daemon, packet.NewNodeStatus(packet.NodeStatusEvent{
			Online: false,
			Stats:  nil,
		})); err != nil {
			return err
		}
	}

	for daemon, daemonAddr := range online {
		if err := s.UpdateListensForDaemon(daemonAddr, daemon); err != nil {
			return err
		}
	}

	return nil
}

// pruneDaemonListenLocked removes one (daemon, event, web peer) triple from
// the daemon listen map, dropping emptied inner levels. daemonListenMu must
// be held.
func (s *State) pruneDaemonListenLocked(daemon uuid.UUID, event packet.EventType, addr PeerAddr) {
	listen, ok := s.daemonListen[daemon]
	if !ok {
		return
	}
	set, ok := listen[event]
	if !ok {
		return
	}

	delete(set, addr)
	if len(set) == 0 {
		delete(listen, event)
	}
	if len(listen) == 0 {
		delete(s.daemonListen, daemon)
	}
}

// RemoveWeb tears down a web connection's state after the transport loop
// ends: every subscription it held is pruned from the daemon listen map and
// each affected online daemon gets an updated SDListen.
func (s *State) RemoveWeb(addr PeerAddr) error {
	s.webMu.Lock()
	_, had := s.webChannels[addr]
	delete(s.webChannels, addr)
	s.webMu.Unlock()

	if !had {
		return ErrPeerNotFound
	}

	affected := make(map[uuid.UUID]struct{})

	s.webListenMu.Lock()
	s.daemonListenMu.Lock()

	for event, daemons := range s.webListen[addr] {
		for daemon := range daemons {
			affected[daemon] = struct{}{}
			s.pruneDaemonListenLocked(daemon, event, addr)
		}
	}
	delete(s.webListen, addr)

	s.daemonListenMu.Unlock()
	s.webListenMu.Unlock()

	s.daemonIDMu.RLock()
	online := make(map[uuid.UUID]PeerAddr)
	for daemon := range affected {
		if daemonAddr, ok := s.daemonIDs[daemon]; ok {
			online[daemon] = daemonAddr
		}
	}
	s.daemonIDMu.RUnlock()

	for daemon, daemonAddr := range online {
		if err := s.UpdateListensForDaemon(daemonAddr, daemon); err != nil {
			return err
		}
	}

	return nil
}

// UpdateListensForDaemon pushes the daemon's current union of listened
// event types as an SDListen. An empty set is sent as an empty list so the
// daemon stops emitting entirely.
func (s *State) UpdateListensForDaemon(addr PeerAddr, daemonUUID uuid.UUID) error {
	s.daemonMu.RLock()
	socket, ok := s.daemonChannels[addr]
	s.daemonMu.RUnlock()

	if !ok {
		return ErrPeerNotFound
	}
	if socket.Handshake == nil {
		return ErrNotAuthenticated
	}

	s.daemonListenMu.RLock()
	events := listenKeys(s.daemonListen[daemonUUID])
	s.daemonListenMu.RUnlock()

	return encryptAndSend(socket.Tx, socket.Handshake.Encrypter, packet.SDListenPacket{Events: events})
}

// SendEventFromServer fans one event out to every web client subscribed to
// (daemon, event type). Each frame is encrypted with the recipient's own
// key. An empty subscriber set is a no-op.
func (s *State) SendEventFromServer(daemonUUID uuid.UUID, event packet.EventData) error {
	eventType, err := event.Type()
	if err != nil {
		return err
	}

	s.daemonListenMu.RLock()
	var targets []PeerAddr
	for client := range s.daemonListen[daemonUUID][eventType] {
		targets = append(targets, client)
	}
	s.daemonListenMu.RUnlock()

	for _, client := range targets {
		s.webMu.RLock()
		socket, ok := s.webChannels[client]
		s.webMu.RUnlock()

		if !ok {
			return fmt.Errorf("disconnected client still in daemon listen map: %s", client)
		}
		if socket.Handshake == nil {
			return ErrNotAuthenticated
		}

		err := encryptAndSend(socket.Tx, socket.Handshake.Encrypter, packet.SWEventPacket{
			Daemon: daemonUUID,
			Event:  event,
		})
		if err != nil {
			return fmt.Errorf("could not send packet to client: %w", err)
		}
	}

	return nil
}

// SendEventFromDaemon resolves the daemon peer's identity and fans its
// event out. Fails closed when the peer is not authenticated.
func (s *State) SendEventFromDaemon(addr PeerAddr, event packet.EventData) error {
	s.daemonMu.RLock()
	socket, ok := s.daemonChannels[addr]
	s.daemonMu.RUnlock()

	if !ok {
		return ErrPeerNotFound
	}
	if socket.Handshake == nil {
		return ErrNotAuthenticated
	}

	return s.SendEventFromServer(socket.Handshake.DaemonUUID, event)
}

// PushSyncToDaemon ships a sync snapshot to a daemon's live connection.
func (s *State) PushSyncToDaemon(daemonUUID uuid.UUID, snapshot packet.SDSyncPacket) error {
	s.daemonIDMu.RLock()
	addr, ok := s.daemonIDs[daemonUUID]
	s.daemonIDMu.RUnlock()

	if !ok {
		return ErrDaemonOffline
	}

	s.daemonMu.RLock()
	socket, sok := s.daemonChannels[addr]
	s.daemonMu.RUnlock()

	if !sok {
		return ErrPeerNotFound
	}
	if socket.Handshake == nil {
		return ErrNotAuthenticated
	}

	return encryptAndSend(socket.Tx, socket.Handshake.Encrypter, snapshot)
}

// DaemonAddr returns the address of the daemon's live authenticated
// connection, if any.
func (s *State) DaemonAddr(daemonUUID uuid.UUID) (PeerAddr, bool) {
	s.daemonIDMu.RLock()
	defer s.daemonIDMu.RUnlock()

	addr, ok := s.daemonIDs[daemonUUID]
	return addr, ok
}

// CachedWebKey returns the cached public key PEM for a user.
func (s *State) CachedWebKey(userID uint32) ([]byte, bool) {
	s.webKeyMu.RLock()
	defer s.webKeyMu.RUnlock()

	key, ok := s.webKeyCache[userID]
	return key, ok
}

// StoreWebKey caches a user's public key PEM. Keys are never invalidated
// during the process lifetime; a racing store of the same value wins
// harmlessly.
func (s *State) StoreWebKey(userID uint32, key []byte) {
	s.webKeyMu.Lock()
	s.webKeyCache[userID] = key
	s.webKeyMu.Unlock()
}

// CachedDaemonKey returns the cached public key PEM for a daemon.
func (s *State) CachedDaemonKey(daemonUUID uuid.UUID) ([]byte, bool) {
	s.daemonKeyMu.RLock()
	defer s.daemonKeyMu.RUnlock()

	key, ok := s.daemonKeyCache[daemonUUID]
	return key, ok
}

// StoreDaemonKey caches a daemon's public key PEM.
func (s *State) StoreDaemonKey(daemonUUID uuid.UUID, key []byte) {
	s.daemonKeyMu.Lock()
	s.daemonKeyCache[daemonUUID] = key
	s.daemonKeyMu.Unlock()
}

// listenKeys collects the event types of a daemon's listen map into a
// non-nil slice (an empty set marshals as [] on the wire, not null).
func listenKeys(listen map[packet.EventType]map[PeerAddr]struct{}) []packet.EventType {
	events := make([]packet.EventType, 0, len(listen))
	for event := range listen {
		events = append(events, event)
	}
	return events
}

// encryptAndSend seals a typed packet for the peer and enqueues it.
func encryptAndSend(tx *Outbox, encrypter *encryption.Encrypter, pk interface {
	ToPacket() (packet.Packet, error)
}) error {
	p, err := pk.ToPacket()
	if err != nil {
		return err
	}

	msg, err := encrypter.EncryptPacket(p)
	if err != nil {
		return err
	}

	if err := tx.Send([]byte(msg)); err != nil {
		return fmt.Errorf("failed to send packet: %w", err)
	}

	return nil
}
