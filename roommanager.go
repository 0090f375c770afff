// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/collab-server/pkg/mediaengine"
	"github.com/livekit/collab-server/signalling"
)

type RoomManagerParams struct {
	Engine           mediaengine.Engine
	MediaCodecs      []mediaengine.RTPCodecCapability
	TransportOptions mediaengine.TransportOptions
	Logger           logger.Logger
}

type routerCreation struct {
	done chan struct{}
}

// RoomManager is the directory of rooms and the registry of joined peers.
//
// Lock order is RoomManager.lock, then Room.lock. Neither is held while
// calling into the media engine.
type RoomManager struct {
	params RoomManagerParams
	logger logger.Logger

	lock      sync.RWMutex
	rooms     map[string]*Room
	creations map[string]*routerCreation
	peers     map[string]*Peer

	routersCreated atomic.Int64
	roomsClosed    atomic.Int64
	peersJoined    atomic.Int64
}

func NewRoomManager(params RoomManagerParams) *RoomManager {
	if params.Logger == nil {
		params.Logger = getLogger()
	}
	if len(params.MediaCodecs) == 0 {
		params.MediaCodecs = mediaengine.DefaultMediaCodecs()
	}
	return &RoomManager{
		params:    params,
		logger:    params.Logger,
		rooms:     make(map[string]*Room),
		creations: make(map[string]*routerCreation),
		peers:     make(map[string]*Peer),
	}
}

// JoinRoom registers sink as a member of roomName, creating the room and its
// router when it is the first member.
func (m *RoomManager) JoinRoom(ctx context.Context, sink signalling.Sink, roomName string, details PeerDetails) (*Peer, *Room, error) {
	if roomName == "" {
		return nil, nil, fmt.Errorf("%w: empty room name", ErrInvalidRequest)
	}
	connID := sink.ID()
	if _, ok := m.GetPeer(connID); ok {
		return nil, nil, ErrAlreadyJoined
	}

	var peer *Peer
	room, err := m.getOrCreateRouter(ctx, roomName, func(room *Room) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := m.peers[connID]; ok {
			return ErrAlreadyJoined
		}
		peer = newPeer(sink, roomName, details)
		room.addMember(peer)
		m.peers[connID] = peer
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	m.peersJoined.Inc()
	m.logger.Infow("peer joined room", "connID", connID, "room", roomName, "name", details.Name)
	return peer, room, nil
}

// getOrCreateRouter resolves the room for roomName and runs admit with the
// manager lock held. Concurrent callers for a name that has no room yet wait
// on a single router creation. A room created here is published only if
// admit succeeds, so a room never exists without a member.
func (m *RoomManager) getOrCreateRouter(ctx context.Context, roomName string, admit func(room *Room) error) (*Room, error) {
	for {
		m.lock.Lock()
		if room := m.rooms[roomName]; room != nil {
			err := admit(room)
			m.lock.Unlock()
			if err != nil {
				return nil, err
			}
			return room, nil
		}

		if creation := m.creations[roomName]; creation != nil {
			m.lock.Unlock()
			select {
			case <-creation.done:
				// the room either exists now or creation failed, look again
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		creation := &routerCreation{done: make(chan struct{})}
		m.creations[roomName] = creation
		m.lock.Unlock()

		router, err := m.params.Engine.CreateRouter(ctx, m.params.MediaCodecs)

		m.lock.Lock()
		delete(m.creations, roomName)
		if err != nil {
			close(creation.done)
			m.lock.Unlock()
			m.logger.Warnw("could not create router", err, "room", roomName)
			return nil, fmt.Errorf("%w: %v", ErrRoomCreationFailed, err)
		}

		room := newRoom(roomName, router)
		if err := admit(room); err != nil {
			close(creation.done)
			m.lock.Unlock()
			if closeErr := router.Close(); closeErr != nil {
				m.logger.Warnw("failed to close unused router", closeErr, "room", roomName)
			}
			return nil, err
		}
		m.rooms[roomName] = room
		close(creation.done)
		m.lock.Unlock()

		m.routersCreated.Inc()
		m.logger.Infow("room created", "room", roomName, "routerID", router.ID())
		return room, nil
	}
}

// RemovePeer releases everything connID owns and drops it from its room.
// The room is deleted when its last member leaves. It returns false when
// connID never joined.
func (m *RoomManager) RemovePeer(connID string) bool {
	m.lock.RLock()
	peer := m.peers[connID]
	var room *Room
	if peer != nil {
		room = m.rooms[peer.roomName]
	}
	m.lock.RUnlock()
	if peer == nil {
		return false
	}

	if room != nil {
		td := room.releasePeer(peer)
		td.run(m.logger)
	}

	m.lock.Lock()
	if m.peers[connID] == peer {
		delete(m.peers, connID)
	}
	roomDeleted := false
	if room != nil && room.removeMember(peer) == 0 && m.rooms[room.name] == room {
		delete(m.rooms, room.name)
		roomDeleted = true
	}
	m.lock.Unlock()

	m.logger.Infow("peer left room", "connID", connID, "room", peer.roomName)
	if roomDeleted {
		m.roomsClosed.Inc()
		m.logger.Infow("room closed", "room", room.name)
	}
	return true
}

func (m *RoomManager) GetPeer(connID string) (*Peer, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	p, ok := m.peers[connID]
	return p, ok
}

func (m *RoomManager) GetRoom(roomName string) (*Room, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	r, ok := m.rooms[roomName]
	return r, ok
}

func (m *RoomManager) RoomExists(roomName string) bool {
	_, ok := m.GetRoom(roomName)
	return ok
}

// peerRoom resolves the joined peer of connID and its room.
func (m *RoomManager) peerRoom(connID string) (*Peer, *Room, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	peer := m.peers[connID]
	if peer == nil {
		return nil, nil, ErrPeerNotFound
	}
	room := m.rooms[peer.roomName]
	if room == nil {
		return nil, nil, ErrPeerNotFound
	}
	return peer, room, nil
}

func (m *RoomManager) GetSendTransport(connID string) (mediaengine.Transport, bool) {
	peer, room, err := m.peerRoom(connID)
	if err != nil {
		return nil, false
	}
	return room.sendTransport(peer)
}

func (m *RoomManager) ListProducersExcluding(connID, roomName string) []string {
	room, ok := m.GetRoom(roomName)
	if !ok {
		return []string{}
	}
	return room.producersExcluding(connID)
}

// NotifyRoomExcept sends event to every member of roomName but exceptConnID.
// Members are enumerated at call time; delivery failures are only logged.
func (m *RoomManager) NotifyRoomExcept(roomName, exceptConnID, event string, data any) {
	room, ok := m.GetRoom(roomName)
	if !ok {
		return
	}
	for _, p := range room.membersExcept(exceptConnID) {
		if err := p.sink.SendEvent(event, data); err != nil {
			m.logger.Debugw("could not notify peer", "connID", p.id, "room", roomName, "event", event, "error", err)
		}
	}
}

func (m *RoomManager) closeTransport(room *Room, id string) {
	room.removeTransport(id).run(m.logger)
}

func (m *RoomManager) closeProducer(room *Room, id string) {
	room.removeProducer(id).run(m.logger)
}

func (m *RoomManager) closeConsumer(room *Room, id string) {
	room.removeConsumer(id).run(m.logger)
}

// watch* propagate closes that originate in the engine. They are no-ops for
// objects this layer already removed.

func (m *RoomManager) watchTransport(room *Room, t mediaengine.Transport) {
	id := t.ID()
	t.OnClose(func() {
		td := room.removeTransport(id)
		if !td.empty() {
			m.logger.Infow("transport closed by engine", "room", room.name, "transportID", id)
		}
		td.run(m.logger)
	})
}

func (m *RoomManager) watchProducer(room *Room, p mediaengine.Producer) {
	id := p.ID()
	p.OnClose(func() {
		td := room.removeProducer(id)
		if !td.empty() {
			m.logger.Infow("producer closed by engine", "room", room.name, "producerID", id)
		}
		td.run(m.logger)
	})
}

func (m *RoomManager) watchConsumer(room *Room, c mediaengine.Consumer) {
	id := c.ID()
	c.OnClose(func() {
		td := room.removeConsumer(id)
		if !td.empty() {
			m.logger.Infow("consumer closed by engine", "room", room.name, "consumerID", id)
		}
		td.run(m.logger)
	})
}

type RoomStats struct {
	Name       string   `json:"name"`
	RouterID   string   `json:"routerId"`
	Members    []string `json:"members"`
	Transports int      `json:"transports"`
	Producers  int      `json:"producers"`
	Consumers  int      `json:"consumers"`
}

type Stats struct {
	Rooms          []RoomStats `json:"rooms"`
	Peers          int         `json:"peers"`
	RoutersCreated int64       `json:"routersCreated"`
	RoomsClosed    int64       `json:"roomsClosed"`
	PeersJoined    int64       `json:"peersJoined"`
}

func (m *RoomManager) Stats() Stats {
	m.lock.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	peers := len(m.peers)
	m.lock.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].name < rooms[j].name
	})
	stats := Stats{
		Rooms:          make([]RoomStats, 0, len(rooms)),
		Peers:          peers,
		RoutersCreated: m.routersCreated.Load(),
		RoomsClosed:    m.roomsClosed.Load(),
		PeersJoined:    m.peersJoined.Load(),
	}
	for _, r := range rooms {
		transports, producers, consumers := r.ResourceCounts()
		stats.Rooms = append(stats.Rooms, RoomStats{
			Name:       r.name,
			RouterID:   r.router.ID(),
			Members:    r.MemberIDs(),
			Transports: transports,
			Producers:  producers,
			Consumers:  consumers,
		})
	}
	return stats
}
