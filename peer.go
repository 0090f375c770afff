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
	"time"

	"github.com/livekit/collab-server/signalling"
)

// PeerDetails is the display metadata attached to a peer.
type PeerDetails struct {
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin"`
}

// Peer is a connection that joined a room. Everything below the sink is
// guarded by the lock of the peer's room.
type Peer struct {
	id       string
	roomName string
	sink     signalling.Sink
	details  PeerDetails
	joinedAt time.Time

	closed          bool
	sendTransportID string
	transports      map[string]struct{}
	producers       map[string]struct{}
	consumers       map[string]struct{}
}

func newPeer(sink signalling.Sink, roomName string, details PeerDetails) *Peer {
	return &Peer{
		id:         sink.ID(),
		roomName:   roomName,
		sink:       sink,
		details:    details,
		joinedAt:   time.Now(),
		transports: make(map[string]struct{}),
		producers:  make(map[string]struct{}),
		consumers:  make(map[string]struct{}),
	}
}

func (p *Peer) ID() string {
	return p.id
}

func (p *Peer) RoomName() string {
	return p.roomName
}

func (p *Peer) Details() PeerDetails {
	return p.details
}

func (p *Peer) JoinedAt() time.Time {
	return p.joinedAt
}

func (p *Peer) Sink() signalling.Sink {
	return p.sink
}
