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
	"sort"
	"sync"
	"time"

	"github.com/livekit/collab-server/pkg/mediaengine"
)

// Room pairs a router with the peers sharing it and the graph of their
// engine objects. A room lives exactly as long as it has members.
type Room struct {
	name      string
	router    mediaengine.Router
	createdAt time.Time

	lock    sync.RWMutex
	members map[string]*Peer
	graph   *graph
}

func newRoom(name string, router mediaengine.Router) *Room {
	return &Room{
		name:      name,
		router:    router,
		createdAt: time.Now(),
		members:   make(map[string]*Peer),
		graph:     newGraph(),
	}
}

func (r *Room) Name() string {
	return r.name
}

func (r *Room) Router() mediaengine.Router {
	return r.router
}

func (r *Room) CreatedAt() time.Time {
	return r.createdAt
}

func (r *Room) MemberCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.members)
}

func (r *Room) MemberIDs() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup finds an engine object of this room by id.
func (r *Room) Lookup(id string) (GraphEntry, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.graph.lookup(r.name, id)
}

func (r *Room) ResourceCounts() (transports, producers, consumers int) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.graph.transports), len(r.graph.producers), len(r.graph.consumers)
}

func (r *Room) addMember(p *Peer) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.members[p.id] = p
}

// removeMember drops p and returns how many members remain.
func (r *Room) removeMember(p *Peer) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.members[p.id] == p {
		delete(r.members, p.id)
	}
	return len(r.members)
}

func (r *Room) membersExcept(connID string) []*Peer {
	r.lock.RLock()
	defer r.lock.RUnlock()
	peers := make([]*Peer, 0, len(r.members))
	for id, p := range r.members {
		if id != connID && !p.closed {
			peers = append(peers, p)
		}
	}
	return peers
}

// isActive must be called with the lock held.
func (r *Room) isActive(p *Peer) bool {
	return r.members[p.id] == p && !p.closed
}

func (r *Room) addTransport(p *Peer, t mediaengine.Transport, direction Direction) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if !r.isActive(p) {
		return ErrPeerNotFound
	}
	if direction == DirectionSend {
		if p.sendTransportID != "" {
			return ErrSendTransportExists
		}
		p.sendTransportID = t.ID()
	}
	r.graph.transports[t.ID()] = &transportEntry{
		id:        t.ID(),
		owner:     p,
		direction: direction,
		handle:    t,
		producers: make(map[string]struct{}),
		consumers: make(map[string]struct{}),
	}
	p.transports[t.ID()] = struct{}{}
	return nil
}

func (r *Room) sendTransport(p *Peer) (mediaengine.Transport, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if !r.isActive(p) || p.sendTransportID == "" {
		return nil, false
	}
	te := r.graph.transports[p.sendTransportID]
	if te == nil {
		return nil, false
	}
	return te.handle, true
}

// recvTransport resolves a client supplied transport id. Foreign, unknown
// and send transports all fail the same way.
func (r *Room) recvTransport(p *Peer, transportID string) (mediaengine.Transport, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if !r.isActive(p) {
		return nil, ErrPeerNotFound
	}
	te := r.graph.transports[transportID]
	if te == nil || te.owner != p || te.direction != DirectionRecv {
		return nil, ErrTransportNotFound
	}
	return te.handle, nil
}

// addProducer registers a producer created on transportID. producersExist
// reports whether another peer of the room already produces.
func (r *Room) addProducer(p *Peer, transportID string, producer mediaengine.Producer, source string) (producersExist bool, err error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if !r.isActive(p) {
		return false, ErrPeerNotFound
	}
	te := r.graph.transports[transportID]
	if te == nil || te.owner != p || te.direction != DirectionSend {
		return false, ErrTransportNotFound
	}
	for _, pe := range r.graph.producers {
		if pe.owner != p {
			producersExist = true
			break
		}
	}

	r.graph.seq++
	r.graph.producers[producer.ID()] = &producerEntry{
		id:          producer.ID(),
		owner:       p,
		transportID: transportID,
		source:      source,
		handle:      producer,
		consumers:   make(map[string]struct{}),
		seq:         r.graph.seq,
	}
	te.producers[producer.ID()] = struct{}{}
	p.producers[producer.ID()] = struct{}{}
	return producersExist, nil
}

func (r *Room) hasProducer(id string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.graph.producers[id]
	return ok
}

func (r *Room) ownedProducer(p *Peer, id string) (mediaengine.Producer, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if !r.isActive(p) {
		return nil, ErrPeerNotFound
	}
	pe := r.graph.producers[id]
	if pe == nil || pe.owner != p {
		return nil, ErrProducerNotFound
	}
	return pe.handle, nil
}

// producersExcluding lists producer ids of everyone but connID, oldest first.
func (r *Room) producersExcluding(connID string) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	entries := make([]*producerEntry, 0, len(r.graph.producers))
	for _, pe := range r.graph.producers {
		if pe.owner.id != connID {
			entries = append(entries, pe)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	ids := make([]string, 0, len(entries))
	for _, pe := range entries {
		ids = append(ids, pe.id)
	}
	return ids
}

func (r *Room) addConsumer(p *Peer, transportID string, consumer mediaengine.Consumer) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if !r.isActive(p) {
		return ErrPeerNotFound
	}
	te := r.graph.transports[transportID]
	if te == nil || te.owner != p || te.direction != DirectionRecv {
		return ErrTransportNotFound
	}
	pe := r.graph.producers[consumer.ProducerID()]
	if pe == nil {
		return ErrProducerNotFound
	}

	r.graph.consumers[consumer.ID()] = &consumerEntry{
		id:          consumer.ID(),
		owner:       p,
		transportID: transportID,
		producerID:  pe.id,
		handle:      consumer,
	}
	te.consumers[consumer.ID()] = struct{}{}
	pe.consumers[consumer.ID()] = struct{}{}
	p.consumers[consumer.ID()] = struct{}{}
	return nil
}

func (r *Room) ownedConsumer(p *Peer, id string) (mediaengine.Consumer, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if !r.isActive(p) {
		return nil, ErrPeerNotFound
	}
	ce := r.graph.consumers[id]
	if ce == nil || ce.owner != p {
		return nil, ErrConsumerNotFound
	}
	return ce.handle, nil
}

func (r *Room) removeTransport(id string) *teardown {
	r.lock.Lock()
	defer r.lock.Unlock()
	td := &teardown{}
	r.detachTransport(td, id)
	return td
}

func (r *Room) removeProducer(id string) *teardown {
	r.lock.Lock()
	defer r.lock.Unlock()
	td := &teardown{}
	r.detachProducer(td, id)
	return td
}

func (r *Room) removeConsumer(id string) *teardown {
	r.lock.Lock()
	defer r.lock.Unlock()
	td := &teardown{}
	r.detachConsumer(td, id)
	return td
}

// releasePeer marks p closed, so nothing new can be registered for it, and
// detaches everything it owns.
func (r *Room) releasePeer(p *Peer) *teardown {
	r.lock.Lock()
	defer r.lock.Unlock()

	td := &teardown{}
	if p.closed {
		return td
	}
	p.closed = true
	for id := range p.transports {
		r.detachTransport(td, id)
	}
	for id := range p.producers {
		r.detachProducer(td, id)
	}
	for id := range p.consumers {
		r.detachConsumer(td, id)
	}
	return td
}

// detach* must be called with the lock held.

func (r *Room) detachTransport(td *teardown, id string) {
	te := r.graph.transports[id]
	if te == nil {
		return
	}
	delete(r.graph.transports, id)
	delete(te.owner.transports, id)
	if te.owner.sendTransportID == id {
		te.owner.sendTransportID = ""
	}

	for pid := range te.producers {
		r.detachProducer(td, pid)
	}
	for cid := range te.consumers {
		r.detachConsumer(td, cid)
	}
	td.transports = append(td.transports, te.handle)
}

// detachProducer removes a producer and every consumer of it. Each affected
// peer is told once; a recv transport left without consumers goes too.
func (r *Room) detachProducer(td *teardown, id string) {
	pe := r.graph.producers[id]
	if pe == nil {
		return
	}
	delete(r.graph.producers, id)
	delete(pe.owner.producers, id)
	if te := r.graph.transports[pe.transportID]; te != nil {
		delete(te.producers, id)
	}
	td.producers = append(td.producers, pe.handle)

	notified := make(map[*Peer]bool)
	for cid := range pe.consumers {
		ce := r.graph.consumers[cid]
		if ce == nil {
			continue
		}
		r.detachConsumer(td, cid)

		if !ce.owner.closed && !notified[ce.owner] {
			notified[ce.owner] = true
			td.notify(ce.owner.sink, EventProducerClosed, ProducerClosedEvent{RemoteProducerID: id})
		}
		if te := r.graph.transports[ce.transportID]; te != nil && len(te.consumers) == 0 && len(te.producers) == 0 {
			r.detachTransport(td, te.id)
		}
	}
}

func (r *Room) detachConsumer(td *teardown, id string) {
	ce := r.graph.consumers[id]
	if ce == nil {
		return
	}
	delete(r.graph.consumers, id)
	delete(ce.owner.consumers, id)
	if te := r.graph.transports[ce.transportID]; te != nil {
		delete(te.consumers, id)
	}
	if pe := r.graph.producers[ce.producerID]; pe != nil {
		delete(pe.consumers, id)
	}
	td.consumers = append(td.consumers, ce.handle)
}
