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
	"github.com/livekit/protocol/logger"

	"github.com/livekit/collab-server/pkg/mediaengine"
	"github.com/livekit/collab-server/signalling"
)

type Direction int

const (
	DirectionSend Direction = iota
	DirectionRecv
)

func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionRecv:
		return "recv"
	default:
		return "unknown"
	}
}

type ObjectKind string

const (
	ObjectTransport ObjectKind = "transport"
	ObjectProducer  ObjectKind = "producer"
	ObjectConsumer  ObjectKind = "consumer"
)

// GraphEntry locates an engine object: who owns it, in which room.
type GraphEntry struct {
	ID    string
	Owner string
	Room  string
	Kind  ObjectKind
}

type transportEntry struct {
	id        string
	owner     *Peer
	direction Direction
	handle    mediaengine.Transport
	producers map[string]struct{}
	consumers map[string]struct{}
}

type producerEntry struct {
	id          string
	owner       *Peer
	transportID string
	source      string
	handle      mediaengine.Producer
	consumers   map[string]struct{}
	seq         uint64
}

type consumerEntry struct {
	id          string
	owner       *Peer
	transportID string
	producerID  string
	handle      mediaengine.Consumer
}

// graph indexes the engine objects of one room. It is not safe for
// concurrent use; Room guards it.
type graph struct {
	transports map[string]*transportEntry
	producers  map[string]*producerEntry
	consumers  map[string]*consumerEntry
	seq        uint64
}

func newGraph() *graph {
	return &graph{
		transports: make(map[string]*transportEntry),
		producers:  make(map[string]*producerEntry),
		consumers:  make(map[string]*consumerEntry),
	}
}

func (g *graph) lookup(roomName, id string) (GraphEntry, bool) {
	if t, ok := g.transports[id]; ok {
		return GraphEntry{ID: id, Owner: t.owner.id, Room: roomName, Kind: ObjectTransport}, true
	}
	if p, ok := g.producers[id]; ok {
		return GraphEntry{ID: id, Owner: p.owner.id, Room: roomName, Kind: ObjectProducer}, true
	}
	if c, ok := g.consumers[id]; ok {
		return GraphEntry{ID: id, Owner: c.owner.id, Room: roomName, Kind: ObjectConsumer}, true
	}
	return GraphEntry{}, false
}

// ------------------------------------------------

type notification struct {
	sink  signalling.Sink
	event string
	data  any
}

// teardown collects what must happen once the room lock is released:
// engine objects to close and peers to notify.
type teardown struct {
	consumers     []mediaengine.Consumer
	producers     []mediaengine.Producer
	transports    []mediaengine.Transport
	notifications []notification
}

func (td *teardown) empty() bool {
	return len(td.consumers) == 0 && len(td.producers) == 0 && len(td.transports) == 0 && len(td.notifications) == 0
}

func (td *teardown) notify(sink signalling.Sink, event string, data any) {
	td.notifications = append(td.notifications, notification{sink: sink, event: event, data: data})
}

// run releases every object independently; one failure does not stop the
// rest.
func (td *teardown) run(l logger.Logger) {
	for _, c := range td.consumers {
		if err := c.Close(); err != nil {
			l.Warnw("failed to close consumer", err, "consumerID", c.ID())
		}
	}
	for _, p := range td.producers {
		if err := p.Close(); err != nil {
			l.Warnw("failed to close producer", err, "producerID", p.ID())
		}
	}
	for _, t := range td.transports {
		if err := t.Close(); err != nil {
			l.Warnw("failed to close transport", err, "transportID", t.ID())
		}
	}
	for _, n := range td.notifications {
		if err := n.sink.SendEvent(n.event, n.data); err != nil {
			l.Debugw("could not notify peer", "connID", n.sink.ID(), "event", n.event, "error", err)
		}
	}
}
