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
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/collab-server/pkg/mediaengine"
	"github.com/livekit/collab-server/signalling"
)

type SessionState int

const (
	StateConnected SessionState = iota
	StateRoomJoined
	StateCapabilitiesExchanged
	StateSendTransportReady
	StateProducing
	StateConsumerTransportsReady
	StateConsuming
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateRoomJoined:
		return "ROOM_JOINED"
	case StateCapabilitiesExchanged:
		return "CAPABILITIES_EXCHANGED"
	case StateSendTransportReady:
		return "SEND_TRANSPORT_READY"
	case StateProducing:
		return "PRODUCING"
	case StateConsumerTransportsReady:
		return "CONSUMER_TRANSPORTS_READY"
	case StateConsuming:
		return "CONSUMING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// Source of a producer as announced in appData.source.
const (
	SourceCamera     = "camera"
	SourceMicrophone = "microphone"
	SourceScreen     = "screen"
)

// Session is the signalling state of one connection. Its operations are
// called in arrival order by a single goroutine; Close may run concurrently
// with any of them.
type Session struct {
	sink    signalling.Sink
	manager *RoomManager
	logger  logger.Logger

	lock  sync.Mutex
	state SessionState
	peer  *Peer
	room  *Room
}

func NewSession(sink signalling.Sink, manager *RoomManager) *Session {
	return &Session{
		sink:    sink,
		manager: manager,
		logger:  manager.logger.WithValues("connID", sink.ID()),
		state:   StateConnected,
	}
}

func (s *Session) ID() string {
	return s.sink.ID()
}

func (s *Session) State() SessionState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *Session) RoomName() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.room == nil {
		return ""
	}
	return s.room.name
}

// advance records the furthest state reached. Consuming and
// ConsumerTransportsReady alternate as the peer consumes more producers.
func (s *Session) advance(to SessionState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == StateDisconnected {
		return
	}
	if to > s.state || (s.state == StateConsuming && to == StateConsumerTransportsReady) {
		s.state = to
	}
}

func (s *Session) joined() (*Peer, *Room, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == StateDisconnected {
		return nil, nil, ErrPeerNotFound
	}
	if s.peer == nil {
		return nil, nil, ErrNotJoined
	}
	return s.peer, s.room, nil
}

func (s *Session) JoinRoom(ctx context.Context, req JoinRoomRequest) (*JoinRoomResponse, error) {
	s.lock.Lock()
	state, joined := s.state, s.peer != nil
	s.lock.Unlock()
	if state == StateDisconnected {
		return nil, ErrPeerNotFound
	}
	if joined {
		return nil, ErrAlreadyJoined
	}

	peer, room, err := s.manager.JoinRoom(ctx, s.sink, req.RoomName, PeerDetails{
		Name:    req.Name,
		IsAdmin: req.IsAdmin,
	})
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	if s.state == StateDisconnected {
		// Close ran while the join was in flight and had nothing to remove
		s.lock.Unlock()
		s.manager.RemovePeer(peer.id)
		return nil, ErrPeerNotFound
	}
	s.peer = peer
	s.room = room
	s.state = StateCapabilitiesExchanged
	s.lock.Unlock()

	return &JoinRoomResponse{RTPCapabilities: room.router.RTPCapabilities()}, nil
}

func (s *Session) CreateWebRtcTransport(ctx context.Context, req CreateTransportRequest) (*CreateTransportResponse, error) {
	peer, room, err := s.joined()
	if err != nil {
		return nil, err
	}

	direction := DirectionSend
	if req.Consumer {
		direction = DirectionRecv
	} else if _, ok := room.sendTransport(peer); ok {
		return nil, ErrSendTransportExists
	}

	t, err := room.router.CreateWebRtcTransport(ctx, s.manager.params.TransportOptions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineOperationFailed, err)
	}
	if err := room.addTransport(peer, t, direction); err != nil {
		s.discard(t)
		return nil, err
	}
	s.manager.watchTransport(room, t)

	if direction == DirectionSend {
		s.advance(StateSendTransportReady)
	} else {
		s.advance(StateConsumerTransportsReady)
	}
	s.logger.Debugw("transport created", "transportID", t.ID(), "direction", direction)

	return &CreateTransportResponse{Params: TransportParams{
		ID:             t.ID(),
		ICEParameters:  t.ICEParameters(),
		ICECandidates:  t.ICECandidates(),
		DTLSParameters: t.DTLSParameters(),
	}}, nil
}

// ConnectSendTransport completes DTLS on the peer's send transport. A
// transport that fails to connect is closed.
func (s *Session) ConnectSendTransport(ctx context.Context, req ConnectTransportRequest) error {
	peer, room, err := s.joined()
	if err != nil {
		return err
	}
	t, ok := room.sendTransport(peer)
	if !ok {
		return ErrTransportNotFound
	}
	if err := t.Connect(ctx, req.DTLSParameters); err != nil {
		s.failTransport(room, t, err)
		return fmt.Errorf("%w: %v", ErrEngineOperationFailed, err)
	}
	return nil
}

func (s *Session) Produce(ctx context.Context, req ProduceRequest) (*ProduceResponse, error) {
	peer, room, err := s.joined()
	if err != nil {
		return nil, err
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidRequest, req.Kind)
	}
	t, ok := room.sendTransport(peer)
	if !ok {
		return nil, ErrTransportNotFound
	}

	p, err := t.Produce(ctx, mediaengine.ProduceOptions{
		Kind:          req.Kind,
		RTPParameters: req.RTPParameters,
		AppData:       req.AppData,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineOperationFailed, err)
	}
	source := producerSource(req.Kind, req.AppData)
	producersExist, err := room.addProducer(peer, t.ID(), p, source)
	if err != nil {
		s.discard(p)
		return nil, err
	}
	s.manager.watchProducer(room, p)
	s.advance(StateProducing)
	s.logger.Infow("producer created", "producerID", p.ID(), "kind", req.Kind, "source", source)

	s.manager.NotifyRoomExcept(room.name, peer.id, EventNewProducer, NewProducerEvent{
		ProducerID: p.ID(),
		Kind:       string(req.Kind),
		Source:     source,
	})
	return &ProduceResponse{ID: p.ID(), ProducersExist: producersExist}, nil
}

func producerSource(kind mediaengine.MediaKind, appData map[string]any) string {
	if source, ok := appData["source"].(string); ok && source != "" {
		return source
	}
	if kind == mediaengine.MediaKindAudio {
		return SourceMicrophone
	}
	return SourceCamera
}

func (s *Session) GetProducers() ([]string, error) {
	peer, room, err := s.joined()
	if err != nil {
		return nil, err
	}
	return s.manager.ListProducersExcluding(peer.id, room.name), nil
}

func (s *Session) ConnectRecvTransport(ctx context.Context, req ConnectRecvTransportRequest) error {
	peer, room, err := s.joined()
	if err != nil {
		return err
	}
	t, err := room.recvTransport(peer, req.ServerConsumerTransportID)
	if err != nil {
		return err
	}
	if err := t.Connect(ctx, req.DTLSParameters); err != nil {
		s.failTransport(room, t, err)
		return fmt.Errorf("%w: %v", ErrEngineOperationFailed, err)
	}
	return nil
}

// Consume creates a paused consumer of a remote producer on one of the
// peer's recv transports. The client resumes it once attached.
func (s *Session) Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResponse, error) {
	peer, room, err := s.joined()
	if err != nil {
		return nil, err
	}
	t, err := room.recvTransport(peer, req.ServerConsumerTransportID)
	if err != nil {
		return nil, err
	}
	if !room.hasProducer(req.RemoteProducerID) {
		return nil, ErrProducerNotFound
	}
	if !room.router.CanConsume(req.RemoteProducerID, req.RTPCapabilities) {
		return nil, ErrConsumeNotSupported
	}

	c, err := t.Consume(ctx, mediaengine.ConsumeOptions{
		ProducerID:      req.RemoteProducerID,
		RTPCapabilities: req.RTPCapabilities,
		Paused:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineOperationFailed, err)
	}
	if err := room.addConsumer(peer, t.ID(), c); err != nil {
		s.discard(c)
		return nil, err
	}
	s.manager.watchConsumer(room, c)
	s.advance(StateConsuming)
	s.logger.Debugw("consumer created", "consumerID", c.ID(), "producerID", req.RemoteProducerID)

	return &ConsumeResponse{Params: ConsumerParams{
		ID:               c.ID(),
		ProducerID:       req.RemoteProducerID,
		Kind:             c.Kind(),
		RTPParameters:    c.RTPParameters(),
		ServerConsumerID: c.ID(),
	}}, nil
}

func (s *Session) ResumeConsumer(ctx context.Context, req ConsumerResumeRequest) error {
	peer, room, err := s.joined()
	if err != nil {
		return err
	}
	c, err := room.ownedConsumer(peer, req.ServerConsumerID)
	if err != nil {
		return err
	}
	if err := c.Resume(ctx); err != nil {
		s.logger.Warnw("failed to resume consumer, closing", err, "consumerID", c.ID())
		s.manager.closeConsumer(room, c.ID())
		return fmt.Errorf("%w: %v", ErrEngineOperationFailed, err)
	}
	return nil
}

func (s *Session) PauseProducer(ctx context.Context, req ProducerRequest) error {
	return s.setProducerPaused(ctx, req.ProducerID, true)
}

func (s *Session) ResumeProducer(ctx context.Context, req ProducerRequest) error {
	return s.setProducerPaused(ctx, req.ProducerID, false)
}

// setProducerPaused changes a producer's state and tells the rest of the
// room, consuming or not.
func (s *Session) setProducerPaused(ctx context.Context, producerID string, paused bool) error {
	peer, room, err := s.joined()
	if err != nil {
		return err
	}
	p, err := room.ownedProducer(peer, producerID)
	if err != nil {
		return err
	}

	event := EventProducerResumed
	if paused {
		event = EventProducerPaused
		err = p.Pause(ctx)
	} else {
		err = p.Resume(ctx)
	}
	if err != nil {
		s.logger.Warnw("failed to change producer state, closing", err, "producerID", producerID, "paused", paused)
		s.manager.closeProducer(room, producerID)
		return fmt.Errorf("%w: %v", ErrEngineOperationFailed, err)
	}

	s.manager.NotifyRoomExcept(room.name, peer.id, event, ProducerStateEvent{ProducerID: producerID})
	return nil
}

func (s *Session) CloseProducer(req ProducerRequest) (*CloseProducerResponse, error) {
	peer, room, err := s.joined()
	if err != nil {
		return nil, err
	}
	if _, err := room.ownedProducer(peer, req.ProducerID); err != nil {
		return nil, err
	}
	s.manager.closeProducer(room, req.ProducerID)
	s.logger.Infow("producer closed", "producerID", req.ProducerID)
	return &CloseProducerResponse{Result: true}, nil
}

// Close ends the session and releases everything the peer owns. It is safe
// to call more than once.
func (s *Session) Close() {
	s.lock.Lock()
	if s.state == StateDisconnected {
		s.lock.Unlock()
		return
	}
	s.state = StateDisconnected
	peer := s.peer
	s.lock.Unlock()

	if peer != nil {
		s.manager.RemovePeer(peer.id)
	} else {
		// a join may be registering right now
		s.manager.RemovePeer(s.sink.ID())
	}
}

func (s *Session) failTransport(room *Room, t mediaengine.Transport, cause error) {
	s.logger.Warnw("transport connect failed, closing", cause, "transportID", t.ID())
	s.manager.closeTransport(room, t.ID())
}

// discard closes an engine object that lost the race against teardown or
// failed validation after creation.
func (s *Session) discard(c mediaengine.Closer) {
	if err := c.Close(); err != nil {
		s.logger.Debugw("failed to discard engine object", "error", err)
	}
}
