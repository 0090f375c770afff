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
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/livekit/collab-server/pkg/mediaengine"
	"github.com/livekit/collab-server/signalling"
)

const (
	testTimeout = 5 * time.Second
	testTick    = 10 * time.Millisecond
)

type sinkEvent struct {
	name string
	data any
}

// testSink records every event sent to one connection.
type testSink struct {
	id string

	lock   sync.Mutex
	events []sinkEvent
	acks   map[uint64]any
	ctx    context.Context
	cancel context.CancelFunc
}

var _ signalling.Conn = (*testSink)(nil)

func newTestSink(id string) *testSink {
	ctx, cancel := context.WithCancel(context.Background())
	return &testSink{
		id:     id,
		acks:   make(map[uint64]any),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *testSink) ID() string {
	return s.id
}

func (s *testSink) RemoteAddr() string {
	return "127.0.0.1:0"
}

func (s *testSink) Context() context.Context {
	return s.ctx
}

func (s *testSink) SendEvent(name string, data any) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.events = append(s.events, sinkEvent{name: name, data: data})
	return nil
}

func (s *testSink) Ack(req *signalling.Request, data any) error {
	if !req.HasAck() {
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.acks[req.AckID] = data
	return nil
}

func (s *testSink) ack(id uint64) any {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.acks[id]
}

func (s *testSink) received(name string) []any {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []any
	for _, e := range s.events {
		if e.name == name {
			out = append(out, e.data)
		}
	}
	return out
}

// testEngine wraps LocalEngine to count router creations and to inject
// failures and stalls.
type testEngine struct {
	*mediaengine.LocalEngine

	routerCalls atomic.Int64
	routerGate  chan struct{}
	routerErr   error

	connectErr error

	produceStarted chan mediaengine.Producer
	produceGate    chan struct{}

	consumeStarted chan mediaengine.Consumer
	consumeGate    chan struct{}
}

func newTestEngine(t *testing.T) *testEngine {
	e, err := mediaengine.NewLocalEngine(mediaengine.LocalEngineParams{
		AnnouncedIP:    "127.0.0.1",
		PortRangeStart: 2000,
		PortRangeEnd:   2200,
	})
	require.NoError(t, err)
	return &testEngine{LocalEngine: e}
}

func (e *testEngine) CreateRouter(ctx context.Context, codecs []mediaengine.RTPCodecCapability) (mediaengine.Router, error) {
	e.routerCalls.Inc()
	if e.routerGate != nil {
		<-e.routerGate
	}
	if e.routerErr != nil {
		return nil, e.routerErr
	}
	r, err := e.LocalEngine.CreateRouter(ctx, codecs)
	if err != nil {
		return nil, err
	}
	return &testRouter{Router: r, engine: e}, nil
}

type testRouter struct {
	mediaengine.Router
	engine *testEngine
}

func (r *testRouter) CreateWebRtcTransport(ctx context.Context, opts mediaengine.TransportOptions) (mediaengine.Transport, error) {
	t, err := r.Router.CreateWebRtcTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &testTransport{Transport: t, engine: r.engine}, nil
}

type testTransport struct {
	mediaengine.Transport
	engine *testEngine
}

func (t *testTransport) Connect(ctx context.Context, remote mediaengine.DTLSParameters) error {
	if t.engine.connectErr != nil {
		return t.engine.connectErr
	}
	return t.Transport.Connect(ctx, remote)
}

// Produce creates the producer right away; with a gate set it holds the
// result back until the gate opens.
func (t *testTransport) Produce(ctx context.Context, opts mediaengine.ProduceOptions) (mediaengine.Producer, error) {
	p, err := t.Transport.Produce(ctx, opts)
	if err != nil {
		return nil, err
	}
	if t.engine.produceGate != nil {
		t.engine.produceStarted <- p
		<-t.engine.produceGate
	}
	return p, nil
}

// Consume mirrors Produce for consumers.
func (t *testTransport) Consume(ctx context.Context, opts mediaengine.ConsumeOptions) (mediaengine.Consumer, error) {
	c, err := t.Transport.Consume(ctx, opts)
	if err != nil {
		return nil, err
	}
	if t.engine.consumeGate != nil {
		t.engine.consumeStarted <- c
		<-t.engine.consumeGate
	}
	return c, nil
}

func clientDTLS() mediaengine.DTLSParameters {
	return mediaengine.DTLSParameters{
		Role: mediaengine.DTLSRoleClient,
		Fingerprints: []webrtc.DTLSFingerprint{
			{Algorithm: "sha-256", Value: "82:5A:68:3D:36:C3:0A:DE:AF:E7:32:43:D2:88:83:57"},
		},
	}
}

func rtpParameters(kind mediaengine.MediaKind) mediaengine.RTPParameters {
	if kind == mediaengine.MediaKindAudio {
		return mediaengine.RTPParameters{
			MID:       "0",
			Codecs:    []mediaengine.RTPCodecParameters{{MimeType: webrtc.MimeTypeOpus, PayloadType: 111, ClockRate: 48000, Channels: 2}},
			Encodings: []mediaengine.RTPEncodingParameters{{SSRC: 1234}},
			RTCP:      mediaengine.RTCPParameters{CNAME: "audio"},
		}
	}
	return mediaengine.RTPParameters{
		MID:       "1",
		Codecs:    []mediaengine.RTPCodecParameters{{MimeType: webrtc.MimeTypeVP8, PayloadType: 96, ClockRate: 90000}},
		Encodings: []mediaengine.RTPEncodingParameters{{SSRC: 5678}},
		RTCP:      mediaengine.RTCPParameters{CNAME: "video"},
	}
}

type testPeer struct {
	sink    *testSink
	session *Session
	caps    mediaengine.RTPCapabilities
}

func newTestManager(e mediaengine.Engine) *RoomManager {
	return NewRoomManager(RoomManagerParams{Engine: e})
}

func joinTestPeer(t *testing.T, m *RoomManager, id, roomName string) *testPeer {
	sink := newTestSink(id)
	session := NewSession(sink, m)
	res, err := session.JoinRoom(context.Background(), JoinRoomRequest{RoomName: roomName, Name: id})
	require.NoError(t, err)
	return &testPeer{sink: sink, session: session, caps: res.RTPCapabilities}
}

// produce creates and connects a send transport on first use, then
// produces kind on it.
func (p *testPeer) produce(t *testing.T, kind mediaengine.MediaKind) *ProduceResponse {
	ctx := context.Background()
	if _, ok := p.session.manager.GetSendTransport(p.sink.id); !ok {
		_, err := p.session.CreateWebRtcTransport(ctx, CreateTransportRequest{})
		require.NoError(t, err)
		require.NoError(t, p.session.ConnectSendTransport(ctx, ConnectTransportRequest{DTLSParameters: clientDTLS()}))
	}
	res, err := p.session.Produce(ctx, ProduceRequest{Kind: kind, RTPParameters: rtpParameters(kind)})
	require.NoError(t, err)
	return res
}

// consume opens a fresh recv transport and consumes producerID on it.
func (p *testPeer) consume(t *testing.T, producerID string) (transportID string, params ConsumerParams) {
	ctx := context.Background()
	tr, err := p.session.CreateWebRtcTransport(ctx, CreateTransportRequest{Consumer: true})
	require.NoError(t, err)
	require.NoError(t, p.session.ConnectRecvTransport(ctx, ConnectRecvTransportRequest{
		DTLSParameters:            clientDTLS(),
		ServerConsumerTransportID: tr.Params.ID,
	}))
	res, err := p.session.Consume(ctx, ConsumeRequest{
		RTPCapabilities:           p.caps,
		RemoteProducerID:          producerID,
		ServerConsumerTransportID: tr.Params.ID,
	})
	require.NoError(t, err)
	return tr.Params.ID, res.Params
}
