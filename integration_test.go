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
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/livekit/collab-server/pkg/chat"
	"github.com/livekit/collab-server/pkg/mediaengine"
	"github.com/livekit/collab-server/pkg/whiteboard"
	"github.com/livekit/collab-server/signalling"
)

// wsClient speaks the signal protocol over a real websocket.
type wsClient struct {
	t     *testing.T
	ws    *websocket.Conn
	codec signalling.Codec

	lock    sync.Mutex
	nextAck uint64
	pending map[uint64]chan *signalling.Request
	events  chan *signalling.Request
}

func dialClient(t *testing.T, url string, codec signalling.Codec) *wsClient {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	c := &wsClient{
		t:       t,
		ws:      ws,
		codec:   codec,
		pending: make(map[uint64]chan *signalling.Request),
		events:  make(chan *signalling.Request, 64),
	}
	go c.readLoop()
	t.Cleanup(func() { _ = ws.Close() })
	return c
}

func (c *wsClient) readLoop() {
	defer close(c.events)
	for {
		frameType, frame, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		codec, err := signalling.CodecForFrame(frameType)
		if err != nil {
			continue
		}
		req, err := codec.DecodeRequest(frame)
		if err != nil {
			continue
		}
		if req.Event == signalling.EventAck {
			c.lock.Lock()
			ch := c.pending[req.AckID]
			delete(c.pending, req.AckID)
			c.lock.Unlock()
			if ch != nil {
				ch <- req
			}
			continue
		}
		c.events <- req
	}
}

// call sends event and decodes its acknowledgement into out. An error reply
// is returned as an error.
func (c *wsClient) call(event string, data any, out any) error {
	c.lock.Lock()
	c.nextAck++
	id := c.nextAck
	ch := make(chan *signalling.Request, 1)
	c.pending[id] = ch
	c.lock.Unlock()

	frame, err := c.codec.Encode(&signalling.Message{Event: event, AckID: id, Data: data})
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(c.codec.FrameType(), frame))

	select {
	case ack := <-ch:
		var reply map[string]any
		if err := ack.Decode(&reply); err == nil {
			if msg, ok := reply["error"].(string); ok && msg != "" {
				return fmt.Errorf("%s", msg)
			}
		}
		if out != nil {
			return ack.Decode(out)
		}
		return nil
	case <-time.After(testTimeout):
		return fmt.Errorf("no ack for %s", event)
	}
}

func (c *wsClient) waitEvent(event string, out any) {
	deadline := time.After(testTimeout)
	for {
		select {
		case req, ok := <-c.events:
			require.True(c.t, ok, "connection closed waiting for %s", event)
			if req.Event != event {
				continue
			}
			if out != nil {
				require.NoError(c.t, req.Decode(out))
			}
			return
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func startTestServer(t *testing.T) (*RoomManager, string) {
	m := newTestManager(newTestEngine(t))
	handler := NewSignalHandler(SignalHandlerParams{
		RoomManager: m,
		Chat:        chat.NewManager(chat.ManagerParams{}),
		Whiteboard:  whiteboard.NewManager(whiteboard.ManagerParams{}),
	})
	s := signalling.NewServer(signalling.ServerParams{
		ConnectionParams: signalling.ConnectionParams{Handler: handler},
	})
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return m, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSignalIntegration(t *testing.T) {
	for _, codec := range []signalling.Codec{signalling.JSONCodec, signalling.MsgpackCodec} {
		t.Run(codec.Name(), func(t *testing.T) {
			testSignalRoundTrip(t, codec)
		})
	}
}

func testSignalRoundTrip(t *testing.T, codec signalling.Codec) {
	m, url := startTestServer(t)

	a := dialClient(t, url, codec)
	var hello ConnectionSuccess
	a.waitEvent(EventConnectionSuccess, &hello)
	require.NotEmpty(t, hello.SocketID)
	b := dialClient(t, url, codec)
	b.waitEvent(EventConnectionSuccess, nil)

	var joined JoinRoomResponse
	require.NoError(t, a.call(EventJoinRoom, JoinRoomRequest{RoomName: "r1"}, &joined))
	require.NotEmpty(t, joined.RTPCapabilities.Codecs)
	require.NoError(t, b.call(EventJoinRoom, JoinRoomRequest{RoomName: "r1"}, &joined))

	var send CreateTransportResponse
	require.NoError(t, a.call(EventCreateWebRtcTransport, CreateTransportRequest{}, &send))
	require.NotEmpty(t, send.Params.DTLSParameters.Fingerprints)
	require.NoError(t, a.call(EventTransportConnect, ConnectTransportRequest{DTLSParameters: clientDTLS()}, nil))
	require.Error(t, a.call(EventCreateWebRtcTransport, CreateTransportRequest{}, nil))

	var produced ProduceResponse
	require.NoError(t, a.call(EventTransportProduce, ProduceRequest{
		Kind:          mediaengine.MediaKindVideo,
		RTPParameters: rtpParameters(mediaengine.MediaKindVideo),
	}, &produced))
	require.False(t, produced.ProducersExist)

	var announced NewProducerEvent
	b.waitEvent(EventNewProducer, &announced)
	require.Equal(t, produced.ID, announced.ProducerID)

	var producers []string
	require.NoError(t, b.call(EventGetProducers, nil, &producers))
	require.Equal(t, []string{produced.ID}, producers)

	var recv CreateTransportResponse
	require.NoError(t, b.call(EventCreateWebRtcTransport, CreateTransportRequest{Consumer: true}, &recv))
	require.NoError(t, b.call(EventTransportRecvConnect, ConnectRecvTransportRequest{
		DTLSParameters:            clientDTLS(),
		ServerConsumerTransportID: recv.Params.ID,
	}, nil))

	err := b.call(EventConsume, ConsumeRequest{
		RTPCapabilities:           joined.RTPCapabilities,
		RemoteProducerID:          produced.ID,
		ServerConsumerTransportID: "TR_missing",
	}, nil)
	require.ErrorContains(t, err, ErrTransportNotFound.Error())

	var consumed ConsumeResponse
	require.NoError(t, b.call(EventConsume, ConsumeRequest{
		RTPCapabilities:           joined.RTPCapabilities,
		RemoteProducerID:          produced.ID,
		ServerConsumerTransportID: recv.Params.ID,
	}, &consumed))
	require.Equal(t, produced.ID, consumed.Params.ProducerID)
	require.NotEmpty(t, consumed.Params.RTPParameters.Codecs)
	require.NoError(t, b.call(EventConsumerResume, ConsumerResumeRequest{ServerConsumerID: consumed.Params.ServerConsumerID}, nil))

	// A drops its connection without leaving
	require.NoError(t, a.ws.Close())
	var closed ProducerClosedEvent
	b.waitEvent(EventProducerClosed, &closed)
	require.Equal(t, produced.ID, closed.RemoteProducerID)
	require.True(t, m.RoomExists("r1"))

	producers = nil
	require.NoError(t, b.call(EventGetProducers, nil, &producers))
	require.Empty(t, producers)

	require.NoError(t, b.ws.Close())
	require.Eventually(t, func() bool {
		return !m.RoomExists("r1")
	}, testTimeout, testTick)
}
