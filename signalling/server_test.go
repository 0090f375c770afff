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

package signalling

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 5 * time.Second
	testTick    = 10 * time.Millisecond
)

type echoHandler struct {
	lock         sync.Mutex
	connected    []string
	disconnected chan string
}

func (h *echoHandler) OnConnect(conn Conn) {
	h.lock.Lock()
	h.connected = append(h.connected, conn.ID())
	h.lock.Unlock()
	_ = conn.SendEvent("connection-success", map[string]string{"socketId": conn.ID()})
}

func (h *echoHandler) HandleRequest(_ context.Context, conn Conn, req *Request) {
	var data map[string]any
	if err := req.Decode(&data); err != nil {
		_ = conn.Ack(req, ErrorReply{Error: err.Error()})
		return
	}
	_ = conn.Ack(req, data)
}

func (h *echoHandler) OnDisconnect(conn Conn) {
	h.disconnected <- conn.ID()
}

func dialTestServer(t *testing.T, s *Server) *websocket.Conn {
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) (int, *Request) {
	_ = ws.SetReadDeadline(time.Now().Add(testTimeout))
	frameType, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	codec, err := CodecForFrame(frameType)
	require.NoError(t, err)
	req, err := codec.DecodeRequest(frame)
	require.NoError(t, err)
	return frameType, req
}

func TestServer(t *testing.T) {
	h := &echoHandler{disconnected: make(chan string, 1)}
	s := NewServer(ServerParams{ConnectionParams: ConnectionParams{Handler: h}})
	ws := dialTestServer(t, s)

	_, hello := readMessage(t, ws)
	require.Equal(t, "connection-success", hello.Event)
	var success map[string]string
	require.NoError(t, hello.Decode(&success))
	require.NotEmpty(t, success["socketId"])
	require.Equal(t, 1, s.ConnectionCount())

	t.Run("json request gets a json ack", func(t *testing.T) {
		frame, err := JSONCodec.Encode(&Message{Event: "joinRoom", AckID: 1, Data: map[string]any{"roomName": "r1"}})
		require.NoError(t, err)
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

		frameType, ack := readMessage(t, ws)
		require.Equal(t, websocket.TextMessage, frameType)
		require.Equal(t, EventAck, ack.Event)
		require.EqualValues(t, 1, ack.AckID)
		var data map[string]any
		require.NoError(t, ack.Decode(&data))
		require.Equal(t, "r1", data["roomName"])
	})

	t.Run("msgpack request gets a msgpack ack", func(t *testing.T) {
		frame, err := MsgpackCodec.Encode(&Message{Event: "joinRoom", AckID: 2, Data: map[string]any{"roomName": "r2"}})
		require.NoError(t, err)
		require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame))

		frameType, ack := readMessage(t, ws)
		require.Equal(t, websocket.BinaryMessage, frameType)
		require.EqualValues(t, 2, ack.AckID)
		var data map[string]any
		require.NoError(t, ack.Decode(&data))
		require.Equal(t, "r2", data["roomName"])
	})

	t.Run("garbage is skipped", func(t *testing.T) {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
		frame, _ := JSONCodec.Encode(&Message{Event: "ping", AckID: 3})
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
		_, ack := readMessage(t, ws)
		require.EqualValues(t, 3, ack.AckID)
	})

	t.Run("disconnect is reported", func(t *testing.T) {
		require.NoError(t, ws.Close())
		select {
		case id := <-h.disconnected:
			require.Equal(t, success["socketId"], id)
		case <-time.After(testTimeout):
			t.Fatal("disconnect not reported")
		}
		require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, testTimeout, testTick)
	})
}

func TestServerOrigin(t *testing.T) {
	h := &echoHandler{disconnected: make(chan string, 1)}
	s := NewServer(ServerParams{
		ConnectionParams: ConnectionParams{Handler: h},
		AllowedOrigins:   []string{"http://localhost:5173"},
	})
	srv := httptest.NewServer(s)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := map[string][]string{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 403, resp.StatusCode)

	header = map[string][]string{"Origin": {"http://localhost:5173"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = ws.Close()
}

type gatedHandler struct {
	started      chan struct{}
	gate         chan struct{}
	acked        chan error
	disconnected chan struct{}
}

func (h *gatedHandler) OnConnect(Conn) {}

func (h *gatedHandler) HandleRequest(ctx context.Context, conn Conn, req *Request) {
	close(h.started)
	<-h.gate
	h.acked <- conn.Ack(req, map[string]any{"late": ctx.Err() != nil})
}

func (h *gatedHandler) OnDisconnect(Conn) {
	close(h.disconnected)
}

func TestServerShutdownWaitsForRequest(t *testing.T) {
	h := &gatedHandler{
		started:      make(chan struct{}),
		gate:         make(chan struct{}),
		acked:        make(chan error, 1),
		disconnected: make(chan struct{}),
	}
	s := NewServer(ServerParams{ConnectionParams: ConnectionParams{Handler: h}})
	ws := dialTestServer(t, s)

	frame, err := JSONCodec.Encode(&Message{Event: "produce", AckID: 1})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
	select {
	case <-h.started:
	case <-time.After(testTimeout):
		t.Fatal("request not handled")
	}

	require.NoError(t, ws.Close())
	select {
	case <-h.disconnected:
	case <-time.After(testTimeout):
		t.Fatal("disconnect not reported")
	}
	// teardown of the connection waits for the in-flight request
	require.Never(t, func() bool { return s.ConnectionCount() == 0 }, 200*time.Millisecond, testTick)

	close(h.gate)
	select {
	case err := <-h.acked:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("request did not finish")
	}
	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, testTimeout, testTick)
}
