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
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
)

const (
	defaultWriteTimeout  = 10 * time.Second
	defaultPongWait      = 60 * time.Second
	defaultReadLimit     = 8 << 20
	defaultSendQueueSize = 256
)

type ConnectionParams struct {
	Logger  logger.Logger
	Handler RequestHandler

	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	ReadLimit        int64
	SendQueueSize    int
	RequestQueueSize int
}

func (p *ConnectionParams) setDefaults() {
	if p.Logger == nil {
		p.Logger = logger.GetLogger()
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = defaultWriteTimeout
	}
	if p.PongWait <= 0 {
		p.PongWait = defaultPongWait
	}
	if p.PingInterval <= 0 || p.PingInterval >= p.PongWait {
		p.PingInterval = p.PongWait * 9 / 10
	}
	if p.ReadLimit <= 0 {
		p.ReadLimit = defaultReadLimit
	}
	if p.SendQueueSize <= 0 {
		p.SendQueueSize = defaultSendQueueSize
	}
}

type outbound struct {
	frameType int
	data      []byte
}

// Connection is the server side of one signal websocket.
type Connection struct {
	params ConnectionParams
	id     string
	conn   *websocket.Conn
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// binary is set when the last inbound frame was msgpack, server
	// initiated events follow the client's latest choice.
	binary atomic.Bool

	sendLock sync.RWMutex
	closed   bool
	sendChan chan outbound

	msgQueue  *messageQueue
	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn, params ConnectionParams) *Connection {
	params.setDefaults()
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		params:   params,
		id:       id,
		conn:     ws,
		logger:   params.Logger.WithValues("connID", id, "remote", ws.RemoteAddr().String()),
		ctx:      ctx,
		cancel:   cancel,
		sendChan: make(chan outbound, params.SendQueueSize),
	}
	c.msgQueue = newMessageQueue(messageQueueParams{
		Logger:        c.logger,
		Size:          params.RequestQueueSize,
		HandleRequest: c.handleRequest,
	})
	return c
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) SendEvent(event string, data any) error {
	codec := JSONCodec
	if c.binary.Load() {
		codec = MsgpackCodec
	}
	return c.send(codec, &Message{Event: event, Data: data})
}

func (c *Connection) Ack(req *Request, data any) error {
	if !req.HasAck() {
		return nil
	}
	codec := req.Codec()
	if codec == nil {
		codec = JSONCodec
	}
	return c.send(codec, &Message{Event: EventAck, AckID: req.AckID, Data: data})
}

func (c *Connection) send(codec Codec, msg *Message) error {
	frame, err := codec.Encode(msg)
	if err != nil {
		return err
	}

	c.sendLock.RLock()
	defer c.sendLock.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.sendChan <- outbound{frameType: codec.FrameType(), data: frame}:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close drops the underlying websocket. Teardown happens on the reading
// goroutine.
func (c *Connection) Close() {
	_ = c.conn.Close()
}

// run serves the connection until the websocket fails or is closed.
func (c *Connection) run() {
	c.msgQueue.Start()
	go c.writePump()

	c.params.Handler.OnConnect(c)
	c.readPump()
	c.shutdown()
}

func (c *Connection) handleRequest(req *Request) {
	if c.ctx.Err() != nil {
		c.logger.Debugw("dropping request after disconnect", "event", req.Event)
		return
	}
	c.params.Handler.HandleRequest(c.ctx, c, req)
}

func (c *Connection) readPump() {
	c.conn.SetReadLimit(c.params.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.params.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.params.PongWait))
	})

	for {
		frameType, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !isIgnoredWebsocketError(err) {
				c.logger.Infow("error while reading from signal connection", "error", err)
			}
			return
		}

		codec, err := CodecForFrame(frameType)
		if err != nil {
			continue
		}
		req, err := codec.DecodeRequest(frame)
		if err != nil {
			c.logger.Warnw("invalid signal message", err, "codec", codec.Name())
			continue
		}
		c.binary.Store(codec == MsgpackCodec)

		if err := c.msgQueue.Enqueue(req); err != nil {
			c.logger.Warnw("dropping signal request", err, "event", req.Event)
			_ = c.Ack(req, ErrorReply{Error: err.Error()})
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.params.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sendChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.params.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msg.frameType, msg.data); err != nil {
				if !isIgnoredWebsocketError(err) {
					c.logger.Infow("error while writing to signal connection", "error", err)
				}
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.params.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.msgQueue.Close()

		c.params.Handler.OnDisconnect(c)
		// an in-flight request may still ack, keep sendChan open until it returns
		<-c.msgQueue.Done()

		c.sendLock.Lock()
		c.closed = true
		close(c.sendChan)
		c.sendLock.Unlock()
	})
}

func isIgnoredWebsocketError(err error) bool {
	if err == nil ||
		err == io.EOF ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		return true
	}

	return websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived)
}
