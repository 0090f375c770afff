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

	"github.com/livekit/collab-server/pkg/chat"
	"github.com/livekit/collab-server/pkg/whiteboard"
	"github.com/livekit/collab-server/signalling"
)

var _ signalling.RequestHandler = (*SignalHandler)(nil)

type SignalHandlerParams struct {
	RoomManager *RoomManager
	Chat        *chat.Manager
	Whiteboard  *whiteboard.Manager
	Logger      logger.Logger
}

// SignalHandler routes the events of every signal connection to its
// session, the chat channels and the whiteboards.
type SignalHandler struct {
	params SignalHandlerParams
	logger logger.Logger

	lock     sync.RWMutex
	sessions map[string]*Session
}

func NewSignalHandler(params SignalHandlerParams) *SignalHandler {
	if params.Logger == nil {
		params.Logger = getLogger()
	}
	return &SignalHandler{
		params:   params,
		logger:   params.Logger,
		sessions: make(map[string]*Session),
	}
}

func (h *SignalHandler) OnConnect(conn signalling.Conn) {
	session := NewSession(conn, h.params.RoomManager)
	h.lock.Lock()
	h.sessions[conn.ID()] = session
	h.lock.Unlock()

	h.logger.Debugw("peer connected", "connID", conn.ID(), "remote", conn.RemoteAddr())
	if err := conn.SendEvent(EventConnectionSuccess, ConnectionSuccess{SocketID: conn.ID()}); err != nil {
		h.logger.Warnw("could not send connection success", err, "connID", conn.ID())
	}
}

func (h *SignalHandler) OnDisconnect(conn signalling.Conn) {
	h.lock.Lock()
	session := h.sessions[conn.ID()]
	delete(h.sessions, conn.ID())
	h.lock.Unlock()

	if session != nil {
		session.Close()
	}
	if h.params.Chat != nil {
		h.params.Chat.Leave(conn.ID())
	}
	if h.params.Whiteboard != nil {
		h.params.Whiteboard.Leave(conn.ID())
	}
	h.logger.Debugw("peer disconnected", "connID", conn.ID())
}

func (h *SignalHandler) Session(connID string) (*Session, bool) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	s, ok := h.sessions[connID]
	return s, ok
}

func (h *SignalHandler) SessionCount() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.sessions)
}

func decode[T any](req *signalling.Request) (T, error) {
	var v T
	if err := req.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return v, nil
}

func (h *SignalHandler) HandleRequest(ctx context.Context, conn signalling.Conn, req *signalling.Request) {
	session, ok := h.Session(conn.ID())
	if !ok {
		h.logger.Debugw("request for unknown session", "connID", conn.ID(), "event", req.Event)
		return
	}

	switch req.Event {
	case EventJoinRoom:
		r, err := decode[JoinRoomRequest](req)
		if err != nil {
			h.reply(ctx, conn, req, nil, err)
			return
		}
		res, err := session.JoinRoom(ctx, r)
		h.reply(ctx, conn, req, res, err)

	case EventCreateWebRtcTransport:
		r, err := decode[CreateTransportRequest](req)
		if err != nil {
			h.reply(ctx, conn, req, nil, err)
			return
		}
		res, err := session.CreateWebRtcTransport(ctx, r)
		h.reply(ctx, conn, req, res, err)

	case EventTransportConnect:
		r, err := decode[ConnectTransportRequest](req)
		if err == nil {
			err = session.ConnectSendTransport(ctx, r)
		}
		h.reply(ctx, conn, req, nil, err)

	case EventTransportProduce:
		r, err := decode[ProduceRequest](req)
		if err != nil {
			h.reply(ctx, conn, req, nil, err)
			return
		}
		res, err := session.Produce(ctx, r)
		h.reply(ctx, conn, req, res, err)

	case EventGetProducers:
		res, err := session.GetProducers()
		h.reply(ctx, conn, req, res, err)

	case EventTransportRecvConnect:
		r, err := decode[ConnectRecvTransportRequest](req)
		if err == nil {
			err = session.ConnectRecvTransport(ctx, r)
		}
		h.reply(ctx, conn, req, nil, err)

	case EventConsume:
		r, err := decode[ConsumeRequest](req)
		if err != nil {
			h.reply(ctx, conn, req, nil, err)
			return
		}
		res, err := session.Consume(ctx, r)
		h.reply(ctx, conn, req, res, err)

	case EventConsumerResume:
		r, err := decode[ConsumerResumeRequest](req)
		if err == nil {
			err = session.ResumeConsumer(ctx, r)
		}
		h.reply(ctx, conn, req, nil, err)

	case EventProducerPause, EventProducerResume:
		r, err := decode[ProducerRequest](req)
		if err == nil {
			if req.Event == EventProducerPause {
				err = session.PauseProducer(ctx, r)
			} else {
				err = session.ResumeProducer(ctx, r)
			}
		}
		h.reply(ctx, conn, req, nil, err)

	case EventCloseProducer:
		r, err := decode[ProducerRequest](req)
		if err != nil {
			h.reply(ctx, conn, req, nil, err)
			return
		}
		res, err := session.CloseProducer(r)
		if err != nil {
			h.logger.Warnw("close producer failed", err, "connID", conn.ID(), "producerID", r.ProducerID)
			_ = conn.Ack(req, CloseProducerResponse{Result: false, Error: err.Error()})
			return
		}
		h.reply(ctx, conn, req, res, nil)

	case chat.EventJoinChatRoom, chat.EventMessage, chat.EventTyping, chat.EventStopTyping:
		h.reply(ctx, conn, req, nil, h.handleChat(conn, req))

	case whiteboard.EventJoinBoardRoom, whiteboard.EventDrawing:
		h.reply(ctx, conn, req, nil, h.handleWhiteboard(conn, req))

	default:
		h.reply(ctx, conn, req, nil, fmt.Errorf("%w: unknown event %q", ErrInvalidRequest, req.Event))
	}
}

func (h *SignalHandler) handleChat(conn signalling.Conn, req *signalling.Request) error {
	if h.params.Chat == nil {
		return fmt.Errorf("%w: chat disabled", ErrInvalidRequest)
	}
	switch req.Event {
	case chat.EventJoinChatRoom:
		r, err := decode[chat.JoinRequest](req)
		if err != nil {
			return err
		}
		return h.params.Chat.Join(conn, r)
	case chat.EventMessage:
		msg, err := decode[chat.Message](req)
		if err != nil {
			return err
		}
		return h.params.Chat.Send(conn, msg)
	case chat.EventTyping:
		username, err := decode[string](req)
		if err != nil {
			return err
		}
		return h.params.Chat.Typing(conn, username)
	default:
		username, err := decode[string](req)
		if err != nil {
			return err
		}
		return h.params.Chat.StopTyping(conn, username)
	}
}

func (h *SignalHandler) handleWhiteboard(conn signalling.Conn, req *signalling.Request) error {
	if h.params.Whiteboard == nil {
		return fmt.Errorf("%w: whiteboard disabled", ErrInvalidRequest)
	}
	if req.Event == whiteboard.EventJoinBoardRoom {
		r, err := decode[whiteboard.JoinRequest](req)
		if err != nil {
			return err
		}
		return h.params.Whiteboard.Join(conn, r)
	}
	frame, err := decode[whiteboard.Frame](req)
	if err != nil {
		return err
	}
	return h.params.Whiteboard.Draw(conn, frame)
}

// reply acknowledges req when the client asked for it. Failures are always
// logged; requests that lost the race against disconnect end silently.
func (h *SignalHandler) reply(ctx context.Context, conn signalling.Conn, req *signalling.Request, data any, err error) {
	if err != nil {
		if ctx.Err() != nil {
			h.logger.Debugw("request dropped after disconnect", "connID", conn.ID(), "event", req.Event)
			return
		}
		h.logger.Warnw("signal request failed", err, "connID", conn.ID(), "event", req.Event)
		data = signalling.ErrorReply{Error: err.Error()}
	}
	if ackErr := conn.Ack(req, data); ackErr != nil {
		h.logger.Debugw("could not acknowledge request", "connID", conn.ID(), "event", req.Event, "error", ackErr)
	}
}
