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

// Package chat relays text messages and typing indicators between the
// members of a chat room and keeps a bounded in-memory history per room.
package chat

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
)

const (
	EventJoinChatRoom = "joinChatRoom"
	EventMessage      = "message"
	EventTyping       = "typing"
	EventStopTyping   = "stop-typing"
	EventHistory      = "chat-history"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"

	DefaultHistorySize      = 100
	DefaultTypingTimeout    = 3 * time.Second
	DefaultMaxMessageLength = 4096
)

var (
	ErrInvalidJoin    = errors.New("chat join needs a room id and a username")
	ErrNotInRoom      = errors.New("not in a chat room")
	ErrEmptyMessage   = errors.New("empty chat message")
	ErrMessageTooLong = errors.New("chat message too long")
)

type Member interface {
	ID() string
	SendEvent(event string, data any) error
}

type JoinRequest struct {
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
}

type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	Username  string    `json:"username,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type UserEvent struct {
	Username string `json:"username"`
}

type ManagerParams struct {
	HistorySize      int
	TypingTimeout    time.Duration
	MaxMessageLength int
	Logger           logger.Logger
}

type channel struct {
	id      string
	members map[string]*participant
	history *deque.Deque[Message]
}

type participant struct {
	member   Member
	username string
	channel  *channel
	typing   bool
	// stopTyping restarts the idle window after each typing event
	stopTyping func(func())
}

type Manager struct {
	params ManagerParams
	logger logger.Logger

	lock         sync.Mutex
	channels     map[string]*channel
	participants map[string]*participant

	relayed atomic.Int64
}

func NewManager(params ManagerParams) *Manager {
	if params.HistorySize <= 0 {
		params.HistorySize = DefaultHistorySize
	}
	if params.TypingTimeout <= 0 {
		params.TypingTimeout = DefaultTypingTimeout
	}
	if params.MaxMessageLength <= 0 {
		params.MaxMessageLength = DefaultMaxMessageLength
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Manager{
		params:       params,
		logger:       params.Logger.WithName("chat"),
		channels:     make(map[string]*channel),
		participants: make(map[string]*participant),
	}
}

// Join puts member in a room, moving it out of the room it was in. The
// joiner receives the room history, everybody else a user-joined event.
func (m *Manager) Join(member Member, req JoinRequest) error {
	if req.RoomID == "" || strings.TrimSpace(req.Username) == "" {
		return ErrInvalidJoin
	}

	m.lock.Lock()
	var left *participant
	var leftRecipients []Member
	if prev := m.participants[member.ID()]; prev != nil {
		if prev.channel.id == req.RoomID {
			prev.username = req.Username
			history := historyLocked(prev.channel)
			m.lock.Unlock()
			m.send(member, EventHistory, history)
			return nil
		}
		left, leftRecipients = prev, m.removeLocked(prev)
	}

	ch := m.channels[req.RoomID]
	if ch == nil {
		ch = &channel{
			id:      req.RoomID,
			members: make(map[string]*participant),
			history: new(deque.Deque[Message]),
		}
		m.channels[req.RoomID] = ch
	}
	p := &participant{
		member:     member,
		username:   req.Username,
		channel:    ch,
		stopTyping: debounce.New(m.params.TypingTimeout),
	}
	recipients := recipientsLocked(ch, "")
	ch.members[member.ID()] = p
	m.participants[member.ID()] = p
	history := historyLocked(ch)
	m.lock.Unlock()

	if left != nil {
		m.announceLeave(left, leftRecipients)
	}
	m.send(member, EventHistory, history)
	m.broadcast(recipients, EventUserJoined, UserEvent{Username: req.Username})
	m.logger.Debugw("joined chat room", "connID", member.ID(), "room", req.RoomID, "username", req.Username)
	return nil
}

// Send relays msg to the rest of the room and records it. Username is
// always the member's chat name; missing id, sender and timestamp are
// filled in.
func (m *Manager) Send(member Member, msg Message) error {
	if strings.TrimSpace(msg.Content) == "" {
		return ErrEmptyMessage
	}
	if len(msg.Content) > m.params.MaxMessageLength {
		return ErrMessageTooLong
	}

	m.lock.Lock()
	p := m.participants[member.ID()]
	if p == nil {
		m.lock.Unlock()
		return ErrNotInRoom
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Username = p.username
	if msg.Sender == "" {
		msg.Sender = p.username
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	p.channel.history.PushBack(msg)
	for p.channel.history.Len() > m.params.HistorySize {
		p.channel.history.PopFront()
	}
	wasTyping := p.typing
	p.typing = false
	recipients := recipientsLocked(p.channel, member.ID())
	m.lock.Unlock()

	if wasTyping {
		m.broadcast(recipients, EventStopTyping, p.username)
	}
	m.broadcast(recipients, EventMessage, msg)
	m.relayed.Inc()
	return nil
}

// Typing tells the room member is typing. Without another typing event
// within the idle window a stop-typing follows automatically.
func (m *Manager) Typing(member Member, username string) error {
	m.lock.Lock()
	p := m.participants[member.ID()]
	if p == nil {
		m.lock.Unlock()
		return ErrNotInRoom
	}
	if username != "" {
		p.username = username
	}
	wasTyping := p.typing
	p.typing = true
	name := p.username
	recipients := recipientsLocked(p.channel, member.ID())
	m.lock.Unlock()

	if !wasTyping {
		m.broadcast(recipients, EventTyping, name)
	}
	p.stopTyping(func() {
		m.clearTyping(p)
	})
	return nil
}

func (m *Manager) StopTyping(member Member, _ string) error {
	m.lock.Lock()
	p := m.participants[member.ID()]
	m.lock.Unlock()
	if p == nil {
		return ErrNotInRoom
	}
	m.clearTyping(p)
	return nil
}

func (m *Manager) clearTyping(p *participant) {
	m.lock.Lock()
	if m.participants[p.member.ID()] != p || !p.typing {
		m.lock.Unlock()
		return
	}
	p.typing = false
	name := p.username
	recipients := recipientsLocked(p.channel, p.member.ID())
	m.lock.Unlock()

	m.broadcast(recipients, EventStopTyping, name)
}

// Leave removes connID from its chat room. A room without members is
// dropped along with its history.
func (m *Manager) Leave(connID string) {
	m.lock.Lock()
	p := m.participants[connID]
	if p == nil {
		m.lock.Unlock()
		return
	}
	recipients := m.removeLocked(p)
	m.lock.Unlock()

	m.announceLeave(p, recipients)
}

func (m *Manager) removeLocked(p *participant) []Member {
	id := p.member.ID()
	delete(m.participants, id)
	delete(p.channel.members, id)
	if len(p.channel.members) == 0 {
		delete(m.channels, p.channel.id)
	}
	return recipientsLocked(p.channel, id)
}

func (m *Manager) announceLeave(p *participant, recipients []Member) {
	if p.typing {
		m.broadcast(recipients, EventStopTyping, p.username)
	}
	m.broadcast(recipients, EventUserLeft, UserEvent{Username: p.username})
}

func (m *Manager) History(roomID string) []Message {
	m.lock.Lock()
	defer m.lock.Unlock()
	ch := m.channels[roomID]
	if ch == nil {
		return nil
	}
	return historyLocked(ch)
}

func historyLocked(ch *channel) []Message {
	history := make([]Message, 0, ch.history.Len())
	for i := 0; i < ch.history.Len(); i++ {
		history = append(history, ch.history.At(i))
	}
	return history
}

func (m *Manager) MemberCount(roomID string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	if ch := m.channels[roomID]; ch != nil {
		return len(ch.members)
	}
	return 0
}

func (m *Manager) RoomCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.channels)
}

func (m *Manager) MessagesRelayed() int64 {
	return m.relayed.Load()
}

func recipientsLocked(ch *channel, except string) []Member {
	members := make([]Member, 0, len(ch.members))
	for id, p := range ch.members {
		if id != except {
			members = append(members, p.member)
		}
	}
	return members
}

func (m *Manager) broadcast(members []Member, event string, data any) {
	for _, member := range members {
		m.send(member, event, data)
	}
}

func (m *Manager) send(member Member, event string, data any) {
	if err := member.SendEvent(event, data); err != nil {
		m.logger.Debugw("could not deliver chat event", "connID", member.ID(), "event", event, "error", err)
	}
}
