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

// Package whiteboard relays canvas snapshots between the members of a
// board room. The latest frame is kept so late joiners start from the
// current drawing.
package whiteboard

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
)

const (
	EventJoinBoardRoom   = "joinBoardRoom"
	EventDrawing         = "drawing"
	EventDrawingResponse = "drawingresponse"

	DefaultMaxFrameBytes = 4 << 20
)

var (
	ErrInvalidRoom   = errors.New("board room name required")
	ErrNotMember     = errors.New("not a member of the board room")
	ErrFrameTooLarge = errors.New("drawing frame too large")
	ErrEmptyFrame    = errors.New("empty drawing frame")
)

type Member interface {
	ID() string
	SendEvent(event string, data any) error
}

type JoinRequest struct {
	RoomName string `json:"roomName"`
}

// Frame is a full canvas snapshot, usually a data URL.
type Frame struct {
	CanvasImage string `json:"canvasImage"`
	RoomName    string `json:"roomName,omitempty"`
}

type DrawingResponse struct {
	CanvasImage string `json:"canvasImage"`
}

type ManagerParams struct {
	MaxFrameBytes int
	Logger        logger.Logger
}

type board struct {
	name      string
	members   map[string]Member
	lastFrame string
	updatedAt time.Time
}

type Manager struct {
	params ManagerParams
	logger logger.Logger

	lock        sync.Mutex
	boards      map[string]*board
	memberships map[string]map[string]struct{}

	frames atomic.Int64
}

func NewManager(params ManagerParams) *Manager {
	if params.MaxFrameBytes <= 0 {
		params.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Manager{
		params:      params,
		logger:      params.Logger.WithName("whiteboard"),
		boards:      make(map[string]*board),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join adds member to a board and replays the current drawing to it.
func (m *Manager) Join(member Member, req JoinRequest) error {
	if req.RoomName == "" {
		return ErrInvalidRoom
	}

	m.lock.Lock()
	b := m.boards[req.RoomName]
	if b == nil {
		b = &board{
			name:    req.RoomName,
			members: make(map[string]Member),
		}
		m.boards[req.RoomName] = b
	}
	b.members[member.ID()] = member
	rooms := m.memberships[member.ID()]
	if rooms == nil {
		rooms = make(map[string]struct{})
		m.memberships[member.ID()] = rooms
	}
	rooms[req.RoomName] = struct{}{}
	lastFrame := b.lastFrame
	m.lock.Unlock()

	if lastFrame != "" {
		m.send(member, EventDrawingResponse, DrawingResponse{CanvasImage: lastFrame})
	}
	m.logger.Debugw("joined board", "connID", member.ID(), "room", req.RoomName)
	return nil
}

// Draw stores frame as the board's current drawing and relays it to the
// other members. A frame without room name goes to the only board member
// is in.
func (m *Manager) Draw(member Member, frame Frame) error {
	if frame.CanvasImage == "" {
		return ErrEmptyFrame
	}
	if len(frame.CanvasImage) > m.params.MaxFrameBytes {
		return ErrFrameTooLarge
	}

	m.lock.Lock()
	roomName := frame.RoomName
	if roomName == "" {
		roomName = m.onlyBoardLocked(member.ID())
	}
	b := m.boards[roomName]
	if b == nil || b.members[member.ID()] == nil {
		m.lock.Unlock()
		return ErrNotMember
	}
	b.lastFrame = frame.CanvasImage
	b.updatedAt = time.Now()
	recipients := make([]Member, 0, len(b.members))
	for id, other := range b.members {
		if id != member.ID() {
			recipients = append(recipients, other)
		}
	}
	m.lock.Unlock()

	m.frames.Inc()
	res := DrawingResponse{CanvasImage: frame.CanvasImage}
	for _, r := range recipients {
		m.send(r, EventDrawingResponse, res)
	}
	return nil
}

func (m *Manager) onlyBoardLocked(connID string) string {
	rooms := m.memberships[connID]
	if len(rooms) != 1 {
		return ""
	}
	for name := range rooms {
		return name
	}
	return ""
}

// Leave removes connID from every board. Boards left empty are dropped
// with their drawing.
func (m *Manager) Leave(connID string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for name := range m.memberships[connID] {
		b := m.boards[name]
		if b == nil {
			continue
		}
		delete(b.members, connID)
		if len(b.members) == 0 {
			delete(m.boards, name)
		}
	}
	delete(m.memberships, connID)
}

func (m *Manager) LastFrame(roomName string) (string, time.Time, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	b := m.boards[roomName]
	if b == nil || b.lastFrame == "" {
		return "", time.Time{}, false
	}
	return b.lastFrame, b.updatedAt, true
}

func (m *Manager) BoardCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.boards)
}

func (m *Manager) FramesRelayed() int64 {
	return m.frames.Load()
}

func (m *Manager) send(member Member, event string, data any) {
	if err := member.SendEvent(event, data); err != nil {
		m.logger.Debugw("could not deliver drawing", "connID", member.ID(), "error", err)
	}
}
