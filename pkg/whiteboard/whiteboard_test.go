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

package whiteboard

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type testMember struct {
	id string

	lock   sync.Mutex
	frames []string
}

func (m *testMember) ID() string {
	return m.id
}

func (m *testMember) SendEvent(name string, data any) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if name == EventDrawingResponse {
		m.frames = append(m.frames, data.(DrawingResponse).CanvasImage)
	}
	return nil
}

func (m *testMember) received() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]string(nil), m.frames...)
}

func TestWhiteboard(t *testing.T) {
	m := NewManager(ManagerParams{MaxFrameBytes: 64})
	a := &testMember{id: "c1"}
	b := &testMember{id: "c2"}

	require.ErrorIs(t, m.Join(a, JoinRequest{}), ErrInvalidRoom)
	require.NoError(t, m.Join(a, JoinRequest{RoomName: "board"}))
	require.NoError(t, m.Join(b, JoinRequest{RoomName: "board"}))
	require.Empty(t, b.received())

	t.Run("relays to others only", func(t *testing.T) {
		require.NoError(t, m.Draw(a, Frame{CanvasImage: "data:1", RoomName: "board"}))
		require.Equal(t, []string{"data:1"}, b.received())
		require.Empty(t, a.received())
	})

	t.Run("room name can be omitted", func(t *testing.T) {
		require.NoError(t, m.Draw(b, Frame{CanvasImage: "data:2"}))
		require.Equal(t, []string{"data:2"}, a.received())
	})

	t.Run("late joiner gets the last frame", func(t *testing.T) {
		c := &testMember{id: "c3"}
		require.NoError(t, m.Join(c, JoinRequest{RoomName: "board"}))
		require.Equal(t, []string{"data:2"}, c.received())
		m.Leave(c.id)
	})

	t.Run("rejections", func(t *testing.T) {
		require.ErrorIs(t, m.Draw(a, Frame{RoomName: "board"}), ErrEmptyFrame)
		require.ErrorIs(t, m.Draw(a, Frame{CanvasImage: strings.Repeat("x", 65), RoomName: "board"}), ErrFrameTooLarge)
		require.ErrorIs(t, m.Draw(a, Frame{CanvasImage: "data:3", RoomName: "other"}), ErrNotMember)
		outsider := &testMember{id: "c9"}
		require.ErrorIs(t, m.Draw(outsider, Frame{CanvasImage: "data:3"}), ErrNotMember)
	})

	t.Run("empty board is dropped", func(t *testing.T) {
		m.Leave(a.id)
		_, _, ok := m.LastFrame("board")
		require.True(t, ok)
		m.Leave(b.id)
		require.Equal(t, 0, m.BoardCount())
		_, _, ok = m.LastFrame("board")
		require.False(t, ok)
	})
}
