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
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type producePayload struct {
	Kind    string         `json:"kind"`
	Paused  bool           `json:"paused"`
	AppData map[string]any `json:"appData"`
}

func TestCodecs(t *testing.T) {
	for _, codec := range []Codec{JSONCodec, MsgpackCodec} {
		t.Run(codec.Name(), func(t *testing.T) {
			req, err := NewRequest(codec, "transport-produce", 7, producePayload{
				Kind:    "video",
				Paused:  true,
				AppData: map[string]any{"source": "screen"},
			})
			require.NoError(t, err)
			require.Equal(t, "transport-produce", req.Event)
			require.True(t, req.HasAck())
			require.EqualValues(t, 7, req.AckID)
			require.Equal(t, codec, req.Codec())

			var decoded producePayload
			require.NoError(t, req.Decode(&decoded))
			require.Equal(t, "video", decoded.Kind)
			require.True(t, decoded.Paused)
			require.Equal(t, "screen", decoded.AppData["source"])
		})

		t.Run(codec.Name()+" without payload", func(t *testing.T) {
			req, err := NewRequest(codec, "getProducers", 0, nil)
			require.NoError(t, err)
			require.False(t, req.HasAck())
			require.False(t, req.HasPayload())

			decoded := producePayload{Kind: "audio"}
			require.NoError(t, req.Decode(&decoded))
			require.Equal(t, "audio", decoded.Kind)
		})

		t.Run(codec.Name()+" bare string payload", func(t *testing.T) {
			req, err := NewRequest(codec, "typing", 0, "alice")
			require.NoError(t, err)
			var username string
			require.NoError(t, req.Decode(&username))
			require.Equal(t, "alice", username)
		})
	}

	t.Run("missing event", func(t *testing.T) {
		_, err := JSONCodec.DecodeRequest([]byte(`{"data":{}}`))
		require.ErrorIs(t, err, ErrInvalidEnvelope)
	})

	t.Run("payload type mismatch", func(t *testing.T) {
		req, err := JSONCodec.DecodeRequest([]byte(`{"event":"consume","data":{"kind":5}}`))
		require.NoError(t, err)
		var decoded producePayload
		require.ErrorIs(t, req.Decode(&decoded), ErrInvalidEnvelope)
	})

	t.Run("frame types", func(t *testing.T) {
		c, err := CodecForFrame(websocket.TextMessage)
		require.NoError(t, err)
		require.Equal(t, JSONCodec, c)
		c, err = CodecForFrame(websocket.BinaryMessage)
		require.NoError(t, err)
		require.Equal(t, MsgpackCodec, c)
		_, err = CodecForFrame(websocket.PingMessage)
		require.ErrorIs(t, err, ErrUnsupportedFrame)
	})
}
