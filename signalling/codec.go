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
	"bytes"
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

const structTag = "json"

// Codec translates envelopes to and from one websocket frame type.
type Codec interface {
	Name() string
	FrameType() int
	Encode(msg *Message) ([]byte, error)
	DecodeRequest(frame []byte) (*Request, error)
	DecodePayload(payload []byte, v any) error
}

var (
	JSONCodec    Codec = jsonCodec{}
	MsgpackCodec Codec = msgpackCodec{}
)

// CodecForFrame picks JSON for text frames and msgpack for binary frames.
func CodecForFrame(frameType int) (Codec, error) {
	switch frameType {
	case websocket.TextMessage:
		return JSONCodec, nil
	case websocket.BinaryMessage:
		return MsgpackCodec, nil
	default:
		return nil, ErrUnsupportedFrame
	}
}

type jsonCodec struct{}

type jsonEnvelope struct {
	Event string          `json:"event"`
	AckID uint64          `json:"ackId"`
	Data  json.RawMessage `json:"data"`
}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) FrameType() int {
	return websocket.TextMessage
}

func (jsonCodec) Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (c jsonCodec) DecodeRequest(frame []byte) (*Request, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, ErrInvalidEnvelope
	}
	payload := []byte(env.Data)
	if bytes.Equal(payload, []byte("null")) {
		payload = nil
	}
	return &Request{
		Event:   env.Event,
		AckID:   env.AckID,
		codec:   c,
		payload: payload,
	}, nil
}

func (jsonCodec) DecodePayload(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}

type msgpackCodec struct{}

type msgpackEnvelope struct {
	Event string             `json:"event"`
	AckID uint64             `json:"ackId"`
	Data  msgpack.RawMessage `json:"data"`
}

func (msgpackCodec) Name() string {
	return "msgpack"
}

func (msgpackCodec) FrameType() int {
	return websocket.BinaryMessage
}

func (msgpackCodec) Encode(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag(structTag)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c msgpackCodec) DecodeRequest(frame []byte) (*Request, error) {
	var env msgpackEnvelope
	dec := msgpack.NewDecoder(bytes.NewReader(frame))
	dec.SetCustomStructTag(structTag)
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, ErrInvalidEnvelope
	}
	payload := []byte(env.Data)
	if len(payload) == 1 && payload[0] == msgpcode.Nil {
		payload = nil
	}
	return &Request{
		Event:   env.Event,
		AckID:   env.AckID,
		codec:   c,
		payload: payload,
	}, nil
}

func (msgpackCodec) DecodePayload(payload []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag(structTag)
	return dec.Decode(v)
}
