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
	"fmt"
)

// EventAck is the event name of a reply to a request that carried an ack id.
const EventAck = "ack"

// Message is the envelope of every frame on a signal connection. AckID is
// allocated by the client, starting at 1; zero means no reply is expected.
type Message struct {
	Event string `json:"event"`
	AckID uint64 `json:"ackId,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Request is an inbound message whose payload is decoded on demand with the
// codec it arrived in.
type Request struct {
	Event string
	AckID uint64

	codec   Codec
	payload []byte
}

// NewRequest builds a request as if it was received with codec.
func NewRequest(codec Codec, event string, ackID uint64, data any) (*Request, error) {
	frame, err := codec.Encode(&Message{Event: event, AckID: ackID, Data: data})
	if err != nil {
		return nil, err
	}
	return codec.DecodeRequest(frame)
}

func (r *Request) HasAck() bool {
	return r.AckID != 0
}

func (r *Request) Codec() Codec {
	return r.codec
}

func (r *Request) HasPayload() bool {
	return len(r.payload) != 0
}

// Decode unmarshals the payload into v. A request without payload leaves v
// untouched.
func (r *Request) Decode(v any) error {
	if len(r.payload) == 0 {
		return nil
	}
	if err := r.codec.DecodePayload(r.payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidEnvelope, r.Event, err)
	}
	return nil
}
