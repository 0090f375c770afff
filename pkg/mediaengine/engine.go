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

// Package mediaengine is the boundary between the signalling layer and the
// SFU that moves media. Routers, transports, producers and consumers are
// created through it; close notifications flow back through OnClose.
package mediaengine

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed               = errors.New("engine object closed")
	ErrAlreadyConnected     = errors.New("transport already connected")
	ErrInvalidDTLS          = errors.New("invalid dtls parameters")
	ErrInvalidRTPParameters = errors.New("invalid rtp parameters")
	ErrUnsupportedCodec     = errors.New("codec not supported by router")
	ErrUnknownProducer      = errors.New("producer not found on router")
	ErrCannotConsume        = errors.New("cannot consume producer with given capabilities")
	ErrPortsExhausted       = errors.New("no free port in rtc port range")
)

type Engine interface {
	CreateRouter(ctx context.Context, mediaCodecs []RTPCodecCapability) (Router, error)
}

type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	CanConsume(producerID string, caps RTPCapabilities) bool
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	Close() error
}

// Closer is shared by every object a router hands out.
//
// OnClose handlers run once, synchronously, on the goroutine that closed the
// object and before any dependent object is closed. Closing a transport
// closes its producers and consumers; closing a producer closes every
// consumer of it. Close on an already closed object is a no-op.
type Closer interface {
	Close() error
	Closed() bool
	OnClose(f func())
}

type Transport interface {
	Closer

	ID() string
	ICEParameters() webrtc.ICEParameters
	ICECandidates() []ICECandidate
	DTLSParameters() DTLSParameters
	Connect(ctx context.Context, remote DTLSParameters) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
}

type Producer interface {
	Closer

	ID() string
	Kind() MediaKind
	RTPParameters() RTPParameters
	AppData() map[string]any
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

type Consumer interface {
	Closer

	ID() string
	ProducerID() string
	Kind() MediaKind
	RTPParameters() RTPParameters
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}
