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
)

// Sink receives server initiated events for one connection.
type Sink interface {
	ID() string
	SendEvent(event string, data any) error
}

type Conn interface {
	Sink

	// Ack replies to req with the codec req arrived in. It is a no-op when
	// req carries no ack id.
	Ack(req *Request, data any) error
	// Context is cancelled as soon as the connection is gone.
	Context() context.Context
	RemoteAddr() string
}

// RequestHandler receives the lifecycle and the requests of every
// connection. HandleRequest is called from one goroutine per connection, in
// arrival order. OnDisconnect is called from the reading goroutine and may
// overlap an in-flight HandleRequest of the same connection.
type RequestHandler interface {
	OnConnect(conn Conn)
	HandleRequest(ctx context.Context, conn Conn, req *Request)
	OnDisconnect(conn Conn)
}

// ErrorReply is the payload of a failed acknowledgement.
type ErrorReply struct {
	Error string `json:"error"`
}
