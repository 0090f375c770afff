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

import "errors"

var (
	ErrRoomCreationFailed    = errors.New("room creation failed")
	ErrPeerNotFound          = errors.New("peer not found")
	ErrTransportNotFound     = errors.New("transport not found")
	ErrConsumeNotSupported   = errors.New("cannot consume producer with given rtp capabilities")
	ErrProducerNotFound      = errors.New("producer not found")
	ErrConsumerNotFound      = errors.New("consumer not found")
	ErrEngineOperationFailed = errors.New("media engine operation failed")
	ErrAlreadyJoined         = errors.New("connection already joined a room")
	ErrNotJoined             = errors.New("connection has not joined a room")
	ErrSendTransportExists   = errors.New("send transport already exists")
	ErrInvalidRequest        = errors.New("invalid request")
)
