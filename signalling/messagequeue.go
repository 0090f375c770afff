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
	"sync"

	"github.com/livekit/protocol/logger"
)

const defaultRequestQueueSize = 100

type messageQueueParams struct {
	Logger        logger.Logger
	Size          int
	HandleRequest func(req *Request)
}

// messageQueue serializes the requests of one connection onto a single
// worker goroutine.
type messageQueue struct {
	params messageQueueParams

	lock      sync.RWMutex
	isStarted bool
	msgChan   chan *Request
	doneChan  chan struct{}
}

func newMessageQueue(params messageQueueParams) *messageQueue {
	if params.Size <= 0 {
		params.Size = defaultRequestQueueSize
	}
	return &messageQueue{
		params: params,
	}
}

func (m *messageQueue) Start() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.isStarted {
		return
	}
	m.isStarted = true

	m.msgChan = make(chan *Request, m.params.Size)
	m.doneChan = make(chan struct{})
	go m.worker(m.msgChan, m.doneChan)
}

// Close stops accepting requests. Requests already queued are still handed
// to the worker; Done is closed once it exits.
func (m *messageQueue) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.isStarted {
		return
	}
	m.isStarted = false

	close(m.msgChan)
}

func (m *messageQueue) Done() <-chan struct{} {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return m.doneChan
}

func (m *messageQueue) Enqueue(req *Request) error {
	if req == nil {
		return nil
	}

	m.lock.RLock()
	defer m.lock.RUnlock()
	if !m.isStarted {
		return ErrMessageQueueNotStarted
	}

	select {
	case m.msgChan <- req:
		return nil
	default:
		return ErrMessageQueueFull
	}
}

func (m *messageQueue) worker(msgChan chan *Request, doneChan chan struct{}) {
	defer close(doneChan)
	for {
		req, more := <-msgChan
		if !more {
			return
		}

		m.params.HandleRequest(req)
	}
}
