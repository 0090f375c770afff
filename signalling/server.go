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
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
)

type ServerParams struct {
	ConnectionParams

	// AllowedOrigins lists the browser origins allowed to connect. Empty
	// allows any origin.
	AllowedOrigins []string
}

// Server upgrades HTTP requests to signal connections.
type Server struct {
	params   ServerParams
	logger   logger.Logger
	upgrader websocket.Upgrader

	lock  sync.Mutex
	conns map[string]*Connection

	total atomic.Int64
}

func NewServer(params ServerParams) *Server {
	params.ConnectionParams.setDefaults()
	s := &Server{
		params: params,
		logger: params.Logger.WithName("signal"),
		conns:  make(map[string]*Connection),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.params.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.params.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	s.logger.Infow("rejecting signal connection", "origin", origin)
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied with an error status
		s.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}

	params := s.params.ConnectionParams
	params.Logger = s.logger
	c := newConnection(ws, params)

	s.lock.Lock()
	s.conns[c.ID()] = c
	s.lock.Unlock()
	s.total.Inc()
	c.logger.Debugw("signal connection opened")

	c.run()

	s.lock.Lock()
	delete(s.conns, c.ID())
	s.lock.Unlock()
	c.logger.Debugw("signal connection closed")
}

func (s *Server) ConnectionCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.conns)
}

func (s *Server) TotalConnections() int64 {
	return s.total.Load()
}

// Close drops every open connection. Each one tears down on its own
// goroutine.
func (s *Server) Close() {
	s.lock.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.lock.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
