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

import (
	"github.com/pion/webrtc/v4"

	"github.com/livekit/collab-server/pkg/mediaengine"
)

const (
	EventConnectionSuccess     = "connection-success"
	EventJoinRoom              = "joinRoom"
	EventCreateWebRtcTransport = "createWebRtcTransport"
	EventTransportConnect      = "transport-connect"
	EventTransportProduce      = "transport-produce"
	EventGetProducers          = "getProducers"
	EventTransportRecvConnect  = "transport-recv-connect"
	EventConsume               = "consume"
	EventConsumerResume        = "consumer-resume"
	EventProducerPause         = "producer-pause"
	EventProducerResume        = "producer-resume"
	EventCloseProducer         = "close-producer"

	EventNewProducer     = "new-producer"
	EventProducerClosed  = "producer-closed"
	EventProducerPaused  = "producer-paused"
	EventProducerResumed = "producer-resumed"
)

type ConnectionSuccess struct {
	SocketID string `json:"socketId"`
}

type JoinRoomRequest struct {
	RoomName string `json:"roomName"`
	Name     string `json:"name,omitempty"`
	IsAdmin  bool   `json:"isAdmin,omitempty"`
}

type JoinRoomResponse struct {
	RTPCapabilities mediaengine.RTPCapabilities `json:"rtpCapabilities"`
}

type CreateTransportRequest struct {
	Consumer bool `json:"consumer"`
}

type TransportParams struct {
	ID             string                     `json:"id"`
	ICEParameters  webrtc.ICEParameters       `json:"iceParameters"`
	ICECandidates  []mediaengine.ICECandidate `json:"iceCandidates"`
	DTLSParameters mediaengine.DTLSParameters `json:"dtlsParameters"`
}

type CreateTransportResponse struct {
	Params TransportParams `json:"params"`
}

type ConnectTransportRequest struct {
	DTLSParameters mediaengine.DTLSParameters `json:"dtlsParameters"`
}

type ProduceRequest struct {
	Kind          mediaengine.MediaKind     `json:"kind"`
	RTPParameters mediaengine.RTPParameters `json:"rtpParameters"`
	AppData       map[string]any            `json:"appData,omitempty"`
}

type ProduceResponse struct {
	ID             string `json:"id"`
	ProducersExist bool   `json:"producersExist"`
}

type ConnectRecvTransportRequest struct {
	DTLSParameters            mediaengine.DTLSParameters `json:"dtlsParameters"`
	ServerConsumerTransportID string                     `json:"serverConsumerTransportId"`
}

type ConsumeRequest struct {
	RTPCapabilities           mediaengine.RTPCapabilities `json:"rtpCapabilities"`
	RemoteProducerID          string                      `json:"remoteProducerId"`
	ServerConsumerTransportID string                      `json:"serverConsumerTransportId"`
}

type ConsumerParams struct {
	ID               string                    `json:"id"`
	ProducerID       string                    `json:"producerId"`
	Kind             mediaengine.MediaKind     `json:"kind"`
	RTPParameters    mediaengine.RTPParameters `json:"rtpParameters"`
	ServerConsumerID string                    `json:"serverConsumerId"`
}

type ConsumeResponse struct {
	Params ConsumerParams `json:"params"`
}

type ConsumerResumeRequest struct {
	ServerConsumerID string `json:"serverConsumerId"`
}

type ProducerRequest struct {
	ProducerID string `json:"producerId"`
}

type CloseProducerResponse struct {
	Result bool   `json:"result"`
	Error  string `json:"error,omitempty"`
}

type NewProducerEvent struct {
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind,omitempty"`
	Source     string `json:"source,omitempty"`
}

type ProducerClosedEvent struct {
	RemoteProducerID string `json:"remoteProducerId"`
}

type ProducerStateEvent struct {
	ProducerID string `json:"producerId"`
}
