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

package mediaengine

import (
	"github.com/pion/webrtc/v4"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

func (k MediaKind) RTPCodecType() webrtc.RTPCodecType {
	return webrtc.NewRTPCodecType(string(k))
}

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RTPCodecCapability describes a codec a router or endpoint is able to handle.
type RTPCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtensionCapability struct {
	Kind             MediaKind `json:"kind"`
	URI              string    `json:"uri"`
	PreferredID      int       `json:"preferredId"`
	PreferredEncrypt bool      `json:"preferredEncrypt"`
	Direction        string    `json:"direction,omitempty"`
}

type RTPCapabilities struct {
	Codecs           []RTPCodecCapability           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtensionCapability `json:"headerExtensions,omitempty"`
}

type RTPCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtensionParameters struct {
	URI        string         `json:"uri"`
	ID         int            `json:"id"`
	Encrypt    bool           `json:"encrypt,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type RTXParameters struct {
	SSRC uint32 `json:"ssrc"`
}

type RTPEncodingParameters struct {
	SSRC                  uint32         `json:"ssrc,omitempty"`
	RID                   string         `json:"rid,omitempty"`
	CodecPayloadType      uint8          `json:"codecPayloadType,omitempty"`
	RTX                   *RTXParameters `json:"rtx,omitempty"`
	DTX                   bool           `json:"dtx,omitempty"`
	ScalabilityMode       string         `json:"scalabilityMode,omitempty"`
	ScaleResolutionDownBy float64        `json:"scaleResolutionDownBy,omitempty"`
	MaxBitrate            uint32         `json:"maxBitrate,omitempty"`
}

type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
	Mux         bool   `json:"mux,omitempty"`
}

// RTPParameters describe what a producer sends or what a consumer receives.
type RTPParameters struct {
	MID              string                         `json:"mid,omitempty"`
	Codecs           []RTPCodecParameters           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RTPEncodingParameters        `json:"encodings,omitempty"`
	RTCP             RTCPParameters                 `json:"rtcp"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

const (
	DTLSRoleAuto   = "auto"
	DTLSRoleClient = "client"
	DTLSRoleServer = "server"
)

type DTLSParameters struct {
	Role         string                   `json:"role,omitempty"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

type TransportOptions struct {
	EnableUDP bool
	EnableTCP bool
	PreferUDP bool
	AppData   map[string]any
}

type ProduceOptions struct {
	Kind          MediaKind
	RTPParameters RTPParameters
	Paused        bool
	AppData       map[string]any
}

// ConsumeOptions.Paused should be left true by callers that resume once the
// remote side has attached the consumer.
type ConsumeOptions struct {
	ProducerID      string
	RTPCapabilities RTPCapabilities
	Paused          bool
	AppData         map[string]any
}
