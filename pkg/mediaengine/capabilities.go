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
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

const (
	mimeTypeRTX            = "video/rtx"
	firstDynamicPayload    = 100
	maxDynamicPayload      = 127
	startBitrateParameter  = "x-google-start-bitrate"
	packetizationParameter = "packetization-mode"
	aptParameter           = "apt"
)

// DefaultMediaCodecs is the router codec set used when none is configured.
func DefaultMediaCodecs() []RTPCodecCapability {
	return []RTPCodecCapability{
		{
			Kind:      MediaKindAudio,
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      MediaKindVideo,
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
			Parameters: map[string]any{
				startBitrateParameter: 1000,
			},
		},
	}
}

var (
	videoFeedback = []RTCPFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
		{Type: "transport-cc"},
	}
	audioFeedback = []RTCPFeedback{
		{Type: "transport-cc"},
	}
)

func headerExtensionCapabilities() []RTPHeaderExtensionCapability {
	var exts []RTPHeaderExtensionCapability
	id := 1
	for _, kind := range []MediaKind{MediaKindAudio, MediaKindVideo} {
		id = 1
		uris := []string{sdp.SDESMidURI, sdp.ABSSendTimeURI, sdp.TransportCCURI}
		if kind == MediaKindAudio {
			uris = append(uris, sdp.AudioLevelURI)
		} else {
			uris = append(uris, sdp.SDESRTPStreamIDURI)
		}
		for _, uri := range uris {
			exts = append(exts, RTPHeaderExtensionCapability{
				Kind:        kind,
				URI:         uri,
				PreferredID: id,
				Direction:   "sendrecv",
			})
			id++
		}
	}
	return exts
}

// buildRouterCapabilities validates the configured codecs and assigns
// payload types, adding an rtx companion to every video codec.
func buildRouterCapabilities(mediaCodecs []RTPCodecCapability) (RTPCapabilities, error) {
	if len(mediaCodecs) == 0 {
		return RTPCapabilities{}, fmt.Errorf("%w: no media codecs", ErrUnsupportedCodec)
	}

	used := make(map[uint8]bool)
	for _, c := range mediaCodecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = true
		}
	}
	next := uint8(firstDynamicPayload)
	allocate := func() (uint8, error) {
		for ; next <= maxDynamicPayload; next++ {
			if !used[next] {
				used[next] = true
				return next, nil
			}
		}
		return 0, fmt.Errorf("%w: payload types exhausted", ErrUnsupportedCodec)
	}

	caps := RTPCapabilities{HeaderExtensions: headerExtensionCapabilities()}
	for _, c := range mediaCodecs {
		if !c.Kind.Valid() {
			return RTPCapabilities{}, fmt.Errorf("%w: invalid kind %q", ErrUnsupportedCodec, c.Kind)
		}
		if !strings.HasPrefix(strings.ToLower(c.MimeType), string(c.Kind)+"/") {
			return RTPCapabilities{}, fmt.Errorf("%w: mime type %q does not match kind %s", ErrUnsupportedCodec, c.MimeType, c.Kind)
		}
		if c.ClockRate == 0 {
			return RTPCapabilities{}, fmt.Errorf("%w: %s has no clock rate", ErrUnsupportedCodec, c.MimeType)
		}

		codec := c
		if codec.PreferredPayloadType == 0 {
			pt, err := allocate()
			if err != nil {
				return RTPCapabilities{}, err
			}
			codec.PreferredPayloadType = pt
		}
		if codec.Kind == MediaKindAudio {
			if codec.Channels == 0 {
				codec.Channels = 1
			}
			codec.RTCPFeedback = audioFeedback
		} else {
			codec.Channels = 0
			codec.RTCPFeedback = videoFeedback
		}
		caps.Codecs = append(caps.Codecs, codec)

		if codec.Kind == MediaKindVideo {
			pt, err := allocate()
			if err != nil {
				return RTPCapabilities{}, err
			}
			caps.Codecs = append(caps.Codecs, RTPCodecCapability{
				Kind:                 MediaKindVideo,
				MimeType:             mimeTypeRTX,
				PreferredPayloadType: pt,
				ClockRate:            codec.ClockRate,
				Parameters:           map[string]any{aptParameter: int(codec.PreferredPayloadType)},
			})
		}
	}
	return caps, nil
}

func isRTX(mimeType string) bool {
	return strings.EqualFold(mimeType, mimeTypeRTX)
}

func channelsOf(kind MediaKind, channels uint16) uint16 {
	if kind == MediaKindAudio && channels == 0 {
		return 1
	}
	return channels
}

func kindOfMime(mimeType string) MediaKind {
	kind, _, _ := strings.Cut(strings.ToLower(mimeType), "/")
	return MediaKind(kind)
}

// codecsMatch compares mime type, clock rate, channels and, for H264, the
// packetization mode.
func codecsMatch(aMime string, aClock uint32, aChannels uint16, aParams map[string]any,
	bMime string, bClock uint32, bChannels uint16, bParams map[string]any) bool {
	if !strings.EqualFold(aMime, bMime) || aClock != bClock {
		return false
	}
	kind := kindOfMime(aMime)
	if channelsOf(kind, aChannels) != channelsOf(kind, bChannels) {
		return false
	}
	if strings.EqualFold(aMime, webrtc.MimeTypeH264) {
		return parameterString(aParams, packetizationParameter, "0") == parameterString(bParams, packetizationParameter, "0")
	}
	return true
}

func parameterString(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	return fmt.Sprint(v)
}

func findCapability(caps RTPCapabilities, codec RTPCodecParameters) (RTPCodecCapability, bool) {
	for _, c := range caps.Codecs {
		if isRTX(c.MimeType) {
			continue
		}
		if codecsMatch(codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters,
			c.MimeType, c.ClockRate, c.Channels, c.Parameters) {
			return c, true
		}
	}
	return RTPCodecCapability{}, false
}

func findRTXCapability(caps RTPCapabilities, apt uint8) (RTPCodecCapability, bool) {
	want := fmt.Sprint(apt)
	for _, c := range caps.Codecs {
		if isRTX(c.MimeType) && parameterString(c.Parameters, aptParameter, "") == want {
			return c, true
		}
	}
	return RTPCodecCapability{}, false
}

// validateProducerParameters checks that every media codec a producer
// announces is one the router offers.
func validateProducerParameters(kind MediaKind, params RTPParameters, routerCaps RTPCapabilities) error {
	media := 0
	for _, codec := range params.Codecs {
		if isRTX(codec.MimeType) {
			continue
		}
		if kindOfMime(codec.MimeType) != kind {
			return fmt.Errorf("%w: codec %s in %s producer", ErrInvalidRTPParameters, codec.MimeType, kind)
		}
		if _, ok := findCapability(routerCaps, codec); !ok {
			return fmt.Errorf("%w: %s/%d", ErrUnsupportedCodec, codec.MimeType, codec.ClockRate)
		}
		media++
	}
	if media == 0 {
		return fmt.Errorf("%w: no media codec", ErrInvalidRTPParameters)
	}
	return nil
}

// consumerCodecs maps the codecs of a producer onto the payload types the
// consuming endpoint declared. The first producer codec the endpoint
// supports wins.
func consumerCodecs(producer RTPParameters, caps RTPCapabilities) ([]RTPCodecParameters, bool) {
	for _, codec := range producer.Codecs {
		if isRTX(codec.MimeType) {
			continue
		}
		capability, ok := findCapability(caps, codec)
		if !ok {
			continue
		}
		codecs := []RTPCodecParameters{{
			MimeType:     capability.MimeType,
			PayloadType:  capability.PreferredPayloadType,
			ClockRate:    capability.ClockRate,
			Channels:     capability.Channels,
			Parameters:   codec.Parameters,
			RTCPFeedback: capability.RTCPFeedback,
		}}
		if rtx, ok := findRTXCapability(caps, capability.PreferredPayloadType); ok {
			codecs = append(codecs, RTPCodecParameters{
				MimeType:    rtx.MimeType,
				PayloadType: rtx.PreferredPayloadType,
				ClockRate:   rtx.ClockRate,
				Parameters:  map[string]any{aptParameter: int(capability.PreferredPayloadType)},
			})
		}
		return codecs, true
	}
	return nil, false
}

func consumerHeaderExtensions(kind MediaKind, caps RTPCapabilities) []RTPHeaderExtensionParameters {
	var exts []RTPHeaderExtensionParameters
	for _, ext := range caps.HeaderExtensions {
		if ext.Kind != kind {
			continue
		}
		exts = append(exts, RTPHeaderExtensionParameters{
			URI:     ext.URI,
			ID:      ext.PreferredID,
			Encrypt: ext.PreferredEncrypt,
		})
	}
	return exts
}
