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

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/collab-server/pkg/mediaengine"
)

type Config struct {
	Port           uint32           `yaml:"port"`
	BindAddresses  []string         `yaml:"bind_addresses"`
	AllowedOrigins []string         `yaml:"allowed_origins"`
	Logging        logger.Config    `yaml:"logging"`
	RTC            RTCConfig        `yaml:"rtc"`
	Signal         SignalConfig     `yaml:"signal"`
	Chat           ChatConfig       `yaml:"chat"`
	Whiteboard     WhiteboardConfig `yaml:"whiteboard"`
}

type RTCConfig struct {
	ListenIP       string        `yaml:"listen_ip"`
	AnnouncedIP    string        `yaml:"announced_ip"`
	PortRangeStart uint16        `yaml:"port_range_start"`
	PortRangeEnd   uint16        `yaml:"port_range_end"`
	EnableUDP      bool          `yaml:"enable_udp"`
	EnableTCP      bool          `yaml:"enable_tcp"`
	PreferUDP      bool          `yaml:"prefer_udp"`
	Codecs         []CodecConfig `yaml:"codecs"`
}

type CodecConfig struct {
	Kind       string         `yaml:"kind"`
	MimeType   string         `yaml:"mime_type"`
	ClockRate  uint32         `yaml:"clock_rate"`
	Channels   uint16         `yaml:"channels"`
	Parameters map[string]any `yaml:"parameters"`
}

type SignalConfig struct {
	ReadLimit        int64         `yaml:"read_limit"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PongWait         time.Duration `yaml:"pong_wait"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	SendQueueSize    int           `yaml:"send_queue_size"`
	RequestQueueSize int           `yaml:"request_queue_size"`
}

type ChatConfig struct {
	HistorySize      int           `yaml:"history_size"`
	TypingTimeout    time.Duration `yaml:"typing_timeout"`
	MaxMessageLength int           `yaml:"max_message_length"`
}

type WhiteboardConfig struct {
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

func DefaultConfig() *Config {
	return &Config{
		Port: 8080,
		Logging: logger.Config{
			Level: "info",
		},
		RTC: RTCConfig{
			ListenIP:       "0.0.0.0",
			PortRangeStart: 2000,
			PortRangeEnd:   2200,
			EnableUDP:      true,
			EnableTCP:      true,
			PreferUDP:      true,
		},
		Signal: SignalConfig{
			ReadLimit:        8 << 20,
			WriteTimeout:     10 * time.Second,
			PongWait:         60 * time.Second,
			SendQueueSize:    256,
			RequestQueueSize: 100,
		},
		Chat: ChatConfig{
			HistorySize:      100,
			TypingTimeout:    3 * time.Second,
			MaxMessageLength: 4096,
		},
		Whiteboard: WhiteboardConfig{
			MaxFrameBytes: 4 << 20,
		},
	}
}

// NewConfig builds a config from defaults, then confString as YAML, then
// the environment.
func NewConfig(confString string, getenv func(string) string) (*Config, error) {
	conf := DefaultConfig()
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %w", err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := conf.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadConfig loads .env into the process environment when present and
// reads the YAML file at path, if any.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("could not load .env: %w", err)
	}

	var confString string
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		confString = string(b)
	}
	return NewConfig(confString, os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Port = uint32(port)
	}
	if v := getenv("FRONTEND_URL"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("RTC_LISTEN_IP"); v != "" {
		c.RTC.ListenIP = v
	}
	if v := getenv("RTC_ANNOUNCED_IP"); v != "" {
		c.RTC.AnnouncedIP = v
	}
	for key, target := range map[string]*uint16{
		"RTC_MIN_PORT": &c.RTC.PortRangeStart,
		"RTC_MAX_PORT": &c.RTC.PortRangeEnd,
	} {
		v := getenv(key)
		if v == "" {
			continue
		}
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*target = uint16(port)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Port == 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RTC.PortRangeStart == 0 || c.RTC.PortRangeEnd < c.RTC.PortRangeStart {
		return fmt.Errorf("invalid rtc port range %d-%d", c.RTC.PortRangeStart, c.RTC.PortRangeEnd)
	}
	for _, codec := range c.RTC.Codecs {
		if !mediaengine.MediaKind(codec.Kind).Valid() {
			return fmt.Errorf("invalid codec kind %q", codec.Kind)
		}
		if codec.MimeType == "" || codec.ClockRate == 0 {
			return fmt.Errorf("codec needs mime_type and clock_rate")
		}
	}
	return nil
}

// MediaCodecs returns the router codecs, the built-in set when none are
// configured.
func (c *Config) MediaCodecs() []mediaengine.RTPCodecCapability {
	if len(c.RTC.Codecs) == 0 {
		return mediaengine.DefaultMediaCodecs()
	}
	codecs := make([]mediaengine.RTPCodecCapability, 0, len(c.RTC.Codecs))
	for _, codec := range c.RTC.Codecs {
		codecs = append(codecs, mediaengine.RTPCodecCapability{
			Kind:       mediaengine.MediaKind(codec.Kind),
			MimeType:   codec.MimeType,
			ClockRate:  codec.ClockRate,
			Channels:   codec.Channels,
			Parameters: codec.Parameters,
		})
	}
	return codecs
}

func (c *Config) TransportOptions() mediaengine.TransportOptions {
	return mediaengine.TransportOptions{
		EnableUDP: c.RTC.EnableUDP,
		EnableTCP: c.RTC.EnableTCP,
		PreferUDP: c.RTC.PreferUDP,
	}
}
