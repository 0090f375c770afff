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
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/guid"
)

const (
	runesAlphaNumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	iceUfragLength    = 16
	icePasswordLength = 32

	udpHostPriority = 1076302079
	tcpHostPriority = 1076276479

	routerPrefix    = "RT_"
	transportPrefix = "TR_"
	producerPrefix  = "PR_"
	consumerPrefix  = "CO_"
)

type LocalEngineParams struct {
	// ListenIP is where candidates would be bound, AnnouncedIP is what is
	// advertised to clients when set.
	ListenIP       string
	AnnouncedIP    string
	PortRangeStart uint16
	PortRangeEnd   uint16
	Logger         logger.Logger
}

// LocalEngine is an in-process engine that performs the control-plane half
// of an SFU: ids, ICE credentials, host candidates from the configured port
// range, DTLS fingerprints, codec negotiation and object lifecycles. It does
// not forward media.
type LocalEngine struct {
	params       LocalEngineParams
	logger       logger.Logger
	fingerprints []webrtc.DTLSFingerprint
	ssrcs        randutil.MathRandomGenerator

	lock     sync.Mutex
	ports    map[uint16]bool
	nextPort uint16

	routers    atomic.Int64
	transports atomic.Int64
}

func NewLocalEngine(params LocalEngineParams) (*LocalEngine, error) {
	if params.PortRangeStart == 0 || params.PortRangeEnd < params.PortRangeStart {
		return nil, fmt.Errorf("invalid port range %d-%d", params.PortRangeStart, params.PortRangeEnd)
	}
	if params.ListenIP == "" {
		params.ListenIP = "0.0.0.0"
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	certificate, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, err
	}
	fingerprints, err := certificate.GetFingerprints()
	if err != nil {
		return nil, err
	}

	return &LocalEngine{
		params:       params,
		logger:       params.Logger.WithName("mediaengine"),
		fingerprints: fingerprints,
		ssrcs:        randutil.NewMathRandomGenerator(),
		ports:        make(map[uint16]bool),
		nextPort:     params.PortRangeStart,
	}, nil
}

func (e *LocalEngine) CreateRouter(ctx context.Context, mediaCodecs []RTPCodecCapability) (Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caps, err := buildRouterCapabilities(mediaCodecs)
	if err != nil {
		return nil, err
	}
	r := &localRouter{
		engine:     e,
		id:         guid.New(routerPrefix),
		caps:       caps,
		producers:  make(map[string]*localProducer),
		transports: make(map[string]*localTransport),
	}
	e.routers.Inc()
	e.logger.Debugw("router created", "routerID", r.id, "codecs", len(caps.Codecs))
	return r, nil
}

// RouterCount and TransportCount report live objects.
func (e *LocalEngine) RouterCount() int64 {
	return e.routers.Load()
}

func (e *LocalEngine) TransportCount() int64 {
	return e.transports.Load()
}

func (e *LocalEngine) announcedIP() string {
	if e.params.AnnouncedIP != "" {
		return e.params.AnnouncedIP
	}
	return e.params.ListenIP
}

func (e *LocalEngine) allocatePort() (uint16, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	size := int(e.params.PortRangeEnd) - int(e.params.PortRangeStart) + 1
	for i := 0; i < size; i++ {
		port := e.nextPort
		if e.nextPort == e.params.PortRangeEnd {
			e.nextPort = e.params.PortRangeStart
		} else {
			e.nextPort++
		}
		if !e.ports[port] {
			e.ports[port] = true
			return port, nil
		}
	}
	return 0, ErrPortsExhausted
}

func (e *LocalEngine) releasePorts(ports []uint16) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, p := range ports {
		delete(e.ports, p)
	}
}

// closeHooks implements the shared close bookkeeping of engine objects.
type closeHooks struct {
	hooksLock sync.Mutex
	closed    bool
	handlers  []func()
}

// OnClose registers f. If the object is already closed f runs immediately.
func (h *closeHooks) OnClose(f func()) {
	h.hooksLock.Lock()
	if h.closed {
		h.hooksLock.Unlock()
		f()
		return
	}
	h.handlers = append(h.handlers, f)
	h.hooksLock.Unlock()
}

func (h *closeHooks) Closed() bool {
	h.hooksLock.Lock()
	defer h.hooksLock.Unlock()
	return h.closed
}

// markClosed flips the object to closed and fires its handlers. It returns
// false when the object was already closed.
func (h *closeHooks) markClosed() bool {
	h.hooksLock.Lock()
	if h.closed {
		h.hooksLock.Unlock()
		return false
	}
	h.closed = true
	handlers := h.handlers
	h.handlers = nil
	h.hooksLock.Unlock()

	for _, f := range handlers {
		f()
	}
	return true
}

// ------------------------------------------------

type localRouter struct {
	closeHooks

	engine *LocalEngine
	id     string
	caps   RTPCapabilities

	lock       sync.RWMutex
	producers  map[string]*localProducer
	transports map[string]*localTransport
}

func (r *localRouter) ID() string {
	return r.id
}

func (r *localRouter) RTPCapabilities() RTPCapabilities {
	return r.caps
}

func (r *localRouter) CanConsume(producerID string, caps RTPCapabilities) bool {
	r.lock.RLock()
	p := r.producers[producerID]
	r.lock.RUnlock()
	if p == nil || p.Closed() {
		return false
	}
	_, ok := consumerCodecs(p.rtpParameters, caps)
	return ok
}

func (r *localRouter) CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Closed() {
		return nil, ErrClosed
	}

	ufrag, err := randutil.GenerateCryptoRandomString(iceUfragLength, runesAlphaNumeric)
	if err != nil {
		return nil, err
	}
	pwd, err := randutil.GenerateCryptoRandomString(icePasswordLength, runesAlphaNumeric)
	if err != nil {
		return nil, err
	}

	t := &localTransport{
		router: r,
		id:     guid.New(transportPrefix),
		iceParameters: webrtc.ICEParameters{
			UsernameFragment: ufrag,
			Password:         pwd,
			ICELite:          true,
		},
		dtls: DTLSParameters{
			Role:         DTLSRoleAuto,
			Fingerprints: r.engine.fingerprints,
		},
		producers: make(map[string]*localProducer),
		consumers: make(map[string]*localConsumer),
	}

	enableUDP, enableTCP := opts.EnableUDP, opts.EnableTCP
	if !enableUDP && !enableTCP {
		enableUDP = true
	}
	protocols := []webrtc.ICEProtocol{}
	if enableUDP {
		protocols = append(protocols, webrtc.ICEProtocolUDP)
	}
	if enableTCP {
		if opts.PreferUDP || !enableUDP {
			protocols = append(protocols, webrtc.ICEProtocolTCP)
		} else {
			protocols = append([]webrtc.ICEProtocol{webrtc.ICEProtocolTCP}, protocols...)
		}
	}
	ip := r.engine.announcedIP()
	for i, protocol := range protocols {
		port, err := r.engine.allocatePort()
		if err != nil {
			r.engine.releasePorts(t.ports)
			return nil, err
		}
		t.ports = append(t.ports, port)

		candidate := ICECandidate{
			Foundation: protocol.String() + "candidate",
			IP:         ip,
			Address:    ip,
			Protocol:   protocol.String(),
			Port:       port,
			Type:       webrtc.ICECandidateTypeHost.String(),
		}
		if protocol == webrtc.ICEProtocolTCP {
			candidate.Priority = tcpHostPriority - uint32(i)
			candidate.TCPType = "passive"
		} else {
			candidate.Priority = udpHostPriority - uint32(i)
		}
		t.candidates = append(t.candidates, candidate)
	}

	r.lock.Lock()
	if r.Closed() {
		r.lock.Unlock()
		r.engine.releasePorts(t.ports)
		return nil, ErrClosed
	}
	r.transports[t.id] = t
	r.lock.Unlock()

	r.engine.transports.Inc()
	r.engine.logger.Debugw("transport created", "routerID", r.id, "transportID", t.id, "ports", t.ports)
	return t, nil
}

func (r *localRouter) Close() error {
	if !r.markClosed() {
		return nil
	}
	r.lock.Lock()
	transports := make([]*localTransport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.lock.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.engine.routers.Dec()
	return nil
}

// ------------------------------------------------

type localTransport struct {
	closeHooks

	router        *localRouter
	id            string
	iceParameters webrtc.ICEParameters
	candidates    []ICECandidate
	ports         []uint16
	dtls          DTLSParameters

	lock       sync.Mutex
	connected  bool
	remoteDTLS DTLSParameters
	producers  map[string]*localProducer
	consumers  map[string]*localConsumer
}

func (t *localTransport) ID() string {
	return t.id
}

func (t *localTransport) ICEParameters() webrtc.ICEParameters {
	return t.iceParameters
}

func (t *localTransport) ICECandidates() []ICECandidate {
	return t.candidates
}

func (t *localTransport) DTLSParameters() DTLSParameters {
	return t.dtls
}

func (t *localTransport) Connect(ctx context.Context, remote DTLSParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateDTLSParameters(remote); err != nil {
		return err
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.Closed() {
		return ErrClosed
	}
	if t.connected {
		return ErrAlreadyConnected
	}
	t.connected = true
	t.remoteDTLS = remote
	return nil
}

func validateDTLSParameters(p DTLSParameters) error {
	switch p.Role {
	case "", DTLSRoleAuto, DTLSRoleClient, DTLSRoleServer:
	default:
		return fmt.Errorf("%w: role %q", ErrInvalidDTLS, p.Role)
	}
	if len(p.Fingerprints) == 0 {
		return fmt.Errorf("%w: no fingerprints", ErrInvalidDTLS)
	}
	for _, fp := range p.Fingerprints {
		if _, err := fingerprint.HashFromString(fp.Algorithm); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDTLS, err)
		}
		if fp.Value == "" {
			return fmt.Errorf("%w: empty fingerprint", ErrInvalidDTLS)
		}
	}
	return nil
}

func (t *localTransport) Produce(ctx context.Context, opts ProduceOptions) (Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidRTPParameters, opts.Kind)
	}
	if err := validateProducerParameters(opts.Kind, opts.RTPParameters, t.router.caps); err != nil {
		return nil, err
	}

	p := &localProducer{
		transport:     t,
		id:            guid.New(producerPrefix),
		kind:          opts.Kind,
		rtpParameters: opts.RTPParameters,
		appData:       opts.AppData,
		paused:        opts.Paused,
		consumers:     make(map[string]*localConsumer),
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.Closed() {
		return nil, ErrClosed
	}
	t.producers[p.id] = p
	t.router.lock.Lock()
	t.router.producers[p.id] = p
	t.router.lock.Unlock()
	return p, nil
}

func (t *localTransport) Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.router.lock.RLock()
	p := t.router.producers[opts.ProducerID]
	t.router.lock.RUnlock()
	if p == nil {
		return nil, ErrUnknownProducer
	}
	codecs, ok := consumerCodecs(p.rtpParameters, opts.RTPCapabilities)
	if !ok {
		return nil, ErrCannotConsume
	}

	c := &localConsumer{
		transport: t,
		producer:  p,
		id:        guid.New(consumerPrefix),
		rtpParameters: RTPParameters{
			Codecs:           codecs,
			HeaderExtensions: consumerHeaderExtensions(p.kind, opts.RTPCapabilities),
			Encodings:        []RTPEncodingParameters{{SSRC: t.router.engine.ssrcs.Uint32()}},
			RTCP: RTCPParameters{
				CNAME:       p.rtpParameters.RTCP.CNAME,
				ReducedSize: true,
				Mux:         true,
			},
		},
		paused: opts.Paused,
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.Closed() {
		return nil, ErrClosed
	}
	p.lock.Lock()
	if p.Closed() {
		p.lock.Unlock()
		return nil, ErrUnknownProducer
	}
	p.consumers[c.id] = c
	p.lock.Unlock()
	t.consumers[c.id] = c
	return c, nil
}

func (t *localTransport) Close() error {
	if !t.markClosed() {
		return nil
	}

	t.lock.Lock()
	producers := make([]*localProducer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*localConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.lock.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	for _, c := range consumers {
		_ = c.Close()
	}

	t.router.lock.Lock()
	delete(t.router.transports, t.id)
	t.router.lock.Unlock()
	t.router.engine.releasePorts(t.ports)
	t.router.engine.transports.Dec()
	return nil
}

// ------------------------------------------------

type localProducer struct {
	closeHooks

	transport     *localTransport
	id            string
	kind          MediaKind
	rtpParameters RTPParameters
	appData       map[string]any

	lock      sync.Mutex
	paused    bool
	consumers map[string]*localConsumer
}

func (p *localProducer) ID() string {
	return p.id
}

func (p *localProducer) Kind() MediaKind {
	return p.kind
}

func (p *localProducer) RTPParameters() RTPParameters {
	return p.rtpParameters
}

func (p *localProducer) AppData() map[string]any {
	return p.appData
}

func (p *localProducer) Paused() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.paused
}

func (p *localProducer) Pause(ctx context.Context) error {
	return p.setPaused(ctx, true)
}

func (p *localProducer) Resume(ctx context.Context) error {
	return p.setPaused(ctx, false)
}

func (p *localProducer) setPaused(ctx context.Context, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.Closed() {
		return ErrClosed
	}
	p.paused = paused
	return nil
}

func (p *localProducer) Close() error {
	if !p.markClosed() {
		return nil
	}

	p.lock.Lock()
	consumers := make([]*localConsumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.lock.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}

	t := p.transport
	t.lock.Lock()
	delete(t.producers, p.id)
	t.lock.Unlock()
	t.router.lock.Lock()
	delete(t.router.producers, p.id)
	t.router.lock.Unlock()
	return nil
}

// ------------------------------------------------

type localConsumer struct {
	closeHooks

	transport     *localTransport
	producer      *localProducer
	id            string
	rtpParameters RTPParameters

	lock   sync.Mutex
	paused bool
}

func (c *localConsumer) ID() string {
	return c.id
}

func (c *localConsumer) ProducerID() string {
	return c.producer.id
}

func (c *localConsumer) Kind() MediaKind {
	return c.producer.kind
}

func (c *localConsumer) RTPParameters() RTPParameters {
	return c.rtpParameters
}

func (c *localConsumer) Paused() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.paused
}

func (c *localConsumer) Pause(ctx context.Context) error {
	return c.setPaused(ctx, true)
}

func (c *localConsumer) Resume(ctx context.Context) error {
	return c.setPaused(ctx, false)
}

func (c *localConsumer) setPaused(ctx context.Context, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.Closed() {
		return ErrClosed
	}
	c.paused = paused
	return nil
}

func (c *localConsumer) Close() error {
	if !c.markClosed() {
		return nil
	}

	t := c.transport
	t.lock.Lock()
	delete(t.consumers, c.id)
	t.lock.Unlock()

	p := c.producer
	p.lock.Lock()
	delete(p.consumers, c.id)
	p.lock.Unlock()
	return nil
}
