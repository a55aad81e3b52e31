// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session holds the three orchestrators spec.md §4.5 describes
// (P2P, Spectator, Synctest), each built with a teacher-style fluent
// builder and each wiring protocol.Endpoint and synclayer.SyncLayer
// into the request-emission protocol a host drives every frame.
package session

import (
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/synctide/rollback"
	"github.com/synctide/rollback/internal/clock"
	"github.com/synctide/rollback/internal/xlog"
	"github.com/synctide/rollback/internal/xrand"
	"github.com/synctide/rollback/protocol"
	"github.com/synctide/rollback/synclayer"
	"github.com/synctide/rollback/transport"
	"github.com/synctide/rollback/wire"
)

// recommendFrameDelayThreshold is the minimum local/remote frame
// advantage gap before a P2PSession emits WaitRecommendation, loosely
// grounded on the original source's recommend_frame_delay (not itself
// among the retained original_source files; reconstructed from
// spec.md §6.4 and SPEC_FULL.md §4's description of it).
const recommendFrameDelayThreshold = 2

// waitRecommendationCooldownFrames throttles WaitRecommendation so it
// fires at most once per this many AdvanceFrame calls, avoiding event
// queue spam under a sustained advantage gap.
const waitRecommendationCooldownFrames = 8

// P2PSessionBuilder assembles a P2PSession, mirroring the original
// source's SpectatorSessionBuilder: validated fluent setters over a
// config struct, a terminal StartSession.
type P2PSessionBuilder struct {
	numPlayers    int
	inputSize     uint16
	localPlayers  []rollback.PlayerHandle
	remotePlayers map[rollback.PlayerHandle]transport.Addr
	spectators    []transport.Addr

	maxPredictionFrames   int
	disconnectTimeout     time.Duration
	disconnectNotifyStart time.Duration
	fps                   int

	rng *xrand.Source
	clk clock.Clock
	log *log.Logger
}

// NewP2PSessionBuilder starts a builder for a numPlayers-player
// session exchanging inputSize-byte inputs per player.
func NewP2PSessionBuilder(numPlayers int, inputSize uint16) *P2PSessionBuilder {
	return &P2PSessionBuilder{
		numPlayers:            numPlayers,
		inputSize:             inputSize,
		remotePlayers:         make(map[rollback.PlayerHandle]transport.Addr),
		maxPredictionFrames:   rollback.MaxPredictionFrames,
		disconnectTimeout:     2 * time.Second,
		disconnectNotifyStart: 750 * time.Millisecond,
		fps:                   60,
		rng:                   xrand.Default,
		clk:                   clock.NewReal(),
		log:                   xlog.New("p2p"),
	}
}

// WithLogger overrides the default logger.
func (b *P2PSessionBuilder) WithLogger(l *log.Logger) *P2PSessionBuilder {
	b.log = l
	return b
}

// WithClock overrides the default (real) clock, used by tests to drive
// timeouts deterministically.
func (b *P2PSessionBuilder) WithClock(c clock.Clock) *P2PSessionBuilder {
	b.clk = c
	return b
}

// WithRand overrides the default (crypto/rand-backed) nonce source.
func (b *P2PSessionBuilder) WithRand(r *xrand.Source) *P2PSessionBuilder {
	b.rng = r
	return b
}

func (b *P2PSessionBuilder) validateHandle(handle rollback.PlayerHandle) error {
	if int(handle) < 0 || int(handle) >= b.numPlayers {
		return rollback.NewInvalidRequestError("player handle out of range")
	}
	return nil
}

// AddLocalPlayer registers handle as controlled by this process.
func (b *P2PSessionBuilder) AddLocalPlayer(handle rollback.PlayerHandle) (*P2PSessionBuilder, error) {
	if err := b.validateHandle(handle); err != nil {
		return nil, err
	}
	b.localPlayers = append(b.localPlayers, handle)
	return b, nil
}

// AddRemotePlayer registers handle as reachable at addr over a new
// peer protocol endpoint.
func (b *P2PSessionBuilder) AddRemotePlayer(handle rollback.PlayerHandle, addr transport.Addr) (*P2PSessionBuilder, error) {
	if err := b.validateHandle(handle); err != nil {
		return nil, err
	}
	b.remotePlayers[handle] = addr
	return b, nil
}

// AddSpectator registers a spectator endpoint at addr; confirmed input
// is broadcast to it every frame (spec.md §4.5.1 step 4).
func (b *P2PSessionBuilder) AddSpectator(addr transport.Addr) *P2PSessionBuilder {
	b.spectators = append(b.spectators, addr)
	return b
}

// WithMaxPredictionFrames overrides the sync layer's prediction
// window.
func (b *P2PSessionBuilder) WithMaxPredictionFrames(n int) *P2PSessionBuilder {
	b.maxPredictionFrames = n
	return b
}

// WithFPS sets the target frame rate used to derive every endpoint's
// input flush cadence.
func (b *P2PSessionBuilder) WithFPS(fps int) (*P2PSessionBuilder, error) {
	if fps <= 0 {
		return nil, rollback.NewInvalidRequestError("fps must be positive")
	}
	b.fps = fps
	return b, nil
}

// WithDisconnectTimeout overrides the default 2s disconnect timeout.
func (b *P2PSessionBuilder) WithDisconnectTimeout(d time.Duration) *P2PSessionBuilder {
	b.disconnectTimeout = d
	return b
}

// WithDisconnectNotifyDelay overrides the default 750ms stall warning
// delay.
func (b *P2PSessionBuilder) WithDisconnectNotifyDelay(d time.Duration) *P2PSessionBuilder {
	b.disconnectNotifyStart = d
	return b
}

// StartSession consumes the builder, constructing one protocol.Endpoint
// per remote player and spectator and arming their handshakes.
func (b *P2PSessionBuilder) StartSession(sock transport.Socket) (*P2PSession, error) {
	sync, err := synclayer.New(b.numPlayers, b.inputSize, b.maxPredictionFrames, b.log)
	if err != nil {
		return nil, err
	}

	localPlayers := append([]rollback.PlayerHandle(nil), b.localPlayers...)
	sort.Slice(localPlayers, func(i, j int) bool { return localPlayers[i] < localPlayers[j] })

	s := &P2PSession{
		log:               b.log,
		sock:              sock,
		sync:              sync,
		numPlayers:        b.numPlayers,
		inputSize:         b.inputSize,
		localPlayers:      localPlayers,
		remoteEndpoints:    make(map[rollback.PlayerHandle]*protocol.Endpoint),
		pendingLocal:       make(map[rollback.PlayerHandle]rollback.PlayerInput),
		hostConnectStatus:  make([]wire.ConnectionStatus, b.numPlayers),
		lastBroadcastFrame: rollback.NullFrame,
	}
	for i := range s.hostConnectStatus {
		s.hostConnectStatus[i] = wire.ConnectionStatus{LastFrame: rollback.NullFrame}
	}

	for handle, addr := range b.remotePlayers {
		ep, err := protocol.NewEndpoint(protocol.Config{
			PeerAddr:              addr,
			LocalPlayers:          localPlayers,
			RemotePlayerCount:     1,
			InputSize:             b.inputSize,
			DisconnectNotifyStart: b.disconnectNotifyStart,
			DisconnectTimeout:     b.disconnectTimeout,
			FPS:                   b.fps,
		}, b.rng, b.clk, s.log)
		if err != nil {
			return nil, err
		}
		ep.Synchronize()
		s.remoteEndpoints[handle] = ep
	}

	if len(b.spectators) > rollback.MaxSpectators {
		return nil, rollback.NewInvalidRequestError("too many spectators")
	}
	// A spectator is sent every player's input per frame and sends none back.
	allPlayers := make([]rollback.PlayerHandle, b.numPlayers)
	for i := range allPlayers {
		allPlayers[i] = rollback.PlayerHandle(i)
	}
	for _, addr := range b.spectators {
		ep, err := protocol.NewEndpoint(protocol.Config{
			PeerAddr:              addr,
			LocalPlayers:          allPlayers,
			RemotePlayerCount:     0,
			InputSize:             b.inputSize,
			DisconnectNotifyStart: b.disconnectNotifyStart,
			DisconnectTimeout:     b.disconnectTimeout,
			FPS:                   b.fps,
		}, b.rng, b.clk, s.log)
		if err != nil {
			return nil, err
		}
		ep.Synchronize()
		s.spectatorEndpoints = append(s.spectatorEndpoints, ep)
	}

	return s, nil
}

// P2PSession holds one peer endpoint per remote player and per
// spectator, per spec.md §4.5.1.
type P2PSession struct {
	log  *log.Logger
	sock transport.Socket
	sync *synclayer.SyncLayer

	numPlayers   int
	inputSize    uint16
	localPlayers []rollback.PlayerHandle
	pendingLocal map[rollback.PlayerHandle]rollback.PlayerInput

	remoteEndpoints    map[rollback.PlayerHandle]*protocol.Endpoint
	spectatorEndpoints []*protocol.Endpoint
	hostConnectStatus  []wire.ConnectionStatus

	events rollback.EventQueue

	framesSinceWaitCheck int

	// lastBroadcastFrame is the last confirmed frame already sent to
	// every spectator, so a LastConfirmedFrame jump of more than one
	// frame in a single AdvanceFrame call (one decoded remote input
	// batch can confirm several frames at once) still broadcasts every
	// frame in between exactly once.
	lastBroadcastFrame rollback.Frame
}

func (s *P2PSession) isLocal(handle rollback.PlayerHandle) bool {
	for _, h := range s.localPlayers {
		if h == handle {
			return true
		}
	}
	return false
}

// NumPlayers returns the player count this session was built with.
func (s *P2PSession) NumPlayers() int { return s.numPlayers }

// CurrentFrame returns the sync layer's current frame.
func (s *P2PSession) CurrentFrame() rollback.Frame { return s.sync.CurrentFrame() }

// Events drains every event queued since the last call.
func (s *P2PSession) Events() []rollback.Event { return s.events.Drain() }

// SetFrameDelay sets handle's per-player input delay.
func (s *P2PSession) SetFrameDelay(handle rollback.PlayerHandle, delay int) error {
	return s.sync.SetFrameDelay(handle, delay)
}

// SetDisconnectTimeout re-arms every remote endpoint's terminal
// disconnect threshold (SPEC_FULL.md §6).
func (s *P2PSession) SetDisconnectTimeout(d time.Duration) {
	for _, ep := range s.remoteEndpoints {
		ep.SetDisconnectTimeout(d)
	}
}

// SetDisconnectNotifyDelay re-arms every remote endpoint's stall
// warning threshold.
func (s *P2PSession) SetDisconnectNotifyDelay(d time.Duration) {
	for _, ep := range s.remoteEndpoints {
		ep.SetDisconnectNotifyStart(d)
	}
}

// SetFPS re-derives every remote endpoint's input flush cadence.
func (s *P2PSession) SetFPS(fps int) error {
	for _, ep := range s.remoteEndpoints {
		if err := ep.SetFPS(fps); err != nil {
			return err
		}
	}
	return nil
}

// NetworkStats returns handle's remote endpoint's connection-quality
// snapshot.
func (s *P2PSession) NetworkStats(handle rollback.PlayerHandle) (protocol.NetworkStats, error) {
	ep, ok := s.remoteEndpoints[handle]
	if !ok {
		return protocol.NetworkStats{}, rollback.NewInvalidRequestError("handle is not a remote player")
	}
	return ep.NetworkStats()
}

// DisconnectPlayer force-disconnects a remote player. The resulting
// Disconnected event surfaces on the next AdvanceFrame call, once the
// endpoint's queued event is drained through the ordinary Poll path.
func (s *P2PSession) DisconnectPlayer(handle rollback.PlayerHandle) error {
	ep, ok := s.remoteEndpoints[handle]
	if !ok {
		return rollback.NewInvalidRequestError("handle is not a remote player")
	}
	ep.Disconnect()
	return nil
}

// AddLocalInput stamps buf with the sync layer's current frame and
// queues it. Once every local player's input for the frame has
// arrived, the combined buffer is queued to every remote endpoint in
// ascending handle order (spec.md §4.3's "concatenated per frame").
func (s *P2PSession) AddLocalInput(handle rollback.PlayerHandle, buf []byte) error {
	if !s.isLocal(handle) {
		return rollback.NewInvalidRequestError("handle is not a local player")
	}
	frame := s.sync.CurrentFrame()
	in := rollback.NewInputFromBytes(frame, buf)
	if err := s.sync.AddLocalInput(handle, in); err != nil {
		return err
	}
	s.pendingLocal[handle] = in

	if len(s.pendingLocal) == len(s.localPlayers) {
		combo := s.comboLocalInput(frame)
		for _, ep := range s.remoteEndpoints {
			ep.QueueLocalInput(combo)
		}
		s.pendingLocal = make(map[rollback.PlayerHandle]rollback.PlayerInput)
	}
	return nil
}

func (s *P2PSession) comboLocalInput(frame rollback.Frame) rollback.PlayerInput {
	buf := make([]byte, 0, int(s.inputSize)*len(s.localPlayers))
	for _, h := range s.localPlayers {
		buf = append(buf, s.pendingLocal[h].Buffer...)
	}
	return rollback.NewInputFromBytes(frame, buf)
}

func (s *P2PSession) comboInput(inputs []rollback.PlayerInput, frame rollback.Frame) rollback.PlayerInput {
	buf := make([]byte, 0, int(s.inputSize)*len(inputs))
	for _, in := range inputs {
		buf = append(buf, in.Buffer...)
	}
	return rollback.NewInputFromBytes(frame, buf)
}

// broadcastConfirmedInput sends every newly confirmed frame's combined
// input to every spectator exactly once, per spec.md §10(b). The sync
// layer can advance LastConfirmedFrame by more than one frame across
// the AddRemoteInput calls made this poll (a decoded remote input
// batch confirms several frames, one AddRemoteInput each), so this
// walks the whole (lastBroadcastFrame, confirmed] range rather than
// sending only the latest value. The sync layer holds every frame in
// that range reachable until DiscardConfirmedInputBefore is called
// below, so none of it has been evicted out from under this read.
func (s *P2PSession) broadcastConfirmedInput() {
	confirmed := s.sync.LastConfirmedFrame()
	if confirmed == rollback.NullFrame {
		return
	}

	if confirmed > s.lastBroadcastFrame && len(s.spectatorEndpoints) > 0 {
		for frame := s.lastBroadcastFrame + 1; frame <= confirmed; frame++ {
			combo := s.comboInput(s.sync.SynchronizedInputs(frame), frame)
			for _, ep := range s.spectatorEndpoints {
				ep.QueueLocalInput(combo)
			}
		}
	}
	if confirmed > s.lastBroadcastFrame {
		s.lastBroadcastFrame = confirmed
	}
	s.sync.DiscardConfirmedInputBefore(confirmed - 1)
}

func (s *P2PSession) receivePackets() {
	for _, pkt := range s.sock.ReceiveAll() {
		routed := false
		for _, ep := range s.remoteEndpoints {
			if ep.HandlesAddress(pkt.From) {
				ep.HandleMessage(pkt.Msg)
				routed = true
				break
			}
		}
		if routed {
			continue
		}
		for _, ep := range s.spectatorEndpoints {
			if ep.HandlesAddress(pkt.From) {
				ep.HandleMessage(pkt.Msg)
				break
			}
		}
	}
}

// AdvanceFrame implements spec.md §4.5.1: poll peers and dispatch
// events, refuse if any remote player hasn't finished synchronizing,
// delegate to the sync layer's request-emission protocol, then
// broadcast the newly confirmed frame's input to every spectator.
func (s *P2PSession) AdvanceFrame() ([]rollback.Request, error) {
	s.receivePackets()

	for handle, ep := range s.remoteEndpoints {
		for _, ev := range ep.Poll(s.hostConnectStatus) {
			s.translateEvent(handle, ev, ep)
		}
	}
	for _, ep := range s.spectatorEndpoints {
		ep.Poll(s.hostConnectStatus)
	}

	for _, ep := range s.remoteEndpoints {
		if ep.State() == protocol.StateSynchronizing {
			s.flushOutbound()
			return nil, rollback.NewNotSynchronizedError()
		}
	}

	requests := s.sync.AdvanceFrame()
	s.broadcastConfirmedInput()

	s.checkWaitRecommendation()
	s.flushOutbound()

	return requests, nil
}

func (s *P2PSession) flushOutbound() {
	for _, ep := range s.remoteEndpoints {
		ep.SendAllMessages(s.sock)
	}
	for _, ep := range s.spectatorEndpoints {
		ep.SendAllMessages(s.sock)
	}
}

func (s *P2PSession) translateEvent(handle rollback.PlayerHandle, ev protocol.Event, ep *protocol.Endpoint) {
	switch ev.Kind {
	case protocol.EventSynchronizing:
		s.events.Push(rollback.Event{Kind: rollback.EventSynchronizing, Handle: handle, Total: ev.Total, Count: ev.Count})
	case protocol.EventSynchronized:
		s.events.Push(rollback.Event{Kind: rollback.EventSynchronized, Handle: handle})
	case protocol.EventNetworkInterrupted:
		s.events.Push(rollback.Event{Kind: rollback.EventNetworkInterrupted, Handle: handle, DisconnectTimeout: ev.DisconnectTimeout})
	case protocol.EventNetworkResumed:
		s.events.Push(rollback.Event{Kind: rollback.EventNetworkResumed, Handle: handle})
	case protocol.EventDisconnected:
		_ = s.sync.DisconnectPlayer(handle)
		if int(handle) < len(s.hostConnectStatus) {
			s.hostConnectStatus[handle] = wire.ConnectionStatus{Disconnected: true, LastFrame: s.sync.LastConfirmedFrame()}
		}
		s.events.Push(rollback.Event{Kind: rollback.EventDisconnected, Handle: handle})
	case protocol.EventInput:
		if err := s.sync.AddRemoteInput(handle, ev.Input); err != nil {
			s.log.Debug("dropping remote input", "handle", handle, "err", err)
			return
		}
		ep.SetLocalFrameAdvantage(clampFrameAdvantage(s.sync.CurrentFrame() - s.sync.LastConfirmedFrame()))
	}
}

func (s *P2PSession) checkWaitRecommendation() {
	s.framesSinceWaitCheck++
	if s.framesSinceWaitCheck < waitRecommendationCooldownFrames {
		return
	}
	s.framesSinceWaitCheck = 0

	worst := 0
	for _, ep := range s.remoteEndpoints {
		stats, err := ep.NetworkStats()
		if err != nil {
			continue
		}
		diff := int(stats.LocalFrameAdvantage) - int(stats.RemoteFrameAdvantage)
		if diff > worst {
			worst = diff
		}
	}
	if worst >= recommendFrameDelayThreshold {
		s.events.Push(rollback.Event{Kind: rollback.EventWaitRecommendation, SkipFrames: worst / 2})
	}
}

func clampFrameAdvantage(diff rollback.Frame) int8 {
	if diff > 127 {
		return 127
	}
	if diff < -128 {
		return -128
	}
	return int8(diff)
}
