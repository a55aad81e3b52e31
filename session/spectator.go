// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/synctide/rollback"
	"github.com/synctide/rollback/internal/clock"
	"github.com/synctide/rollback/internal/xlog"
	"github.com/synctide/rollback/internal/xrand"
	"github.com/synctide/rollback/protocol"
	"github.com/synctide/rollback/transport"
	"github.com/synctide/rollback/wire"
)

const (
	// spectatorBufferSize is a second's worth of inputs at 60fps, per
	// the original source's SPECTATOR_BUFFER_SIZE.
	spectatorBufferSize = 60

	defaultMaxFramesBehind = 10
	defaultCatchupSpeed    = 1
	normalSpeed            = 1
)

// SpectatorSessionBuilder builds a SpectatorSession, ported field-for-
// field from the original source's SpectatorSessionBuilder
// (original_source/src/sessions/p2p_spectator_session.rs).
type SpectatorSessionBuilder struct {
	numPlayers  int
	inputSize   uint16
	hostAddr    transport.Addr
	maxFramesBehind int
	catchupSpeed    int

	disconnectTimeout     time.Duration
	disconnectNotifyStart time.Duration
	fps                   int

	rng *xrand.Source
	clk clock.Clock
	log *log.Logger
}

// NewSpectatorSessionBuilder starts a builder spectating a numPlayers-
// player session at hostAddr.
func NewSpectatorSessionBuilder(numPlayers int, inputSize uint16, hostAddr transport.Addr) *SpectatorSessionBuilder {
	return &SpectatorSessionBuilder{
		numPlayers:            numPlayers,
		inputSize:             inputSize,
		hostAddr:              hostAddr,
		maxFramesBehind:       defaultMaxFramesBehind,
		catchupSpeed:          defaultCatchupSpeed,
		disconnectTimeout:     2 * time.Second,
		disconnectNotifyStart: 750 * time.Millisecond,
		fps:                   60,
		rng:                   xrand.Default,
		clk:                   clock.NewReal(),
		log:                   xlog.New("spectator"),
	}
}

// WithLogger overrides the default logger.
func (b *SpectatorSessionBuilder) WithLogger(l *log.Logger) *SpectatorSessionBuilder {
	b.log = l
	return b
}

// WithClock overrides the default (real) clock.
func (b *SpectatorSessionBuilder) WithClock(c clock.Clock) *SpectatorSessionBuilder {
	b.clk = c
	return b
}

// WithRand overrides the default nonce source.
func (b *SpectatorSessionBuilder) WithRand(r *xrand.Source) *SpectatorSessionBuilder {
	b.rng = r
	return b
}

// WithMaxFramesBehind sets how many frames behind the host the
// spectator tolerates before catching up at catchup_speed.
func (b *SpectatorSessionBuilder) WithMaxFramesBehind(n int) (*SpectatorSessionBuilder, error) {
	if n < 1 {
		return nil, rollback.NewInvalidRequestError("max frames behind cannot be smaller than 1")
	}
	if n >= spectatorBufferSize {
		return nil, rollback.NewInvalidRequestError("max frames behind cannot be larger or equal than the spectator buffer size (60)")
	}
	b.maxFramesBehind = n
	return b, nil
}

// WithCatchupSpeed sets how many frames the spectator advances per
// AdvanceFrame call once max_frames_behind is exceeded.
func (b *SpectatorSessionBuilder) WithCatchupSpeed(n int) (*SpectatorSessionBuilder, error) {
	if n < 1 {
		return nil, rollback.NewInvalidRequestError("catchup speed cannot be smaller than 1")
	}
	b.catchupSpeed = n
	return b, nil
}

// WithDisconnectTimeout overrides the default disconnect timeout.
func (b *SpectatorSessionBuilder) WithDisconnectTimeout(d time.Duration) *SpectatorSessionBuilder {
	b.disconnectTimeout = d
	return b
}

// WithDisconnectNotifyDelay overrides the default stall warning delay.
func (b *SpectatorSessionBuilder) WithDisconnectNotifyDelay(d time.Duration) *SpectatorSessionBuilder {
	b.disconnectNotifyStart = d
	return b
}

// WithFPS sets the target frame rate.
func (b *SpectatorSessionBuilder) WithFPS(fps int) (*SpectatorSessionBuilder, error) {
	if fps <= 0 {
		return nil, rollback.NewInvalidRequestError("fps must be positive")
	}
	b.fps = fps
	return b, nil
}

// StartSession consumes the builder, constructing the single host
// endpoint and arming its handshake.
func (b *SpectatorSessionBuilder) StartSession(sock transport.Socket) (*SpectatorSession, error) {
	host, err := protocol.NewEndpoint(protocol.Config{
		PeerAddr:              b.hostAddr,
		LocalPlayers:          nil,
		RemotePlayerCount:     b.numPlayers,
		InputSize:             b.inputSize,
		DisconnectNotifyStart: b.disconnectNotifyStart,
		DisconnectTimeout:     b.disconnectTimeout,
		FPS:                   b.fps,
	}, b.rng, b.clk, b.log)
	if err != nil {
		return nil, err
	}
	host.Synchronize()

	s := &SpectatorSession{
		log:               b.log,
		sock:              sock,
		host:              host,
		numPlayers:        b.numPlayers,
		inputSize:         b.inputSize,
		maxFramesBehind:   b.maxFramesBehind,
		catchupSpeed:      b.catchupSpeed,
		currentFrame:      rollback.NullFrame,
		lastRecvFrame:     rollback.NullFrame,
		hostConnectStatus: make([]wire.ConnectionStatus, b.numPlayers),
	}
	for i := range s.hostConnectStatus {
		s.hostConnectStatus[i] = wire.ConnectionStatus{LastFrame: rollback.NullFrame}
	}
	for i := range s.ring {
		s.ring[i] = rollback.BlankInput(b.inputSize * uint16(b.numPlayers))
	}
	return s, nil
}

// SpectatorSession receives the host's broadcast of confirmed input
// and replays it locally, per spec.md §4.5.2. It contributes no input
// of its own.
type SpectatorSession struct {
	log  *log.Logger
	sock transport.Socket
	host *protocol.Endpoint

	numPlayers int
	inputSize  uint16

	ring              [spectatorBufferSize]rollback.PlayerInput
	hostConnectStatus []wire.ConnectionStatus

	currentFrame  rollback.Frame
	lastRecvFrame rollback.Frame

	maxFramesBehind int
	catchupSpeed    int

	events rollback.EventQueue
}

// NumPlayers returns the number of players in the spectated session.
func (s *SpectatorSession) NumPlayers() int { return s.numPlayers }

// CurrentFrame returns the frame this spectator has advanced to.
func (s *SpectatorSession) CurrentFrame() rollback.Frame { return s.currentFrame }

// IsRunning reports whether the host handshake has completed.
func (s *SpectatorSession) IsRunning() bool { return s.host.IsRunning() }

// FramesBehindHost returns how many confirmed frames the host is
// ahead of this spectator's current_frame.
func (s *SpectatorSession) FramesBehindHost() int {
	return int(s.lastRecvFrame - s.currentFrame)
}

// SetMaxFramesBehind changes the catch-up trigger threshold.
func (s *SpectatorSession) SetMaxFramesBehind(n int) error {
	if n < 1 {
		return rollback.NewInvalidRequestError("max frames behind cannot be smaller than 1")
	}
	if n >= spectatorBufferSize {
		return rollback.NewInvalidRequestError("max frames behind cannot be larger or equal than the spectator buffer size (60)")
	}
	s.maxFramesBehind = n
	return nil
}

// SetCatchupSpeed changes how many frames are replayed per
// AdvanceFrame call while behind.
func (s *SpectatorSession) SetCatchupSpeed(n int) error {
	if n < 1 {
		return rollback.NewInvalidRequestError("catchup speed cannot be smaller than 1")
	}
	if n >= s.maxFramesBehind {
		return rollback.NewInvalidRequestError("catchup speed cannot be larger or equal than max frames behind")
	}
	s.catchupSpeed = n
	return nil
}

// NetworkStats returns the host connection's quality snapshot.
func (s *SpectatorSession) NetworkStats() (protocol.NetworkStats, error) {
	return s.host.NetworkStats()
}

// Events drains every event queued since the last call.
func (s *SpectatorSession) Events() []rollback.Event { return s.events.Drain() }

// PollRemoteClients receives and dispatches datagrams from the host,
// translating protocol-level events, and flushes any outbound
// datagrams the handshake/ack cadence produced.
func (s *SpectatorSession) PollRemoteClients() {
	for _, pkt := range s.sock.ReceiveAll() {
		if s.host.HandlesAddress(pkt.From) {
			s.host.HandleMessage(pkt.Msg)
		}
	}

	for _, ev := range s.host.Poll(s.hostConnectStatus) {
		s.handleEvent(ev)
	}

	s.host.SendAllMessages(s.sock)
}

func (s *SpectatorSession) handleEvent(ev protocol.Event) {
	const handle = rollback.PlayerHandle(0)
	switch ev.Kind {
	case protocol.EventSynchronizing:
		s.events.Push(rollback.Event{Kind: rollback.EventSynchronizing, Handle: handle, Total: ev.Total, Count: ev.Count})
	case protocol.EventNetworkInterrupted:
		s.events.Push(rollback.Event{Kind: rollback.EventNetworkInterrupted, Handle: handle, DisconnectTimeout: ev.DisconnectTimeout})
	case protocol.EventNetworkResumed:
		s.events.Push(rollback.Event{Kind: rollback.EventNetworkResumed, Handle: handle})
	case protocol.EventSynchronized:
		s.events.Push(rollback.Event{Kind: rollback.EventSynchronized, Handle: handle})
	case protocol.EventDisconnected:
		s.events.Push(rollback.Event{Kind: rollback.EventDisconnected, Handle: handle})
	case protocol.EventInput:
		in := ev.Input
		s.ring[int(in.Frame)%spectatorBufferSize] = in
		s.lastRecvFrame = in.Frame
		s.host.SetLocalFrameAdvantage(clampFrameAdvantage(in.Frame - s.currentFrame))

		for i := range s.hostConnectStatus {
			status := s.host.RemotePeerConnectStatus()
			if i < len(status) {
				s.hostConnectStatus[i] = status[i]
			}
		}
	}
}

// AdvanceFrame implements spec.md §4.5.2: compute the catch-up step
// count, then for each step fetch and split the next frame's combined
// input.
func (s *SpectatorSession) AdvanceFrame() ([]rollback.Request, error) {
	s.PollRemoteClients()

	if !s.host.IsRunning() {
		return nil, rollback.NewNotSynchronizedError()
	}

	framesToAdvance := normalSpeed
	if s.FramesBehindHost() > s.maxFramesBehind {
		framesToAdvance = s.catchupSpeed
	}

	var requests []rollback.Request
	for i := 0; i < framesToAdvance; i++ {
		frameToGrab := s.currentFrame + 1
		inputs, err := s.inputsAtFrame(frameToGrab)
		if err != nil {
			// Mirrors the original source's behavior: a grab failure
			// propagates immediately, discarding any AdvanceFrame
			// requests already built earlier in this same call.
			return nil, err
		}
		requests = append(requests, rollback.AdvanceRequest(inputs))
		s.currentFrame++
	}
	return requests, nil
}

// inputsAtFrame splits the combined payload stored at frameToGrab's
// ring slot into one PlayerInput per player, by input_size offset.
// Implemented correctly, unlike the original source's commented-out
// version (spec.md Open Question (a), decided in SPEC_FULL.md §10(a)).
func (s *SpectatorSession) inputsAtFrame(frameToGrab rollback.Frame) ([]rollback.PlayerInput, error) {
	merged := s.ring[int(frameToGrab)%spectatorBufferSize]

	if merged.Frame < frameToGrab {
		return nil, rollback.NewPredictionThresholdError()
	}
	if merged.Frame > frameToGrab {
		return nil, rollback.NewSpectatorTooFarBehindError()
	}

	out := make([]rollback.PlayerInput, s.numPlayers)
	for i := 0; i < s.numPlayers; i++ {
		start := i * int(s.inputSize)
		end := start + int(s.inputSize)

		in := rollback.NewInput(frameToGrab, s.inputSize)
		if end <= len(merged.Buffer) {
			copy(in.Buffer, merged.Buffer[start:end])
		}

		if i < len(s.hostConnectStatus) && s.hostConnectStatus[i].Disconnected && s.hostConnectStatus[i].LastFrame < frameToGrab {
			in.Frame = rollback.NullFrame
		}
		out[i] = in
	}
	return out, nil
}
