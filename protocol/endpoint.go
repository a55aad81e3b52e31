// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

package protocol

import (
	"time"

	"github.com/synctide/rollback"
	"github.com/synctide/rollback/compression"
	"github.com/synctide/rollback/internal/clock"
	"github.com/synctide/rollback/internal/xrand"
	"github.com/synctide/rollback/transport"
	"github.com/synctide/rollback/wire"

	"github.com/charmbracelet/log"
)

// State is the peer endpoint state machine, per spec.md §4.3:
// Synchronizing → Synchronized → Running → Disconnected (terminal).
type State int

const (
	StateSynchronizing State = iota
	StateSynchronized
	StateRunning
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateSynchronizing:
		return "Synchronizing"
	case StateSynchronized:
		return "Synchronized"
	case StateRunning:
		return "Running"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

const (
	syncRequestInterval    = 500 * time.Millisecond
	requiredSyncRoundTrips = 5
	qualityReportInterval  = time.Second
	rttSmoothingDivisor    = 8

	// maxPendingOutputHardCap bounds the pending output queue
	// regardless of the configured soft limit; exceeding it is a
	// protocol error and flushes the queue (spec.md §5).
	maxPendingOutputHardCap = 64
)

// Config parameterizes a single Endpoint: one remote peer address and
// everything the handshake and running state need to know about it.
type Config struct {
	// PeerAddr is the remote address this endpoint talks to.
	PeerAddr transport.Addr

	// LocalPlayers is the set of local player handles whose input this
	// endpoint sends, concatenated per frame in handle order. Empty
	// for a spectator's connection to its host (spectators send no
	// input back).
	LocalPlayers []rollback.PlayerHandle

	// RemotePlayerCount is how many players' worth of input this
	// endpoint receives concatenated per frame from the far side.
	// 1 for an ordinary peer-to-peer connection; NumPlayers for a
	// spectator's connection to its session host.
	RemotePlayerCount int

	// InputSize is the fixed per-player input size in bytes.
	InputSize uint16

	// MaxPendingOutput is the soft queue-depth target the endpoint
	// aims to flush under during normal operation (spec.md §4.3
	// construction parameters; default 8 inputs).
	MaxPendingOutput int

	// DisconnectNotifyStart and DisconnectTimeout are measured from
	// the last received datagram. Defaults: 750ms / 2000ms (spec.md
	// §5 Cancellation & timeouts).
	DisconnectNotifyStart time.Duration
	DisconnectTimeout     time.Duration

	// FPS is the host's target frame rate, used to derive the input
	// flush cadence (spec.md §4.3 "every send cadence, ~1 frame").
	FPS int
}

func (c Config) localComboSize() uint16 {
	return c.InputSize * uint16(len(c.LocalPlayers))
}

func (c Config) remoteComboSize() uint16 {
	return c.InputSize * uint16(c.RemotePlayerCount)
}

// NetworkStats is a read-only snapshot of an endpoint's connection
// quality, restoring the original source's network_stats() (SPEC_FULL
// §4).
type NetworkStats struct {
	Ping                 time.Duration
	SendQueueLength      int
	LocalFrameAdvantage  int8
	RemoteFrameAdvantage int8
}

// Endpoint is the per-remote peer protocol state machine. It owns no
// game state and no saved-state ring; it moves PlayerInput batches and
// connection-status vectors across a transport.Socket and reports
// high-level events to its caller (normally a session orchestrator).
type Endpoint struct {
	cfg   Config
	log   *log.Logger
	clock clock.Clock
	rng   *xrand.Source

	state State

	magic         uint16
	remoteMagic   uint16
	remoteMagicSet bool

	syncNonce           uint32
	syncRoundTrips      int
	lastSyncSentAt      time.Duration

	lastSendTime    time.Duration
	lastQualitySent time.Duration
	lastRecvTime    time.Duration
	hasReceived     bool
	interrupted     bool
	notifiedStall   bool

	sendInterval time.Duration

	pendingOutput  []rollback.PlayerInput
	lastAckedInput rollback.PlayerInput // reference used to encode our next outbound batch

	lastReceivedFrame rollback.Frame

	// remoteInputHistory holds every input this endpoint has decoded,
	// indexed by frame modulo its length, so the reference for a new
	// inbound batch can be looked up by the frame it actually names
	// (start_frame - 1) rather than tracked with a single pointer that
	// drifts out of step with the sender's ack-gated reference under
	// retransmission.
	remoteInputHistory      [maxPendingOutputHardCap]rollback.PlayerInput
	remotePeerConnectStatus []wire.ConnectionStatus

	rtt                  time.Duration
	localFrameAdvantage  int8
	remoteFrameAdvantage int8

	events []Event
	outbox []*wire.Message
}

// NewEndpoint builds an Endpoint for cfg. It starts in Synchronizing;
// call Synchronize to arm the handshake timers before the first Poll.
func NewEndpoint(cfg Config, rng *xrand.Source, clk clock.Clock, logger *log.Logger) (*Endpoint, error) {
	if cfg.FPS <= 0 {
		return nil, rollback.NewInvalidRequestError("endpoint fps must be positive")
	}
	if cfg.InputSize == 0 {
		return nil, rollback.NewInvalidRequestError("endpoint input size must be positive")
	}
	if cfg.MaxPendingOutput <= 0 {
		cfg.MaxPendingOutput = 8
	}
	if cfg.DisconnectNotifyStart <= 0 {
		cfg.DisconnectNotifyStart = 750 * time.Millisecond
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 2 * time.Second
	}

	e := &Endpoint{
		cfg:               cfg,
		log:               logger,
		clock:             clk,
		rng:               rng,
		state:             StateSynchronizing,
		magic:             rng.Uint16(),
		lastReceivedFrame: rollback.NullFrame,
		lastAckedInput:    rollback.BlankInput(cfg.localComboSize()),
		sendInterval:      time.Second / time.Duration(cfg.FPS),
	}
	for i := range e.remoteInputHistory {
		e.remoteInputHistory[i] = rollback.PlayerInput{Frame: rollback.NullFrame}
	}
	return e, nil
}

// State reports the endpoint's current protocol state.
func (e *Endpoint) State() State { return e.state }

// IsRunning reports whether the endpoint has completed its handshake
// and is exchanging input.
func (e *Endpoint) IsRunning() bool { return e.state == StateRunning }

// HandlesAddress reports whether addr is the remote peer this endpoint
// talks to, used by a session to route an inbound Packet.
func (e *Endpoint) HandlesAddress(addr transport.Addr) bool {
	return addr != nil && addr.String() == e.cfg.PeerAddr.String()
}

// Synchronize arms the handshake: the next Poll call sends the first
// SyncRequest immediately.
func (e *Endpoint) Synchronize() {
	e.state = StateSynchronizing
	e.syncRoundTrips = 0
	e.lastSyncSentAt = -syncRequestInterval
}

// QueueLocalInput appends a combined local-player input to the pending
// output queue. in.Size must equal cfg.InputSize * len(LocalPlayers).
func (e *Endpoint) QueueLocalInput(in rollback.PlayerInput) {
	if len(e.pendingOutput) >= maxPendingOutputHardCap {
		e.log.Error("pending output exceeded hard cap, flushing queue", "peer", e.cfg.PeerAddr.String())
		e.pendingOutput = nil
		return
	}
	e.pendingOutput = append(e.pendingOutput, in)
}

// SetLocalFrameAdvantage records this endpoint's own frame advantage,
// reported to the peer in the next QualityReport.
func (e *Endpoint) SetLocalFrameAdvantage(adv int8) { e.localFrameAdvantage = adv }

// SetDisconnectTimeout changes the terminal disconnect threshold,
// restoring the original source's runtime tuning API
// (SpectatorSessionBuilder.with_disconnect_timeout's session-level
// counterpart; here exposed per-endpoint since P2PSession applies it
// across every remote peer).
func (e *Endpoint) SetDisconnectTimeout(d time.Duration) { e.cfg.DisconnectTimeout = d }

// SetDisconnectNotifyStart changes the disconnect-warning threshold.
func (e *Endpoint) SetDisconnectNotifyStart(d time.Duration) { e.cfg.DisconnectNotifyStart = d }

// SetFPS changes the host's target frame rate and recomputes the
// input flush cadence derived from it.
func (e *Endpoint) SetFPS(fps int) error {
	if fps <= 0 {
		return rollback.NewInvalidRequestError("endpoint fps must be positive")
	}
	e.cfg.FPS = fps
	e.sendInterval = time.Second / time.Duration(fps)
	return nil
}

// RemotePeerConnectStatus returns the peer's most recently received
// view of every player's connection status, used by a spectator
// session to merge host_connect_status across its single host
// endpoint.
func (e *Endpoint) RemotePeerConnectStatus() []wire.ConnectionStatus {
	return e.remotePeerConnectStatus
}

// Disconnect force-disconnects the endpoint, notifying the peer with a
// best-effort Input datagram carrying the disconnect-request bit.
func (e *Endpoint) Disconnect() {
	if e.state == StateDisconnected {
		return
	}
	e.outbox = append(e.outbox, wire.NewInput(e.magic, wire.InputBody{
		DisconnectRequested: true,
		StartFrame:          rollback.NullFrame,
		AckFrame:            e.lastReceivedFrame,
	}))
	e.state = StateDisconnected
	e.pushEvent(Event{Kind: EventDisconnected})
}

// NetworkStats returns the endpoint's connection-quality snapshot. It
// errs with ErrNotSynchronized before the handshake completes.
func (e *Endpoint) NetworkStats() (NetworkStats, error) {
	if e.state != StateRunning {
		return NetworkStats{}, rollback.NewNotSynchronizedError()
	}
	return NetworkStats{
		Ping:                 e.rtt,
		SendQueueLength:      len(e.pendingOutput),
		LocalFrameAdvantage:  e.localFrameAdvantage,
		RemoteFrameAdvantage: e.remoteFrameAdvantage,
	}, nil
}

// HandleMessage processes one inbound datagram addressed to this
// endpoint. Magic/version mismatches are dropped silently per
// spec.md §4.3/§9 Design Note (c).
func (e *Endpoint) HandleMessage(msg *wire.Message) {
	if e.state == StateDisconnected {
		return
	}
	if msg.Header.Version != wire.Version {
		e.log.Debug("dropping datagram with mismatched wire version", "peer", e.cfg.PeerAddr.String())
		return
	}
	if e.remoteMagicSet && msg.Header.Magic != e.remoteMagic {
		e.log.Debug("dropping datagram with unexpected magic", "peer", e.cfg.PeerAddr.String())
		return
	}

	e.lastRecvTime = e.clock.Now()
	e.hasReceived = true
	if e.interrupted {
		e.interrupted = false
		e.notifiedStall = false
		e.pushEvent(Event{Kind: EventNetworkResumed})
	}

	switch msg.Kind {
	case wire.KindSyncRequest:
		e.handleSyncRequest(msg.SyncRequest)
	case wire.KindSyncReply:
		e.handleSyncReply(msg.Header, msg.SyncReply)
	case wire.KindInput:
		e.handleInput(msg.Input)
	case wire.KindInputAck:
		e.handleAck(msg.InputAck.AckFrame)
	case wire.KindQualityReport:
		e.handleQualityReport(msg.QualityReport)
	case wire.KindQualityReply:
		e.handleQualityReply(msg.QualityReply)
	case wire.KindKeepAlive:
		// lastRecvTime update above is the entire point.
	}
}

func (e *Endpoint) handleSyncRequest(body *wire.SyncRequestBody) {
	e.outbox = append(e.outbox, wire.NewSyncReply(e.magic, body.RandomRequest))
}

func (e *Endpoint) handleSyncReply(header wire.Header, body *wire.SyncReplyBody) {
	if e.state != StateSynchronizing {
		return
	}
	if body.RandomReply != e.syncNonce {
		e.log.Debug("discarding sync reply with stale nonce", "peer", e.cfg.PeerAddr.String())
		return
	}
	if !e.remoteMagicSet {
		e.remoteMagic = header.Magic
		e.remoteMagicSet = true
	}

	e.syncRoundTrips++
	e.pushEvent(Event{Kind: EventSynchronizing, Total: requiredSyncRoundTrips, Count: e.syncRoundTrips})

	if e.syncRoundTrips >= requiredSyncRoundTrips {
		e.state = StateSynchronized
		e.pushEvent(Event{Kind: EventSynchronized})
		e.state = StateRunning
		now := e.clock.Now()
		e.lastRecvTime = now
		e.hasReceived = true
		e.lastSendTime = now
		e.lastQualitySent = now
	}
}

func (e *Endpoint) handleInput(body *wire.InputBody) {
	if e.state != StateRunning {
		return
	}
	e.remotePeerConnectStatus = body.PeerConnectStatus

	if body.DisconnectRequested {
		e.state = StateDisconnected
		e.pushEvent(Event{Kind: EventDisconnected})
		return
	}

	if len(body.Bytes) > 0 {
		reference, ok := e.remoteInputAt(body.StartFrame - 1)
		if !ok {
			e.log.Warn("dropping input batch with no decode reference", "peer", e.cfg.PeerAddr.String(), "frame", body.StartFrame-1)
		} else {
			decoded, err := compression.Decode(reference, body.StartFrame, body.Bytes)
			if err != nil {
				e.log.Warn("dropping undecodable input batch", "peer", e.cfg.PeerAddr.String(), "err", err)
			} else {
				for _, in := range decoded {
					e.storeRemoteInput(in)
					if in.Frame <= e.lastReceivedFrame {
						continue // duplicate or stale retransmit
					}
					e.lastReceivedFrame = in.Frame
					e.pushEvent(Event{Kind: EventInput, Input: in})
				}
			}
		}
	}

	e.handleAck(body.AckFrame)
}

// storeRemoteInput records a decoded remote input so a later, possibly
// overlapping, retransmitted batch can still look up the exact
// reference it was encoded against.
func (e *Endpoint) storeRemoteInput(in rollback.PlayerInput) {
	e.remoteInputHistory[int(in.Frame)%len(e.remoteInputHistory)] = in.Clone()
}

// remoteInputAt returns the input previously decoded for frame, the XOR
// reference every batch naming start_frame == frame+1 was encoded
// against. frame == NullFrame is the pre-session reference (start_frame
// == 0) and always resolves to the shared blank seed. Any other frame
// must already be in history, since the sender's reference never moves
// ahead of what it has had acked, and only ever steps back to a frame
// this endpoint has itself already decoded; a miss means the batch
// references a frame evicted from history or never seen, and must be
// dropped rather than decoded against the wrong value.
func (e *Endpoint) remoteInputAt(frame rollback.Frame) (rollback.PlayerInput, bool) {
	if frame == rollback.NullFrame {
		return rollback.BlankInput(e.cfg.remoteComboSize()), true
	}
	cell := e.remoteInputHistory[int(frame)%len(e.remoteInputHistory)]
	if cell.Frame != frame {
		return rollback.PlayerInput{}, false
	}
	return cell, true
}

func (e *Endpoint) handleAck(ackFrame rollback.Frame) {
	if ackFrame == rollback.NullFrame {
		return
	}
	i := 0
	for i < len(e.pendingOutput) && e.pendingOutput[i].Frame <= ackFrame {
		e.lastAckedInput = e.pendingOutput[i].Clone()
		i++
	}
	e.pendingOutput = e.pendingOutput[i:]
}

func (e *Endpoint) handleQualityReport(body *wire.QualityReportBody) {
	e.remoteFrameAdvantage = body.FrameAdvantage
	e.outbox = append(e.outbox, wire.NewQualityReply(e.magic, body.Ping))
}

func (e *Endpoint) handleQualityReply(body *wire.QualityReplyBody) {
	sample := time.Duration(uint64(e.clock.Now()) - body.Pong)
	if e.rtt == 0 {
		e.rtt = sample
	} else {
		e.rtt += (sample - e.rtt) / rttSmoothingDivisor
	}
}

// Poll drives the time-based side of the state machine: handshake
// retries, disconnect-timeout detection, periodic input flush, and
// quality reports. hostConnectStatus is the session's current
// connect-status vector, piggybacked on every Input message. Poll
// returns and clears the events accumulated since the last call.
func (e *Endpoint) Poll(hostConnectStatus []wire.ConnectionStatus) []Event {
	now := e.clock.Now()

	switch e.state {
	case StateSynchronizing:
		if now-e.lastSyncSentAt >= syncRequestInterval {
			e.syncNonce = e.rng.Uint32()
			e.outbox = append(e.outbox, wire.NewSyncRequest(e.magic, e.syncNonce))
			e.lastSyncSentAt = now
		}

	case StateSynchronized:
		e.state = StateRunning

	case StateRunning:
		if e.hasReceived {
			elapsed := now - e.lastRecvTime
			if !e.notifiedStall && elapsed >= e.cfg.DisconnectNotifyStart {
				e.notifiedStall = true
				e.interrupted = true
				e.pushEvent(Event{Kind: EventNetworkInterrupted, DisconnectTimeout: e.cfg.DisconnectTimeout - e.cfg.DisconnectNotifyStart})
			}
			if elapsed >= e.cfg.DisconnectTimeout {
				e.state = StateDisconnected
				e.pushEvent(Event{Kind: EventDisconnected})
				break
			}
		}

		if now-e.lastSendTime >= e.sendInterval || len(e.pendingOutput) >= e.cfg.MaxPendingOutput {
			e.flushOutput(hostConnectStatus)
			e.lastSendTime = now
		}
		if now-e.lastQualitySent >= qualityReportInterval {
			e.outbox = append(e.outbox, wire.NewQualityReport(e.magic, e.localFrameAdvantage, uint64(now)))
			e.lastQualitySent = now
		}

	case StateDisconnected:
		// terminal; no further housekeeping.
	}

	events := e.events
	e.events = nil
	return events
}

func (e *Endpoint) flushOutput(hostConnectStatus []wire.ConnectionStatus) {
	if len(e.pendingOutput) > 0 {
		body := wire.InputBody{
			PeerConnectStatus: hostConnectStatus,
			StartFrame:        e.pendingOutput[0].Frame,
			AckFrame:          e.lastReceivedFrame,
			Bytes:             compression.Encode(e.lastAckedInput, e.pendingOutput),
		}
		e.outbox = append(e.outbox, wire.NewInput(e.magic, body))
		return
	}
	if e.lastReceivedFrame != rollback.NullFrame {
		e.outbox = append(e.outbox, wire.NewInputAck(e.magic, e.lastReceivedFrame))
		return
	}
	e.outbox = append(e.outbox, wire.NewKeepAlive(e.magic))
}

func (e *Endpoint) pushEvent(ev Event) {
	e.events = append(e.events, ev)
}

// SendAllMessages drains every outbound datagram queued by HandleMessage
// and Poll since the last call and hands them to sock.
func (e *Endpoint) SendAllMessages(sock transport.Socket) {
	for _, m := range e.outbox {
		sock.SendTo(m, e.cfg.PeerAddr)
	}
	e.outbox = nil
}
