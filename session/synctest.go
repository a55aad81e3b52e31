// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"github.com/charmbracelet/log"

	"github.com/synctide/rollback"
	"github.com/synctide/rollback/internal/xlog"
	"github.com/synctide/rollback/synclayer"
)

// SynctestSessionBuilder builds a SynctestSession, a single-process
// harness with no network (spec.md §4.5.3).
type SynctestSessionBuilder struct {
	numPlayers          int
	inputSize           uint16
	checkDistance       int
	maxPredictionFrames int
	log                 *log.Logger
}

// NewSynctestSessionBuilder starts a builder for a numPlayers-player
// harness exchanging inputSize-byte inputs, stress-testing rollback
// checkDistance frames deep.
func NewSynctestSessionBuilder(numPlayers int, inputSize uint16, checkDistance int) *SynctestSessionBuilder {
	return &SynctestSessionBuilder{
		numPlayers:          numPlayers,
		inputSize:           inputSize,
		checkDistance:       checkDistance,
		maxPredictionFrames: rollback.MaxPredictionFrames,
		log:                 xlog.New("synctest"),
	}
}

// WithLogger overrides the default logger.
func (b *SynctestSessionBuilder) WithLogger(l *log.Logger) *SynctestSessionBuilder {
	b.log = l
	return b
}

// WithMaxPredictionFrames overrides the sync layer's prediction
// window; it does not otherwise affect synctest determinism checking.
func (b *SynctestSessionBuilder) WithMaxPredictionFrames(n int) *SynctestSessionBuilder {
	b.maxPredictionFrames = n
	return b
}

// StartSession consumes the builder and starts the harness.
func (b *SynctestSessionBuilder) StartSession() (*SynctestSession, error) {
	if b.checkDistance <= 0 || b.checkDistance >= rollback.MaxPredictionFrames {
		return nil, rollback.NewInvalidRequestError("check distance out of range")
	}
	sync, err := synclayer.New(b.numPlayers, b.inputSize, b.maxPredictionFrames, b.log)
	if err != nil {
		return nil, err
	}
	return &SynctestSession{
		log:           b.log,
		sync:          sync,
		numPlayers:    b.numPlayers,
		inputSize:     b.inputSize,
		checkDistance: rollback.Frame(b.checkDistance),
	}, nil
}

type pendingChecksumCheck struct {
	frame       rollback.Frame
	expected    uint64
	hasExpected bool
}

// SynctestSession is a single-process rollback stress harness, per
// spec.md §4.5.3: every AdvanceFrame call saves, advances, and — once
// current_frame has run check_distance frames deep — loads and
// replays check_distance frames, verifying the host's simulation
// produces the same checksums it produced the first time.
//
// The request list returned by one AdvanceFrame call is fulfilled by
// the host synchronously before the next call, so the checksum
// comparison for a replayed frame happens at the top of the call
// after the one that requested the replay: at the moment the replay's
// own SaveGameState request is built, the ring cell still holds the
// checksum the host saved for that frame while fulfilling the previous
// call's list, so that value is captured then and compared once the
// host has had a chance to act on the new list. The frame advanced for
// the first time in a call is not captured in that call: its cell is
// only filled by that same list, whose replay then overwrites it, so
// each frame's checksums are compared between successive replays.
type SynctestSession struct {
	log  *log.Logger
	sync *synclayer.SyncLayer

	numPlayers    int
	inputSize     uint16
	checkDistance rollback.Frame

	currentFrame rollback.Frame
	pending      []pendingChecksumCheck
}

// CurrentFrame returns the frame the harness has advanced to.
func (s *SynctestSession) CurrentFrame() rollback.Frame { return s.currentFrame }

// SetFrameDelay sets handle's per-player input delay.
func (s *SynctestSession) SetFrameDelay(handle rollback.PlayerHandle, delay int) error {
	return s.sync.SetFrameDelay(handle, delay)
}

// AdvanceFrame takes one raw input buffer per player, advances the
// harness one frame, and — once check_distance deep — schedules a
// load/replay of the last check_distance frames to stress the host's
// determinism.
func (s *SynctestSession) AdvanceFrame(allInputs [][]byte) ([]rollback.Request, error) {
	if err := s.verifyPendingChecks(); err != nil {
		return nil, err
	}
	if len(allInputs) != s.numPlayers {
		return nil, rollback.NewInvalidRequestError("expected one input buffer per player")
	}

	for h, buf := range allInputs {
		in := rollback.NewInputFromBytes(s.currentFrame, buf)
		if err := s.sync.AddLocalInput(rollback.PlayerHandle(h), in); err != nil {
			return nil, err
		}
	}
	// No DiscardConfirmedInputBefore call here: in a synctest harness every
	// input is locally authoritative and replay must reach check_distance
	// frames into the past, deeper than the sync layer's normal
	// keep-one-confirmed-frame discard policy would leave available.

	var requests []rollback.Request
	requests = append(requests, rollback.SaveRequest(s.sync.SaveCell(s.currentFrame)))
	requests = append(requests, rollback.AdvanceRequest(s.sync.SynchronizedInputs(s.currentFrame)))
	s.currentFrame++

	if s.currentFrame >= s.checkDistance {
		target := s.currentFrame - s.checkDistance
		requests = append(requests, rollback.LoadRequest(s.sync.SaveCell(target)))
		for f := target; f < s.currentFrame; f++ {
			cell := s.sync.SaveCell(f)
			// The newest frame's cell is first filled by this same request
			// list, so what it holds now is left over from an older frame.
			if f < s.currentFrame-1 {
				s.pending = append(s.pending, pendingChecksumCheck{
					frame:       f,
					expected:    cell.Checksum,
					hasExpected: cell.HasChecksum,
				})
			}
			requests = append(requests, rollback.SaveRequest(cell))
			requests = append(requests, rollback.AdvanceRequest(s.sync.SynchronizedInputs(f)))
		}
	}

	return requests, nil
}

func (s *SynctestSession) verifyPendingChecks() error {
	pending := s.pending
	s.pending = nil
	for _, p := range pending {
		cell := s.sync.SaveCell(p.frame)
		if p.hasExpected && cell.HasChecksum && cell.Checksum != p.expected {
			s.log.Error("non-deterministic replay detected", "frame", p.frame)
			return rollback.NewMismatchedChecksumError(p.frame)
		}
	}
	return nil
}
