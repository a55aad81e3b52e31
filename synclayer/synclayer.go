// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package synclayer is the rollback controller (spec.md §4.4): it owns
// the per-player input queues and the saved-state ring, tracks the
// current and last-confirmed frame, detects mispredictions, and drives
// the ordered save/load/advance request sequence a session orchestrator
// hands to the host.
package synclayer

import (
	"github.com/charmbracelet/log"

	"github.com/synctide/rollback"
	"github.com/synctide/rollback/input"
)

// SyncLayer holds num_players input queues and the saved-state ring. A
// session orchestrator owns exactly one.
type SyncLayer struct {
	log *log.Logger

	numPlayers          int
	inputSize           uint16
	maxPredictionFrames rollback.Frame

	queues       []*input.Queue
	disconnected []bool

	ring               *rollback.SavedStateRing
	currentFrame       rollback.Frame
	lastConfirmedFrame rollback.Frame
}

// New builds a SyncLayer for numPlayers players, each with inputSize-
// byte inputs. maxPredictionFrames <= 0 defaults to
// rollback.MaxPredictionFrames.
func New(numPlayers int, inputSize uint16, maxPredictionFrames int, logger *log.Logger) (*SyncLayer, error) {
	if numPlayers <= 0 || numPlayers > rollback.MaxPlayers {
		return nil, rollback.NewInvalidRequestError("player count out of range")
	}
	if maxPredictionFrames <= 0 || maxPredictionFrames > rollback.MaxPredictionFrames {
		maxPredictionFrames = rollback.MaxPredictionFrames
	}

	s := &SyncLayer{
		log:                 logger,
		numPlayers:          numPlayers,
		inputSize:           inputSize,
		maxPredictionFrames: rollback.Frame(maxPredictionFrames),
		queues:              make([]*input.Queue, numPlayers),
		disconnected:        make([]bool, numPlayers),
		ring:                rollback.NewSavedStateRing(),
		currentFrame:        0,
		lastConfirmedFrame:  rollback.NullFrame,
	}
	for i := range s.queues {
		s.queues[i] = input.New(inputSize)
	}
	return s, nil
}

func (s *SyncLayer) validateHandle(handle rollback.PlayerHandle) error {
	if int(handle) < 0 || int(handle) >= s.numPlayers {
		return rollback.NewInvalidRequestError("player handle out of range")
	}
	return nil
}

// CurrentFrame returns the frame the sync layer is about to emit an
// AdvanceFrame request for.
func (s *SyncLayer) CurrentFrame() rollback.Frame { return s.currentFrame }

// LastConfirmedFrame returns the largest frame confirmed across every
// non-disconnected player, or NullFrame if none yet.
func (s *SyncLayer) LastConfirmedFrame() rollback.Frame { return s.lastConfirmedFrame }

// SetFrameDelay sets handle's per-player input delay.
func (s *SyncLayer) SetFrameDelay(handle rollback.PlayerHandle, delay int) error {
	if err := s.validateHandle(handle); err != nil {
		return err
	}
	return s.queues[handle].SetFrameDelay(delay)
}

// DisconnectPlayer marks handle disconnected: SynchronizedInputs
// returns a NullFrame input for it from now on, and it is excluded
// from confirmed-frame and misprediction tracking.
func (s *SyncLayer) DisconnectPlayer(handle rollback.PlayerHandle) error {
	if err := s.validateHandle(handle); err != nil {
		return err
	}
	s.disconnected[handle] = true
	return nil
}

// IsDisconnected reports whether handle has been marked disconnected.
func (s *SyncLayer) IsDisconnected(handle rollback.PlayerHandle) bool {
	if int(handle) < 0 || int(handle) >= s.numPlayers {
		return false
	}
	return s.disconnected[handle]
}

// AddLocalInput appends input the host collected locally for handle.
// Fails with ErrPredictionThreshold once the simulation has run too far
// ahead of the last confirmed frame (spec.md §4.4).
func (s *SyncLayer) AddLocalInput(handle rollback.PlayerHandle, in rollback.PlayerInput) error {
	if err := s.validateHandle(handle); err != nil {
		return err
	}
	if s.currentFrame-s.lastConfirmedFrame >= s.maxPredictionFrames {
		return rollback.NewPredictionThresholdError()
	}
	return s.queues[handle].AddInput(in)
}

// AddRemoteInput appends input received from handle's peer protocol
// endpoint, then re-evaluates the confirmed-frame watermark.
func (s *SyncLayer) AddRemoteInput(handle rollback.PlayerHandle, in rollback.PlayerInput) error {
	if err := s.validateHandle(handle); err != nil {
		return err
	}
	if err := s.queues[handle].AddRemoteInput(in); err != nil {
		return err
	}
	s.advanceConfirmedFrame()
	return nil
}

// advanceConfirmedFrame implements spec.md §4.4's confirmed-frame
// advancement: while every non-disconnected queue has a confirmed
// input at last_confirmed_frame+1, the watermark moves forward.
//
// It does not discard the frames it passes over: a single decoded
// remote input batch can call this once per frame it contains, and a
// caller that wants to read every newly confirmed frame (a P2PSession
// broadcasting to spectators) must be able to do so after the whole
// batch has been applied, not just after the first step. Reclaiming
// queue memory is DiscardConfirmedInputBefore's job, left to the
// caller to invoke once it is done reading.
func (s *SyncLayer) advanceConfirmedFrame() {
	for {
		candidate := s.lastConfirmedFrame + 1
		for h := 0; h < s.numPlayers; h++ {
			if s.disconnected[h] {
				continue
			}
			if _, err := s.queues[h].ConfirmedInput(candidate); err != nil {
				return
			}
		}
		s.lastConfirmedFrame = candidate
	}
}

// DiscardConfirmedInputBefore reclaims queue memory for every frame at
// or before frame, keeping exactly one confirmed frame reachable as a
// prediction seed. Callers that read SynchronizedInputs for a range of
// newly confirmed frames (spectator broadcast) must do so before
// calling this.
func (s *SyncLayer) DiscardConfirmedInputBefore(frame rollback.Frame) {
	for h := 0; h < s.numPlayers; h++ {
		s.queues[h].DiscardConfirmedFrames(frame)
	}
}

// SynchronizedInputs returns one PlayerInput per player for frame,
// substituting predictions where a player's confirmed input isn't in
// yet. Disconnected players get a NullFrame input, per spec.md §4.4.
func (s *SyncLayer) SynchronizedInputs(frame rollback.Frame) []rollback.PlayerInput {
	out := make([]rollback.PlayerInput, s.numPlayers)
	for h := 0; h < s.numPlayers; h++ {
		if s.disconnected[h] {
			out[h] = rollback.BlankInput(s.inputSize)
			continue
		}
		in, err := s.queues[h].Input(frame)
		if err != nil {
			out[h] = rollback.BlankInput(s.inputSize)
			continue
		}
		out[h] = in
	}
	return out
}

// CheckSimulation examines every queue's first-incorrect-frame marker.
// If any is set, it returns the number of frames that must be
// re-simulated and the rollback target frame; otherwise (0, NullFrame).
func (s *SyncLayer) CheckSimulation() (int, rollback.Frame) {
	target := rollback.NullFrame
	for h := 0; h < s.numPlayers; h++ {
		if s.disconnected[h] {
			continue
		}
		f := s.queues[h].FirstIncorrectFrame()
		if f == rollback.NullFrame {
			continue
		}
		if target == rollback.NullFrame || f < target {
			target = f
		}
	}
	if target == rollback.NullFrame {
		return 0, rollback.NullFrame
	}
	return int(s.currentFrame-target) + 1, target
}

// SaveCell returns the ring cell a host's SaveGameState/LoadGameState
// request for frame writes or reads through.
func (s *SyncLayer) SaveCell(frame rollback.Frame) *rollback.GameState {
	return s.ring.Cell(frame)
}

// AdvanceFrame is the request-emission protocol of spec.md §4.4: it
// detects and replays a misprediction rollback if one is pending, then
// emits the save/advance pair for the current frame and moves
// current_frame forward by one.
func (s *SyncLayer) AdvanceFrame() []rollback.Request {
	var requests []rollback.Request

	if numToResim, target := s.CheckSimulation(); target != rollback.NullFrame {
		s.log.Debug("rollback detected", "target", target, "frames", numToResim)

		requests = append(requests, rollback.LoadRequest(s.ring.Cell(target)))
		for f := target + 1; f <= s.currentFrame; f++ {
			s.ring.Reset(f)
		}
		for i := range s.queues {
			s.queues[i].ResetPrediction(target)
		}
		for f := target; f < s.currentFrame; f++ {
			requests = append(requests, rollback.SaveRequest(s.ring.Cell(f)))
			requests = append(requests, rollback.AdvanceRequest(s.SynchronizedInputs(f)))
		}
	}

	requests = append(requests, rollback.SaveRequest(s.ring.Cell(s.currentFrame)))
	requests = append(requests, rollback.AdvanceRequest(s.SynchronizedInputs(s.currentFrame)))
	s.currentFrame++
	return requests
}
