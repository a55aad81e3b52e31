// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package input holds the per-player input queue: the ring of
// confirmed and predicted inputs that feeds the sync layer's rollback
// decisions. The input record itself, rollback.PlayerInput, lives in
// the root package since it is shared by every other package here.
package input

import (
	"github.com/synctide/rollback"
)

// queueCapacity is the ring size backing a Queue, at least
// MaxPredictionFrames*2 per spec.md §3. 128 matches the headroom used
// by the rollback netcode implementations this package is modeled on.
const queueCapacity = 128

// Queue is the per-player ordered ring of confirmed and predicted
// inputs, with a configurable frame delay. It is the only place a
// player's inputs live; the sync layer owns one Queue per player.
type Queue struct {
	inputSize  uint16
	frameDelay int

	ring [queueCapacity]rollback.PlayerInput

	firstFrame          rollback.Frame
	lastAddedFrame      rollback.Frame
	lastUserAddedFrame  rollback.Frame
	firstIncorrectFrame rollback.Frame

	prediction         rollback.PlayerInput
	predictionIsActive bool
}

// New builds an empty Queue for inputs of the given size.
func New(inputSize uint16) *Queue {
	return &Queue{
		inputSize:           inputSize,
		firstFrame:          rollback.NullFrame,
		lastAddedFrame:      rollback.NullFrame,
		lastUserAddedFrame:  rollback.NullFrame,
		firstIncorrectFrame: rollback.NullFrame,
	}
}

func (q *Queue) index(f rollback.Frame) int {
	return int(f) % queueCapacity
}

func (q *Queue) at(f rollback.Frame) rollback.PlayerInput {
	return q.ring[q.index(f)]
}

func (q *Queue) store(f rollback.Frame, in rollback.PlayerInput) {
	q.ring[q.index(f)] = in
	if q.firstFrame == rollback.NullFrame {
		q.firstFrame = f
	}
}

// InputSize returns the fixed per-input buffer size this queue was
// constructed with.
func (q *Queue) InputSize() uint16 { return q.inputSize }

// FrameDelay returns the currently configured frame delay.
func (q *Queue) FrameDelay() int { return q.frameDelay }

// SetFrameDelay sets the artificial latency added to locally-added
// input before it is stored. Must be in [0, MaxPredictionFrames).
func (q *Queue) SetFrameDelay(delay int) error {
	if delay < 0 || delay >= rollback.MaxPredictionFrames {
		return rollback.NewInvalidRequestError("frame delay out of range")
	}
	q.frameDelay = delay
	return nil
}

// LastAddedFrame returns the most recent frame stored in the queue,
// confirmed or synthesized delay filler, or NullFrame if empty.
func (q *Queue) LastAddedFrame() rollback.Frame { return q.lastAddedFrame }

// FirstIncorrectFrame returns the earliest frame at which a confirmed
// remote input was found to differ from the prediction previously
// served for it, or NullFrame if no misprediction has been observed.
func (q *Queue) FirstIncorrectFrame() rollback.Frame { return q.firstIncorrectFrame }

func (q *Queue) markIncorrect(f rollback.Frame) {
	if q.firstIncorrectFrame == rollback.NullFrame || f < q.firstIncorrectFrame {
		q.firstIncorrectFrame = f
	}
}

// AddInput appends a locally-produced input. in.Frame must be
// last_user_added_frame+1, or anything if the queue is still empty.
// The input is stored at frame+frame_delay; any newly-opened interior
// frames are filled with zero-byte inputs.
func (q *Queue) AddInput(in rollback.PlayerInput) error {
	if in.Size != q.inputSize {
		return rollback.NewInvalidInputError("input size does not match queue's configured size")
	}
	if q.lastUserAddedFrame != rollback.NullFrame && in.Frame != q.lastUserAddedFrame+1 {
		return rollback.NewInvalidInputError("input frame out of order")
	}

	target := in.Frame + rollback.Frame(q.frameDelay)
	start := in.Frame
	if q.lastAddedFrame != rollback.NullFrame {
		start = q.lastAddedFrame + 1
	}
	if target < start {
		return rollback.NewInvalidInputError("frame delay change produced a non-monotonic frame")
	}

	for f := start; f < target; f++ {
		q.store(f, rollback.NewInput(f, q.inputSize))
	}
	q.store(target, in.WithFrame(target))
	q.lastAddedFrame = target
	q.lastUserAddedFrame = in.Frame
	return nil
}

// AddRemoteInput appends an input received from a peer's protocol
// endpoint. No frame delay is applied: remote inputs arrive already
// delayed by the sender. If a prediction had already been served for
// this frame and disagrees with the authoritative value, the
// first-incorrect-frame marker advances.
func (q *Queue) AddRemoteInput(in rollback.PlayerInput) error {
	if in.Size != q.inputSize {
		return rollback.NewInvalidInputError("input size does not match queue's configured size")
	}

	wasPredicted := q.predictionIsActive && (q.lastAddedFrame == rollback.NullFrame || in.Frame > q.lastAddedFrame)
	var predicted rollback.PlayerInput
	if wasPredicted {
		predicted = q.prediction.WithFrame(in.Frame)
	}

	if q.lastAddedFrame == rollback.NullFrame || in.Frame > q.lastAddedFrame {
		start := in.Frame
		if q.lastAddedFrame != rollback.NullFrame {
			start = q.lastAddedFrame + 1
		}
		for f := start; f < in.Frame; f++ {
			q.store(f, rollback.NewInput(f, q.inputSize))
		}
		q.store(in.Frame, in)
		q.lastAddedFrame = in.Frame
	} else if in.Frame >= q.firstFrame {
		existing := q.at(in.Frame)
		if !existing.Equal(in) {
			q.markIncorrect(in.Frame)
		}
		q.store(in.Frame, in)
	}

	if wasPredicted && !predicted.Equal(in) {
		q.markIncorrect(in.Frame)
	}
	return nil
}

// Input returns the stored input for frame if it has already been
// added; otherwise it enters prediction mode, returning a copy of the
// last confirmed input re-stamped with frame. The same prediction
// buffer is reused for every frame requested until ResetPrediction is
// called.
func (q *Queue) Input(frame rollback.Frame) (rollback.PlayerInput, error) {
	if q.lastAddedFrame != rollback.NullFrame && frame <= q.lastAddedFrame {
		if frame < q.firstFrame {
			return rollback.PlayerInput{}, rollback.NewGeneralFailureError("frame has been discarded")
		}
		return q.at(frame), nil
	}

	if !q.predictionIsActive {
		q.predictionIsActive = true
		if q.lastAddedFrame != rollback.NullFrame {
			q.prediction = q.at(q.lastAddedFrame).Clone()
		} else {
			q.prediction = rollback.BlankInput(q.inputSize)
		}
	}
	return q.prediction.WithFrame(frame), nil
}

// ConfirmedInput returns the actual stored input without ever
// triggering prediction. Fails with ErrInvalidRequest if frame is
// beyond the last added frame.
func (q *Queue) ConfirmedInput(frame rollback.Frame) (rollback.PlayerInput, error) {
	if q.lastAddedFrame == rollback.NullFrame || frame > q.lastAddedFrame {
		return rollback.PlayerInput{}, rollback.NewInvalidRequestError("frame has not been confirmed yet")
	}
	if frame < q.firstFrame {
		return rollback.PlayerInput{}, rollback.NewInvalidRequestError("frame has been discarded")
	}
	return q.at(frame), nil
}

// DiscardConfirmedFrames advances first_frame so that frames <= frame
// become unreachable, bounding memory use. One confirmed frame is
// always kept reachable by the caller (sync layer) as a prediction
// seed, per spec.md §4.4.
func (q *Queue) DiscardConfirmedFrames(frame rollback.Frame) {
	if frame < 0 {
		return
	}
	if q.firstFrame == rollback.NullFrame || frame+1 > q.firstFrame {
		q.firstFrame = frame + 1
	}
}

// ResetPrediction clears the prediction-active flag and the
// first-incorrect-frame marker after a rollback has resolved the
// misprediction, re-arming the queue for fresh prediction.
func (q *Queue) ResetPrediction(frame rollback.Frame) {
	q.predictionIsActive = false
	q.firstIncorrectFrame = rollback.NullFrame
}
