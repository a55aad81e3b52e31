// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

package input_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synctide/rollback"
	"github.com/synctide/rollback/input"
)

func TestQueueAddInputSequential(t *testing.T) {
	q := input.New(1)

	for i := rollback.Frame(0); i < 5; i++ {
		in := rollback.NewInputFromBytes(i, []byte{byte(i)})
		require.NoError(t, q.AddInput(in))
	}

	require.Equal(t, rollback.Frame(4), q.LastAddedFrame())

	for i := rollback.Frame(0); i < 5; i++ {
		got, err := q.ConfirmedInput(i)
		require.NoError(t, err)
		require.Equal(t, byte(i), got.Buffer[0])
	}
}

func TestQueueAddInputRejectsOutOfOrder(t *testing.T) {
	q := input.New(1)
	require.NoError(t, q.AddInput(rollback.NewInputFromBytes(0, []byte{0})))
	err := q.AddInput(rollback.NewInputFromBytes(2, []byte{0}))
	require.Error(t, err)
	var rerr *rollback.Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, rollback.ErrInvalidInput, rerr.Kind)
}

func TestQueueFrameDelayFillsZeroInterior(t *testing.T) {
	q := input.New(1)
	require.NoError(t, q.SetFrameDelay(2))

	require.NoError(t, q.AddInput(rollback.NewInputFromBytes(0, []byte{0xAA})))

	// frames 0 and 1 should be zero-filled filler, frame 2 holds the
	// real input re-stamped.
	zero0, err := q.ConfirmedInput(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), zero0.Buffer[0])

	zero1, err := q.ConfirmedInput(1)
	require.NoError(t, err)
	require.Equal(t, byte(0), zero1.Buffer[0])

	real, err := q.ConfirmedInput(2)
	require.NoError(t, err)
	require.Equal(t, byte(0xAA), real.Buffer[0])
	require.Equal(t, rollback.Frame(2), real.Frame)
}

func TestQueuePredictionConsistency(t *testing.T) {
	q := input.New(1)
	require.NoError(t, q.AddInput(rollback.NewInputFromBytes(0, []byte{0x07})))

	p1, err := q.Input(5)
	require.NoError(t, err)
	require.Equal(t, byte(0x07), p1.Buffer[0])
	require.Equal(t, rollback.Frame(5), p1.Frame)

	p2, err := q.Input(6)
	require.NoError(t, err)
	require.Equal(t, byte(0x07), p2.Buffer[0], "prediction buffer must stay stable between reset calls")
	require.Equal(t, rollback.Frame(6), p2.Frame)

	q.ResetPrediction(0)
	require.Equal(t, rollback.NullFrame, q.FirstIncorrectFrame())
}

func TestQueueAddRemoteInputDetectsMisprediction(t *testing.T) {
	q := input.New(1)
	require.NoError(t, q.AddInput(rollback.NewInputFromBytes(0, []byte{0x00})))

	// Drive the queue into prediction mode at frame 10: it will predict
	// 0x00 (the last confirmed input).
	pred, err := q.Input(10)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), pred.Buffer[0])

	// The authoritative remote input disagrees.
	require.NoError(t, q.AddRemoteInput(rollback.NewInputFromBytes(10, []byte{0x01})))
	require.Equal(t, rollback.Frame(10), q.FirstIncorrectFrame())

	confirmed, err := q.ConfirmedInput(10)
	require.NoError(t, err)
	require.Equal(t, byte(0x01), confirmed.Buffer[0])
}

func TestQueueDiscardConfirmedFrames(t *testing.T) {
	q := input.New(1)
	for i := rollback.Frame(0); i < 3; i++ {
		require.NoError(t, q.AddInput(rollback.NewInputFromBytes(i, []byte{byte(i)})))
	}

	q.DiscardConfirmedFrames(1)
	_, err := q.ConfirmedInput(0)
	require.Error(t, err)

	got, err := q.ConfirmedInput(2)
	require.NoError(t, err)
	require.Equal(t, byte(2), got.Buffer[0])
}
