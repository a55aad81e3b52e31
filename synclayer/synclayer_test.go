// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

package synclayer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synctide/rollback"
	"github.com/synctide/rollback/internal/xlog"
	"github.com/synctide/rollback/synclayer"
)

func newTestLayer(t *testing.T) *synclayer.SyncLayer {
	t.Helper()
	s, err := synclayer.New(2, 4, 8, xlog.New("test"))
	require.NoError(t, err)
	return s
}

func input(frame rollback.Frame, b byte) rollback.PlayerInput {
	return rollback.NewInputFromBytes(frame, []byte{b, b, b, b})
}

func TestConfirmedFrameAdvancesWhenBothPlayersAgree(t *testing.T) {
	s := newTestLayer(t)
	require.NoError(t, s.AddRemoteInput(0, input(0, 1)))
	require.Equal(t, rollback.NullFrame, s.LastConfirmedFrame())
	require.NoError(t, s.AddRemoteInput(1, input(0, 2)))
	require.Equal(t, rollback.Frame(0), s.LastConfirmedFrame())
}

func TestSynchronizedInputsMarksDisconnectedPlayerNullFrame(t *testing.T) {
	s := newTestLayer(t)
	require.NoError(t, s.DisconnectPlayer(1))
	require.NoError(t, s.AddRemoteInput(0, input(0, 9)))

	inputs := s.SynchronizedInputs(0)
	require.Len(t, inputs, 2)
	require.Equal(t, rollback.NullFrame, inputs[1].Frame)
}

func TestAddLocalInputRejectsPastPredictionThreshold(t *testing.T) {
	s, err := synclayer.New(2, 4, 2, xlog.New("test"))
	require.NoError(t, err)

	// current_frame starts at 0, last_confirmed_frame at NullFrame(-1):
	// the gap is already 1. Advancing current_frame via AdvanceFrame
	// without ever confirming a frame should eventually trip the
	// threshold.
	for i := 0; i < 2; i++ {
		s.AdvanceFrame()
	}
	err = s.AddLocalInput(0, input(rollback.Frame(0), 1))
	require.Error(t, err)
	var rerr *rollback.Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, rollback.ErrPredictionThreshold, rerr.Kind)
}

func TestCheckSimulationDetectsRollbackTarget(t *testing.T) {
	s := newTestLayer(t)

	// Player 0 predicts frame 0 forward without ever being added
	// remotely, then the real input arrives differing from the
	// prediction, tripping first_incorrect_frame.
	_ = s.SynchronizedInputs(0) // primes prediction mode for player 0
	require.NoError(t, s.AddRemoteInput(0, input(0, 7)))

	frames, target := s.CheckSimulation()
	require.Equal(t, rollback.Frame(0), target)
	require.GreaterOrEqual(t, frames, 1)
}

func TestAdvanceFrameEmitsSaveThenAdvanceEachCall(t *testing.T) {
	s := newTestLayer(t)
	requests := s.AdvanceFrame()
	require.Len(t, requests, 2)
	require.Equal(t, rollback.RequestSaveGameState, requests[0].Kind)
	require.Equal(t, rollback.RequestAdvanceFrame, requests[1].Kind)
	require.Equal(t, rollback.Frame(1), s.CurrentFrame())
}

func TestFletcher16MatchesKnownVector(t *testing.T) {
	// "abcde" -> fletcher-16 0xC8F0 per the Wikipedia reference vector.
	require.Equal(t, uint64(0xC8F0), synclayer.Fletcher16([]byte("abcde")))
}
