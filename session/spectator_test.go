// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

package session_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synctide/rollback"
	"github.com/synctide/rollback/compression"
	"github.com/synctide/rollback/internal/clock"
	"github.com/synctide/rollback/session"
	"github.com/synctide/rollback/transport"
	"github.com/synctide/rollback/wire"
)

type spectatorStubAddr string

func (a spectatorStubAddr) String() string { return string(a) }

// loopbackSocket is a transport.Socket whose inbox is fed directly by
// the test, standing in for the actual host on the far end.
type loopbackSocket struct {
	sent   []*wire.Message
	sentTo map[*wire.Message]transport.Addr
	inbox  []transport.Packet
}

func (s *loopbackSocket) SendTo(msg *wire.Message, addr transport.Addr) {
	s.sent = append(s.sent, msg)
	if s.sentTo == nil {
		s.sentTo = make(map[*wire.Message]transport.Addr)
	}
	s.sentTo[msg] = addr
}

func (s *loopbackSocket) ReceiveAll() []transport.Packet {
	pkts := s.inbox
	s.inbox = nil
	return pkts
}

const spectatorTestHostMagic = 4242

// runSpectatorHandshake drives sess through the host handshake,
// echoing back every SyncRequest nonce it observes in the outbox.
func runSpectatorHandshake(t *testing.T, sess *session.SpectatorSession, sock *loopbackSocket, clk *clock.Manual, hostAddr transport.Addr) {
	t.Helper()
	for i := 0; i < 5; i++ {
		clk.Advance(600 * time.Millisecond)
		sess.PollRemoteClients()

		var nonce uint32
		found := false
		for _, m := range sock.sent {
			if m.Kind == wire.KindSyncRequest {
				nonce = m.SyncRequest.RandomRequest
				found = true
			}
		}
		require.True(t, found, "round %d: no SyncRequest in outbox", i)
		sock.sent = nil

		sock.inbox = append(sock.inbox, transport.Packet{From: hostAddr, Msg: wire.NewSyncReply(spectatorTestHostMagic, nonce)})
	}
	// The 5th reply is still unprocessed (PollRemoteClients handles a
	// reply at the top of the call *following* the one that sent its
	// matching request); one more call lands it and completes the
	// handshake.
	sess.PollRemoteClients()
}

// comboSender builds successive Input datagrams from a simulated host,
// XOR-delta-encoding each new combined frame against the last one sent
// (the same incremental scheme a real protocol.Endpoint uses).
type comboSender struct {
	last rollback.PlayerInput
}

func newComboSender(comboSize uint16) *comboSender {
	return &comboSender{last: rollback.BlankInput(comboSize)}
}

func (c *comboSender) message(frame rollback.Frame, buf []byte) *wire.Message {
	cur := rollback.NewInputFromBytes(frame, buf)
	bytes := compression.Encode(c.last, []rollback.PlayerInput{cur})
	c.last = cur
	return wire.NewInput(spectatorTestHostMagic, wire.InputBody{
		StartFrame: frame,
		AckFrame:   rollback.NullFrame,
		Bytes:      bytes,
	})
}

func newSpectatorTestSession(t *testing.T) (*session.SpectatorSession, *loopbackSocket, *clock.Manual, transport.Addr) {
	t.Helper()
	hostAddr := spectatorStubAddr("host:1")
	clk := clock.NewManual()
	sock := &loopbackSocket{}
	sess, err := session.NewSpectatorSessionBuilder(2, 4, hostAddr).WithClock(clk).StartSession(sock)
	require.NoError(t, err)
	return sess, sock, clk, hostAddr
}

func TestSpectatorSessionHandshakeThenSplitsCombinedInput(t *testing.T) {
	sess, sock, clk, hostAddr := newSpectatorTestSession(t)
	runSpectatorHandshake(t, sess, sock, clk, hostAddr)
	require.True(t, sess.IsRunning())

	sender := newComboSender(8)
	combo := append(append([]byte{}, 1, 2, 3, 4), 5, 6, 7, 8)
	sock.inbox = append(sock.inbox, transport.Packet{From: hostAddr, Msg: sender.message(0, combo)})

	requests, err := sess.AdvanceFrame()
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, rollback.RequestAdvanceFrame, requests[0].Kind)
	require.Len(t, requests[0].Inputs, 2)
	require.Equal(t, []byte{1, 2, 3, 4}, requests[0].Inputs[0].Buffer)
	require.Equal(t, []byte{5, 6, 7, 8}, requests[0].Inputs[1].Buffer)
	require.Equal(t, rollback.Frame(0), sess.CurrentFrame())
}

func TestSpectatorSessionReturnsPredictionThresholdBeforeFrameArrives(t *testing.T) {
	sess, sock, clk, hostAddr := newSpectatorTestSession(t)
	runSpectatorHandshake(t, sess, sock, clk, hostAddr)

	// No input has ever arrived for frame 0: the ring slot is still
	// the blank seed value PollRemoteClients never overwrote.
	_, err := sess.AdvanceFrame()
	require.Error(t, err)
	var target *rollback.Error
	require.True(t, errors.As(err, &target))
	require.True(t, errors.Is(err, rollback.NewPredictionThresholdError()))
}

func TestSpectatorSessionBeforeHandshakeIsNotSynchronized(t *testing.T) {
	sess, _, _, _ := newSpectatorTestSession(t)
	_, err := sess.AdvanceFrame()
	require.Error(t, err)
	require.True(t, errors.Is(err, rollback.NewNotSynchronizedError()))
}

func TestSpectatorSessionCatchesUpWhenFarBehindHost(t *testing.T) {
	sess, sock, clk, hostAddr := newSpectatorTestSession(t)
	runSpectatorHandshake(t, sess, sock, clk, hostAddr)
	require.NoError(t, sess.SetMaxFramesBehind(3))
	require.NoError(t, sess.SetCatchupSpeed(2))

	sender := newComboSender(8)
	for f := rollback.Frame(0); f < 5; f++ {
		combo := append(append([]byte{}, byte(f), byte(f), byte(f), byte(f)), byte(f), byte(f), byte(f), byte(f))
		sock.inbox = append(sock.inbox, transport.Packet{From: hostAddr, Msg: sender.message(f, combo)})
	}
	sess.PollRemoteClients()

	require.Equal(t, 5, sess.FramesBehindHost())
	requests, err := sess.AdvanceFrame()
	require.NoError(t, err)
	// Behind by more than max_frames_behind (3): steps at catchup_speed (2)
	// rather than the normal 1-frame-per-call pace.
	require.Len(t, requests, 2)
	require.Equal(t, rollback.Frame(1), sess.CurrentFrame())
}

func TestSpectatorSessionRejectsOutOfRangeTuning(t *testing.T) {
	sess, _, _, _ := newSpectatorTestSession(t)
	require.Error(t, sess.SetMaxFramesBehind(0))
	require.Error(t, sess.SetMaxFramesBehind(60))
	require.Error(t, sess.SetCatchupSpeed(0))

	_, err := session.NewSpectatorSessionBuilder(2, 4, spectatorStubAddr("host:1")).WithMaxFramesBehind(0)
	require.Error(t, err)
	_, err = session.NewSpectatorSessionBuilder(2, 4, spectatorStubAddr("host:1")).WithCatchupSpeed(0)
	require.Error(t, err)
}
