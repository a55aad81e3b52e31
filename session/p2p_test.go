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

const p2pTestRemoteMagic = 7777

func newP2PTestSession(t *testing.T) (*session.P2PSession, *loopbackSocket, *clock.Manual, transport.Addr) {
	t.Helper()
	remoteAddr := spectatorStubAddr("peer:1")
	clk := clock.NewManual()
	sock := &loopbackSocket{}

	b := session.NewP2PSessionBuilder(2, 4).WithClock(clk)
	b, err := b.AddLocalPlayer(0)
	require.NoError(t, err)
	b, err = b.AddRemotePlayer(1, remoteAddr)
	require.NoError(t, err)

	sess, err := b.StartSession(sock)
	require.NoError(t, err)
	return sess, sock, clk, remoteAddr
}

// runP2PHandshake drives sess's single remote endpoint through its
// handshake, echoing back every SyncRequest nonce observed in the
// outbox. AdvanceFrame is expected to refuse with NotSynchronized on
// every round; the 5th reply is left in the inbox for the caller's next
// AdvanceFrame call to land.
func runP2PHandshake(t *testing.T, sess *session.P2PSession, sock *loopbackSocket, clk *clock.Manual, remoteAddr transport.Addr) {
	t.Helper()
	for i := 0; i < 5; i++ {
		clk.Advance(600 * time.Millisecond)
		_, err := sess.AdvanceFrame()
		require.Error(t, err, "round %d", i)
		require.True(t, errors.Is(err, rollback.NewNotSynchronizedError()))

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

		sock.inbox = append(sock.inbox, transport.Packet{From: remoteAddr, Msg: wire.NewSyncReply(p2pTestRemoteMagic, nonce)})
	}
}

func TestP2PSessionNotSynchronizedBeforeHandshakeCompletes(t *testing.T) {
	sess, sock, clk, remoteAddr := newP2PTestSession(t)
	runP2PHandshake(t, sess, sock, clk, remoteAddr)

	// The 5th reply lands at the top of this call, so the endpoint is
	// Running before the sync layer is asked for requests.
	requests, err := sess.AdvanceFrame()
	require.NoError(t, err)
	require.NotEmpty(t, requests)
}

func TestP2PSessionLocalInputReachesAdvanceFrameRequest(t *testing.T) {
	sess, sock, clk, remoteAddr := newP2PTestSession(t)
	runP2PHandshake(t, sess, sock, clk, remoteAddr)

	require.NoError(t, sess.AddLocalInput(0, []byte{9, 9, 9, 9}))

	requests, err := sess.AdvanceFrame()
	require.NoError(t, err)

	var advance *rollback.Request
	for i := range requests {
		if requests[i].Kind == rollback.RequestAdvanceFrame {
			advance = &requests[i]
		}
	}
	require.NotNil(t, advance)
	require.Len(t, advance.Inputs, 2)
	require.Equal(t, []byte{9, 9, 9, 9}, advance.Inputs[0].Buffer)
}

func TestP2PSessionAddLocalInputRejectsNonLocalHandle(t *testing.T) {
	sess, sock, clk, remoteAddr := newP2PTestSession(t)
	runP2PHandshake(t, sess, sock, clk, remoteAddr)

	err := sess.AddLocalInput(1, []byte{0, 0, 0, 0})
	require.Error(t, err)
}

func TestP2PSessionDisconnectPlayerSurfacesEventNextAdvance(t *testing.T) {
	sess, sock, clk, remoteAddr := newP2PTestSession(t)
	runP2PHandshake(t, sess, sock, clk, remoteAddr)

	require.NoError(t, sess.DisconnectPlayer(1))

	_, err := sess.AdvanceFrame()
	require.NoError(t, err)

	var found bool
	for _, ev := range sess.Events() {
		if ev.Kind == rollback.EventDisconnected && ev.Handle == 1 {
			found = true
		}
	}
	require.True(t, found, "expected a Disconnected event for handle 1")
}

func TestP2PSessionDisconnectPlayerRejectsUnknownHandle(t *testing.T) {
	sess, _, _, _ := newP2PTestSession(t)
	require.Error(t, sess.DisconnectPlayer(0))
}

func TestP2PSessionBuilderRejectsOutOfRangeHandles(t *testing.T) {
	b := session.NewP2PSessionBuilder(2, 4)
	_, err := b.AddLocalPlayer(5)
	require.Error(t, err)
	_, err = b.AddRemotePlayer(-1, spectatorStubAddr("peer:1"))
	require.Error(t, err)
}

func TestP2PSessionBuilderRejectsNonPositiveFPS(t *testing.T) {
	b := session.NewP2PSessionBuilder(2, 4)
	_, err := b.WithFPS(0)
	require.Error(t, err)
}

// runMultiHandshake drives every endpoint (remote players and
// spectators) through its handshake together, mirroring
// runP2PHandshake's timing exactly: all 5 rounds refuse with
// NotSynchronized, and the 5th reply is left for the caller's next
// AdvanceFrame call to land (which also performs the first real frame
// advance, same as the single-peer case). It cross-replies every nonce
// observed each round to every known peer address; HandleMessage
// silently discards a reply whose address doesn't own its endpoint or
// whose nonce is stale, so only the (address, nonce) pair that's
// actually correct ever takes effect.
func runMultiHandshake(t *testing.T, sess *session.P2PSession, sock *loopbackSocket, clk *clock.Manual, peers map[transport.Addr]uint32) {
	t.Helper()
	for i := 0; i < 5; i++ {
		clk.Advance(600 * time.Millisecond)
		_, err := sess.AdvanceFrame()
		require.Error(t, err, "round %d", i)
		require.True(t, errors.Is(err, rollback.NewNotSynchronizedError()))

		var nonces []uint32
		for _, m := range sock.sent {
			if m.Kind == wire.KindSyncRequest {
				nonces = append(nonces, m.SyncRequest.RandomRequest)
			}
		}
		sock.sent = nil

		for addr, magic := range peers {
			for _, n := range nonces {
				sock.inbox = append(sock.inbox, transport.Packet{From: addr, Msg: wire.NewSyncReply(magic, n)})
			}
		}
	}
}

// TestP2PSessionBroadcastsEveryConfirmedFrameAcrossAJump exercises the
// case where one remote input batch confirms more than one frame
// inside a single AdvanceFrame call (both arrive decoded before the
// spectator broadcast step runs): every frame in the jump must still
// reach the spectator, not just the last one.
func TestP2PSessionBroadcastsEveryConfirmedFrameAcrossAJump(t *testing.T) {
	remoteAddr := spectatorStubAddr("peer:1")
	spectatorAddr := spectatorStubAddr("watcher:1")
	clk := clock.NewManual()
	sock := &loopbackSocket{}

	b := session.NewP2PSessionBuilder(2, 4).WithClock(clk)
	b, err := b.AddLocalPlayer(0)
	require.NoError(t, err)
	b, err = b.AddRemotePlayer(1, remoteAddr)
	require.NoError(t, err)
	b = b.AddSpectator(spectatorAddr)
	sess, err := b.StartSession(sock)
	require.NoError(t, err)

	runMultiHandshake(t, sess, sock, clk, map[transport.Addr]uint32{
		remoteAddr:    p2pTestRemoteMagic,
		spectatorAddr: p2pTestRemoteMagic + 1,
	})

	require.NoError(t, sess.AddLocalInput(0, []byte{1, 1, 1, 1}))
	_, err = sess.AdvanceFrame()
	require.NoError(t, err)
	require.NoError(t, sess.AddLocalInput(0, []byte{2, 2, 2, 2}))

	// Both remote frames decode out of a single batch inside one
	// AdvanceFrame call, confirming frame 0 then frame 1 before
	// broadcastConfirmedInput ever runs.
	last := rollback.BlankInput(4)
	f0 := rollback.NewInputFromBytes(0, []byte{9, 9, 9, 9})
	f1 := rollback.NewInputFromBytes(1, []byte{8, 8, 8, 8})
	bytes := compression.Encode(last, []rollback.PlayerInput{f0, f1})
	sock.inbox = append(sock.inbox, transport.Packet{From: remoteAddr, Msg: wire.NewInput(p2pTestRemoteMagic, wire.InputBody{
		StartFrame: 0,
		AckFrame:   rollback.NullFrame,
		Bytes:      bytes,
	})})

	_, err = sess.AdvanceFrame()
	require.NoError(t, err)

	// The spectator's flush is time-gated; one more call past the send
	// interval drains the combos queued by the jump above.
	clk.Advance(50 * time.Millisecond)
	_, err = sess.AdvanceFrame()
	require.NoError(t, err)

	var decoded []rollback.PlayerInput
	for _, m := range sock.sent {
		if sock.sentTo[m] != spectatorAddr || m.Kind != wire.KindInput || len(m.Input.Bytes) == 0 {
			continue
		}
		items, decErr := compression.Decode(rollback.BlankInput(8), m.Input.StartFrame, m.Input.Bytes)
		if decErr != nil {
			continue
		}
		for _, in := range items {
			if in.Size == 8 {
				decoded = append(decoded, in)
			}
		}
	}

	require.Len(t, decoded, 2, "both frame 0 and frame 1 must reach the spectator, not just the latest")
	require.Equal(t, rollback.Frame(0), decoded[0].Frame)
	require.Equal(t, []byte{1, 1, 1, 1, 9, 9, 9, 9}, decoded[0].Buffer)
	require.Equal(t, rollback.Frame(1), decoded[1].Frame)
	require.Equal(t, []byte{2, 2, 2, 2, 8, 8, 8, 8}, decoded[1].Buffer)
}
