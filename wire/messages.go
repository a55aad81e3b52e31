// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire defines the datagrams exchanged between peer protocol
// endpoints and their binary encoding, per spec.md §6.3.
package wire

import "github.com/synctide/rollback"

// Version is the current wire format revision. Endpoints drop any
// datagram whose header version does not match their own, per
// spec.md §9 Design Note (c).
const Version uint8 = 1

// Kind discriminates the body carried by a Message.
type Kind uint8

const (
	KindSyncRequest Kind = iota
	KindSyncReply
	KindInput
	KindInputAck
	KindQualityReport
	KindQualityReply
	KindKeepAlive
)

func (k Kind) String() string {
	switch k {
	case KindSyncRequest:
		return "SyncRequest"
	case KindSyncReply:
		return "SyncReply"
	case KindInput:
		return "Input"
	case KindInputAck:
		return "InputAck"
	case KindQualityReport:
		return "QualityReport"
	case KindQualityReply:
		return "QualityReply"
	case KindKeepAlive:
		return "KeepAlive"
	default:
		return "Unknown"
	}
}

// Header is the fixed-width prefix of every datagram: the sender's
// endpoint magic (used to reject stale or foreign datagrams) and the
// wire format version.
type Header struct {
	Magic   uint16
	Version uint8
}

// ConnectionStatus mirrors rollback's connection-status record over
// the wire: whether a peer slot is disconnected and the last frame it
// was known to be confirmed at.
type ConnectionStatus struct {
	Disconnected bool
	LastFrame    rollback.Frame
}

// SyncRequestBody carries a random nonce the receiver must echo back
// in a SyncReply.
type SyncRequestBody struct {
	RandomRequest uint32
}

// SyncReplyBody echoes a SyncRequest's nonce.
type SyncReplyBody struct {
	RandomReply uint32
}

// InputBody batches compressed inputs with an ack frame and the
// sender's view of every peer's connection status.
type InputBody struct {
	PeerConnectStatus   []ConnectionStatus
	DisconnectRequested bool
	StartFrame          rollback.Frame
	AckFrame            rollback.Frame
	Bytes               []byte
}

// InputAckBody acknowledges a frame without piggybacking any input.
type InputAckBody struct {
	AckFrame rollback.Frame
}

// QualityReportBody reports the sender's local frame advantage along
// with a send timestamp for round-trip-time measurement. Ping is
// nanoseconds since the clock's epoch; spec.md's wire description
// calls for a u128 timestamp, which Go has no native type for — a
// uint64 nanosecond count has ~584 years of range, comfortably enough
// for a monotonic session clock, so it is used in its place.
type QualityReportBody struct {
	FrameAdvantage int8
	Ping           uint64
}

// QualityReplyBody echoes a QualityReport's send timestamp.
type QualityReplyBody struct {
	Pong uint64
}

// KeepAliveBody carries no data; its presence is the message.
type KeepAliveBody struct{}

// Message is a decoded datagram: a header plus exactly one body,
// selected by Kind. Exactly one of the body pointer fields is non-nil
// for a given Kind.
type Message struct {
	Header Header
	Kind   Kind

	SyncRequest   *SyncRequestBody
	SyncReply     *SyncReplyBody
	Input         *InputBody
	InputAck      *InputAckBody
	QualityReport *QualityReportBody
	QualityReply  *QualityReplyBody
	KeepAlive     *KeepAliveBody
}

// NewSyncRequest builds a SyncRequest message.
func NewSyncRequest(magic uint16, nonce uint32) *Message {
	return &Message{Header: Header{Magic: magic, Version: Version}, Kind: KindSyncRequest, SyncRequest: &SyncRequestBody{RandomRequest: nonce}}
}

// NewSyncReply builds a SyncReply message.
func NewSyncReply(magic uint16, nonce uint32) *Message {
	return &Message{Header: Header{Magic: magic, Version: Version}, Kind: KindSyncReply, SyncReply: &SyncReplyBody{RandomReply: nonce}}
}

// NewInput builds an Input message.
func NewInput(magic uint16, body InputBody) *Message {
	return &Message{Header: Header{Magic: magic, Version: Version}, Kind: KindInput, Input: &body}
}

// NewInputAck builds an InputAck message.
func NewInputAck(magic uint16, ackFrame rollback.Frame) *Message {
	return &Message{Header: Header{Magic: magic, Version: Version}, Kind: KindInputAck, InputAck: &InputAckBody{AckFrame: ackFrame}}
}

// NewQualityReport builds a QualityReport message.
func NewQualityReport(magic uint16, frameAdvantage int8, ping uint64) *Message {
	return &Message{Header: Header{Magic: magic, Version: Version}, Kind: KindQualityReport, QualityReport: &QualityReportBody{FrameAdvantage: frameAdvantage, Ping: ping}}
}

// NewQualityReply builds a QualityReply message.
func NewQualityReply(magic uint16, pong uint64) *Message {
	return &Message{Header: Header{Magic: magic, Version: Version}, Kind: KindQualityReply, QualityReply: &QualityReplyBody{Pong: pong}}
}

// NewKeepAlive builds a KeepAlive message.
func NewKeepAlive(magic uint16) *Message {
	return &Message{Header: Header{Magic: magic, Version: Version}, Kind: KindKeepAlive, KeepAlive: &KeepAliveBody{}}
}
