// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ugorji/go/codec"
)

// cborHandle is shared across encode/decode calls the same way the
// teacher shares a single *codec.CborHandle for all statefile
// (de)serialization (disk.go).
var cborHandle = new(codec.CborHandle)

// headerLen is magic(2) + version(1) + kind(1).
const headerLen = 4

// Marshal renders the message as header fields in fixed-width
// big-endian (magic, version, kind) followed by the CBOR-encoded body,
// matching spec.md §6.3's "fixed integer widths and length-prefixed
// variable-length fields" requirement: CBOR gives the length-prefixed
// byte strings and slices for free.
func (m *Message) Marshal() ([]byte, error) {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint16(buf[0:2], m.Header.Magic)
	buf[2] = m.Header.Version
	buf[3] = byte(m.Kind)

	var body interface{}
	switch m.Kind {
	case KindSyncRequest:
		body = m.SyncRequest
	case KindSyncReply:
		body = m.SyncReply
	case KindInput:
		body = m.Input
	case KindInputAck:
		body = m.InputAck
	case KindQualityReport:
		body = m.QualityReport
	case KindQualityReply:
		body = m.QualityReply
	case KindKeepAlive:
		body = m.KeepAlive
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", m.Kind)
	}

	var bodyBuf bytes.Buffer
	enc := codec.NewEncoder(&bodyBuf, cborHandle)
	if err := enc.Encode(body); err != nil {
		return nil, fmt.Errorf("wire: encode body: %w", err)
	}
	return append(buf, bodyBuf.Bytes()...), nil
}

// Unmarshal parses a datagram produced by Marshal. Datagrams whose
// header cannot even be read, or whose body fails to decode, return an
// error; per spec.md §7 these are logged and dropped by the caller,
// never surfaced to the host.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("wire: datagram too short for header (%d bytes)", len(data))
	}

	m := &Message{
		Header: Header{
			Magic:   binary.BigEndian.Uint16(data[0:2]),
			Version: data[2],
		},
		Kind: Kind(data[3]),
	}
	body := data[headerLen:]
	dec := codec.NewDecoderBytes(body, cborHandle)

	switch m.Kind {
	case KindSyncRequest:
		m.SyncRequest = &SyncRequestBody{}
		return m, decodeInto(dec, m.SyncRequest)
	case KindSyncReply:
		m.SyncReply = &SyncReplyBody{}
		return m, decodeInto(dec, m.SyncReply)
	case KindInput:
		m.Input = &InputBody{}
		return m, decodeInto(dec, m.Input)
	case KindInputAck:
		m.InputAck = &InputAckBody{}
		return m, decodeInto(dec, m.InputAck)
	case KindQualityReport:
		m.QualityReport = &QualityReportBody{}
		return m, decodeInto(dec, m.QualityReport)
	case KindQualityReply:
		m.QualityReply = &QualityReplyBody{}
		return m, decodeInto(dec, m.QualityReply)
	case KindKeepAlive:
		m.KeepAlive = &KeepAliveBody{}
		return m, decodeInto(dec, m.KeepAlive)
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", m.Kind)
	}
}

func decodeInto(dec *codec.Decoder, v interface{}) error {
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: decode body: %w", err)
	}
	return nil
}
