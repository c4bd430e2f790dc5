// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/courier-net/courier-go/bundle"
)

// Fixed header sizes per message kind, payload/tail excluded.
const (
	dataHeaderLen       = 1 + 1 + 16 + 4 + 4 + 4 + 1 + 1 + 1 + 4
	sackHeaderLen       = 1 + 16 + 4 + 4
	custodyReqHeaderLen = 1 + 16 + 4 + 2
	custodyAckHeaderLen = 1 + 16 + 8 + 2
	deliveredLen        = 1 + 16
)

// Encode serializes a Message into a datagram. It fails with ErrOversize
// if the result would exceed the MTU.
func Encode(msg Message) ([]byte, error) {
	var buf []byte

	switch m := msg.(type) {
	case *DataMessage:
		if len(m.Payload) > bundle.MaxPayloadSize {
			return nil, fmt.Errorf("%w: payload of %d bytes", ErrOversize, len(m.Payload))
		}

		buf = make([]byte, dataHeaderLen, dataHeaderLen+len(m.Payload))
		buf[0] = KindData
		buf[1] = Version
		copy(buf[2:18], m.BundleID[:])
		binary.BigEndian.PutUint32(buf[18:22], m.ChunkID)
		binary.BigEndian.PutUint32(buf[22:26], m.TotalChunks)
		binary.BigEndian.PutUint32(buf[26:30], m.BlockID)
		buf[30] = m.K
		buf[31] = m.R
		buf[32] = m.Flags
		binary.BigEndian.PutUint32(buf[33:37], m.Checksum)
		buf = append(buf, m.Payload...)

	case *SackMessage:
		if len(m.Bitmap) > MaxSackBitmapLen {
			return nil, fmt.Errorf("%w: sack bitmap of %d bytes", ErrOversize, len(m.Bitmap))
		}

		buf = make([]byte, sackHeaderLen, sackHeaderLen+len(m.Bitmap))
		buf[0] = KindSack
		copy(buf[1:17], m.BundleID[:])
		binary.BigEndian.PutUint32(buf[17:21], m.RecvWatermark)
		binary.BigEndian.PutUint32(buf[21:25], uint32(len(m.Bitmap)))
		buf = append(buf, m.Bitmap...)

	case *CustodyReqMessage:
		buf = make([]byte, custodyReqHeaderLen, custodyReqHeaderLen+8*len(m.Ranges))
		buf[0] = KindCustodyReq
		copy(buf[1:17], m.BundleID[:])
		binary.BigEndian.PutUint32(buf[17:21], m.TTLRemaining)
		binary.BigEndian.PutUint16(buf[21:23], uint16(len(m.Ranges)))
		buf = appendRanges(buf, m.Ranges)

	case *CustodyAckMessage:
		buf = make([]byte, custodyAckHeaderLen, custodyAckHeaderLen+8*len(m.Ranges))
		buf[0] = KindCustodyAck
		copy(buf[1:17], m.BundleID[:])
		binary.BigEndian.PutUint64(buf[17:25], m.AckNonce)
		binary.BigEndian.PutUint16(buf[25:27], uint16(len(m.Ranges)))
		buf = appendRanges(buf, m.Ranges)

	case *DeliveredMessage:
		buf = make([]byte, deliveredLen)
		buf[0] = KindDelivered
		copy(buf[1:17], m.BundleID[:])

	default:
		return nil, fmt.Errorf("%w: unknown message type %T", ErrMalformed, msg)
	}

	if len(buf) > MTU {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversize, len(buf))
	}
	return buf, nil
}

func appendRanges(buf []byte, ranges []ChunkRange) []byte {
	for _, r := range ranges {
		var tmp [8]byte
		binary.BigEndian.PutUint32(tmp[0:4], r.Start)
		binary.BigEndian.PutUint32(tmp[4:8], r.End)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// Decode parses a datagram back into a Message. Short, unknown-kind or
// length-inconsistent input fails with ErrMalformed; a DATA whose CRC-32
// disagrees with its payload fails with ErrBadChecksum; a foreign version
// byte fails with ErrUnsupportedVersion.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformed)
	}
	if len(data) > MTU {
		return nil, fmt.Errorf("%w: %d bytes exceed MTU", ErrMalformed, len(data))
	}

	switch data[0] {
	case KindData:
		return decodeData(data)
	case KindSack:
		return decodeSack(data)
	case KindCustodyReq:
		return decodeCustodyReq(data)
	case KindCustodyAck:
		return decodeCustodyAck(data)
	case KindDelivered:
		return decodeDelivered(data)
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, data[0])
	}
}

func bundleIDAt(data []byte) (bid bundle.BundleID) {
	copy(bid[:], data)
	return
}

func decodeData(data []byte) (Message, error) {
	if len(data) < dataHeaderLen {
		return nil, fmt.Errorf("%w: DATA header truncated", ErrMalformed)
	}
	if data[1] != Version {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, data[1])
	}

	m := &DataMessage{
		BundleID:    bundleIDAt(data[2:18]),
		ChunkID:     binary.BigEndian.Uint32(data[18:22]),
		TotalChunks: binary.BigEndian.Uint32(data[22:26]),
		BlockID:     binary.BigEndian.Uint32(data[26:30]),
		K:           data[30],
		R:           data[31],
		Flags:       data[32],
		Checksum:    binary.BigEndian.Uint32(data[33:37]),
		Payload:     append([]byte(nil), data[dataHeaderLen:]...),
	}

	if len(m.Payload) > bundle.MaxPayloadSize {
		return nil, fmt.Errorf("%w: DATA payload of %d bytes", ErrMalformed, len(m.Payload))
	}
	if crc32.ChecksumIEEE(m.Payload) != m.Checksum {
		return nil, fmt.Errorf("%w: chunk %d", ErrBadChecksum, m.ChunkID)
	}
	return m, nil
}

func decodeSack(data []byte) (Message, error) {
	if len(data) < sackHeaderLen {
		return nil, fmt.Errorf("%w: SACK header truncated", ErrMalformed)
	}

	bitmapLen := binary.BigEndian.Uint32(data[21:25])
	if bitmapLen > MaxSackBitmapLen || int(bitmapLen) != len(data)-sackHeaderLen {
		return nil, fmt.Errorf("%w: SACK bitmap length %d", ErrMalformed, bitmapLen)
	}

	return &SackMessage{
		BundleID:      bundleIDAt(data[1:17]),
		RecvWatermark: binary.BigEndian.Uint32(data[17:21]),
		Bitmap:        append([]byte(nil), data[sackHeaderLen:]...),
	}, nil
}

func decodeRanges(data []byte, count int) ([]ChunkRange, error) {
	if len(data) != 8*count {
		return nil, fmt.Errorf("%w: %d range bytes for %d ranges", ErrMalformed, len(data), count)
	}

	ranges := make([]ChunkRange, count)
	for i := 0; i < count; i++ {
		ranges[i] = ChunkRange{
			Start: binary.BigEndian.Uint32(data[8*i : 8*i+4]),
			End:   binary.BigEndian.Uint32(data[8*i+4 : 8*i+8]),
		}
		if ranges[i].End < ranges[i].Start {
			return nil, fmt.Errorf("%w: descending range", ErrMalformed)
		}
	}
	return ranges, nil
}

func decodeCustodyReq(data []byte) (Message, error) {
	if len(data) < custodyReqHeaderLen {
		return nil, fmt.Errorf("%w: CUSTODY_REQ header truncated", ErrMalformed)
	}

	count := int(binary.BigEndian.Uint16(data[21:23]))
	ranges, err := decodeRanges(data[custodyReqHeaderLen:], count)
	if err != nil {
		return nil, err
	}

	return &CustodyReqMessage{
		BundleID:     bundleIDAt(data[1:17]),
		TTLRemaining: binary.BigEndian.Uint32(data[17:21]),
		Ranges:       ranges,
	}, nil
}

func decodeCustodyAck(data []byte) (Message, error) {
	if len(data) < custodyAckHeaderLen {
		return nil, fmt.Errorf("%w: CUSTODY_ACK header truncated", ErrMalformed)
	}

	count := int(binary.BigEndian.Uint16(data[25:27]))
	ranges, err := decodeRanges(data[custodyAckHeaderLen:], count)
	if err != nil {
		return nil, err
	}

	return &CustodyAckMessage{
		BundleID: bundleIDAt(data[1:17]),
		AckNonce: binary.BigEndian.Uint64(data[17:25]),
		Ranges:   ranges,
	}, nil
}

func decodeDelivered(data []byte) (Message, error) {
	if len(data) != deliveredLen {
		return nil, fmt.Errorf("%w: DELIVERED length %d", ErrMalformed, len(data))
	}

	return &DeliveredMessage{BundleID: bundleIDAt(data[1:17])}, nil
}
