// Package wire implements the binary framing spec.md §6 specifies for
// messages between ranks: a typed header followed by a little-endian,
// fixed-width payload. All integers are little-endian; all doubles are
// IEEE-754 binary64.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cuemby/pdes/pkg/event"
)

// Kind identifies the frame that follows the header byte.
type Kind uint8

const (
	// KindEvent carries a positive or anti-message event payload.
	KindEvent Kind = iota
	// KindControl carries a GVT token circulating the ring.
	KindControl
	// KindEstimate carries a broadcast GVT estimate.
	KindEstimate
	// KindAck carries a GVT round acknowledgement.
	KindAck
	// KindEpochReport carries an execution-speed measurement for the
	// optional ResChannel telemetry reporter.
	KindEpochReport
)

// EventFrame is the wire representation of one event (positive or
// anti-message); Sender/Receiver/Payload are length-prefixed byte strings.
type EventFrame struct {
	Sign        event.Sign
	Color       event.Color
	Sender      string
	Receiver    string
	SentTime    float64
	ReceiveTime float64
	Payload     []byte
}

// EncodeEvent writes an EventFrame as KindEvent.
func EncodeEvent(f EventFrame) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(KindEvent))
	buf.WriteByte(byte(f.Sign + 1)) // stored unsigned: 0=negative, 2=positive
	buf.WriteByte(byte(f.Color))
	writeString(&buf, f.Sender)
	writeString(&buf, f.Receiver)
	writeFloat64(&buf, f.SentTime)
	writeFloat64(&buf, f.ReceiveTime)
	writeBytes(&buf, f.Payload)
	return buf.Bytes()
}

// DecodeEvent reads an EventFrame. Callers must check the leading Kind byte
// first via PeekKind.
func DecodeEvent(r io.Reader) (EventFrame, error) {
	var f EventFrame
	signByte, err := readByte(r)
	if err != nil {
		return f, err
	}
	f.Sign = event.Sign(int8(signByte) - 1)

	colorByte, err := readByte(r)
	if err != nil {
		return f, err
	}
	f.Color = event.Color(colorByte)

	if f.Sender, err = readString(r); err != nil {
		return f, err
	}
	if f.Receiver, err = readString(r); err != nil {
		return f, err
	}
	if f.SentTime, err = readFloat64(r); err != nil {
		return f, err
	}
	if f.ReceiveTime, err = readFloat64(r); err != nil {
		return f, err
	}
	if f.Payload, err = readBytes(r); err != nil {
		return f, err
	}
	return f, nil
}

// ControlFrame is the GVT token header spec.md §6 describes: kind, color,
// a vector of per-rank counters, and a t-min double.
type ControlFrame struct {
	Color    event.Color
	Counters []int64
	TMin     float64
}

// EncodeControl writes a ControlFrame as KindControl.
func EncodeControl(f ControlFrame) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(KindControl))
	buf.WriteByte(byte(f.Color))
	writeUint32(&buf, uint32(len(f.Counters)))
	for _, c := range f.Counters {
		writeInt64(&buf, c)
	}
	writeFloat64(&buf, f.TMin)
	return buf.Bytes()
}

// DecodeControl reads a ControlFrame.
func DecodeControl(r io.Reader) (ControlFrame, error) {
	var f ControlFrame
	colorByte, err := readByte(r)
	if err != nil {
		return f, err
	}
	f.Color = event.Color(colorByte)

	n, err := readUint32(r)
	if err != nil {
		return f, err
	}
	f.Counters = make([]int64, n)
	for i := range f.Counters {
		if f.Counters[i], err = readInt64(r); err != nil {
			return f, err
		}
	}
	if f.TMin, err = readFloat64(r); err != nil {
		return f, err
	}
	return f, nil
}

// EncodeEstimate writes a bare GVT estimate as KindEstimate.
func EncodeEstimate(gvt float64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(KindEstimate))
	writeFloat64(&buf, gvt)
	return buf.Bytes()
}

// DecodeEstimate reads a GVT estimate.
func DecodeEstimate(r io.Reader) (float64, error) {
	return readFloat64(r)
}

// EncodeAck writes a bare round-acknowledgement as KindAck.
func EncodeAck(round uint64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(KindAck))
	writeUint64(&buf, round)
	return buf.Bytes()
}

// DecodeAck reads a round-acknowledgement.
func DecodeAck(r io.Reader) (uint64, error) {
	return readUint64(r)
}

// EpochReportFrame carries an execution-speed measurement: the ratio of
// virtual time advanced to wall-clock time spent processing it, the
// simulation clock at the time of the report, and how many epochs fed
// into the average.
type EpochReportFrame struct {
	Speed      float64
	Clock      float64
	EpochCount int32
}

// EncodeEpochReport writes an EpochReportFrame as KindEpochReport.
func EncodeEpochReport(f EpochReportFrame) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(KindEpochReport))
	writeFloat64(&buf, f.Speed)
	writeFloat64(&buf, f.Clock)
	writeUint32(&buf, uint32(f.EpochCount))
	return buf.Bytes()
}

// DecodeEpochReport reads an EpochReportFrame.
func DecodeEpochReport(r io.Reader) (EpochReportFrame, error) {
	var f EpochReportFrame
	var err error
	if f.Speed, err = readFloat64(r); err != nil {
		return f, err
	}
	if f.Clock, err = readFloat64(r); err != nil {
		return f, err
	}
	n, err := readUint32(r)
	if err != nil {
		return f, err
	}
	f.EpochCount = int32(n)
	return f, nil
}

// PeekKind reads the leading Kind byte, consuming it.
func PeekKind(r io.Reader) (Kind, error) {
	b, err := readByte(r)
	if err != nil {
		return 0, fmt.Errorf("wire: read kind: %w", err)
	}
	return Kind(b), nil
}

func writeString(buf *bytes.Buffer, s string) { writeBytes(buf, []byte(s)) }

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("wire: read %d bytes: %w", n, err)
	}
	return b, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func readUint32(r io.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, fmt.Errorf("wire: read uint32: %w", err)
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func readUint64(r io.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, fmt.Errorf("wire: read uint64: %w", err)
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func writeInt64(buf *bytes.Buffer, v int64) { writeUint64(buf, uint64(v)) }

func readInt64(r io.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func writeFloat64(buf *bytes.Buffer, v float64) {
	writeUint64(buf, math.Float64bits(v))
}

func readFloat64(r io.Reader) (float64, error) {
	v, err := readUint64(r)
	return math.Float64frombits(v), err
}

func readByte(r io.Reader) (byte, error) {
	var tmp [1]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, fmt.Errorf("wire: read byte: %w", err)
	}
	return tmp[0], nil
}
