// Package benchmsg holds the benchmark wire message and its protobuf codec.
//
// The schema is
//
//	message Data {
//	  int32 id = 1;
//	  google.protobuf.Timestamp ts = 2;
//	  int64 jitter = 3; // microseconds
//	}
//
// All three fields are always written, including zero values, and Decode
// requires all three so a truncated buffer can never decode as a shorter
// valid message.
package benchmsg

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	fieldID     protowire.Number = 1
	fieldTS     protowire.Number = 2
	fieldJitter protowire.Number = 3
)

var (
	ErrEncode = errors.New("encode error")
	ErrDecode = errors.New("decode error")
)

// Message is one timestamped sample.
type Message struct {
	ID       int32
	SendTime time.Time
	// Jitter is the send-time deviation from the tick deadline. It travels
	// with microsecond resolution.
	Jitter time.Duration
}

// JitterMicros returns the jitter in whole microseconds as carried on the wire.
func (m Message) JitterMicros() int64 {
	return m.Jitter.Microseconds()
}

// Delay is the end-to-end latency observed at recv.
func (m Message) Delay(recv time.Time) time.Duration {
	return recv.Sub(m.SendTime)
}

// Report renders the per-message console line.
func (m Message) Report(recv time.Time) string {
	return fmt.Sprintf("%s: %d, ts = %d.%03d, send jitter = %d us, delay = %d us",
		recv.Format(time.RFC3339Nano),
		m.ID,
		m.SendTime.Unix(),
		m.SendTime.Nanosecond()/int(time.Millisecond),
		m.JitterMicros(),
		m.Delay(recv).Microseconds(),
	)
}

// DecodeError describes why a payload could not be decoded.
type DecodeError struct {
	Len    int
	Offset int
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode error: %s at offset %d of %d bytes", e.Reason, e.Offset, e.Len)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDecode, e.Err}
	}
	return []error{ErrDecode}
}

var marshalOpts = proto.MarshalOptions{Deterministic: true}

// Encode serializes m. It only fails when the send time cannot be expressed
// as a protobuf Timestamp.
func Encode(m Message) ([]byte, error) {
	return AppendEncode(make([]byte, 0, 32), m)
}

// AppendEncode appends the encoding of m to b.
func AppendEncode(b []byte, m Message) ([]byte, error) {
	ts := timestamppb.New(m.SendTime)
	if err := ts.CheckValid(); err != nil {
		return b, fmt.Errorf("%w: id %d: %w", ErrEncode, m.ID, err)
	}
	tsBytes, err := marshalOpts.Marshal(ts)
	if err != nil {
		return b, fmt.Errorf("%w: id %d: %w", ErrEncode, m.ID, err)
	}

	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(m.ID)))
	b = protowire.AppendTag(b, fieldTS, protowire.BytesType)
	b = protowire.AppendBytes(b, tsBytes)
	b = protowire.AppendTag(b, fieldJitter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.JitterMicros()))
	return b, nil
}

// Decode parses b. It never returns a partially populated Message: any
// error yields the zero Message and a *DecodeError.
//
// All three fields must be present, zero values included, so a payload cut
// at a field boundary is still rejected. Encoders that omit zero-valued
// fields (standard proto3 output) are therefore not accepted.
func Decode(b []byte) (Message, error) {
	var (
		m                   Message
		hasID, hasTS, hasJt bool
	)
	fail := func(off int, reason string, err error) (Message, error) {
		return Message{}, &DecodeError{Len: len(b), Offset: off, Reason: reason, Err: err}
	}

	for off := 0; off < len(b); {
		num, typ, n := protowire.ConsumeTag(b[off:])
		if n < 0 {
			return fail(off, "bad tag", protowire.ParseError(n))
		}
		valOff := off + n

		switch num {
		case fieldID, fieldJitter:
			if typ != protowire.VarintType {
				return fail(off, fmt.Sprintf("field %d has wire type %d", num, typ), nil)
			}
			v, n := protowire.ConsumeVarint(b[valOff:])
			if n < 0 {
				return fail(valOff, fmt.Sprintf("field %d", num), protowire.ParseError(n))
			}
			if num == fieldID {
				id := int64(v)
				if id < -1<<31 || id > 1<<31-1 {
					return fail(valOff, "id out of int32 range", nil)
				}
				m.ID = int32(id)
				hasID = true
			} else {
				us := int64(v)
				if us > int64(time.Duration(1<<63-1)/time.Microsecond) || us < int64(time.Duration(-1<<63)/time.Microsecond) {
					return fail(valOff, "jitter out of range", nil)
				}
				m.Jitter = time.Duration(us) * time.Microsecond
				hasJt = true
			}
			off = valOff + n
		case fieldTS:
			if typ != protowire.BytesType {
				return fail(off, fmt.Sprintf("field %d has wire type %d", num, typ), nil)
			}
			raw, n := protowire.ConsumeBytes(b[valOff:])
			if n < 0 {
				return fail(valOff, "ts", protowire.ParseError(n))
			}
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(raw, &ts); err != nil {
				return fail(valOff, "ts", err)
			}
			if err := ts.CheckValid(); err != nil {
				return fail(valOff, "ts", err)
			}
			m.SendTime = ts.AsTime()
			hasTS = true
			off = valOff + n
		default:
			n := protowire.ConsumeFieldValue(num, typ, b[valOff:])
			if n < 0 {
				return fail(valOff, fmt.Sprintf("unknown field %d", num), protowire.ParseError(n))
			}
			off = valOff + n
		}
	}

	switch {
	case !hasID:
		return fail(len(b), "missing id", nil)
	case !hasTS:
		return fail(len(b), "missing ts", nil)
	case !hasJt:
		return fail(len(b), "missing jitter", nil)
	}
	return m, nil
}
