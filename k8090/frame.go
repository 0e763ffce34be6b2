package k8090

import (
	"fmt"
	"iter"
)

// Checksum returns the two's complement of the sum of the start marker and
// the four payload bytes.
func Checksum(f Frame) byte {
	sum := byte(STX) + byte(f.Opcode) + byte(f.Mask) + f.ParamHi + f.ParamLo
	return ^sum + 1
}

// Encode returns the wire representation of f.
func Encode(f Frame) [FrameSize]byte {
	return [FrameSize]byte{STX, byte(f.Opcode), byte(f.Mask), f.ParamHi, f.ParamLo, Checksum(f), ETX}
}

// AppendFrame appends the wire representation of f to b.
func AppendFrame(b []byte, f Frame) []byte {
	raw := Encode(f)
	return append(b, raw[:]...)
}

// ParseFrame validates a single 7-byte frame.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) != FrameSize {
		return Frame{}, fmt.Errorf("%w: frame length %d, want %d", ErrFraming, len(b), FrameSize)
	}
	var raw [FrameSize]byte
	copy(raw[:], b)
	return parse(raw)
}

func parse(raw [FrameSize]byte) (Frame, error) {
	f := Frame{
		Opcode:  Opcode(raw[1]),
		Mask:    Mask(raw[2]),
		ParamHi: raw[3],
		ParamLo: raw[4],
	}

	switch {
	case raw[0] != STX:
		return Frame{}, &FramingError{Raw: raw, Reason: fmt.Sprintf("bad start marker 0x%02X", raw[0])}
	case raw[6] != ETX:
		return Frame{}, &FramingError{Raw: raw, Reason: fmt.Sprintf("bad end marker 0x%02X", raw[6])}
	case raw[5] != Checksum(f):
		return Frame{}, &FramingError{Raw: raw, Reason: fmt.Sprintf("checksum 0x%02X, want 0x%02X", raw[5], Checksum(f))}
	}
	return f, nil
}

// A Decoder splits an inbound byte stream into frames. Its only state is
// a 7-byte accumulator so a frame may span several reads.
type Decoder struct {
	acc [FrameSize]byte
	n   int
}

// Decode consumes p and yields every complete frame or framing error found.
// The returned sequence must be ranged over exactly once; bytes left when
// the loop is broken early are dropped.
//
// On a rejected candidate the decoder resumes scanning one byte past its
// start marker, so it always makes progress.
func (d *Decoder) Decode(p []byte) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for _, b := range p {
			if d.n == 0 && b != STX {
				continue // Noise between frames.
			}

			d.acc[d.n] = b
			d.n++
			if d.n < FrameSize {
				continue
			}

			f, err := parse(d.acc)
			if err == nil {
				d.n = 0
				if !yield(f, nil) {
					return
				}
				continue
			}

			d.resync()
			if !yield(Frame{}, err) {
				return
			}
		}
	}
}

// Buffered returns the number of bytes of an incomplete frame held by d.
func (d *Decoder) Buffered() int {
	return d.n
}

// Reset drops any partially accumulated frame.
func (d *Decoder) Reset() {
	d.n = 0
}

// resync drops the rejected start marker and shifts the accumulator to the
// next start marker candidate, if any.
func (d *Decoder) resync() {
	start := FrameSize
	for i := 1; i < FrameSize; i++ {
		if d.acc[i] == STX {
			start = i
			break
		}
	}
	d.n = copy(d.acc[:], d.acc[start:d.n])
}
