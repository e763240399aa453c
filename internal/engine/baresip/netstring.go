package baresip

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// MaxNetstring bounds the payload size the decoder accepts.
const MaxNetstring = 1 << 20

var ErrMalformedNetstring = errors.New("malformed netstring")

// NetstringEncoder writes netstring frames: <length>:<data>,
type NetstringEncoder struct {
	w io.Writer
}

func NewNetstringEncoder(w io.Writer) *NetstringEncoder {
	return &NetstringEncoder{w: w}
}

// Encode writes data as one frame with a single Write.
func (e *NetstringEncoder) Encode(data []byte) error {
	frame := make([]byte, 0, len(data)+12)
	frame = strconv.AppendInt(frame, int64(len(data)), 10)
	frame = append(frame, ':')
	frame = append(frame, data...)
	frame = append(frame, ',')
	_, err := e.w.Write(frame)
	return err
}

// NetstringDecoder reads netstring frames from a stream.
type NetstringDecoder struct {
	r *bufio.Reader
}

func NewNetstringDecoder(r io.Reader) *NetstringDecoder {
	return &NetstringDecoder{r: bufio.NewReader(r)}
}

// Decode returns the payload of the next frame. A malformed frame leaves the
// stream unusable.
func (d *NetstringDecoder) Decode() ([]byte, error) {
	length := -1
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return nil, fmt.Errorf("%w: unexpected byte %q in length", ErrMalformedNetstring, b)
		}
		if length < 0 {
			length = 0
		}
		length = length*10 + int(b-'0')
		if length > MaxNetstring {
			return nil, fmt.Errorf("%w: frame longer than %d bytes", ErrMalformedNetstring, MaxNetstring)
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: missing length", ErrMalformedNetstring)
	}

	buf := make([]byte, length+1)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if buf[length] != ',' {
		return nil, fmt.Errorf("%w: missing trailing comma", ErrMalformedNetstring)
	}
	return buf[:length], nil
}
