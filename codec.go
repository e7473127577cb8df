package qmp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxFrameSize bounds a single record; query-qmp-schema replies run to a
// few hundred KiB.
const maxFrameSize = 16 << 20

// Decoder splits an inbound stream into newline-delimited JSON frames.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next frame. An invalid record yields a *FrameError and
// leaves the decoder positioned on the following record. Read errors are
// returned as is, io.EOF included.
func (d *Decoder) Next() ([]byte, error) {
	for {
		line, err := d.readLine()
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		if !gjson.ValidBytes(line) {
			return nil, &FrameError{Line: line}
		}
		// a trailing record without newline is still a record; the
		// error resurfaces on the next call
		return line, nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
		if len(line) > maxFrameSize {
			// drop the rest of the record so the stream stays aligned
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = d.r.ReadSlice('\n')
			}
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: record exceeds %d bytes", ErrMalformedFrame, maxFrameSize)
		}
	}
}

// Encode marshals v as one newline-terminated frame.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// EncodeCommand builds the wire envelope for cmd, newline included.
func EncodeCommand(cmd Command) ([]byte, error) {
	if cmd.Execute == "" {
		return nil, errors.New("qmp: command name is empty")
	}
	key := "execute"
	if cmd.OOB {
		key = "exec-oob"
	}

	out, err := sjson.SetBytes([]byte(`{}`), key, cmd.Execute)
	if err != nil {
		return nil, err
	}
	if cmd.Arguments != nil {
		raw, err := compactValue(cmd.Arguments)
		if err != nil {
			return nil, fmt.Errorf("qmp: marshal arguments of %s: %w", cmd.Execute, err)
		}
		if out, err = sjson.SetRawBytes(out, "arguments", raw); err != nil {
			return nil, err
		}
	}
	if cmd.ID != nil {
		raw, err := compactValue(cmd.ID)
		if err != nil {
			return nil, fmt.Errorf("qmp: marshal id of %s: %w", cmd.Execute, err)
		}
		if out, err = sjson.SetRawBytes(out, "id", raw); err != nil {
			return nil, err
		}
	}
	return append(out, '\n'), nil
}

// compactValue marshals v and strips insignificant whitespace, so raw
// values supplied by callers cannot break framing.
func compactValue(v any) ([]byte, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
