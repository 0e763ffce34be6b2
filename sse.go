package k8090d

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// An SSE event of k8090d is a single JSON document terminated by an empty
// line.

// WriteSSE writes payload as one SSE event.
func WriteSSE(w io.Writer, payload []byte) error {
	if bytes.Contains(payload, []byte("\n\n")) {
		return fmt.Errorf("sse: payload contains an event separator")
	}

	_, err := w.Write(append(payload, '\n', '\n'))
	return err
}

// An SSEReader reads the events written by WriteSSE.
type SSEReader struct {
	r *bufio.Reader
}

func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		r: bufio.NewReaderSize(r, 64<<10),
	}
}

// Next returns the next event payload.
func (s *SSEReader) Next() ([]byte, error) {
	var payload []byte
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(payload)+len(line) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if len(line) == 1 {
			if len(payload) == 0 {
				continue // Stray separator.
			}
			return bytes.TrimSuffix(payload, []byte{'\n'}), nil
		}
		payload = append(payload, line...)
	}
}
