package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const maxFrameSize = 4 << 20

// ErrMalformedEvent is returned for a complete frame whose data is not a valid event.
var ErrMalformedEvent = errors.New("stream: malformed event")

// Reader decodes events from a server-sent event body. Frames may arrive split
// across any number of reads; a frame is only decoded once its blank-line
// terminator has been seen.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader reads frames from r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	s.Split(splitFrames)
	return &Reader{scanner: s}
}

// Next returns the next event. It returns io.EOF at a clean end of stream and
// io.ErrUnexpectedEOF when the stream ends inside a frame. Frames without data
// lines, such as keep-alive comments, are skipped.
func (r *Reader) Next() (Event, error) {
	for r.scanner.Scan() {
		data, ok := frameData(r.scanner.Bytes())
		if !ok {
			continue
		}
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		return e, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// splitFrames is a bufio.SplitFunc yielding one frame per blank-line terminator.
func splitFrames(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i, n := frameEnd(data); i >= 0 {
		return i + n, data[:i], nil
	}
	if atEOF {
		if len(bytes.TrimSpace(data)) == 0 {
			return len(data), nil, nil
		}
		return 0, nil, io.ErrUnexpectedEOF
	}
	return 0, nil, nil
}

// frameEnd finds the earliest blank-line terminator and its length.
func frameEnd(data []byte) (int, int) {
	best, size := -1, 0
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n"), []byte("\r\r")} {
		if i := bytes.Index(data, sep); i >= 0 && (best < 0 || i < best) {
			best, size = i, len(sep)
		}
	}
	return best, size
}

// frameData joins the frame's data lines with newlines. Comment lines and other
// fields are ignored.
func frameData(frame []byte) ([]byte, bool) {
	var lines []string
	for _, line := range strings.FieldsFunc(string(frame), func(r rune) bool { return r == '\n' || r == '\r' }) {
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		lines = append(lines, strings.TrimPrefix(value, " "))
	}
	if len(lines) == 0 {
		return nil, false
	}
	return []byte(strings.Join(lines, "\n")), true
}
