package providers

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one parsed upstream server-sent event.
type sseEvent struct {
	event string
	data  string
}

// sseReader incrementally parses SSE events off an upstream body. Fields
// other than event: and data: (id:, retry:, comments) are ignored.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &sseReader{scanner: scanner}
}

// next returns the next complete event, or io.EOF when the stream ends. A
// trailing event without a blank-line terminator is still returned.
func (r *sseReader) next() (sseEvent, error) {
	var ev sseEvent
	var sawData bool

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if sawData {
				return ev, nil
			}
			ev = sseEvent{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if sawData {
				ev.data += "\n"
			}
			ev.data += data
			sawData = true
			continue
		}
		if event, ok := strings.CutPrefix(line, "event: "); ok {
			ev.event = event
		}
	}
	if err := r.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	if sawData {
		return ev, nil
	}
	return sseEvent{}, io.EOF
}
