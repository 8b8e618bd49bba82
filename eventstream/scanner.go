package eventstream

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Event is one dispatched server-sent event.
type Event struct {
	Type  string // "event:" field, empty for the default "message" type
	Data  string // "data:" lines joined with "\n"
	ID    string
	Retry time.Duration // zero unless the frame carried a valid "retry:"
}

// Scanner reads events from an SSE body.
//
//	sc := NewScanner(body)
//	for sc.Next() {
//		ev := sc.Event()
//	}
//	err := sc.Err()
type Scanner struct {
	r   *bufio.Reader
	cur Event
	err error
}

// NewScanner wraps r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event carrying data. Frames with only
// "retry:" or "id:" fields update the following event but are not
// dispatched on their own.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	var (
		data    []string
		hasData bool
		ev      Event
	)
	emit := func() {
		ev.Data = strings.Join(data, "\n")
		s.cur = ev
	}
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				emit()
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				emit()
				return true
			}
			ev.Type = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			field, value = line, ""
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			ev.Type = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				ev.ID = value
			}
		case "retry":
			if ms, perr := strconv.Atoi(value); perr == nil && ms >= 0 {
				ev.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

// Event returns the event parsed by the last successful Next.
func (s *Scanner) Event() Event { return s.cur }

// Err returns the read error that stopped the scanner; nil on clean EOF.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
