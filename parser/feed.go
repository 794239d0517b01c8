// Package parser consumes a message one line at a time and tracks where its header ends.
package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// State is the position of a [Feed] in the message.
type State int

const (
	// StateHeader means the header section is being read.
	StateHeader State = iota
	// StateBody means the empty line after the header was seen, all further lines are body lines.
	StateBody
)

func (s State) String() string {
	switch s {
	case StateHeader:
		return "header"
	case StateBody:
		return "body"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrMalformedHeader is recorded when a header line is neither a field nor a continuation line.
var ErrMalformedHeader = errors.New("parser: malformed header line")

// Feed is an incremental message parser. The zero value is ready to use.
type Feed struct {
	state  State
	raw    bytes.Buffer
	header mail.Header
	parsed bool
	lines  int
	err    error
}

// Feed consumes one line (without line terminator) and returns the state after it.
func (f *Feed) Feed(line string) State {
	f.lines++
	if f.state == StateBody {
		return f.state
	}
	switch {
	case line == "":
		f.endHeader()
	case line[0] == ' ' || line[0] == '\t':
		if f.raw.Len() == 0 {
			f.fail(ErrMalformedHeader)
			f.endHeader()
			break
		}
		f.appendRaw(line)
	case strings.IndexByte(line, ':') > 0:
		f.appendRaw(line)
	default:
		// a body without the separating empty line
		f.fail(ErrMalformedHeader)
		f.endHeader()
	}
	return f.state
}

func (f *Feed) appendRaw(line string) {
	f.raw.WriteString(line)
	f.raw.WriteString("\r\n")
}

func (f *Feed) fail(err error) {
	if f.err == nil {
		f.err = err
	}
}

func (f *Feed) endHeader() {
	f.state = StateBody
	f.raw.WriteString("\r\n")
	h, err := textproto.ReadHeader(bufio.NewReader(&f.raw))
	if err != nil {
		f.fail(fmt.Errorf("parser: %w", err))
	} else {
		f.header = mail.Header{Header: message.Header{Header: h}}
		f.parsed = true
	}
	f.raw.Reset()
}

// State returns the current state.
func (f *Feed) State() State {
	return f.state
}

// Header returns the parsed header. ok is false while the header is not complete or could not be parsed.
func (f *Feed) Header() (h mail.Header, ok bool) {
	return f.header, f.parsed
}

// Lines returns the number of lines fed so far.
func (f *Feed) Lines() int {
	return f.lines
}

// Err returns the first problem the parser found. Problems do not stop the parser.
func (f *Feed) Err() error {
	return f.err
}

// Reset puts f back into its initial state.
func (f *Feed) Reset() {
	*f = Feed{}
}
