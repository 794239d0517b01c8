package milterutil

import (
	"bytes"
)

// LineSplitter splits message data that arrives in arbitrary chunks into lines.
// CR LF, CR and LF all end a line. The line terminators are not part of the returned lines.
//
// The zero value is ready to use.
type LineSplitter struct {
	crlf    CrLfToLfTransformer
	partial []byte
}

// Split returns all lines that got completed by chunk.
// Data after the last line terminator is kept until the next call to Split or Flush.
func (s *LineSplitter) Split(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	// CrLfToLfTransformer never produces more bytes than it consumes
	dst := make([]byte, len(chunk))
	n, _, _ := s.crlf.Transform(dst, chunk, false)
	data := append(s.partial, dst[:n]...)
	var lines []string
	for {
		i := bytes.IndexByte(data, lf)
		if i < 0 {
			break
		}
		lines = append(lines, string(data[:i]))
		data = data[i+1:]
	}
	s.partial = bytes.Clone(data)
	return lines
}

// Flush returns the unterminated rest of the data, if there is any, and resets s.
func (s *LineSplitter) Flush() (line string, ok bool) {
	ok = len(s.partial) > 0
	line = string(s.partial)
	s.Reset()
	return
}

// Reset discards any buffered data.
func (s *LineSplitter) Reset() {
	s.partial = nil
	s.crlf.Reset()
}
