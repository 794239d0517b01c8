// Package spool implements a line-oriented spool for message data.
//
// Lines get appended at the write side and read back, in the same order, at the read side.
// Reads and writes can be interleaved: a reader never waits for data, it gets [ErrNoLine]
// when no complete line was written yet. The data is kept in memory until it gets bigger than
// a configured threshold, then it moves to a temporary file.
package spool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNoLine is returned by [Stream.ReadLine] when there is currently no complete line to read.
// Call ReadLine again after more lines got written.
var ErrNoLine = errors.New("spool: no complete line available")

// ErrClosed is returned when a released [Stream] gets used.
var ErrClosed = errors.New("spool: stream closed")

// ErrWriteClosed is returned by [Stream.WriteLine] after [Stream.CloseWrite].
var ErrWriteClosed = errors.New("spool: write side closed")

// readChunk is the number of bytes ReadLine pulls from the backing storage at once.
const readChunk = 32 * 1024

// storage is where a Stream keeps the spooled bytes.
type storage interface {
	io.WriterAt
	io.ReaderAt
}

// memory is an in-memory storage. Writes append at off and drop everything after it.
type memory struct {
	buf []byte
}

func (m *memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.buf)) {
		return 0, fmt.Errorf("spool: write at %d beyond end %d", off, len(m.buf))
	}
	m.buf = append(m.buf[:off], p...)
	return len(p), nil
}

func (m *memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Stream is a write-once, line-buffered spool.
// It is not safe for concurrent use: writes and reads need to happen on the same goroutine
// or be synchronized by the caller.
type Stream struct {
	dir     string
	maxMem  int
	store   storage
	file    *os.File
	written int64
	read    int64
	pending []byte
	eof     bool
	closed  bool
}

// New creates a new Stream that keeps up to maxMem bytes in memory.
// When more data gets written, the data moves to a temporary file in dir
// (the default directory for temporary files when dir is empty).
//
// If maxMem is less than 1 the temporary file gets created right away, and New
// returns an error when that fails.
func New(dir string, maxMem int) (*Stream, error) {
	s := &Stream{dir: dir, maxMem: maxMem, store: &memory{}}
	if maxMem < 1 {
		if err := s.spill(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// newWithStorage is used in tests to inject failing storage.
func newWithStorage(store storage) *Stream {
	return &Stream{maxMem: -1, store: store}
}

func (s *Stream) spill() error {
	f, err := os.CreateTemp(s.dir, "spool-*")
	if err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	if mem, ok := s.store.(*memory); ok && len(mem.buf) > 0 {
		if _, err := f.WriteAt(mem.buf, 0); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return fmt.Errorf("spool: %w", err)
		}
	}
	s.file = f
	s.store = f
	return nil
}

// WriteLine appends line and a line terminator to the stream.
// When only a part of the line could be written, WriteLine returns [io.ErrShortWrite] or the error
// of the storage. The part that got written is discarded: the next line overwrites it.
func (s *Stream) WriteLine(line string) error {
	if s.closed {
		return ErrClosed
	}
	if s.eof {
		return ErrWriteClosed
	}
	data := make([]byte, 0, len(line)+1)
	data = append(data, line...)
	data = append(data, '\n')
	if s.file == nil && s.maxMem >= 0 && s.written+int64(len(data)) > int64(s.maxMem) {
		if err := s.spill(); err != nil {
			return err
		}
	}
	n, err := s.store.WriteAt(data, s.written)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return err
	}
	s.written += int64(n)
	return nil
}

// CloseWrite marks the end of the data. After all written lines got read, [Stream.ReadLine] returns [io.EOF].
func (s *Stream) CloseWrite() error {
	if s.closed {
		return ErrClosed
	}
	s.eof = true
	return nil
}

// ReadLine returns the next line without its line terminator.
//
// It returns [ErrNoLine] when there is no complete line yet, and [io.EOF] when all lines
// were read and [Stream.CloseWrite] was called. An unterminated last line is returned
// before [io.EOF]. All other errors come from the backing storage.
func (s *Stream) ReadLine() (string, error) {
	if s.closed {
		return "", ErrClosed
	}
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := string(s.pending[:i])
			s.pending = s.pending[i+1:]
			return line, nil
		}
		if s.read < s.written {
			if err := s.fill(); err != nil {
				return "", err
			}
			continue
		}
		if !s.eof {
			return "", ErrNoLine
		}
		if len(s.pending) > 0 {
			line := string(s.pending)
			s.pending = nil
			return line, nil
		}
		return "", io.EOF
	}
}

func (s *Stream) fill() error {
	buf := make([]byte, min(int64(readChunk), s.written-s.read))
	n, err := s.store.ReadAt(buf, s.read)
	if n < len(buf) && err == nil {
		err = io.ErrUnexpectedEOF
	}
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return fmt.Errorf("spool: read at %d: %w", s.read, err)
	}
	s.read += int64(n)
	s.pending = append(s.pending, buf[:n]...)
	return nil
}

// Len returns the number of bytes written to the stream.
func (s *Stream) Len() int64 {
	return s.written
}

// Close releases the stream. A temporary file gets deleted.
// Close returns [ErrClosed] when the stream was already closed.
func (s *Stream) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.pending = nil
	s.store = nil
	if s.file != nil {
		err1 := s.file.Close()
		err2 := os.Remove(s.file.Name())
		s.file = nil
		if err1 != nil {
			return err1
		}
		if os.IsNotExist(err2) {
			err2 = nil
		}
		return err2
	}
	return nil
}
