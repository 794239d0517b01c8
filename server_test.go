package milter

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/d--j/rspamd-milter/internal/wire"
)

type testMTA struct {
	t    *testing.T
	conn net.Conn
}

func (m *testMTA) send(msg *wire.Message) {
	m.t.Helper()
	if err := wire.WritePacket(m.conn, msg, time.Second); err != nil {
		m.t.Fatalf("send %c: %v", msg.Code, err)
	}
}

// expect reads the next response and skips progress notifications. It returns the number of skipped notifications.
func (m *testMTA) expect(code wire.ActionCode) (*wire.Message, int) {
	m.t.Helper()
	progress := 0
	for {
		msg, err := wire.ReadPacket(m.conn, 5*time.Second)
		if err != nil {
			m.t.Fatalf("read response: %v", err)
		}
		if wire.ActionCode(msg.Code) == wire.ActProgress {
			progress++
			continue
		}
		if wire.ActionCode(msg.Code) != code {
			m.t.Fatalf("got response %c, want %c", msg.Code, code)
		}
		return msg, progress
	}
}

func (m *testMTA) roundTrip(msg *wire.Message, code wire.ActionCode) {
	m.t.Helper()
	m.send(msg)
	m.expect(code)
}

func startServer(t *testing.T, f Filter, opts ...Option) (*Server, net.Addr, chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(append(opts, WithFilter(f))...)
	errs := make(chan error, 1)
	go func() {
		errs <- s.Serve(ln)
	}()
	return s, ln.Addr(), errs
}

func dial(t *testing.T, addr net.Addr) *testMTA {
	t.Helper()
	conn, err := net.Dial(addr.Network(), addr.String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return &testMTA{t: t, conn: conn}
}

func TestServer_Serve(t *testing.T) {
	f := &recordFilter{eomDelay: 100 * time.Millisecond, disconnected: make(chan struct{})}
	s, addr, errs := startServer(t, f, WithProgressInterval(10*time.Millisecond))
	mta := dial(t, addr)

	mta.send(negotiation(6, OptNoUnknown|OptHeaderLeadingSpace|OptNoConnReply))
	resp, _ := mta.expect(wire.ActionCode(wire.CodeOptNeg))
	if want := negotiation(6, OptNoUnknown|OptHeaderLeadingSpace); string(resp.Data[8:]) != string(want.Data[8:]) {
		t.Fatalf("negotiated protocol %x", resp.Data[8:])
	}
	mta.roundTrip(connectMsg, wire.ActContinue)
	mta.roundTrip(&wire.Message{Code: wire.CodeHelo, Data: cstring("mail.example.com")}, wire.ActContinue)
	mta.roundTrip(&wire.Message{Code: wire.CodeMail, Data: cstring("<a@x.com>")}, wire.ActContinue)
	mta.roundTrip(&wire.Message{Code: wire.CodeRcpt, Data: cstring("<b@y.com>")}, wire.ActContinue)
	mta.roundTrip(&wire.Message{Code: wire.CodeData}, wire.ActContinue)
	mta.roundTrip(&wire.Message{Code: wire.CodeHeader, Data: cstring("Subject", " hi")}, wire.ActContinue)
	mta.roundTrip(&wire.Message{Code: wire.CodeEOH}, wire.ActContinue)
	mta.roundTrip(&wire.Message{Code: wire.CodeBody, Data: []byte("body\r\n")}, wire.ActContinue)
	mta.send(&wire.Message{Code: wire.CodeEOB})
	if _, progress := mta.expect(wire.ActAccept); progress == 0 {
		t.Error("no progress notifications while the filter was busy")
	}
	mta.send(&wire.Message{Code: wire.CodeQuit})
	if _, err := wire.ReadPacket(mta.conn, 5*time.Second); !errors.Is(err, io.EOF) {
		t.Fatalf("server did not close the connection: %v", err)
	}

	select {
	case <-f.disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("Disconnect was not called")
	}
	want := []string{"line Subject: hi", "ready", "line ", "ready", "line body", "ready", "eom 19", "commit", "disconnect"}
	got := f.events[len(f.events)-len(want):]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %q, want suffix %q", f.events, want)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-errs; !errors.Is(err, ErrServerClosed) {
		t.Fatalf("Serve() = %v", err)
	}
	if err := s.Close(); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("second Close() = %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if err := s.Serve(ln); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("Serve() after Close = %v", err)
	}
}

func TestServer_ConnectionLost(t *testing.T) {
	f := &recordFilter{disconnected: make(chan struct{})}
	s, addr, _ := startServer(t, f)
	defer s.Close()
	mta := dial(t, addr)
	mta.send(negotiation(2, 0))
	mta.expect(wire.ActionCode(wire.CodeOptNeg))
	mta.roundTrip(connectMsg, wire.ActContinue)
	mta.roundTrip(&wire.Message{Code: wire.CodeMail, Data: cstring("<a@x.com>")}, wire.ActContinue)
	mta.roundTrip(&wire.Message{Code: wire.CodeBody, Data: []byte("half a line")}, wire.ActContinue)
	_ = mta.conn.Close()
	select {
	case <-f.disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("Disconnect was not called")
	}
	want := []string{"rollback", "disconnect"}
	if got := f.events[len(f.events)-2:]; got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %q", f.events)
	}
}

func TestServer_NegotiationFailure(t *testing.T) {
	s, addr, _ := startServer(t, NoOpFilter{})
	defer s.Close()
	mta := dial(t, addr)
	mta.send(negotiation(1, 0))
	if _, err := wire.ReadPacket(mta.conn, 5*time.Second); !errors.Is(err, io.EOF) {
		t.Fatalf("server did not close the connection: %v", err)
	}
}

func TestNewServer(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"no filter", nil},
		{"version too high", []Option{WithFilter(NoOpFilter{}), WithMaximumVersion(7)}},
		{"version too low", []Option{WithFilter(NoOpFilter{}), WithMaximumVersion(1)}},
		{"progress interval", []Option{WithFilter(NoOpFilter{}), WithProgressInterval(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("NewServer did not panic")
				}
			}()
			NewServer(tt.opts...)
		})
	}
	s := NewServer(WithFilter(NoOpFilter{}), WithReadTimeout(time.Minute), WithWriteTimeout(time.Minute), nil)
	if s.options.readTimeout != time.Minute || s.options.writeTimeout != time.Minute {
		t.Fatalf("options = %+v", s.options)
	}
}
