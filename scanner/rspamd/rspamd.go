// Package rspamd streams messages to an rspamd worker with its HTTP protocol.
//
// Every [scanner.Scan] uses its own TCP connection. The message is sent as the chunked
// body of a POST to /checkv2 while it arrives, so the scan can start before the
// end of the message.
package rspamd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/d--j/rspamd-milter/internal/addr"
	"github.com/d--j/rspamd-milter/scanner"
)

// DefaultHost and DefaultPort are where a local rspamd normal worker listens.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = "11333"
)

// chunkSize is the size of the HTTP chunks the message is sent in.
const chunkSize = 16 * 1024

var errEnded = errors.New("rspamd: message already ended")

type options struct {
	dialer     *net.Dialer
	timeout    time.Duration
	password   string
	settingsID string
}

// Option configures a [Client].
type Option func(*options)

// WithDialer sets the [net.Dialer] the [Client] uses. The default dialer has a timeout of 10 seconds.
func WithDialer(dialer *net.Dialer) Option {
	return func(o *options) {
		o.dialer = dialer
	}
}

// WithTimeout sets the timeout of every write and of waiting for the result. The default is 30 seconds.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithPassword sets the password rspamd expects in the Password header.
func WithPassword(password string) Option {
	return func(o *options) {
		o.password = password
	}
}

// WithSettingsID selects the rspamd settings with the Settings-ID header.
func WithSettingsID(id string) Option {
	return func(o *options) {
		o.settingsID = id
	}
}

// Client is a [scanner.Scanner] for rspamd.
type Client struct {
	addr string
	opts options
}

var _ scanner.Scanner = (*Client)(nil)

// New creates a [Client] for the rspamd worker at host and port.
func New(host, port string, opts ...Option) *Client {
	o := options{
		dialer:  &net.Dialer{Timeout: 10 * time.Second},
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{addr: net.JoinHostPort(host, port), opts: o}
}

// Addr returns the host:port the client connects to.
func (c *Client) Addr() string {
	return c.addr
}

// Open connects to rspamd and sends the request header.
func (c *Client) Open(ctx context.Context, env scanner.Envelope) (scanner.Scan, error) {
	conn, err := c.opts.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("rspamd: connect: %w", err)
	}
	s := &scan{conn: conn, timeout: c.opts.timeout}
	s.chunked = httputil.NewChunkedWriter(conn)
	s.body = bufio.NewWriterSize(s.chunked, chunkSize)
	if err := s.writeHead(c.requestHeader(env), c.addr); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (c *Client) requestHeader(env scanner.Envelope) http.Header {
	h := http.Header{}
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Connection", "close")
	set := func(key, value string) {
		if value != "" {
			h.Set(key, value)
		}
	}
	set("From", addr.ASCII(env.From))
	set("Rcpt", addr.ASCII(env.Rcpt))
	set("IP", env.IP)
	set("Helo", env.Helo)
	set("Hostname", env.Hostname)
	set("Password", c.opts.password)
	set("Settings-ID", c.opts.settingsID)
	return h
}

type scan struct {
	conn    net.Conn
	chunked io.WriteCloser
	body    *bufio.Writer
	timeout time.Duration
	ended   bool
	err     error
}

func (s *scan) deadline() {
	if s.timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	}
}

// fail remembers the first error, every later call returns it.
func (s *scan) fail(err error) error {
	if s.err == nil {
		s.err = err
	}
	return s.err
}

func (s *scan) writeHead(h http.Header, host string) error {
	s.deadline()
	head := bufio.NewWriter(s.conn)
	_, _ = fmt.Fprintf(head, "POST /checkv2 HTTP/1.1\r\nHost: %s\r\n", host)
	_ = h.Write(head)
	_, _ = head.WriteString("\r\n")
	if err := head.Flush(); err != nil {
		return s.fail(fmt.Errorf("rspamd: write request: %w", err))
	}
	return nil
}

func (s *scan) SendLine(line string) error {
	if s.err != nil {
		return s.err
	}
	if s.ended {
		return errEnded
	}
	s.deadline()
	if _, err := s.body.WriteString(line); err != nil {
		return s.fail(fmt.Errorf("rspamd: send: %w", err))
	}
	if _, err := s.body.WriteString("\r\n"); err != nil {
		return s.fail(fmt.Errorf("rspamd: send: %w", err))
	}
	return nil
}

func (s *scan) End() error {
	if s.err != nil {
		return s.err
	}
	if s.ended {
		return errEnded
	}
	s.ended = true
	s.deadline()
	if err := s.body.Flush(); err != nil {
		return s.fail(fmt.Errorf("rspamd: send: %w", err))
	}
	// the chunked writer does not write the CRLF after the (empty) trailer
	if err := s.chunked.Close(); err != nil {
		return s.fail(fmt.Errorf("rspamd: send: %w", err))
	}
	if _, err := io.WriteString(s.conn, "\r\n"); err != nil {
		return s.fail(fmt.Errorf("rspamd: send: %w", err))
	}
	return nil
}

type result struct {
	Action        string            `json:"action"`
	Score         float64           `json:"score"`
	RequiredScore float64           `json:"required_score"`
	Skipped       bool              `json:"is_skipped"`
	Messages      map[string]string `json:"messages"`
}

func (s *scan) Verdict(ctx context.Context) (scanner.Verdict, error) {
	if s.err != nil {
		return scanner.Verdict{}, s.err
	}
	if !s.ended {
		return scanner.Verdict{}, s.fail(errors.New("rspamd: verdict requested before end of message"))
	}
	var deadline time.Time
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = s.conn.SetReadDeadline(deadline)
	// unblock the read when ctx gets canceled
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	resp, err := http.ReadResponse(bufio.NewReader(s.conn), nil)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return scanner.Verdict{}, s.fail(fmt.Errorf("rspamd: read response: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return scanner.Verdict{}, s.fail(fmt.Errorf("rspamd: unexpected status %q", resp.Status))
	}
	var r result
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return scanner.Verdict{}, s.fail(fmt.Errorf("rspamd: decode response: %w", err))
	}
	v, err := verdict(r)
	if err != nil {
		return v, s.fail(err)
	}
	return v, nil
}

// verdict maps the rspamd action to what the MTA should do.
func verdict(r result) (scanner.Verdict, error) {
	v := scanner.Verdict{Score: r.Score}
	switch r.Action {
	case "no action", "add header", "rewrite subject":
		v.Action, v.Code, v.Reason = scanner.Accept, 250, "2.0.0 Ok"
	case "soft reject", "greylist":
		v.Action, v.Code, v.Reason = scanner.Reject, 451, "4.7.1 Try again later"
	case "reject":
		v.Action, v.Code, v.Reason = scanner.Reject, 451, "4.7.1 Spam message rejected"
	default:
		return v, fmt.Errorf("rspamd: unknown action %q", r.Action)
	}
	if msg := r.Messages["smtp_message"]; msg != "" && v.Action == scanner.Reject {
		v.Reason = msg
	}
	return v, nil
}

func (s *scan) Close() error {
	return s.conn.Close()
}
