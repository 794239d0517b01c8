package mailfilter

import (
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"

	"github.com/d--j/rspamd-milter"
	"github.com/d--j/rspamd-milter/parser"
	"github.com/d--j/rspamd-milter/scanner"
	"github.com/d--j/rspamd-milter/spool"
)

// Session is the state of one SMTP connection.
// It lives from the connect event to the disconnect event and outlives its transactions.
type Session struct {
	ID       milter.ID
	Addr     string // address of the SMTP client
	Hostname string // host name the MTA determined for the SMTP client
	Helo     string // HELO/EHLO name, empty until the client sent one

	tx *Transaction
}

// Transaction returns the open transaction of s or nil when there is none.
func (s *Session) Transaction() *Transaction {
	return s.tx
}

// transaction returns the open transaction of s and starts one if necessary.
func (s *Session) transaction() *Transaction {
	if s.tx == nil {
		s.tx = &Transaction{}
	}
	return s.tx
}

// reset ends the open transaction without a verdict.
func (s *Session) reset() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.release()
	s.tx = nil
	return err
}

func (s *Session) envelope() scanner.Envelope {
	env := scanner.Envelope{
		IP:       s.Addr,
		Helo:     s.Helo,
		Hostname: s.Hostname,
	}
	if s.tx != nil {
		env.From = s.tx.From
		env.Rcpt = s.tx.Rcpt
	}
	return env
}

// Transaction is one message of a [Session].
type Transaction struct {
	From string // envelope sender
	Rcpt string // envelope recipient, the last one the client sent

	spool    Spool
	scan     scanner.Scan
	feed     parser.Feed
	failed   bool  // a line could not be written to the spool
	scanErr  error // first error sending to the scanner
	drained  bool
	decision *milter.Response
}

// Decision returns the final decision of t or nil when t is not decided yet.
func (t *Transaction) Decision() *milter.Response {
	return t.decision
}

// Lines returns how many lines of the message went through the parser.
func (t *Transaction) Lines() int {
	return t.feed.Lines()
}

// decide records resp as the decision of t. A decided transaction keeps its first decision.
func (t *Transaction) decide(resp *milter.Response) *milter.Response {
	if t.decision == nil {
		t.decision = resp
	}
	return t.decision
}

// started reports whether the spool and the scan of t got acquired.
func (t *Transaction) started() bool {
	return t.spool != nil && t.scan != nil
}

// drain feeds every complete line of the spool to the parser.
// done is true when all lines of the message got fed.
func (t *Transaction) drain() (done bool, err error) {
	if t.drained {
		return true, nil
	}
	if t.spool == nil {
		return false, spool.ErrClosed
	}
	for {
		line, err := t.spool.ReadLine()
		switch {
		case err == nil:
			t.feed.Feed(line)
		case errors.Is(err, spool.ErrNoLine):
			return false, nil
		case errors.Is(err, io.EOF):
			t.drained = true
			return true, nil
		default:
			return false, err
		}
	}
}

// release closes the spool and the scan of t. Each gets closed at most once.
func (t *Transaction) release() error {
	var result *multierror.Error
	if t.scan != nil {
		if err := t.scan.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("scanner: %w", err))
		}
		t.scan = nil
	}
	if t.spool != nil {
		if err := t.spool.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("spool: %w", err))
		}
		t.spool = nil
	}
	return result.ErrorOrNil()
}
