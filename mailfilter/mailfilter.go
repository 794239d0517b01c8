// Package mailfilter scans every message an MTA receives with a [scanner.Scanner].
//
// The [Dispatcher] keeps one [Session] per SMTP connection. The message data of a transaction gets
// written to a [Spool] and sent to the scanner line by line while it arrives. Whenever new lines are
// ready the spool gets drained into a [parser.Feed]. At the end of the message the verdict of the
// scanner decides if the MTA accepts or rejects the message.
package mailfilter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/d--j/rspamd-milter"
	"github.com/d--j/rspamd-milter/parser"
	"github.com/d--j/rspamd-milter/scanner"
)

// ErrNoSession is returned when the MTA sends an event for a connection without a connect event.
var ErrNoSession = errors.New("mailfilter: no session")

// errNotStarted is returned when message data arrives for a transaction without DATA.
var errNotStarted = errors.New("mailfilter: message data outside of DATA")

// temporaryRejectCode replaces the code of scanner rejections that are not temporary.
const temporaryRejectCode = 451

// respTemporaryFailure is the answer to every infrastructure problem.
var respTemporaryFailure = mustReject(421, "temporary failure")

func mustReject(code uint16, reason string) *milter.Response {
	resp, err := milter.RejectWithCodeAndReason(code, reason)
	if err != nil {
		panic(err)
	}
	return resp
}

// Dispatcher is a [milter.Filter] that scans the messages of all connections of an MTA.
type Dispatcher struct {
	scanner  scanner.Scanner
	opts     options
	mu       sync.Mutex
	sessions map[milter.ID]*Session
}

var _ milter.Filter = (*Dispatcher)(nil)

// New creates a [Dispatcher] that uses s to scan messages.
//
// This function will panic when s is nil.
func New(s scanner.Scanner, opts ...Option) *Dispatcher {
	if s == nil {
		panic("mailfilter: scanner is nil")
	}
	o := options{
		logger:      slog.Default(),
		scanTimeout: 30 * time.Second,
	}
	WithSpool("", 200*1024)(&o)
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Dispatcher{
		scanner:  s,
		opts:     o,
		sessions: make(map[milter.ID]*Session),
	}
}

func (d *Dispatcher) session(id milter.ID) (*Session, error) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w for connection %s", ErrNoSession, id)
	}
	return s, nil
}

// transaction returns the transaction of connection id that is either started or decided.
func (d *Dispatcher) transaction(id milter.ID) (*Session, *Transaction, error) {
	s, err := d.session(id)
	if err != nil {
		return nil, nil, err
	}
	tx := s.tx
	if tx == nil {
		return s, nil, errNotStarted
	}
	if tx.decision == nil && !tx.started() {
		return s, nil, errNotStarted
	}
	return s, tx, nil
}

func (d *Dispatcher) logger(id milter.ID) *slog.Logger {
	return d.opts.logger.With(slog.String("id", id.String()))
}

// Sessions returns the number of open sessions.
func (d *Dispatcher) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// fail releases the resources of tx and decides it with a temporary failure.
func (d *Dispatcher) fail(log *slog.Logger, tx *Transaction, msg string, err error) *milter.Response {
	log.Error(msg, slog.Any("error", err))
	d.release(log, tx)
	return tx.decide(respTemporaryFailure)
}

func (d *Dispatcher) release(log *slog.Logger, tx *Transaction) {
	if err := tx.release(); err != nil {
		log.Warn("release transaction", slog.Any("error", err))
	}
}

func (d *Dispatcher) Connect(id milter.ID, info milter.ConnectInfo) (*milter.Response, error) {
	s := &Session{ID: id, Addr: info.Addr, Hostname: info.Hostname}
	d.mu.Lock()
	old := d.sessions[id]
	d.sessions[id] = s
	d.mu.Unlock()
	log := d.logger(id)
	if old != nil {
		log.Warn("connect for an open session")
		if err := old.reset(); err != nil {
			log.Warn("release transaction", slog.Any("error", err))
		}
	}
	log.Debug("connect", slog.String("addr", info.Addr), slog.String("hostname", info.Hostname))
	return milter.RespAccept, nil
}

func (d *Dispatcher) Helo(id milter.ID, name string) (*milter.Response, error) {
	s, err := d.session(id)
	if err != nil {
		return milter.RespReject, err
	}
	s.Helo = name
	return milter.RespAccept, nil
}

func (d *Dispatcher) MailFrom(id milter.ID, from string) (*milter.Response, error) {
	s, err := d.session(id)
	if err != nil {
		return milter.RespReject, err
	}
	if s.tx != nil {
		if err := s.reset(); err != nil {
			d.logger(id).Warn("release transaction", slog.Any("error", err))
		}
	}
	s.transaction().From = from
	return milter.RespAccept, nil
}

func (d *Dispatcher) RcptTo(id milter.ID, rcpt string) (*milter.Response, error) {
	s, err := d.session(id)
	if err != nil {
		return milter.RespReject, err
	}
	// only one recipient gets scanned, the last one wins
	s.transaction().Rcpt = rcpt
	return milter.RespAccept, nil
}

func (d *Dispatcher) Data(ctx context.Context, id milter.ID) (*milter.Response, error) {
	s, err := d.session(id)
	if err != nil {
		return milter.RespReject, err
	}
	tx := s.transaction()
	if tx.decision != nil {
		return tx.decision, nil
	}
	if tx.started() {
		return milter.RespContinue, nil
	}
	log := d.logger(id)
	sp, err := d.opts.openSpool()
	if err != nil {
		return d.fail(log, tx, "open spool", err), nil
	}
	tx.spool = sp
	scan, err := d.scanner.Open(ctx, s.envelope())
	if err != nil {
		return d.fail(log, tx, "connect to scanner", err), nil
	}
	tx.scan = scan
	return milter.RespContinue, nil
}

func (d *Dispatcher) DataLine(id milter.ID, line string) error {
	_, tx, err := d.transaction(id)
	if err != nil {
		return err
	}
	if tx.decision != nil {
		return nil
	}
	if err := tx.spool.WriteLine(line); err != nil && !tx.failed {
		tx.failed = true
		d.logger(id).Error("write to spool", slog.Any("error", err))
	}
	if tx.scanErr == nil {
		tx.scanErr = tx.scan.SendLine(line)
	}
	return nil
}

func (d *Dispatcher) DataReady(id milter.ID) (*milter.Response, error) {
	_, tx, err := d.transaction(id)
	if err != nil {
		return milter.RespReject, err
	}
	if tx.decision != nil {
		return tx.decision, nil
	}
	if _, err := tx.drain(); err != nil {
		return d.fail(d.logger(id), tx, "read spool", err), nil
	}
	return milter.RespContinue, nil
}

func (d *Dispatcher) EndOfMessage(ctx context.Context, id milter.ID, size int64) (*milter.Response, error) {
	s, tx, err := d.transaction(id)
	if err != nil {
		return milter.RespReject, err
	}
	if tx.decision != nil {
		return tx.decision, nil
	}
	log := d.logger(id)
	if err := tx.spool.CloseWrite(); err != nil {
		return d.fail(log, tx, "close spool", err), nil
	}
	if _, err := tx.drain(); err != nil {
		return d.fail(log, tx, "read spool", err), nil
	}
	if tx.failed {
		return d.fail(log, tx, "spool incomplete", errors.New("mailfilter: not every line got spooled")), nil
	}
	if tx.scanErr != nil {
		return d.fail(log, tx, "send to scanner", tx.scanErr), nil
	}
	if err := tx.scan.End(); err != nil {
		return d.fail(log, tx, "send to scanner", err), nil
	}
	if d.opts.scanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.scanTimeout)
		defer cancel()
	}
	v, err := tx.scan.Verdict(ctx)
	if err != nil {
		return d.fail(log, tx, "scan", err), nil
	}
	d.release(log, tx)

	resp := milter.RespAccept
	if v.Action == scanner.Reject {
		if !v.Temporary() {
			// a scan result never rejects a message for good
			log.Warn("scanner rejected with a non-temporary code", slog.Int("code", int(v.Code)))
			v.Code = temporaryRejectCode
		}
		if resp, err = milter.RejectWithCodeAndReason(v.Code, v.Reason); err != nil {
			return d.fail(log, tx, "invalid verdict", err), nil
		}
	}
	log.Info("scanned", append(messageAttrs(&tx.feed),
		slog.String("from", tx.From),
		slog.String("rcpt", tx.Rcpt),
		slog.String("ip", s.Addr),
		slog.Int64("size", size),
		slog.String("action", v.Action.String()),
		slog.Int("code", int(v.Code)),
		slog.Bool("temporary", v.Temporary()),
		slog.Float64("score", v.Score),
	)...)
	return tx.decide(resp), nil
}

// messageAttrs returns the log attributes the message header provides.
func messageAttrs(feed *parser.Feed) []any {
	h, ok := feed.Header()
	if !ok {
		return nil
	}
	var attrs []any
	if id, err := h.MessageID(); err == nil && id != "" {
		attrs = append(attrs, slog.String("message_id", id))
	}
	if subject, err := h.Subject(); err == nil && subject != "" {
		attrs = append(attrs, slog.String("subject", subject))
	}
	return attrs
}

func (d *Dispatcher) Commit(id milter.ID) {
	d.reset(id)
}

func (d *Dispatcher) Rollback(id milter.ID) {
	d.reset(id)
}

func (d *Dispatcher) reset(id milter.ID) {
	s, err := d.session(id)
	if err != nil {
		d.logger(id).Warn("reset", slog.Any("error", err))
		return
	}
	if err := s.reset(); err != nil {
		d.logger(id).Warn("release transaction", slog.Any("error", err))
	}
}

func (d *Dispatcher) Disconnect(id milter.ID) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()
	log := d.logger(id)
	if !ok {
		log.Warn("disconnect", slog.Any("error", ErrNoSession))
		return
	}
	if err := s.reset(); err != nil {
		log.Warn("release transaction", slog.Any("error", err))
	}
	log.Debug("disconnect")
}
