package main

import (
	"context"
	"log/slog"

	"github.com/d--j/rspamd-milter"
)

// traceFilter logs all events and responses of the filter it wraps.
type traceFilter struct {
	next   milter.Filter
	logger *slog.Logger
}

var _ milter.Filter = (*traceFilter)(nil)

func (t *traceFilter) log(id milter.ID, event string, resp *milter.Response, err error, attrs ...any) {
	attrs = append(attrs, slog.String("id", id.String()))
	if resp != nil {
		attrs = append(attrs, slog.String("response", resp.String()))
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	t.logger.Debug(event, attrs...)
}

func (t *traceFilter) Connect(id milter.ID, info milter.ConnectInfo) (*milter.Response, error) {
	resp, err := t.next.Connect(id, info)
	t.log(id, "CONNECT", resp, err, slog.String("host", info.Hostname), slog.String("family", info.Family), slog.Int("port", int(info.Port)), slog.String("addr", info.Addr))
	return resp, err
}

func (t *traceFilter) Helo(id milter.ID, name string) (*milter.Response, error) {
	resp, err := t.next.Helo(id, name)
	t.log(id, "HELO", resp, err, slog.String("name", name))
	return resp, err
}

func (t *traceFilter) MailFrom(id milter.ID, from string) (*milter.Response, error) {
	resp, err := t.next.MailFrom(id, from)
	t.log(id, "MAIL FROM", resp, err, slog.String("from", from))
	return resp, err
}

func (t *traceFilter) RcptTo(id milter.ID, rcpt string) (*milter.Response, error) {
	resp, err := t.next.RcptTo(id, rcpt)
	t.log(id, "RCPT TO", resp, err, slog.String("rcpt", rcpt))
	return resp, err
}

func (t *traceFilter) Data(ctx context.Context, id milter.ID) (*milter.Response, error) {
	resp, err := t.next.Data(ctx, id)
	t.log(id, "DATA", resp, err)
	return resp, err
}

// DataLine is not logged, it would log the whole message.
func (t *traceFilter) DataLine(id milter.ID, line string) error {
	return t.next.DataLine(id, line)
}

func (t *traceFilter) DataReady(id milter.ID) (*milter.Response, error) {
	return t.next.DataReady(id)
}

func (t *traceFilter) EndOfMessage(ctx context.Context, id milter.ID, size int64) (*milter.Response, error) {
	resp, err := t.next.EndOfMessage(ctx, id, size)
	t.log(id, "EOM", resp, err, slog.Int64("size", size))
	return resp, err
}

func (t *traceFilter) Commit(id milter.ID) {
	t.next.Commit(id)
	t.log(id, "COMMIT", nil, nil)
}

func (t *traceFilter) Rollback(id milter.ID) {
	t.next.Rollback(id)
	t.log(id, "ROLLBACK", nil, nil)
}

func (t *traceFilter) Disconnect(id milter.ID) {
	t.next.Disconnect(id)
	t.log(id, "DISCONNECT", nil, nil)
}
