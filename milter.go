// Package milter connects a mail filter to an MTA with the milter protocol.
//
// The MTA events of one SMTP connection get delivered to a [Filter], keyed by an opaque connection [ID].
// The message data is not handed out in milter chunks but as lines: header fields, the empty line
// that ends the header and the body lines, in the order they appeared in the message.
package milter

import (
	"context"
)

// OptProtocol masks out unwanted parts of the SMTP transaction.
// Multiple options can be set using a bitmask.
type OptProtocol uint32

// The options that the filter can send to the MTA during negotiation to tailor the communication.
const (
	OptNoConnect     OptProtocol = 1 << 0  // MTA does not send connect events. SMFIP_NOCONNECT
	OptNoHelo        OptProtocol = 1 << 1  // MTA does not send HELO/EHLO events. SMFIP_NOHELO
	OptNoMailFrom    OptProtocol = 1 << 2  // MTA does not send MAIL FROM events. SMFIP_NOMAIL
	OptNoRcptTo      OptProtocol = 1 << 3  // MTA does not send RCPT TO events. SMFIP_NORCPT
	OptNoBody        OptProtocol = 1 << 4  // MTA does not send message body data. SMFIP_NOBODY
	OptNoHeaders     OptProtocol = 1 << 5  // MTA does not send message header data. SMFIP_NOHDRS
	OptNoEOH         OptProtocol = 1 << 6  // MTA does not send end of header indication event. SMFIP_NOEOH
	OptNoUnknown     OptProtocol = 1 << 8  // MTA does not send unknown SMTP command events. SMFIP_NOUNKNOWN
	OptNoData        OptProtocol = 1 << 9  // MTA does not send the DATA start event. SMFIP_NODATA
	OptNoConnReply   OptProtocol = 1 << 12 // Filter does not send a reply to connection event. SMFIP_NR_CONN [v6]
	OptNoHeloReply   OptProtocol = 1 << 13 // Filter does not send a reply to HELO/EHLO event. SMFIP_NR_HELO [v6]
	OptNoMailReply   OptProtocol = 1 << 14 // Filter does not send a reply to MAIL FROM event. SMFIP_NR_MAIL [v6]
	OptNoRcptReply   OptProtocol = 1 << 15 // Filter does not send a reply to RCPT TO event. SMFIP_NR_RCPT [v6]
	OptNoUnknownRepl OptProtocol = 1 << 17 // Filter does not send a reply to unknown command event. SMFIP_NR_UNKN [v6]

	// OptHeaderLeadingSpace asks the MTA to not swallow the space after the colon of a header field.
	// SMFIP_HDR_LEADSPC [v6]
	OptHeaderLeadingSpace OptProtocol = 1 << 20
)

// optInternal are the bits 28, 29 and 30 that are only used between MTA and libmilter. SMFI_INTERNAL
const optInternal OptProtocol = 1<<28 | 1<<29 | 1<<30

// ConnectInfo is the connection data the MTA provides for a new SMTP connection.
type ConnectInfo struct {
	Hostname string // The host name the MTA figured out for the remote client.
	Family   string // "unknown", "unix", "tcp4" or "tcp6"
	Port     uint16 // If Family is "tcp4" or "tcp6" the remote port of client connecting to the MTA
	Addr     string // If Family "unix" the path to the unix socket. If "tcp4" or "tcp6" the IP address of the remote client.
}

// Filter receives the events of SMTP connections.
// Each method receives the [ID] of the connection the event belongs to.
// All events of one connection are delivered from one goroutine, events of different connections
// are delivered concurrently.
//
// A [RespAccept] before the end of the message lets the SMTP transaction proceed.
// A rejecting [Response] ends the current transaction, [Filter.Rollback] gets called right after.
//
// When a method returns an error, the error gets logged, the [Response] (if any) gets sent
// and the connection to the MTA is closed.
type Filter interface {
	// Connect is called when a client connected to the MTA.
	Connect(id ID, info ConnectInfo) (*Response, error)

	// Helo is called with the name the client used in HELO/EHLO.
	Helo(id ID, name string) (*Response, error)

	// MailFrom is called with the envelope sender (without angles). It starts a new transaction.
	MailFrom(id ID, from string) (*Response, error)

	// RcptTo is called for every envelope recipient (without angles).
	RcptTo(id ID, rcpt string) (*Response, error)

	// Data is called when the client starts sending the message.
	// ctx gets canceled when the connection to the MTA breaks.
	Data(ctx context.Context, id ID) (*Response, error)

	// DataLine is called for every line of the message, without line terminator.
	DataLine(id ID, line string) error

	// DataReady is called after one or more calls to DataLine.
	// It is a readiness notification: a filter that buffers lines can consume them now.
	// Return [RespContinue] to keep on receiving data.
	DataReady(id ID) (*Response, error)

	// EndOfMessage is called after the last line of the message. size is the number of
	// message bytes the MTA sent. The returned [Response] decides the fate of the transaction.
	// ctx gets canceled when the connection to the MTA breaks.
	EndOfMessage(ctx context.Context, id ID, size int64) (*Response, error)

	// Commit is called when the transaction got accepted.
	Commit(id ID)

	// Rollback is called when the transaction got aborted or rejected.
	Rollback(id ID)

	// Disconnect is called exactly once for every connection that saw Connect.
	Disconnect(id ID)
}

// NoOpFilter is a [Filter] that accepts everything.
// Embed it in your own [Filter] when you only need some of the events.
type NoOpFilter struct{}

var _ Filter = NoOpFilter{}

func (NoOpFilter) Connect(ID, ConnectInfo) (*Response, error) {
	return RespContinue, nil
}

func (NoOpFilter) Helo(ID, string) (*Response, error) {
	return RespContinue, nil
}

func (NoOpFilter) MailFrom(ID, string) (*Response, error) {
	return RespContinue, nil
}

func (NoOpFilter) RcptTo(ID, string) (*Response, error) {
	return RespContinue, nil
}

func (NoOpFilter) Data(context.Context, ID) (*Response, error) {
	return RespContinue, nil
}

func (NoOpFilter) DataLine(ID, string) error {
	return nil
}

func (NoOpFilter) DataReady(ID) (*Response, error) {
	return RespContinue, nil
}

func (NoOpFilter) EndOfMessage(context.Context, ID, int64) (*Response, error) {
	return RespAccept, nil
}

func (NoOpFilter) Commit(ID) {}

func (NoOpFilter) Rollback(ID) {}

func (NoOpFilter) Disconnect(ID) {}
