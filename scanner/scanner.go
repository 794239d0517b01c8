// Package scanner defines how a message gets streamed to a content-scanning service.
package scanner

import (
	"context"
	"fmt"
)

// Envelope is the SMTP data of the message that the scanning service gets along with the message.
type Envelope struct {
	From     string // envelope sender
	Rcpt     string // envelope recipient
	IP       string // address of the SMTP client
	Helo     string // HELO/EHLO name of the SMTP client
	Hostname string // host name of the SMTP client
}

// Scanner opens scans.
type Scanner interface {
	// Open connects to the scanning service. An error means the service is unavailable.
	Open(ctx context.Context, env Envelope) (Scan, error)
}

// Scan streams one message to the scanning service.
// Once a Scan failed, all further calls fail; the message is not replayed.
type Scan interface {
	// SendLine forwards one line of the message (without line terminator).
	SendLine(line string) error
	// End marks the end of the message.
	End() error
	// Verdict waits for the result of the scan. It must only be called after End.
	Verdict(ctx context.Context) (Verdict, error)
	// Close releases the connection. It is safe to call after any error.
	Close() error
}

// Action is what should happen with a scanned message.
type Action int

const (
	Accept Action = iota
	Reject
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Verdict is the result of a scan.
type Verdict struct {
	Action Action
	Code   uint16  // SMTP code to use, e.g. 250 or 451
	Reason string  // SMTP reason text, can start with an enhanced status code
	Score  float64 // score the service computed, for logging
}

// Temporary reports whether the verdict asks the sender to retry later.
func (v Verdict) Temporary() bool {
	return v.Action == Reject && v.Code >= 400 && v.Code < 500
}
