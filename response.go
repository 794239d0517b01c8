package milter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/d--j/rspamd-milter/internal/wire"
	"github.com/d--j/rspamd-milter/milterutil"
)

// Response is the decision of a [Filter] about an event.
type Response struct {
	code wire.ActionCode
	data []byte
}

func (r *Response) message() *wire.Message {
	return &wire.Message{Code: wire.Code(r.code), Data: r.data}
}

// Continue returns false if the response ends the current transaction, true otherwise.
func (r *Response) Continue() bool {
	switch r.code {
	case wire.ActAccept, wire.ActDiscard, wire.ActReject, wire.ActTempFail, wire.ActReplyCode:
		return false
	default:
		return true
	}
}

// Accepted returns true for [RespAccept].
func (r *Response) Accepted() bool {
	return r.code == wire.ActAccept
}

// SMTPCode returns the SMTP code the MTA will send to the client.
// It returns 0 for responses that do not reject.
func (r *Response) SMTPCode() uint16 {
	switch r.code {
	case wire.ActTempFail:
		return 451
	case wire.ActReject:
		return 550
	case wire.ActReplyCode:
		if len(r.data) >= 3 {
			c, _ := strconv.ParseUint(string(r.data[:3]), 10, 16)
			return uint16(c)
		}
	}
	return 0
}

// Temporary returns true when the response is a temporary (4xx) rejection.
func (r *Response) Temporary() bool {
	c := r.SMTPCode()
	return c >= 400 && c < 500
}

// Reason returns the SMTP reply text of a response created with [RejectWithCodeAndReason].
func (r *Response) Reason() string {
	if r.code != wire.ActReplyCode || len(r.data) < 4 {
		return ""
	}
	return strings.TrimRight(string(r.data[4:]), "\x00")
}

// String returns a logfmt compatible representation of r.
func (r *Response) String() string {
	switch r.code {
	case wire.ActContinue:
		return "response=continue"
	case wire.ActAccept:
		return "response=accept"
	case wire.ActDiscard:
		return "response=discard"
	case wire.ActReject:
		return "response=reject"
	case wire.ActTempFail:
		return "response=temp_fail"
	case wire.ActProgress:
		return "response=progress"
	case wire.ActReplyCode:
		action := "temp_fail"
		if r.SMTPCode() > 499 {
			action = "reject"
		}
		return fmt.Sprintf("response=reply_code action=%s code=%d reason=%q", action, r.SMTPCode(), r.Reason())
	}
	return fmt.Sprintf("response=unknown code=%d data_len=%d", r.code, len(r.data))
}

// RejectWithCodeAndReason stops the transaction and tells the client the SMTP code and reason.
//
// smtpCode must be between 400 and 599, otherwise this method will return an error.
// See [milterutil.FormatResponse] for the rules on the reason string.
func RejectWithCodeAndReason(smtpCode uint16, reason string) (*Response, error) {
	if smtpCode < 400 || smtpCode > 599 {
		return nil, fmt.Errorf("milter: invalid code %d", smtpCode)
	}
	data, err := milterutil.FormatResponse(smtpCode, reason)
	if err != nil {
		return nil, err
	}
	if strings.ContainsRune(data, 0) {
		return nil, fmt.Errorf("milter: invalid data: cannot contain null-bytes")
	}
	return &Response{code: wire.ActReplyCode, data: wire.AppendCString(nil, data)}, nil
}

// Define standard responses with no data
var (
	// RespAccept lets the transaction proceed. At the end of the message it accepts the message.
	RespAccept = &Response{code: wire.ActAccept}

	// RespContinue signals that the filter wants to receive more events of the transaction.
	RespContinue = &Response{code: wire.ActContinue}

	// RespReject rejects the current transaction with a permanent error.
	RespReject = &Response{code: wire.ActReject}

	// RespTempFail rejects the current transaction with a temporary error code.
	// The sending MTA might try to deliver the same message again at a later time.
	RespTempFail = &Response{code: wire.ActTempFail}
)

// respProgress tells the MTA that the filter is still working on the message
var respProgress = &Response{code: wire.ActProgress}
