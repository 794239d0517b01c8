// Package wire reads milter commands from an MTA and writes the replies of the filter.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Code is the command byte of a milter packet.
type Code byte

// Message is one milter packet.
type Message struct {
	Code Code
	Data []byte
}

// Commands the MTA sends.
const (
	CodeOptNeg      Code = 'O' // SMFIC_OPTNEG
	CodeMacro       Code = 'D' // SMFIC_MACRO
	CodeConn        Code = 'C' // SMFIC_CONNECT
	CodeQuit        Code = 'Q' // SMFIC_QUIT
	CodeHelo        Code = 'H' // SMFIC_HELO
	CodeMail        Code = 'M' // SMFIC_MAIL
	CodeRcpt        Code = 'R' // SMFIC_RCPT
	CodeHeader      Code = 'L' // SMFIC_HEADER
	CodeEOH         Code = 'N' // SMFIC_EOH
	CodeBody        Code = 'B' // SMFIC_BODY
	CodeEOB         Code = 'E' // SMFIC_BODYEOB
	CodeAbort       Code = 'A' // SMFIC_ABORT
	CodeData        Code = 'T' // SMFIC_DATA
	CodeQuitNewConn Code = 'K' // SMFIC_QUIT_NC [v6]
	CodeUnknown     Code = 'U' // SMFIC_UNKNOWN [v6]
)

// ActionCode is the command byte of a filter reply.
type ActionCode byte

const (
	ActAccept    ActionCode = 'a' // SMFIR_ACCEPT
	ActContinue  ActionCode = 'c' // SMFIR_CONTINUE
	ActDiscard   ActionCode = 'd' // SMFIR_DISCARD
	ActReject    ActionCode = 'r' // SMFIR_REJECT
	ActTempFail  ActionCode = 't' // SMFIR_TEMPFAIL
	ActReplyCode ActionCode = 'y' // SMFIR_REPLYCODE
	ActProgress  ActionCode = 'p' // SMFIR_PROGRESS [v6]
)

// We reject reading/writing messages larger than 512 MB outright.
const maxPacketSize = 512 * 1024 * 1024

var errNilMessage = errors.New("wire: nil message")

// ReadPacket reads one packet from conn. A timeout of 0 disables the read deadline.
func ReadPacket(conn net.Conn, timeout time.Duration) (*Message, error) {
	if timeout != 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}

	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, errors.New("wire: empty packet")
	}
	if length > maxPacketSize {
		return nil, fmt.Errorf("wire: refusing to read %d bytes in one packet", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	return &Message{Code: Code(data[0]), Data: data[1:]}, nil
}

// WritePacket writes msg to conn. A timeout of 0 disables the write deadline.
func WritePacket(conn net.Conn, msg *Message, timeout time.Duration) error {
	if msg == nil {
		return errNilMessage
	}
	length := len(msg.Data) + 1
	if length > maxPacketSize {
		return fmt.Errorf("wire: cannot write %d bytes in one packet", length)
	}
	if timeout != 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}

	buf := make([]byte, 0, 5+len(msg.Data))
	buf = binary.BigEndian.AppendUint32(buf, uint32(length))
	buf = append(buf, byte(msg.Code))
	buf = append(buf, msg.Data...)
	_, err := conn.Write(buf)
	return err
}
