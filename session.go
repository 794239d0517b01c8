package milter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/d--j/rspamd-milter/internal/addr"
	"github.com/d--j/rspamd-milter/internal/wire"
	"github.com/d--j/rspamd-milter/milterutil"
)

var errCloseSession = errors.New("stop current milter processing")

// serverSession keeps session state during MTA communication
type serverSession struct {
	server       *Server
	filter       Filter
	conn         net.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	version      uint32
	protocol     OptProtocol
	leadingSpace bool

	id          ID
	connected   bool
	inTx        bool
	dataStarted bool
	finished    bool
	lines       milterutil.LineSplitter
	size        int64
}

func newServerSession(s *Server, conn net.Conn) *serverSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &serverSession{
		server: s,
		filter: s.options.filter,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		id:     NewID(),
	}
}

// writePacket sends a milter response packet to socket stream
func (m *serverSession) writePacket(msg *wire.Message) error {
	return wire.WritePacket(m.conn, msg, m.server.options.writeTimeout)
}

func (m *serverSession) negotiate(msg *wire.Message) (*Response, error) {
	if msg.Code != wire.CodeOptNeg {
		return nil, fmt.Errorf("milter: negotiate: unexpected package with code %c", msg.Code)
	}
	if len(msg.Data) < 4*3 /* version + action mask + proto mask */ {
		return nil, fmt.Errorf("milter: negotiate: unexpected data size: %d", len(msg.Data))
	}
	mtaVersion := binary.BigEndian.Uint32(msg.Data[:4])
	mtaProtocol := OptProtocol(binary.BigEndian.Uint32(msg.Data[8:])) &^ optInternal
	if mtaVersion < 2 {
		return nil, fmt.Errorf("milter: negotiate: unsupported protocol version: %d", mtaVersion)
	}
	m.version = min(mtaVersion, m.server.options.maxVersion)

	required := m.server.options.protocol
	if required&mtaProtocol != required {
		return nil, fmt.Errorf("milter: negotiate: MTA does not offer required protocol options. offered: %032b requested: %032b", mtaProtocol, required)
	}
	m.protocol = (required | OptNoUnknown | OptHeaderLeadingSpace) & mtaProtocol
	m.leadingSpace = m.protocol&OptHeaderLeadingSpace != 0

	// we never modify messages, so we do not request any actions
	data := make([]byte, 0, 12)
	data = binary.BigEndian.AppendUint32(data, m.version)
	data = binary.BigEndian.AppendUint32(data, 0)
	data = binary.BigEndian.AppendUint32(data, uint32(m.protocol))
	return &Response{code: wire.ActionCode(wire.CodeOptNeg), data: data}, nil
}

func parseConnect(data []byte) (ConnectInfo, error) {
	var info ConnectInfo
	if len(data) == 0 {
		return info, fmt.Errorf("milter: conn: unexpected data size: %d", len(data))
	}
	info.Hostname = wire.ReadCString(data)
	data = data[min(len(info.Hostname)+1, len(data)):]
	if len(data) == 0 {
		return info, errors.New("milter: conn: missing protocol family")
	}
	family := data[0]
	data = data[1:]
	if family == 'L' || family == '4' || family == '6' {
		if len(data) < 2 {
			return info, fmt.Errorf("milter: conn: unexpected data size: %d", len(data))
		}
		info.Port = binary.BigEndian.Uint16(data)
		info.Addr = wire.ReadCString(data[2:])
	}
	switch family {
	case 'U':
		info.Family = "unknown"
	case 'L':
		info.Family = "unix"
	case '4':
		info.Family = "tcp4"
		if ip := net.ParseIP(info.Addr); ip == nil || ip.To4() == nil {
			return info, fmt.Errorf("milter: conn: unexpected ip4 address: %q", info.Addr)
		}
	case '6':
		info.Family = "tcp6"
		host := strings.TrimPrefix(info.Addr, "IPv6:")
		if len(host) > 2 && host[0] == '[' && host[len(host)-1] == ']' {
			host = host[1 : len(host)-1]
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return info, fmt.Errorf("milter: conn: unexpected ip6 address: %q", info.Addr)
		}
		info.Addr = ip.String()
	default:
		return info, fmt.Errorf("milter: conn: unexpected protocol family: %c", family)
	}
	return info, nil
}

// stage turns the response of a filter method into the response for the MTA.
// Accepting before the end of the message means: go on.
func stage(resp *Response) *Response {
	if resp == nil || resp.code == wire.ActAccept {
		return RespContinue
	}
	return resp
}

// Process processes incoming milter commands
func (m *serverSession) Process(msg *wire.Message) (*Response, error) {
	switch msg.Code {
	case wire.CodeOptNeg:
		return nil, errors.New("milter: negotiate: can only be called once in a connection")

	case wire.CodeConn:
		info, err := parseConnect(msg.Data)
		if err != nil {
			return nil, err
		}
		if m.connected {
			m.disconnect()
			m.id = NewID()
		}
		m.connected = true
		resp, err := m.filter.Connect(m.id, info)
		return stage(resp), err

	case wire.CodeHelo:
		if len(msg.Data) == 0 {
			return nil, fmt.Errorf("milter: helo: unexpected data size: %d", len(msg.Data))
		}
		resp, err := m.filter.Helo(m.id, wire.ReadCString(msg.Data))
		return stage(resp), err

	case wire.CodeMail:
		if len(msg.Data) == 0 {
			return nil, fmt.Errorf("milter: mail: unexpected data size: %d", len(msg.Data))
		}
		if m.inTx {
			m.rollback()
		}
		m.resetTx()
		m.finished = false
		m.inTx = true
		resp, err := m.filter.MailFrom(m.id, addr.StripAngle(wire.ReadCString(msg.Data)))
		resp = stage(resp)
		if err == nil && !resp.Continue() {
			m.reject()
		}
		return resp, err

	case wire.CodeRcpt:
		if len(msg.Data) == 0 {
			return nil, fmt.Errorf("milter: rcpt: unexpected data size: %d", len(msg.Data))
		}
		resp, err := m.filter.RcptTo(m.id, addr.StripAngle(wire.ReadCString(msg.Data)))
		return stage(resp), err

	case wire.CodeData:
		return m.startData()

	case wire.CodeHeader:
		fields := wire.DecodeCStrings(msg.Data)
		if len(fields) != 2 {
			return nil, fmt.Errorf("milter: header: unexpected number of strings: %d", len(fields))
		}
		return m.deliver(m.headerLines(fields[0], fields[1]))

	case wire.CodeEOH:
		return m.deliver([]string{""})

	case wire.CodeBody:
		if m.finished {
			return RespContinue, nil
		}
		m.size += int64(len(msg.Data))
		return m.deliver(m.lines.Split(msg.Data))

	case wire.CodeEOB:
		if len(msg.Data) > 0 && !m.finished {
			m.size += int64(len(msg.Data))
			if resp, err := m.deliver(m.lines.Split(msg.Data)); err != nil || !resp.Continue() {
				return resp, err
			}
		}
		return m.endOfMessage()

	case wire.CodeAbort:
		if m.inTx || m.dataStarted {
			m.rollback()
		}
		m.finished = false
		return nil, nil

	case wire.CodeMacro:
		// macros are not used, and the MTA does not expect a response
		return nil, nil

	case wire.CodeUnknown:
		return RespContinue, nil

	case wire.CodeQuitNewConn:
		m.disconnect()
		m.id = NewID()
		return nil, nil

	case wire.CodeQuit:
		return nil, errCloseSession

	default:
		LogWarning("Unrecognized command code: %c", msg.Code)
		return nil, errCloseSession
	}
}

func (m *serverSession) startData() (*Response, error) {
	if m.dataStarted || m.finished {
		return RespContinue, nil
	}
	m.inTx = true
	m.dataStarted = true
	resp, err := m.filter.Data(m.ctx, m.id)
	resp = stage(resp)
	if err == nil && !resp.Continue() {
		m.reject()
	}
	return resp, err
}

// headerLines converts one header field into the lines it had in the message.
func (m *serverSession) headerLines(name, value string) []string {
	name = strings.Trim(name, " \t\r\n")
	if m.leadingSpace {
		// the MTA did not actually *not* swallow the space, so we add a space because it is required
		if len(value) > 0 && value[0] != ' ' && value[0] != '\t' {
			value = " " + value
		}
	} else if len(value) == 0 || value[0] != '\t' {
		// sendmail swallows the first space
		value = " " + value
	}
	var splitter milterutil.LineSplitter
	lines := splitter.Split([]byte(name + ":" + value))
	if rest, ok := splitter.Flush(); ok {
		lines = append(lines, rest)
	}
	if !m.finished {
		m.size += int64(len(name) + 1 + len(value) + 2)
	}
	return lines
}

// deliver hands lines of the message to the filter and notifies it that data is ready.
func (m *serverSession) deliver(lines []string) (*Response, error) {
	if m.finished {
		return RespContinue, nil
	}
	if !m.dataStarted {
		// MTAs speaking milter v2 do not send the DATA event
		if resp, err := m.startData(); err != nil || !resp.Continue() {
			return resp, err
		}
	}
	for _, line := range lines {
		if err := m.filter.DataLine(m.id, line); err != nil {
			return nil, err
		}
	}
	resp, err := m.filter.DataReady(m.id)
	resp = stage(resp)
	if err == nil && !resp.Continue() {
		m.reject()
	}
	return resp, err
}

func (m *serverSession) endOfMessage() (*Response, error) {
	if m.finished {
		LogWarning("end of message for a transaction that was already rejected")
		return RespTempFail, nil
	}
	if !m.dataStarted {
		if resp, err := m.startData(); err != nil || !resp.Continue() {
			return resp, err
		}
	}
	if rest, ok := m.lines.Flush(); ok {
		if err := m.filter.DataLine(m.id, rest); err != nil {
			return nil, err
		}
	}
	resp, err := m.withProgress(func(ctx context.Context) (*Response, error) {
		return m.filter.EndOfMessage(ctx, m.id, m.size)
	})
	if resp == nil || resp.code == wire.ActContinue {
		resp = RespAccept
	}
	if err != nil || !resp.Accepted() {
		m.rollback()
		return resp, err
	}
	m.filter.Commit(m.id)
	m.resetTx()
	return resp, nil
}

// withProgress runs f and sends progress notifications to the MTA while f runs.
func (m *serverSession) withProgress(f func(ctx context.Context) (*Response, error)) (*Response, error) {
	type result struct {
		resp *Response
		err  error
	}
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	done := make(chan result, 1)
	go func() {
		resp, err := f(ctx)
		done <- result{resp, err}
	}()
	ticker := time.NewTicker(m.server.options.progressInterval)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			return r.resp, r.err
		case <-ticker.C:
			if err := m.writePacket(respProgress.message()); err != nil {
				// instruct f to abort and wait for it
				cancel()
				r := <-done
				if r.err == nil {
					r.err = err
				}
				return r.resp, r.err
			}
		}
	}
}

func (m *serverSession) resetTx() {
	m.inTx = false
	m.dataStarted = false
	m.lines.Reset()
	m.size = 0
}

func (m *serverSession) rollback() {
	m.filter.Rollback(m.id)
	m.resetTx()
}

// reject ends the current transaction after the filter rejected it.
// Data events for it get ignored until the MTA starts a new transaction.
func (m *serverSession) reject() {
	m.rollback()
	m.finished = true
}

func (m *serverSession) disconnect() {
	if m.inTx || m.dataStarted {
		m.rollback()
	}
	m.finished = false
	if m.connected {
		m.connected = false
		m.filter.Disconnect(m.id)
	}
}

// HandleMilterCommands processes all milter commands in the same connection
func (m *serverSession) HandleMilterCommands() {
	defer func() {
		m.cancel()
		m.disconnect()
		if err := m.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			LogWarning("Error closing connection: %v", err)
		}
	}()

	// first do the negotiation
	msg, err := wire.ReadPacket(m.conn, m.server.options.readTimeout)
	if err != nil {
		if err != io.EOF {
			LogWarning("Error reading milter command: %v", err)
		}
		return
	}
	resp, err := m.negotiate(msg)
	if err != nil {
		LogWarning("Error negotiating: %v", err)
		return
	}
	if err = m.writePacket(resp.message()); err != nil {
		LogWarning("Error writing packet: %v", err)
		return
	}

	// now we can process the events
	for {
		msg, err := wire.ReadPacket(m.conn, 0)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				LogWarning("Error reading milter command: %v", err)
			}
			return
		}

		resp, err := m.Process(msg)
		if err != nil {
			if err != errCloseSession {
				LogWarning("Error performing milter command: %v", err)
				if resp != nil && !m.skipResponse(msg.Code) {
					_ = m.writePacket(resp.message())
				}
			}
			return
		}

		// ignore empty responses or responses we indicated to not send
		if resp == nil || m.skipResponse(msg.Code) {
			continue
		}

		if err = m.writePacket(resp.message()); err != nil {
			LogWarning("Error writing packet: %v", err)
			return
		}
	}
}

func (m *serverSession) skipResponse(code wire.Code) bool {
	switch code {
	case wire.CodeConn:
		return m.protocol&OptNoConnReply != 0
	case wire.CodeHelo:
		return m.protocol&OptNoHeloReply != 0
	case wire.CodeMail:
		return m.protocol&OptNoMailReply != 0
	case wire.CodeRcpt:
		return m.protocol&OptNoRcptReply != 0
	case wire.CodeUnknown:
		return m.protocol&OptNoUnknownRepl != 0
	default:
		return false
	}
}
