package milterutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/transform"
)

// MaxResponseSize is the maximum size of a response string in bytes.
// One milter packet holds 64 KiB minus the command byte and the null-byte.
const MaxResponseSize = 64*1024 - 2

var enhancedCode = regexp.MustCompile(`^[245]\.\d{1,3}\.\d{1,3} `)

// FormatResponse generates an SMTP response string.
// smtpCode must be between 100 and 599, otherwise this function returns an error.
// reason is the human-readable text of the response. It can start with an RFC 2034 enhanced status code;
// when that code has the same class as smtpCode it gets repeated on every line.
// Reasons with line breaks are formatted as multi-line responses, "%" gets escaped as "%%".
//
//	FormatResponse(421, "temporary failure") // "421 temporary failure"
//	FormatResponse(550, "5.7.1 Spam\nGo away") // "550-5.7.1 Spam\r\n550 5.7.1 Go away"
func FormatResponse(smtpCode uint16, reason string) (string, error) {
	if smtpCode < 100 || smtpCode > 599 {
		return "", fmt.Errorf("milter: invalid code %d", smtpCode)
	}
	if len(reason) > MaxResponseSize {
		return "", fmt.Errorf("milter: reason too long: %d > %d", len(reason), MaxResponseSize)
	}
	normalized, _, err := transform.String(transform.Chain(&CrLfToLfTransformer{}, &DoublePercentTransformer{}), strings.TrimRight(reason, "\r\n"))
	if err != nil {
		return "", err
	}
	lines := strings.Split(normalized, "\n")
	code := strconv.Itoa(int(smtpCode))
	prefix := enhancedCode.FindString(lines[0])
	if prefix != "" && prefix[0] != code[0] {
		prefix = ""
	}
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(code)
		if i < len(lines)-1 {
			b.WriteByte('-')
		} else {
			b.WriteByte(' ')
		}
		if i > 0 && prefix != "" && line != "" && !strings.HasPrefix(line, prefix) {
			b.WriteString(prefix)
		}
		b.WriteString(line)
	}
	if b.Len() > MaxResponseSize {
		return "", fmt.Errorf("milter: formatted reason too long: %d > %d", b.Len(), MaxResponseSize)
	}
	return b.String(), nil
}
