// Package addr has helpers for envelope addresses.
package addr

import (
	"strings"

	"golang.org/x/net/idna"
)

// Split splits a user@domain address at the last @.
// When there is no @ the whole address is the local part and domain is empty.
func Split(addr string) (local, domain string) {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}

// StripAngle removes the angle brackets around an address. The null sender "<>" becomes "".
func StripAngle(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) >= 2 && addr[0] == '<' && addr[len(addr)-1] == '>' {
		return addr[1 : len(addr)-1]
	}
	return addr
}

// ASCII returns addr with its domain in the IDNA ASCII form.
// If the domain cannot be converted, addr gets returned unchanged.
func ASCII(addr string) string {
	local, domain := Split(addr)
	if domain == "" {
		return addr
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil || ascii == domain {
		return addr
	}
	return local + "@" + ascii
}
