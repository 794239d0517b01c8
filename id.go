package milter

import (
	"github.com/oklog/ulid/v2"
)

// ID identifies one MTA connection. The server assigns a new ID for every SMTP connection the MTA reports.
type ID ulid.ULID

// NewID returns a new, unique [ID].
func NewID() ID {
	return ID(ulid.Make())
}

func (id ID) String() string {
	return ulid.ULID(id).String()
}
