package mailfilter

import (
	"log/slog"
	"time"

	"github.com/d--j/rspamd-milter/spool"
)

// Spool is the line spool a [Transaction] writes the message to.
// [*spool.Stream] implements it.
type Spool interface {
	WriteLine(line string) error
	CloseWrite() error
	ReadLine() (string, error)
	Close() error
}

// SpoolOpener creates the [Spool] of a new message.
type SpoolOpener func() (Spool, error)

type options struct {
	logger      *slog.Logger
	openSpool   SpoolOpener
	scanTimeout time.Duration
}

// Option configures a [Dispatcher].
type Option func(opt *options)

// WithLogger sets the logger of the [Dispatcher]. The default is [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(opt *options) {
		opt.logger = logger
	}
}

// WithSpool spools messages with [spool.New] in dir.
// Messages bigger than maxMem bytes get spooled to a temporary file, smaller ones stay in memory.
//
// If you do not call this function, the default values are:
//   - dir: the default directory for temporary files
//   - maxMem: 200 KiB
func WithSpool(dir string, maxMem int) Option {
	return WithSpoolOpener(func() (Spool, error) {
		s, err := spool.New(dir, maxMem)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// WithSpoolOpener replaces how the [Dispatcher] creates the spool of a message.
func WithSpoolOpener(opener SpoolOpener) Option {
	return func(opt *options) {
		opt.openSpool = opener
	}
}

// WithScanTimeout sets how long the [Dispatcher] waits for the verdict of the scanner.
// The default is 30 seconds. A timeout of 0 waits until the MTA gives up.
func WithScanTimeout(timeout time.Duration) Option {
	return func(opt *options) {
		opt.scanTimeout = timeout
	}
}
