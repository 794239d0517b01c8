// Command rspamd-milter is a milter that rejects spam with the verdicts of an rspamd worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/d--j/rspamd-milter"
	"github.com/d--j/rspamd-milter/mailfilter"
	"github.com/d--j/rspamd-milter/scanner/rspamd"
)

func main() {
	transport := flag.String("transport", "tcp", "Transport to use for milter connection, One of 'tcp', 'unix', 'tcp4' or 'tcp6'")
	address := flag.String("address", "127.0.0.1:11332", "Transport address, path for 'unix', address:port for 'tcp'")
	host := flag.String("h", rspamd.DefaultHost, "rspamd host")
	port := flag.String("p", rspamd.DefaultPort, "rspamd port")
	password := flag.String("password", "", "Password to send to rspamd")
	settingsID := flag.String("settings-id", "", "rspamd settings to use")
	spoolDir := flag.String("s", "", "Directory for spooled messages (default: the directory for temporary files)")
	spoolMem := flag.Int("m", 200*1024, "Messages bigger than this many bytes get spooled to disk")
	scanTimeout := flag.Duration("t", 30*time.Second, "How long to wait for the verdict of rspamd")
	verbose := flag.Bool("v", false, "Log debug messages")
	debug := flag.Bool("d", false, "Log human-readable text instead of JSON")
	flag.Parse()

	logger := newLogger(*verbose, *debug)
	slog.SetDefault(logger)
	milter.LogWarning = func(format string, v ...interface{}) {
		logger.Warn(fmt.Sprintf(format, v...), slog.String("component", "milter"))
	}

	if err := run(logger, *transport, *address, *host, *port, *password, *settingsID, *spoolDir, *spoolMem, *scanTimeout); err != nil {
		logger.Error("exiting", slog.Any("error", err))
		os.Exit(1)
	}
}

func newLogger(verbose, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if debug {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(logger *slog.Logger, transport, address, host, port, password, settingsID, spoolDir string, spoolMem int, scanTimeout time.Duration) error {
	// make sure socket does not exist
	if transport == "unix" {
		// ignore os.Remove errors
		_ = os.Remove(address)
	}
	socket, err := net.Listen(transport, address)
	if err != nil {
		return err
	}
	defer func(socket net.Listener) {
		_ = socket.Close()
	}(socket)

	if transport == "unix" {
		// set mode 0660 for unix domain sockets
		if err := os.Chmod(address, 0660); err != nil {
			return err
		}
		// remove socket on exit
		defer func(name string) {
			_ = os.Remove(name)
		}(address)
	}

	client := rspamd.New(host, port,
		rspamd.WithTimeout(scanTimeout),
		rspamd.WithPassword(password),
		rspamd.WithSettingsID(settingsID),
	)
	dispatcher := mailfilter.New(client,
		mailfilter.WithLogger(logger),
		mailfilter.WithSpool(spoolDir, spoolMem),
		mailfilter.WithScanTimeout(scanTimeout),
	)
	var filter milter.Filter = dispatcher
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		filter = &traceFilter{next: dispatcher, logger: logger}
	}
	server := milter.NewServer(milter.WithFilter(filter))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Info("shutting down", slog.String("signal", sig.String()))
		_ = server.Close()
	}()

	logger.Info("started milter",
		slog.String("network", socket.Addr().Network()),
		slog.String("address", socket.Addr().String()),
		slog.String("rspamd", client.Addr()),
	)
	if err := server.Serve(socket); err != nil && !errors.Is(err, milter.ErrServerClosed) {
		return err
	}
	return nil
}
