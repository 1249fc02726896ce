// Package sd covers the slice of the systemd service protocol the
// daemons use: readiness notification and watchdog keep-alives.
package sd

import (
	"errors"
	"net"
	"os"
	"strconv"
	"time"
)

// States for Notify
const (
	Ready    = "READY=1"
	Stopping = "STOPPING=1"
	Watchdog = "WATCHDOG=1"
)

// ErrNoSocket means the process was not started with a notify socket
var ErrNoSocket = errors.New("no notify socket")

// Notify writes a state message to the service manager's notify
// socket. Callers commonly ignore the error, a daemon run outside
// systemd has no socket.
func Notify(state string) error {
	name := os.Getenv("NOTIFY_SOCKET")
	if name == "" || (name[0] != '@' && name[0] != '/') {
		return ErrNoSocket
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: name, Net: "unixgram"})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	_, err = conn.Write([]byte(state))
	return err
}

// WatchdogEnabled reports the watchdog timeout the service manager
// expects keep-alives within. Zero means no watchdog is configured
// for this process.
// http://www.freedesktop.org/software/systemd/man/sd_watchdog_enabled.html
func WatchdogEnabled() (time.Duration, error) {
	if spid := os.Getenv("WATCHDOG_PID"); spid != "" {
		pid, err := strconv.Atoi(spid)
		if err != nil {
			return 0, err
		}
		if pid != os.Getpid() {
			return 0, nil
		}
	}

	usec := os.Getenv("WATCHDOG_USEC")
	if usec == "" {
		return 0, nil
	}
	ttl, err := strconv.ParseUint(usec, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(ttl) * time.Microsecond, nil
}

// RunWatchdog sends keep-alives at half the configured interval until
// stop is closed. It returns immediately when no watchdog is
// configured.
func RunWatchdog(stop <-chan struct{}) error {
	interval, err := WatchdogEnabled()
	if err != nil || interval == 0 {
		return err
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if err := Notify(Watchdog); err != nil && err != ErrNoSocket {
				return err
			}
		}
	}
}
