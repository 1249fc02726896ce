package sd_test

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/mistifyio/selkie/pkg/sd"
	"github.com/stretchr/testify/suite"
)

func TestSD(t *testing.T) {
	suite.Run(t, new(SDSuite))
}

type SDSuite struct {
	suite.Suite
	socketPath string
	conn       *net.UnixConn
}

func (s *SDSuite) SetupTest() {
	dir := s.T().TempDir()
	s.socketPath = filepath.Join(dir, "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: s.socketPath, Net: "unixgram"})
	s.Require().NoError(err)
	s.conn = conn
	s.Require().NoError(os.Setenv("NOTIFY_SOCKET", s.socketPath))
}

func (s *SDSuite) TearDownTest() {
	_ = s.conn.Close()
	_ = os.Unsetenv("NOTIFY_SOCKET")
	_ = os.Unsetenv("WATCHDOG_PID")
	_ = os.Unsetenv("WATCHDOG_USEC")
}

func (s *SDSuite) receive() string {
	_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	n, _, err := s.conn.ReadFromUnix(buf)
	s.Require().NoError(err)
	return string(buf[:n])
}

func (s *SDSuite) TestNotify() {
	s.NoError(sd.Notify(sd.Ready))
	s.Equal(sd.Ready, s.receive())
}

func (s *SDSuite) TestNotifyNoSocket() {
	_ = os.Unsetenv("NOTIFY_SOCKET")
	s.Equal(sd.ErrNoSocket, sd.Notify(sd.Ready))
}

func (s *SDSuite) TestWatchdogEnabled() {
	interval, err := sd.WatchdogEnabled()
	s.NoError(err)
	s.Zero(interval, "unset env means no watchdog")

	s.Require().NoError(os.Setenv("WATCHDOG_USEC", "5000000"))
	interval, err = sd.WatchdogEnabled()
	s.NoError(err)
	s.Equal(5*time.Second, interval)

	s.Require().NoError(os.Setenv("WATCHDOG_PID", "1"))
	interval, err = sd.WatchdogEnabled()
	s.NoError(err)
	s.Zero(interval, "watchdog aimed at another pid")

	s.Require().NoError(os.Setenv("WATCHDOG_PID", strconv.Itoa(os.Getpid())))
	interval, err = sd.WatchdogEnabled()
	s.NoError(err)
	s.Equal(5*time.Second, interval)

	s.Require().NoError(os.Setenv("WATCHDOG_USEC", "bogus"))
	_, err = sd.WatchdogEnabled()
	s.Error(err)
}

func (s *SDSuite) TestRunWatchdog() {
	s.Require().NoError(os.Setenv("WATCHDOG_USEC", "100000"))
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- sd.RunWatchdog(stop) }()

	s.Equal(sd.Watchdog, s.receive())
	close(stop)
	s.NoError(<-done)
}
