package client

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/systemli/gpsfleet/internal/config"
	"github.com/systemli/gpsfleet/internal/gps"
	"github.com/systemli/gpsfleet/internal/spool"
	"github.com/systemli/gpsfleet/internal/store"
	"github.com/systemli/gpsfleet/internal/wire"
)

// fakeFix serves a fixed GPS sample.
type fakeFix struct {
	mu  sync.Mutex
	fix gps.Fix
	ok  bool
}

func (f *fakeFix) ReadFix() (gps.Fix, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fix, f.ok
}

func (f *fakeFix) set(fix gps.Fix, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fix = fix
	f.ok = ok
}

// fakeFetcher serves canned settings and counts fetches.
type fakeFetcher struct {
	mu       sync.Mutex
	settings *store.ClientSettings
	err      error
	calls    int
}

func (f *fakeFetcher) Fetch(context.Context) (*store.ClientSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := *f.settings
	return &out, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// rowCollector implements spool.UpstreamConn for inspecting spool contents.
type rowCollector struct {
	rows []spool.Row
}

func (r *rowCollector) InsertData(_ context.Context, row spool.Row) error {
	r.rows = append(r.rows, row)
	return nil
}

func (r *rowCollector) Close() error { return nil }

type SessionTestSuite struct {
	suite.Suite
	cfg     *config.Client
	fix     *fakeFix
	spool   *spool.Spool
	session *Session
}

func (s *SessionTestSuite) SetupTest() {
	s.cfg = &config.Client{
		ClientName: "C1",
		ClientAddr: "127.0.0.1",
	}
	s.fix = &fakeFix{
		fix: gps.Fix{Time: 100, Lat: 1.5, Lon: 2.5, Mode: 3, LatLonSet: true},
		ok:  true,
	}
	sp, err := spool.Open(filepath.Join(s.T().TempDir(), "buffer.db"), zap.NewNop())
	s.Require().NoError(err)
	s.spool = sp

	s.session = NewSession(s.cfg, &fakeFetcher{}, s.fix, sp, zap.NewNop())
	s.session.settings = &store.ClientSettings{
		PacketValidation: true,
		ServerRetryival:  time.Hour,
	}
	s.session.settingsAt = time.Now()
}

func (s *SessionTestSuite) TearDownTest() {
	s.spool.Close()
}

// spoolRows drains the spool into a collector for assertions.
func (s *SessionTestSuite) spoolRows() []spool.Row {
	collector := &rowCollector{}
	_, err := s.spool.DrainOnce(context.Background(), collector)
	s.Require().NoError(err)
	return collector.rows
}

// testSockets binds three plain loopback listeners standing in for the
// unicast, multicast and broadcast sockets.
func (s *SessionTestSuite) testSockets() *sockets {
	listen := func() *net.UDPConn {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		s.Require().NoError(err)
		return conn
	}
	socks := &sockets{ucast: listen(), mcast: listen(), bcast: listen()}
	s.T().Cleanup(socks.close)
	return socks
}

// startReceive runs the receive loop in the background.
func (s *SessionTestSuite) startReceive(socks *sockets) (cancel context.CancelFunc, done chan error) {
	ctx, cancelFn := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() { done <- s.session.receive(ctx, socks) }()
	return cancelFn, done
}

// sender binds a UDP socket playing the server's role.
func (s *SessionTestSuite) sender() *net.UDPConn {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	s.Require().NoError(err)
	s.T().Cleanup(func() { conn.Close() })
	return conn
}

func udpAddr(conn *net.UDPConn) *net.UDPAddr {
	return conn.LocalAddr().(*net.UDPAddr)
}

func (s *SessionTestSuite) TestUnicastTriggerSpoolsAndAcks() {
	socks := s.testSockets()
	cancel, done := s.startReceive(socks)
	defer func() { cancel(); s.NoError(<-done) }()

	srv := s.sender()
	frame := wire.EncodeTGR(wire.TGR{Tsp: 1700000000})
	_, err := srv.WriteToUDP(frame, udpAddr(socks.ucast))
	s.Require().NoError(err)

	// The unicast path answers with an ACK carrying the current fix.
	srv.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := srv.ReadFromUDP(buf)
	s.Require().NoError(err)
	s.Equal(wire.ACKSize, n)
	s.Equal(wire.OK, wire.ValidateACK(buf[:n]))

	ack, err := wire.DecodeACK(buf[:n])
	s.Require().NoError(err)
	s.Equal("C1", ack.Name)
	s.Equal("1.500000", ack.Latitude)
	s.Equal("2.500000", ack.Longitude)
	s.Equal(uint32(100), ack.Tsp)

	rows := s.spoolRows()
	s.Require().Len(rows, 1)
	s.Equal(packetUnicast, rows[0].PacketType)
	s.Equal("C1", rows[0].ClientName)
	s.Equal("127.0.0.1", rows[0].ClientIP)
	s.Equal("127.0.0.1", rows[0].SenderIP)
	s.Equal(float64(100), rows[0].GPSTsp)
	s.Equal(1.5, rows[0].GPSLat)
	s.Equal(2.5, rows[0].GPSLon)
}

func (s *SessionTestSuite) TestMulticastTriggerSpoolsWithoutAck() {
	socks := s.testSockets()
	cancel, done := s.startReceive(socks)
	defer func() { cancel(); s.NoError(<-done) }()

	srv := s.sender()
	frame := wire.EncodeTGR(wire.TGR{Tsp: 1700000000})
	_, err := srv.WriteToUDP(frame, udpAddr(socks.mcast))
	s.Require().NoError(err)

	s.Eventually(func() bool {
		n, err := s.spool.Count()
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	// No ACK leaves the multicast path.
	srv.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = srv.ReadFromUDP(make([]byte, 2048))
	s.Error(err)

	rows := s.spoolRows()
	s.Require().Len(rows, 1)
	s.Equal(packetMulticast, rows[0].PacketType)
}

func (s *SessionTestSuite) TestCorruptTriggerDroppedWhenValidationOn() {
	socks := s.testSockets()
	cancel, done := s.startReceive(socks)
	defer func() { cancel(); s.NoError(<-done) }()

	srv := s.sender()
	frame := wire.EncodeTGR(wire.TGR{Tsp: 1700000000})
	frame[8] ^= 0xFF
	_, err := srv.WriteToUDP(frame, udpAddr(socks.bcast))
	s.Require().NoError(err)

	time.Sleep(300 * time.Millisecond)
	n, err := s.spool.Count()
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *SessionTestSuite) TestCorruptTriggerAcceptedWhenValidationOff() {
	s.session.settings.PacketValidation = false

	socks := s.testSockets()
	cancel, done := s.startReceive(socks)
	defer func() { cancel(); s.NoError(<-done) }()

	srv := s.sender()
	frame := wire.EncodeTGR(wire.TGR{Tsp: 1700000000})
	frame[8] ^= 0xFF
	_, err := srv.WriteToUDP(frame, udpAddr(socks.bcast))
	s.Require().NoError(err)

	s.Eventually(func() bool {
		n, err := s.spool.Count()
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	rows := s.spoolRows()
	s.Equal(packetBroadcast, rows[0].PacketType)
}

func (s *SessionTestSuite) TestShortDatagramDropped() {
	socks := s.testSockets()
	cancel, done := s.startReceive(socks)
	defer func() { cancel(); s.NoError(<-done) }()

	srv := s.sender()
	_, err := srv.WriteToUDP(make([]byte, 64), udpAddr(socks.ucast))
	s.Require().NoError(err)

	time.Sleep(300 * time.Millisecond)
	n, err := s.spool.Count()
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *SessionTestSuite) TestTriggerWithoutFixDropped() {
	s.fix.set(gps.Fix{Time: math.NaN(), Lat: math.NaN(), Lon: math.NaN()}, false)

	socks := s.testSockets()
	cancel, done := s.startReceive(socks)
	defer func() { cancel(); s.NoError(<-done) }()

	srv := s.sender()
	frame := wire.EncodeTGR(wire.TGR{Tsp: 1700000000})
	_, err := srv.WriteToUDP(frame, udpAddr(socks.ucast))
	s.Require().NoError(err)

	// Neither a spool row nor an ACK is produced without a usable fix.
	srv.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = srv.ReadFromUDP(make([]byte, 2048))
	s.Error(err)

	n, err := s.spool.Count()
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *SessionTestSuite) TestReceiveTimeout() {
	s.session.settings.ServerRetryival = 1200 * time.Millisecond

	socks := s.testSockets()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	err := s.session.receive(ctx, socks)
	s.Require().ErrorIs(err, errReceiveTimeout)
	s.Less(time.Since(start), 5*time.Second)
}

func (s *SessionTestSuite) TestRegisterSendsControlFrame() {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	s.Require().NoError(err)
	defer ln.Close()

	received := make(chan wire.CTL, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, wire.CTLSize)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		ctl, err := wire.DecodeCTL(buf)
		if err != nil {
			return
		}
		received <- ctl
	}()

	addr := ln.Addr().(*net.TCPAddr)
	s.session.serverIP = addr.IP
	s.session.settings.ServerCtlPort = uint16(addr.Port)
	s.session.settings.UcastPort = 7001
	s.session.settings.McastPort = 7002
	s.session.settings.BcastPort = 7003

	s.Require().NoError(s.session.register(wire.ControlOnline))

	select {
	case ctl := <-received:
		s.Equal(uint16(wire.ControlOnline), ctl.Control)
		s.Equal(uint16(7001), ctl.UPort)
		s.Equal(uint16(7002), ctl.MPort)
		s.Equal(uint16(7003), ctl.BPort)
		s.Equal("C1", ctl.Name)
	case <-time.After(5 * time.Second):
		s.Fail("no control frame received")
	}
}

func (s *SessionTestSuite) TestRegisterConnectFailure() {
	s.session.serverIP = net.IPv4(127, 0, 0, 1)
	s.session.settings.ServerCtlPort = 1 // nothing listens here
	s.Error(s.session.register(wire.ControlOnline))
}

func (s *SessionTestSuite) TestFetchSettingsFirstTry() {
	fetcher := &fakeFetcher{settings: &store.ClientSettings{
		Name:            "C1",
		ServerHost:      "127.0.0.1",
		ServerCtlPort:   5000,
		ServerRetryival: time.Second,
	}}
	s.session.fetcher = fetcher

	s.Require().NoError(s.session.fetchSettings(context.Background()))
	s.Equal(1, fetcher.callCount())
	s.Equal("C1", s.session.settings.Name)
	s.Equal(net.IPv4(127, 0, 0, 1).To4(), s.session.serverIP.To4())
}

func (s *SessionTestSuite) TestRefreshSettingsOnlyWhenStale() {
	fetcher := &fakeFetcher{settings: &store.ClientSettings{
		Name:       "C1",
		ServerHost: "127.0.0.1",
	}}
	s.session.fetcher = fetcher
	s.session.settingsAt = time.Now()

	// Fresh settings are not re-read.
	s.Require().NoError(s.session.refreshSettings(context.Background()))
	s.Zero(fetcher.callCount())

	// Stale settings are.
	s.session.settingsAt = time.Now().Add(-time.Minute)
	s.Require().NoError(s.session.refreshSettings(context.Background()))
	s.Equal(1, fetcher.callCount())
}

func (s *SessionTestSuite) TestFetchSettingsCancelled() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.session.fetcher = &fakeFetcher{err: errors.New("connection refused")}

	err := s.session.fetchSettings(ctx)
	s.ErrorIs(err, context.Canceled)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
