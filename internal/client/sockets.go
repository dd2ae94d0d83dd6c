package client

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// sockets are the three trigger listeners of one receive session.
type sockets struct {
	ucast *net.UDPConn
	mcast *net.UDPConn
	bcast *net.UDPConn
}

func (s *sockets) close() {
	s.ucast.Close()
	s.mcast.Close()
	s.bcast.Close()
}

// reuseAddr sets SO_REUSEADDR before bind so a restarting client can
// re-claim its ports immediately.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// prepareSockets binds the unicast, multicast and broadcast listeners at
// the configured client address and joins the multicast group on the
// default interface.
func (s *Session) prepareSockets(ctx context.Context) (*sockets, error) {
	ucast, err := s.listenUDP(ctx, s.settings.UcastPort)
	if err != nil {
		return nil, fmt.Errorf("unicast socket: %w", err)
	}

	mcast, err := s.listenUDP(ctx, s.settings.McastPort)
	if err != nil {
		ucast.Close()
		return nil, fmt.Errorf("multicast socket: %w", err)
	}
	group := net.ParseIP(s.settings.McastGroup)
	if group == nil {
		ucast.Close()
		mcast.Close()
		return nil, fmt.Errorf("invalid multicast group address %q", s.settings.McastGroup)
	}
	if err := ipv4.NewPacketConn(mcast).JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
		ucast.Close()
		mcast.Close()
		return nil, fmt.Errorf("join multicast group %s: %w", group, err)
	}

	bcast, err := s.listenUDP(ctx, s.settings.BcastPort)
	if err != nil {
		ucast.Close()
		mcast.Close()
		return nil, fmt.Errorf("broadcast socket: %w", err)
	}

	return &sockets{ucast: ucast, mcast: mcast, bcast: bcast}, nil
}

// listenUDP binds one receive socket at the client address.
func (s *Session) listenUDP(ctx context.Context, port uint16) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("%s:%d", s.cfg.ClientAddr, port))
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}
