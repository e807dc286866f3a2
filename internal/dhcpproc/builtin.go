package dhcpproc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"

	"grimm.is/dhcpagent/internal/clock"
	"grimm.is/dhcpagent/internal/ifdriver"
	"grimm.is/dhcpagent/internal/logging"
	"grimm.is/dhcpagent/internal/metrics"
)

// Builtin serves DHCPv4 from inside the agent. Each network gets a socket
// opened in its namespace and bound to its interface. Reload re-parses the
// artifacts and swaps the serving configuration atomically; the socket and
// lease table are kept, so the instance identity survives.
type Builtin struct {
	mu      sync.Mutex
	servers map[string]*builtinServer
	clock   clock.Clock
	log     *logging.Logger

	// listen opens the server socket; replaced in tests.
	listen func(l Launch) (net.PacketConn, error)
}

// NewBuiltin returns the in-process driver.
func NewBuiltin() *Builtin {
	return &Builtin{
		servers: make(map[string]*builtinServer),
		clock:   clock.OrReal(nil),
		log:     logging.WithComponent("dhcp"),
		listen:  listenInNamespace,
	}
}

func listenInNamespace(l Launch) (net.PacketConn, error) {
	var conn net.PacketConn
	err := ifdriver.InNamespace(l.Namespace, func() error {
		c, err := server4.NewIPv4UDPConn(l.Interface, &net.UDPAddr{IP: net.IPv4zero, Port: dhcpv4.ServerPort})
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

func (b *Builtin) Name() string {
	return DriverBuiltin
}

// serving is the swappable part of a server.
type serving struct {
	cfg   *ServerConfig
	pools []*pool
}

type builtinServer struct {
	id      string
	network string
	conn    net.PacketConn
	state   atomic.Pointer[serving]
	leases  *leaseTable
	done    chan struct{}
	closing atomic.Bool
	log     *logging.Logger
}

func (b *Builtin) Start(ctx context.Context, l Launch) (Handle, error) {
	cfg, err := ParseDir(l.Dir)
	if err != nil {
		return Handle{}, fmt.Errorf("load artifacts: %w", err)
	}

	srv := &builtinServer{
		id:      uuid.NewString(),
		network: l.NetworkID,
		leases:  newLeaseTable(cfg.LeaseFile, b.clock),
		done:    make(chan struct{}),
		log:     b.log.WithNetwork(l.NetworkID),
	}
	if err := srv.leases.load(); err != nil {
		srv.log.Warn("failed to load leases", "error", err)
	}
	srv.apply(cfg)

	conn, err := b.listen(l)
	if err != nil {
		return Handle{}, fmt.Errorf("listen on %s: %w", l.Interface, err)
	}
	srv.conn = conn

	b.mu.Lock()
	b.servers[srv.id] = srv
	b.mu.Unlock()

	go srv.serve()
	srv.log.Info("builtin server started", "interface", l.Interface, "namespace", l.Namespace, "ranges", len(cfg.Ranges))
	return Handle{ID: srv.id, PID: os.Getpid()}, nil
}

func (b *Builtin) server(h Handle) (*builtinServer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.servers[h.ID]
	return s, ok
}

func (b *Builtin) Reload(ctx context.Context, h Handle, l Launch, scope ReloadScope) error {
	srv, ok := b.server(h)
	if !ok || !b.Alive(h) {
		return fmt.Errorf("server %s is not running", h.ID)
	}
	cfg, err := ParseDir(l.Dir)
	if err != nil {
		return fmt.Errorf("load artifacts: %w", err)
	}
	if cfg.Interface != l.Interface {
		return ErrReloadUnsupported
	}
	srv.apply(cfg)
	srv.log.Info("builtin server reloaded", "ranges", len(cfg.Ranges), "hosts", len(cfg.Hosts))
	return nil
}

func (b *Builtin) Stop(ctx context.Context, h Handle) error {
	b.mu.Lock()
	srv, ok := b.servers[h.ID]
	delete(b.servers, h.ID)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	srv.closing.Store(true)
	err := srv.conn.Close()
	select {
	case <-srv.done:
	case <-time.After(2 * time.Second):
	}
	if err := srv.leases.save(); err != nil {
		srv.log.Warn("failed to save leases", "error", err)
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (b *Builtin) Alive(h Handle) bool {
	srv, ok := b.server(h)
	if !ok {
		return false
	}
	select {
	case <-srv.done:
		return false
	default:
		return true
	}
}

// Adopt never succeeds: in-process servers die with the agent.
func (b *Builtin) Adopt(Launch) (Handle, bool) {
	return Handle{}, false
}

// apply installs a new configuration. Pools are rebuilt from the lease table
// so addresses already handed out stay taken.
func (s *builtinServer) apply(cfg *ServerConfig) {
	st := &serving{cfg: cfg}
	for _, r := range cfg.Ranges {
		st.pools = append(st.pools, newPool(r))
	}
	for _, l := range s.leases.active() {
		for _, p := range st.pools {
			p.mark(l.IP)
		}
	}
	s.state.Store(st)
}

func (s *builtinServer) serve() {
	defer close(s.done)
	buf := make([]byte, 4096)
	for {
		n, peer, err := s.conn.ReadFrom(buf)
		if err != nil {
			if !s.closing.Load() {
				s.log.Error("read failed", "error", err)
			}
			return
		}

		pkt, err := dhcpv4.FromBytes(buf[:n])
		if err != nil {
			continue
		}
		reply, err := s.handle(pkt)
		if err != nil {
			s.log.Debug("request not answered", "mac", pkt.ClientHWAddr.String(), "error", err)
			continue
		}
		if reply == nil {
			continue
		}

		dest := peer
		if udpAddr, ok := peer.(*net.UDPAddr); ok && udpAddr.IP.IsUnspecified() {
			dest = &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpv4.ClientPort}
		}
		if _, err := s.conn.WriteTo(reply.ToBytes(), dest); err != nil {
			s.log.Warn("write reply failed", "dest", dest.String(), "error", err)
			continue
		}
		metrics.Get().DHCPReplies.WithLabelValues(reply.MessageType().String()).Inc()
	}
}

// handle answers one client message. A nil reply means stay silent.
func (s *builtinServer) handle(m *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	st := s.state.Load()
	mac := m.ClientHWAddr.String()

	switch m.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		ip, rng, err := s.allocate(st, mac, m.RequestedIPAddress())
		if err != nil {
			return nil, err
		}
		return s.reply(st, m, dhcpv4.MessageTypeOffer, ip, rng)

	case dhcpv4.MessageTypeRequest:
		if sid := m.ServerIdentifier(); sid != nil && !st.ownsServerID(sid) {
			// client chose another server
			return nil, nil
		}
		requested := m.RequestedIPAddress()
		if requested == nil || requested.IsUnspecified() {
			requested = m.ClientIPAddr
		}
		ip, rng, err := s.allocate(st, mac, requested)
		if err != nil {
			return nil, err
		}
		if requested != nil && !requested.IsUnspecified() && !requested.Equal(ip) {
			return dhcpv4.NewReplyFromRequest(m,
				dhcpv4.WithMessageType(dhcpv4.MessageTypeNak),
				dhcpv4.WithOption(dhcpv4.OptServerIdentifier(st.serverID(rng))),
			)
		}
		l := s.leases.put(mac, ip, m.HostName(), rng.Lease)
		if err := s.leases.save(); err != nil {
			s.log.Warn("failed to save leases", "error", err)
		}
		s.log.Debug("lease granted", "mac", mac, "ip", l.IP.String())
		return s.reply(st, m, dhcpv4.MessageTypeAck, ip, rng)

	case dhcpv4.MessageTypeRelease:
		if l, ok := s.leases.get(mac); ok {
			for _, p := range st.pools {
				p.release(l.IP)
			}
			s.leases.remove(mac)
			if err := s.leases.save(); err != nil {
				s.log.Warn("failed to save leases", "error", err)
			}
		}
		return nil, nil
	}
	return nil, nil
}

// allocate picks the address for mac: its reservation, its current lease,
// the address it asked for if free, or the next free pool address.
func (s *builtinServer) allocate(st *serving, mac string, want net.IP) (net.IP, Range, error) {
	reservedFor := make(map[string]string, len(st.cfg.Hosts))
	for _, h := range st.cfg.Hosts {
		reservedFor[h.IP.String()] = h.MAC
	}
	for _, h := range st.cfg.Hosts {
		if h.MAC == mac {
			if rng, ok := st.rangeFor(h.IP); ok {
				return h.IP, rng, nil
			}
		}
	}

	usable := func(ip net.IP) bool {
		if owner, ok := reservedFor[ip.String()]; ok && owner != mac {
			return false
		}
		for _, addr := range st.cfg.Listen {
			if addr.Equal(ip) {
				return false
			}
		}
		if holder, ok := s.leases.holder(ip); ok && holder != mac {
			return false
		}
		return true
	}

	if l, ok := s.leases.get(mac); ok {
		if rng, ok := st.rangeFor(l.IP); ok && usable(l.IP) {
			return l.IP, rng, nil
		}
	}
	if want != nil && !want.IsUnspecified() {
		for _, p := range st.pools {
			if _, ok := p.offset(want); ok && usable(want) {
				p.mark(want)
				return want.To4(), p.rng, nil
			}
		}
	}
	for _, p := range st.pools {
		ip, ok := p.next(func(ip net.IP) bool { return !usable(ip) })
		if ok {
			p.mark(ip)
			return ip, p.rng, nil
		}
	}
	return nil, Range{}, fmt.Errorf("no addresses available")
}

func (s *builtinServer) reply(st *serving, m *dhcpv4.DHCPv4, typ dhcpv4.MessageType, ip net.IP, rng Range) (*dhcpv4.DHCPv4, error) {
	serverID := st.serverID(rng)
	mods := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(typ),
		dhcpv4.WithYourIP(ip),
		dhcpv4.WithServerIP(serverID),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(serverID)),
		dhcpv4.WithNetmask(rng.Mask),
		dhcpv4.WithLeaseTime(leaseSeconds(rng.Lease)),
	}
	if o := st.cfg.Options[rng.Tag]; o != nil {
		if o.Router != nil {
			mods = append(mods, dhcpv4.WithRouter(o.Router))
		}
		if len(o.DNS) > 0 {
			mods = append(mods, dhcpv4.WithDNS(o.DNS...))
		}
	}
	if st.cfg.Domain != "" {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptDomainName(st.cfg.Domain)))
	}
	for _, h := range st.cfg.Hosts {
		if h.MAC == m.ClientHWAddr.String() && h.Hostname != "" {
			mods = append(mods, dhcpv4.WithOption(dhcpv4.OptHostName(h.Hostname)))
			break
		}
	}
	return dhcpv4.NewReplyFromRequest(m, mods...)
}

func leaseSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0xffffffff
	}
	return uint32(d / time.Second)
}

func (st *serving) rangeFor(ip net.IP) (Range, bool) {
	for _, r := range st.cfg.Ranges {
		if r.Contains(ip) {
			return r, true
		}
	}
	return Range{}, false
}

// serverID is the listen address inside the range's subnet.
func (st *serving) serverID(rng Range) net.IP {
	network := rng.Network()
	for _, addr := range st.cfg.Listen {
		if network.Contains(addr) {
			return addr
		}
	}
	return net.IPv4zero
}

func (st *serving) ownsServerID(ip net.IP) bool {
	for _, addr := range st.cfg.Listen {
		if addr.Equal(ip) {
			return true
		}
	}
	return false
}
