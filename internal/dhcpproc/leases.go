package dhcpproc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"grimm.is/dhcpagent/internal/clock"
)

// pool tracks which addresses of one range are handed out.
type pool struct {
	rng   Range
	start uint32
	size  uint
	used  *bitset.BitSet
}

func ipToUint(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func uintToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

func newPool(r Range) *pool {
	start, end := ipToUint(r.Start), ipToUint(r.End)
	size := uint(0)
	if end >= start {
		size = uint(end-start) + 1
	}
	return &pool{rng: r, start: start, size: size, used: bitset.New(size)}
}

func (p *pool) offset(ip net.IP) (uint, bool) {
	if ip.To4() == nil {
		return 0, false
	}
	v := ipToUint(ip)
	if v < p.start || uint(v-p.start) >= p.size {
		return 0, false
	}
	return uint(v - p.start), true
}

func (p *pool) mark(ip net.IP) {
	if i, ok := p.offset(ip); ok {
		p.used.Set(i)
	}
}

func (p *pool) release(ip net.IP) {
	if i, ok := p.offset(ip); ok {
		p.used.Clear(i)
	}
}

// next returns the lowest free address not rejected by skip.
func (p *pool) next(skip func(net.IP) bool) (net.IP, bool) {
	for i := uint(0); i < p.size; i++ {
		free, ok := p.used.NextClear(i)
		if !ok || free >= p.size {
			return nil, false
		}
		ip := uintToIP(p.start + uint32(free))
		if skip != nil && skip(ip) {
			i = free
			continue
		}
		return ip, true
	}
	return nil, false
}

// lease is one client binding.
type lease struct {
	MAC      string
	IP       net.IP
	Hostname string
	// Expires is zero for infinite leases.
	Expires time.Time
}

func (l *lease) expired(now time.Time) bool {
	return !l.Expires.IsZero() && now.After(l.Expires)
}

// leaseTable is the builtin server's lease database, persisted in the
// dnsmasq lease file format so both drivers share one on-disk layout.
type leaseTable struct {
	mu    sync.Mutex
	path  string
	clock clock.Clock
	byMAC map[string]*lease
	byIP  map[string]string
}

func newLeaseTable(path string, c clock.Clock) *leaseTable {
	return &leaseTable{
		path:  path,
		clock: clock.OrReal(c),
		byMAC: make(map[string]*lease),
		byIP:  make(map[string]string),
	}
}

// load reads the lease file. A missing file is an empty table.
func (t *leaseTable) load() error {
	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		// <expiry> <mac> <ip> <hostname|*> <client-id|*>
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		epoch, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		ip := net.ParseIP(fields[2]).To4()
		if ip == nil {
			continue
		}
		l := &lease{MAC: strings.ToLower(fields[1]), IP: ip}
		if fields[3] != "*" {
			l.Hostname = fields[3]
		}
		if epoch > 0 {
			l.Expires = time.Unix(epoch, 0)
		}
		t.byMAC[l.MAC] = l
		t.byIP[ip.String()] = l.MAC
	}
	return scanner.Err()
}

// save writes the table atomically.
func (t *leaseTable) save() error {
	if t.path == "" {
		return nil
	}
	t.mu.Lock()
	leases := make([]*lease, 0, len(t.byMAC))
	for _, l := range t.byMAC {
		leases = append(leases, l)
	}
	t.mu.Unlock()
	sort.Slice(leases, func(i, j int) bool { return leases[i].MAC < leases[j].MAC })

	var buf bytes.Buffer
	for _, l := range leases {
		var epoch int64
		if !l.Expires.IsZero() {
			epoch = l.Expires.Unix()
		}
		host := l.Hostname
		if host == "" {
			host = "*"
		}
		fmt.Fprintf(&buf, "%d %s %s %s *\n", epoch, l.MAC, l.IP, host)
	}
	return writeFileAtomic(t.path, buf.Bytes(), 0o644)
}

func (t *leaseTable) get(mac string) (*lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.byMAC[mac]
	if !ok {
		return nil, false
	}
	c := *l
	return &c, true
}

// holder returns the MAC holding ip with an unexpired lease.
func (t *leaseTable) holder(ip net.IP) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mac, ok := t.byIP[ip.String()]
	if !ok {
		return "", false
	}
	if l := t.byMAC[mac]; l == nil || l.expired(t.clock.Now()) {
		return "", false
	}
	return mac, true
}

func (t *leaseTable) put(mac string, ip net.IP, hostname string, d time.Duration) *lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byMAC[mac]; ok {
		delete(t.byIP, old.IP.String())
		if hostname == "" {
			hostname = old.Hostname
		}
	}
	l := &lease{MAC: mac, IP: ip, Hostname: hostname}
	if d > 0 {
		l.Expires = t.clock.Now().Add(d)
	}
	t.byMAC[mac] = l
	t.byIP[ip.String()] = mac
	c := *l
	return &c
}

func (t *leaseTable) remove(mac string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.byMAC[mac]; ok {
		delete(t.byIP, l.IP.String())
		delete(t.byMAC, mac)
	}
}

// active returns unexpired leases.
func (t *leaseTable) active() []lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	out := make([]lease, 0, len(t.byMAC))
	for _, l := range t.byMAC {
		if !l.expired(now) {
			out = append(out, *l)
		}
	}
	return out
}
