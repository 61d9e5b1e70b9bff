// Package ipam implements the bitmap-backed IPv4 address pool described
//: each managed Network carries two equal-length
// bitmaps, "reservations" (instance-assigned) and "ext_reservations"
// (gateway/broadcast/operator holds), both indexed by offset from the
// network address.
package ipam

import (
	"encoding/binary"
	"fmt"
	"net"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
)

// Pool is the in-memory reservation tracker for one Network. It is
// intentionally dumb about anything beyond bit arithmetic; persistence
// of the bitmaps is the config store's job (they live on the Network
// object and are written atomically alongside everything else).
type Pool struct {
	network  *net.IPNet
	size     int // 2^(32-prefixlen)
	internal []byte
	external []byte
}

const (
	minPrefixLen = 16 // wider than /16 is too expensive to scan
	maxPrefixLen = 30 // reject smaller than /30: too small to pool
)

// NewPool builds a Pool for cidr, allocating zeroed bitmaps. Networks
// outside [/30, /16] are rejected (larger networks are
// too expensive to scan; smaller ones are pointless to pool).
func NewPool(cidr string) (*Pool, error) {
	ip, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, gerrors.NewAddressPoolError("invalid network %q: %v", cidr, err)
	}
	if ip.To4() == nil {
		return nil, gerrors.NewAddressPoolError("only IPv4 networks are supported: %q", cidr)
	}
	ones, bits := network.Mask.Size()
	if bits != 32 {
		return nil, gerrors.NewAddressPoolError("only IPv4 networks are supported: %q", cidr)
	}
	if ones < minPrefixLen {
		return nil, gerrors.NewAddressPoolError("network %q is too large (min prefix /%d)", cidr, minPrefixLen)
	}
	if ones > maxPrefixLen {
		return nil, gerrors.NewAddressPoolError("network %q is too small (max prefix /%d)", cidr, maxPrefixLen)
	}

	size := 1 << uint(32-ones)
	nbytes := (size + 7) / 8
	return &Pool{
		network:  network,
		size:     size,
		internal: make([]byte, nbytes),
		external: make([]byte, nbytes),
	}, nil
}

// LoadPool rebuilds a Pool from previously-persisted bitmaps (as stored
// on a config.Network), without re-validating the reservations.
func LoadPool(cidr string, internal, external []byte) (*Pool, error) {
	p, err := NewPool(cidr)
	if err != nil {
		return nil, err
	}
	copy(p.internal, internal)
	copy(p.external, external)
	return p, nil
}

// Bitmaps returns the current reservation bitmaps for persistence.
func (p *Pool) Bitmaps() (internal, external []byte) { return p.internal, p.external }

func (p *Pool) offset(addr string) (int, error) {
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return 0, gerrors.NewAddressPoolError("not a valid IPv4 address: %q", addr)
	}
	if !p.network.Contains(ip) {
		return 0, gerrors.NewAddressPoolError("address %q is not within network %s", addr, p.network)
	}
	base := binary.BigEndian.Uint32(p.network.IP.To4())
	cur := binary.BigEndian.Uint32(ip)
	return int(cur - base), nil
}

// Contains reports whether addr falls within this pool's network.
func (p *Pool) Contains(addr string) bool {
	_, err := p.offset(addr)
	return err == nil
}

func bitmapFor(p *Pool, external bool) []byte {
	if external {
		return p.external
	}
	return p.internal
}

func getBit(bm []byte, idx int) bool { return bm[idx/8]&(1<<uint(idx%8)) != 0 }
func setBit(bm []byte, idx int)      { bm[idx/8] |= 1 << uint(idx%8) }
func clearBit(bm []byte, idx int)    { bm[idx/8] &^= 1 << uint(idx%8) }

// IsReserved reports whether addr is reserved in the given bitmap.
func (p *Pool) IsReserved(addr string, external bool) (bool, error) {
	idx, err := p.offset(addr)
	if err != nil {
		return false, err
	}
	return getBit(bitmapFor(p, external), idx), nil
}

// Reserve marks addr as reserved in the given bitmap. Reserving an
// address already reserved in that bitmap is an error.
func (p *Pool) Reserve(addr string, external bool) error {
	idx, err := p.offset(addr)
	if err != nil {
		return err
	}
	bm := bitmapFor(p, external)
	if getBit(bm, idx) {
		return gerrors.NewAddressPoolError("address %q already reserved", addr)
	}
	setBit(bm, idx)
	return nil
}

// Release clears addr's reservation in the given bitmap. Releasing an
// address not reserved is a no-op, keeping release an idempotent
// release semantics.
func (p *Pool) Release(addr string, external bool) error {
	idx, err := p.offset(addr)
	if err != nil {
		return err
	}
	clearBit(bitmapFor(p, external), idx)
	return nil
}

// GenerateFree returns the first address free in the union (OR) of both
// bitmaps, without reserving it. Distinct from a hypothetical
// "GetFreeAddress" that would also reserve — callers that want the
// reservation to stick must call Reserve themselves, which is how the
// allocator keeps dry runs free of side effects.
func (p *Pool) GenerateFree() (string, error) {
	for i := 0; i < p.size; i++ {
		if !getBit(p.internal, i) && !getBit(p.external, i) {
			return p.addrAt(i), nil
		}
	}
	return "", gerrors.NewAddressPoolError("address pool exhausted (%d addresses)", p.size)
}

func (p *Pool) addrAt(idx int) string {
	base := binary.BigEndian.Uint32(p.network.IP.To4())
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], base+uint32(idx))
	return net.IP(b[:]).String()
}

// GetFreeCount returns the number of addresses free in the union of both
// bitmaps.
func (p *Pool) GetFreeCount() int { return p.size - p.GetReservedCount() }

// GetReservedCount returns the number of addresses reserved in either
// bitmap (the union, not the sum — an address double-reserved still
// counts once).
func (p *Pool) GetReservedCount() int {
	count := 0
	for i := 0; i < p.size; i++ {
		if getBit(p.internal, i) || getBit(p.external, i) {
			count++
		}
	}
	return count
}

// GetMap renders the pool as a string of 'X' (reserved) and '.' (free)
// characters, one per address, for debug output.
func (p *Pool) GetMap() string {
	out := make([]byte, p.size)
	for i := 0; i < p.size; i++ {
		if getBit(p.internal, i) || getBit(p.external, i) {
			out[i] = 'X'
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}

// InitializeNetwork reserves the network address, broadcast address and
// (if non-empty) the gateway externally, as the Network
// invariant requires.
func (p *Pool) InitializeNetwork(gateway string) error {
	networkAddr := p.addrAt(0)
	broadcastAddr := p.addrAt(p.size - 1)
	for _, addr := range []string{networkAddr, broadcastAddr} {
		if err := p.Reserve(addr, true); err != nil {
			return err
		}
	}
	if gateway != "" && gateway != networkAddr && gateway != broadcastAddr {
		if err := p.Reserve(gateway, true); err != nil {
			return err
		}
	}
	return nil
}

// String implements fmt.Stringer for debug logging.
func (p *Pool) String() string {
	return fmt.Sprintf("Pool{network=%s size=%d free=%d}", p.network, p.size, p.GetFreeCount())
}
