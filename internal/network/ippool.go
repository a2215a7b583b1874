package network

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// ErrAddressPoolExhausted is returned when every address in the pool is owned
var ErrAddressPoolExhausted = errors.New("address pool exhausted")

// IPPool hands out virtual IPv4 addresses base+1 .. base+size.
// The lowest free address is always allocated first.
type IPPool struct {
	owners  map[string]int // owner -> slot
	addrs   []netip.Addr
	holders []string // slot -> owner, "" when free
	mu      sync.Mutex
}

// NewIPPool creates a pool of size addresses following base ("10.0.0.0" gives 10.0.0.1 first)
func NewIPPool(base string, size int) (*IPPool, error) {
	addr, err := netip.ParseAddr(base)
	if err != nil {
		return nil, fmt.Errorf("parse pool base: %w", err)
	}
	if !addr.Is4() {
		return nil, fmt.Errorf("pool base %s is not IPv4", base)
	}
	if size < 1 || size > 254 {
		return nil, fmt.Errorf("pool size %d out of range [1,254]", size)
	}

	p := &IPPool{
		owners:  make(map[string]int),
		addrs:   make([]netip.Addr, size),
		holders: make([]string, size),
	}
	for i := range p.addrs {
		addr = addr.Next()
		p.addrs[i] = addr
	}
	return p, nil
}

// Allocate returns owner's address, assigning the lowest free one on first use
func (p *IPPool) Allocate(owner string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot, ok := p.owners[owner]; ok {
		return p.addrs[slot].String(), nil
	}
	for slot, holder := range p.holders {
		if holder == "" {
			p.holders[slot] = owner
			p.owners[owner] = slot
			return p.addrs[slot].String(), nil
		}
	}
	return "", fmt.Errorf("%w: %d addresses in use", ErrAddressPoolExhausted, len(p.addrs))
}

// Release frees owner's address. It reports whether owner held one.
func (p *IPPool) Release(owner string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.owners[owner]
	if !ok {
		return false
	}
	delete(p.owners, owner)
	p.holders[slot] = ""
	return true
}

// Lookup returns the address held by owner
func (p *IPPool) Lookup(owner string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.owners[owner]
	if !ok {
		return "", false
	}
	return p.addrs[slot].String(), true
}

// Owner returns the holder of ip
func (p *IPPool) Owner(ip string) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for slot, a := range p.addrs {
		if a == addr && p.holders[slot] != "" {
			return p.holders[slot], true
		}
	}
	return "", false
}

// InUse returns the number of allocated addresses
func (p *IPPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owners)
}

// Size returns the pool capacity
func (p *IPPool) Size() int {
	return len(p.addrs)
}
