package vnet

import (
	cryptoRand "crypto/rand"
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

////////////////////////////////////////////////////////////////////////////////
// Interfaces: named endpoints carrying addresses.
////////////////////////////////////////////////////////////////////////////////

var (
	// ErrAddrExists indicates the interface already carries the address.
	ErrAddrExists = errors.New("vnet: address already assigned")
	// ErrAddrNotFound indicates no interface address matches.
	ErrAddrNotFound = errors.New("vnet: address not assigned")
	// ErrInvalidAddr indicates an address that cannot be assigned.
	ErrInvalidAddr = errors.New("vnet: invalid address")
)

// Interface is a virtual network endpoint. Addresses keep their full
// prefix (address plus mask), unlike routing table destinations which are
// canonicalized.
type Interface struct {
	name     string
	mac      [6]byte
	loopback bool

	mu      sync.Mutex
	addrs   []netip.Prefix
	up      bool
	promisc bool
}

// newInterface constructs an interface with a random locally administered
// MAC.
func newInterface(name string) (*Interface, error) {
	var mac [6]byte
	if _, err := cryptoRand.Read(mac[:]); err != nil {
		return nil, fmt.Errorf("generate mac for %s: %w", name, err)
	}
	mac[0] |= 2 // Locally administered bit
	mac[0] &^= 1

	return &Interface{name: name, mac: mac}, nil
}

// newLoopbackInterface constructs the fixed loopback endpoint. Its MAC is
// all zeros, matching kernel convention.
func newLoopbackInterface() *Interface {
	return &Interface{
		name:     "lo",
		loopback: true,
		addrs: []netip.Prefix{
			netip.PrefixFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 8),
			netip.PrefixFrom(netip.IPv6Loopback(), 128),
		},
		up: true,
	}
}

// Name returns the interface name.
func (i *Interface) Name() string { return i.name }

// MAC returns the interface's hardware address.
func (i *Interface) MAC() [6]byte { return i.mac }

// Loopback reports whether this is the loopback interface.
func (i *Interface) Loopback() bool { return i.loopback }

// Up reports whether the interface is administratively up.
func (i *Interface) Up() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.up
}

func (i *Interface) setUp(up bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.up = up
}

// Promiscuous reports whether the interface is in promiscuous mode.
func (i *Interface) Promiscuous() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.promisc
}

func (i *Interface) setPromisc(enabled bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.promisc = enabled
}

// SetFlags sets the interface's administrative state in one step.
func (i *Interface) SetFlags(up, promiscuous bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.up = up
	i.promisc = promiscuous
}

// Addrs returns a copy of the interface's addresses.
func (i *Interface) Addrs() []netip.Prefix {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]netip.Prefix(nil), i.addrs...)
}

func (i *Interface) addAddr(prefix netip.Prefix) error {
	if !prefix.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidAddr, prefix)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	for _, existing := range i.addrs {
		if existing == prefix {
			return fmt.Errorf("%w: %s on %s", ErrAddrExists, prefix, i.name)
		}
	}
	i.addrs = append(i.addrs, prefix)
	return nil
}

func (i *Interface) removeAddr(addr netip.Addr) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for idx, existing := range i.addrs {
		if existing.Addr() == addr {
			i.addrs = append(i.addrs[:idx], i.addrs[idx+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s on %s", ErrAddrNotFound, addr, i.name)
}

func (i *Interface) clearAddrs() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.addrs = nil
}
