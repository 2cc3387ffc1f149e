package network

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ZentaChain/zentalk-link/pkg/protocol"
)

// AddressBook maps device addresses to transport endpoints
// (host:port for UDP, a /p2p multiaddr for libp2p).
type AddressBook struct {
	endpoints map[protocol.DeviceAddress]string
	devices   map[string]protocol.DeviceAddress // key: endpoint
	mu        sync.RWMutex
}

// NewAddressBook creates an empty address book
func NewAddressBook() *AddressBook {
	return &AddressBook{
		endpoints: make(map[protocol.DeviceAddress]string),
		devices:   make(map[string]protocol.DeviceAddress),
	}
}

// ParseAddressBook builds a book from configuration, where keys are device
// addresses in any strconv base-0 notation.
func ParseAddressBook(peers map[string]string) (*AddressBook, error) {
	book := NewAddressBook()
	for address, endpoint := range peers {
		addr, err := protocol.ParseDeviceAddress(address)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", address, err)
		}
		if addr.IsZero() {
			return nil, fmt.Errorf("peer %q: %w", address, protocol.ErrInvalidAddress)
		}
		if endpoint == "" {
			return nil, fmt.Errorf("peer %s: empty endpoint", addr)
		}
		book.Set(addr, endpoint)
	}
	return book, nil
}

// Set binds addr to endpoint, replacing any previous binding
func (b *AddressBook) Set(addr protocol.DeviceAddress, endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.endpoints[addr]; ok {
		delete(b.devices, old)
	}
	b.endpoints[addr] = endpoint
	b.devices[endpoint] = addr
}

// Endpoint returns the endpoint bound to addr
func (b *AddressBook) Endpoint(addr protocol.DeviceAddress) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	endpoint, ok := b.endpoints[addr]
	return endpoint, ok
}

// Device returns the address bound to endpoint
func (b *AddressBook) Device(endpoint string) (protocol.DeviceAddress, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.devices[endpoint]
	return addr, ok
}

// Addresses returns all known device addresses in ascending order
func (b *AddressBook) Addresses() []protocol.DeviceAddress {
	b.mu.RLock()
	defer b.mu.RUnlock()

	addrs := make([]protocol.DeviceAddress, 0, len(b.endpoints))
	for addr := range b.endpoints {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Len returns the number of bindings
func (b *AddressBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.endpoints)
}
