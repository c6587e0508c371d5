// Package discovery implements the discovery client: resolving
// (domain, interface) pairs to a participant id, address, and version, and
// populating the routing table with a TTL-bounded entry for whatever it
// resolves.
package discovery

import (
	"fmt"
	"sync"

	"github.com/carmesh/cc/address"
	"github.com/carmesh/cc/ccerr"
)

// Version carries the provider interface version, used to distinguish
// incompatible provider implementations registered under the same
// interface name.
type Version struct {
	Major int
	Minor int
}

// Entry describes one discovered (or provisioned) provider.
type Entry struct {
	ParticipantID     string
	Address           address.Address
	Version           Version
	IsGloballyVisible bool
}

// key identifies a (domain, interface) pair.
type key struct {
	domain    string
	interfaceName string
}

// RoutingTable is the narrow slice of router.Router the discovery client
// needs: registering the next hop it resolves.
type RoutingTable interface {
	AddNextHop(participantID string, addr address.Address, isGloballyVisible bool, expiryMs int64, sticky bool) error
}

// Client is safe for concurrent use.
type Client struct {
	mu      sync.RWMutex
	entries map[key][]Entry
	routing RoutingTable
}

func New(routing RoutingTable) *Client {
	return &Client{
		entries: make(map[key][]Entry),
		routing: routing,
	}
}

// Provision registers a statically configured entry (e.g. loaded from a
// discoveryEntries.json file at startup) as a sticky, never-evicted
// routing table entry.
func (c *Client) Provision(domain, interfaceName string, entry Entry) error {
	if err := c.routing.AddNextHop(entry.ParticipantID, entry.Address, entry.IsGloballyVisible, 0, true); err != nil {
		return fmt.Errorf("discovery: provisioning %s: %w", entry.ParticipantID, err)
	}
	k := key{domain: domain, interfaceName: interfaceName}
	c.mu.Lock()
	c.entries[k] = append(c.entries[k], entry)
	c.mu.Unlock()
	return nil
}

// Add records a freshly discovered entry and registers it in the routing
// table with the given TTL (absolute expiry in epoch milliseconds).
func (c *Client) Add(domain, interfaceName string, entry Entry, expiryMs int64) error {
	if err := c.routing.AddNextHop(entry.ParticipantID, entry.Address, entry.IsGloballyVisible, expiryMs, false); err != nil {
		return fmt.Errorf("discovery: adding %s: %w", entry.ParticipantID, err)
	}
	k := key{domain: domain, interfaceName: interfaceName}
	c.mu.Lock()
	c.entries[k] = append(c.entries[k], entry)
	c.mu.Unlock()
	return nil
}

// Lookup returns every known entry for (domain, interfaceName). It returns
// a Discovery-kind error when nothing has ever been provisioned or
// discovered for that pair.
func (c *Client) Lookup(domain, interfaceName string) ([]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries, ok := c.entries[key{domain: domain, interfaceName: interfaceName}]
	if !ok || len(entries) == 0 {
		return nil, ccerr.New(ccerr.KindDiscovery, fmt.Sprintf("no provider found for %s/%s", domain, interfaceName))
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// Remove forgets participantID as a provider of (domain, interfaceName).
// It does not touch the routing table entry; callers that also want the
// route gone should call router.RemoveNextHop separately, since a
// participant may still be reachable for other purposes.
func (c *Client) Remove(domain, interfaceName, participantID string) {
	k := key{domain: domain, interfaceName: interfaceName}
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.entries[k]
	out := entries[:0]
	for _, e := range entries {
		if e.ParticipantID == participantID {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		delete(c.entries, k)
	} else {
		c.entries[k] = out
	}
}
