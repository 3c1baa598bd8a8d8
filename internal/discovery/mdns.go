// Package discovery advertises the registry on the local network over mDNS
// so peers can be started without knowing its address.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceName is the mDNS service under which the registry announces
	// its UDP control endpoint.
	ServiceName = "_fileshare-registry._udp"
	// ServiceDomain is the mDNS service domain.
	ServiceDomain = "local."

	browseTimeout = 5 * time.Second
)

// PublishRegistry announces a running registry's UDP port on the LAN.
// Callers shut the returned server down when the registry exits.
func PublishRegistry(port int) (*zeroconf.Server, error) {
	server, err := zeroconf.Register("FileShare-Registry", ServiceName, ServiceDomain, port, []string{"txtv=0"}, nil)
	if err != nil {
		return nil, fmt.Errorf("could not register service: %w", err)
	}
	return server, nil
}

// DiscoverRegistry browses the LAN for a published registry and returns
// its host and UDP port. It fails after a bounded browse window.
func DiscoverRegistry() (host string, port int, err error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to initialize resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	ctx, cancel := context.WithTimeout(context.Background(), browseTimeout)
	defer cancel()

	if err := resolver.Browse(ctx, ServiceName, ServiceDomain, entries); err != nil {
		return "", 0, fmt.Errorf("failed to browse: %w", err)
	}

	select {
	case <-ctx.Done():
		return "", 0, fmt.Errorf("registry discovery timed out")
	case entry := <-entries:
		if len(entry.AddrIPv4) == 0 {
			return "", 0, fmt.Errorf("discovered registry but no IPv4 address found")
		}
		return entry.AddrIPv4[0].String(), entry.Port, nil
	}
}
