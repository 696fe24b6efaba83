//go:build mdns

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType = "_surfacebroker._tcp"
	mdnsDomain  = "local."
	scanTimeout = 3 * time.Second
)

type mdns struct {
	logger *slog.Logger
}

// New returns a DNS-SD discoverer over multicast DNS.
func New(logger *slog.Logger) Discoverer {
	return &mdns{logger: logger}
}

func (d *mdns) Advertise(ctx context.Context, instance string, port int, metadata map[string]string) error {
	srv, err := zeroconf.Register(instance, serviceType, mdnsDomain, port, txtRecords(metadata), nil)
	if err != nil {
		return fmt.Errorf("discovery: register %q: %w", instance, err)
	}
	defer srv.Shutdown()

	d.logger.Info("advertising on mdns", "instance", instance, "port", port, "service", serviceType)
	<-ctx.Done()
	return nil
}

// Scan browses for scanTimeout, or until ctx ends, and returns each broker
// once, sorted by name.
func (d *mdns) Scan(ctx context.Context) ([]Instance, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	collected := make(chan []Instance, 1)
	go func() {
		seen := make(map[string]Instance)
		for e := range entries {
			inst := entryToInstance(e)
			if inst.Address == "" {
				continue
			}
			if _, dup := seen[inst.Name]; !dup {
				d.logger.Debug("found broker", "name", inst.Name, "address", inst.Address)
			}
			seen[inst.Name] = inst
		}
		collected <- sortInstances(seen)
	}()

	if err := resolver.Browse(ctx, serviceType, mdnsDomain, entries); err != nil {
		cancel()
		<-collected
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	<-ctx.Done()
	return <-collected, nil
}

func entryToInstance(e *zeroconf.ServiceEntry) Instance {
	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	}
	inst := Instance{Name: e.Instance, Metadata: parseTXTRecords(e.Text)}
	if host != "" {
		inst.Address = net.JoinHostPort(host, strconv.Itoa(e.Port))
	}
	return inst
}
