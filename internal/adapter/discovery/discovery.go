// Package discovery advertises the broker on the local network and finds
// other brokers. mDNS support is compiled in with the "mdns" build tag.
package discovery

import (
	"context"
	"maps"
	"slices"
	"strings"
)

// Instance is one broker found on the network.
type Instance struct {
	Name     string
	Address  string // host:port
	Metadata map[string]string
}

// Discoverer advertises this broker and scans for others.
type Discoverer interface {
	// Advertise blocks until ctx is cancelled.
	Advertise(ctx context.Context, instance string, port int, metadata map[string]string) error
	Scan(ctx context.Context) ([]Instance, error)
}

// txtRecords encodes metadata as key=value strings in key order.
func txtRecords(metadata map[string]string) []string {
	txt := make([]string, 0, len(metadata))
	for _, k := range slices.Sorted(maps.Keys(metadata)) {
		txt = append(txt, k+"="+metadata[k])
	}
	return txt
}

// parseTXTRecords decodes key=value strings; entries without '=' are dropped.
func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		if k, v, ok := strings.Cut(t, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

func sortInstances(byName map[string]Instance) []Instance {
	out := make([]Instance, 0, len(byName))
	for _, name := range slices.Sorted(maps.Keys(byName)) {
		out = append(out, byName[name])
	}
	return out
}
