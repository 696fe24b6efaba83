//go:build mdns

package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestEntryToInstance(t *testing.T) {
	e := zeroconf.NewServiceEntry("studio", serviceType, mdnsDomain)
	e.Port = 3000
	e.Text = []string{"version=dev", "path=/events"}

	assert.Empty(t, entryToInstance(e).Address, "no address records yet")

	e.AddrIPv6 = append(e.AddrIPv6, net.ParseIP("fe80::1"))
	assert.Equal(t, "[fe80::1]:3000", entryToInstance(e).Address)

	e.AddrIPv4 = append(e.AddrIPv4, net.IPv4(192, 168, 1, 10))
	inst := entryToInstance(e)
	assert.Equal(t, "studio", inst.Name)
	assert.Equal(t, "192.168.1.10:3000", inst.Address)
	assert.Equal(t, map[string]string{"version": "dev", "path": "/events"}, inst.Metadata)
}
