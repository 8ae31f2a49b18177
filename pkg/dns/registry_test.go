package dns

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryResolvesAppNameToAllMachines(t *testing.T) {
	r := New()
	r.Register("demo", "m1", net.ParseIP("fdaa::1"))
	r.Register("demo", "m2", net.ParseIP("fdaa::2"))

	ips := r.Resolve("demo.internal")
	assert.Len(t, ips, 2)
}

func TestRegistryResolvesMachineSpecificName(t *testing.T) {
	r := New()
	r.Register("demo", "m1", net.ParseIP("fdaa::1"))
	r.Register("demo", "m2", net.ParseIP("fdaa::2"))

	ips := r.Resolve("m1.vm.demo.internal")
	assert.Equal(t, []net.IP{net.ParseIP("fdaa::1")}, ips)
}

func TestRegistryDeregisterRemovesMachine(t *testing.T) {
	r := New()
	r.Register("demo", "m1", net.ParseIP("fdaa::1"))
	r.Deregister("m1")

	assert.Empty(t, r.Resolve("demo.internal"))
	assert.Empty(t, r.Resolve("m1.vm.demo.internal"))
}

func TestRegistryResolvesReservedSelfName(t *testing.T) {
	r := New()
	ips := r.Resolve(ReservedSelfName)
	assert.Equal(t, []net.IP{net.ParseIP("127.0.0.1")}, ips)
}

func TestRegistryUnknownNameResolvesEmpty(t *testing.T) {
	r := New()
	assert.Empty(t, r.Resolve("nope.internal"))
}
