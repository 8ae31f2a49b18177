package machine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// newMachineID returns an opaque hex-encoded 8-byte machine id (§3).
func newMachineID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// newLeaseNonce returns an opaque lease token.
func newLeaseNonce() string {
	return uuid.NewString()
}

// NewVolumeID returns an opaque volume id, grounded on the teacher's use of
// google/uuid for stable identifiers. Exported for the API surface's volume
// creation handler.
func NewVolumeID() string {
	return "vol_" + uuid.NewString()
}

// privateIPFor derives a deterministic virtual IPv6 address within a local
// unique-local (fdaa::/16-style) range from the machine id, so the same
// machine always gets the same address across restarts.
func privateIPFor(machineID string) (net.IP, error) {
	raw, err := hex.DecodeString(machineID)
	if err != nil {
		return nil, fmt.Errorf("decode machine id %q: %w", machineID, err)
	}
	ip := make(net.IP, net.IPv6len)
	ip[0] = 0xfd
	ip[1] = 0xaa
	copy(ip[net.IPv6len-len(raw):], raw)
	return ip, nil
}

// privateIPFromString parses a machine's stored private IP column back into
// a net.IP, rejecting anything that isn't a valid address.
func privateIPFromString(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid private ip %q", s)
	}
	return ip, nil
}
