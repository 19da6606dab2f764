package ncp

import "net"

// DefaultClientID returns the low 4 bytes of the first non-empty hardware
// address found on the host: the identity a client presents during the
// handshake and stamps into every packet's info tag. Callers that need a
// stable or test identity should use WithClientID instead of relying on
// this lookup.
func DefaultClientID() [4]byte {
	var id [4]byte
	ifaces, err := net.Interfaces()
	if err != nil {
		return id
	}
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) >= 4 {
			copy(id[:], iface.HardwareAddr[len(iface.HardwareAddr)-4:])
			return id
		}
	}
	return id
}
