package discovery

import (
	"errors"
	"net"
)

// ErrNoInterface is returned when no external IPv4 interface is up.
var ErrNoInterface = errors.New("discovery: no external ipv4 interface")

// LocalAddr returns the first IPv4 address of an interface that is up, is not a
// loopback, and has a hardware address, together with its broadcast address.
func LocalAddr() (ip net.IP, broadcast net.IP, err error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4, Broadcast(ip4, ipnet.Mask), nil
			}
		}
	}

	return nil, nil, ErrNoInterface
}

// Broadcast returns the broadcast address of ip in a network with mask.
func Broadcast(ip net.IP, mask net.IPMask) net.IP {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}

	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip4[i] | ^mask[i]
	}

	return out
}
