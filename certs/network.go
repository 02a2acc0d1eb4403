package certs

import "net"

// LANIPs returns the IPv4 addresses of the interfaces that are up, loopback
// excluded.
func LANIPs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				ips = append(ips, ip.String())
			}
		}
	}
	return ips, nil
}

// AllHosts returns localhost followed by the LAN addresses.
func AllHosts() ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}
	ips, err := LANIPs()
	if err != nil {
		return hosts, err
	}
	return append(hosts, ips...), nil
}
