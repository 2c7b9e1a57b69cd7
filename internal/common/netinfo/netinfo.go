package netinfo

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

type Advertised struct {
	PublicHost string // configured domain, FLY_PUBLIC_IP, or detected LAN IP
	LANHost    string
	Source     string // "config", "fly", "lan"
	Notes      []string
}

// ComputeAdvertised decides which address the backplane should hand out to
// clients in punch/relay info responses.
func ComputeAdvertised(configuredHost, flyPublicIP, bindHost string) Advertised {
	var adv Advertised

	if h := strings.TrimSpace(configuredHost); h != "" {
		adv.PublicHost = trimScheme(h)
		adv.Source = "config"
	} else if ip := strings.TrimSpace(flyPublicIP); ip != "" {
		adv.PublicHost = ip
		adv.Source = "fly"
	}

	if lan, err := detectLANIPPreferOutbound(); err == nil && lan != "" {
		adv.LANHost = lan
	} else if lan, err := firstPrivateIPv4(); err == nil && lan != "" {
		adv.LANHost = lan
	} else {
		adv.LANHost = "127.0.0.1"
		adv.Notes = append(adv.Notes, "Could not find a LAN IP; falling back to 127.0.0.1.")
	}

	if adv.PublicHost == "" {
		adv.PublicHost = adv.LANHost
		adv.Source = "lan"
		adv.Notes = append(adv.Notes,
			"No public host configured. If this server is behind NAT, set PUBLIC_HOST or forward the punch/relay ports.")
	}
	if isAllInterfaces(bindHost) {
		adv.Notes = append(adv.Notes, fmt.Sprintf("Server bound to %q; advertising detected addresses instead.", bindHost))
	}
	return adv
}

// ClientIP resolves the caller's address for directory upserts: first hop of
// X-Forwarded-For when present, else the peer address, with IPv4-mapped IPv6
// unmapped.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return unmap(ip).String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return unmap(ip).String()
	}
	return host
}

func unmap(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

func trimScheme(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	return strings.TrimSuffix(h, "/")
}

func isAllInterfaces(h string) bool {
	h = strings.TrimSpace(strings.ToLower(h))
	return h == "" || h == "0.0.0.0" || h == "::" || h == "[::]" || h == "localhost"
}

func detectLANIPPreferOutbound() (string, error) {
	conn, err := net.Dial("udp", "1.1.1.1:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || udpAddr.IP == nil {
		return "", errors.New("no local UDP addr")
	}
	return udpAddr.IP.String(), nil
}

func firstPrivateIPv4() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if (iface.Flags&net.FlagUp) == 0 || (iface.Flags&net.FlagLoopback) != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, a := range addrs {
			ip, _, _ := net.ParseCIDR(a.String())
			if ip == nil || ip.To4() == nil {
				continue
			}
			if isPrivateIPv4(ip) {
				return ip.String(), nil
			}
		}
	}
	return "", errors.New("no private IPv4 found")
}

func isPrivateIPv4(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	switch {
	case ip4[0] == 10:
		return true
	case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
		return true
	case ip4[0] == 192 && ip4[1] == 168:
		return true
	default:
		return false
	}
}
