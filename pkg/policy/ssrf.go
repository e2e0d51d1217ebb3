package policy

import (
	"net"
	"net/url"
	"strings"
)

// blockedCIDRs are the address ranges outbound requests may never reach.
var blockedCIDRs = mustParseCIDRs([]string{
	"127.0.0.0/8",    // loopback
	"10.0.0.0/8",     // RFC1918
	"172.16.0.0/12",  // RFC1918
	"192.168.0.0/16", // RFC1918
	"100.64.0.0/10",  // CGNAT
	"169.254.0.0/16", // link-local, incl. cloud metadata 169.254.169.254
	"224.0.0.0/4",    // multicast
	"255.255.255.255/32",
	"0.0.0.0/8",
	"::1/128",   // IPv6 loopback
	"fe80::/10", // IPv6 link-local
	"fc00::/7",  // IPv6 unique local
	"ff00::/8",  // IPv6 multicast
})

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// CheckURL screens an outbound URL: only http/https schemes, and the host must
// not be (or resolve to) a blocked address. Used for peer transport and
// external fetches.
func CheckURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return violation("invalid url %q: %v", rawURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return violation("scheme %q not allowed for outbound requests", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return violation("url %q has no host", rawURL)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return violation("loopback host not allowed: %s", host)
	}
	if strings.EqualFold(host, "metadata.google.internal") {
		return violation("metadata service host not allowed: %s", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if blocked(ip) {
			return violation("address %s is in a blocked range", ip)
		}
		return nil
	}

	// Resolve names so DNS-based rebinding to internal ranges is caught at
	// check time.
	addrs, err := net.LookupIP(host)
	if err != nil {
		return violation("cannot resolve host %q: %v", host, err)
	}
	for _, ip := range addrs {
		if blocked(ip) {
			return violation("host %s resolves to blocked address %s", host, ip)
		}
	}
	return nil
}

func blocked(ip net.IP) bool {
	for _, n := range blockedCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// URLChecker applies the SSRF rules. AllowLoopback is used by tests and
// single-host swarm development to relax the loopback rejection for a
// specific checker instance.
type URLChecker struct {
	AllowLoopback bool
}

// Check applies the SSRF rules, optionally permitting loopback targets.
func (c URLChecker) Check(rawURL string) error {
	err := CheckURL(rawURL)
	if err == nil {
		return nil
	}
	if !c.AllowLoopback {
		return err
	}
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil {
		return err
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return err
}
