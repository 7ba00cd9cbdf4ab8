package session

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// resolveSeed resolves a DNS-style seed hostname to a set of candidate
// IPs by issuing one A and one AAAA query directly against the first
// nameserver in /etc/resolv.conf, using miekg/dns's default client
// timeouts and no retries. If resolv.conf cannot be read or lists no
// servers, it falls back to net.LookupIP.
func resolveSeed(host string) ([]net.IP, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return net.LookupIP(host)
	}

	client := new(dns.Client)
	server := net.JoinHostPort(cfg.Servers[0], cfg.Port)

	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)

		resp, _, err := client.Exchange(msg, server)
		if err != nil || resp == nil {
			continue
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				ips = append(ips, rec.A)
			case *dns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses found for seed %s", host)
	}
	return ips, nil
}
