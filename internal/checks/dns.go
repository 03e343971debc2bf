package checks

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

type DNSResolver struct {
	server string
	client *dns.Client
}

func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if server == "" {
		server = "8.8.8.8:53"
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	c := new(dns.Client)
	c.Timeout = timeout

	return &DNSResolver{server: server, client: c}
}

// Resolve returns the A records of host. An IP literal resolves to itself.
func (d *DNSResolver) Resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)

	r, _, err := d.client.ExchangeContext(ctx, m, d.server)
	if err != nil {
		return nil, fmt.Errorf("DNS query failed: %w", err)
	}

	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("DNS query failed with code: %s", dns.RcodeToString[r.Rcode])
	}

	var answers []string
	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			answers = append(answers, a.A.String())
		}
	}

	if len(answers) == 0 {
		return nil, fmt.Errorf("no A records found for %s", host)
	}

	return answers, nil
}
