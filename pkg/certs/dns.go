package certs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// ErrDomainNotPointed means a custom domain's DNS does not route to the
// platform yet; issuance would fail the ACME challenge anyway.
var ErrDomainNotPointed = errors.New("domain does not point at the platform")

// DomainVerifier checks that a custom domain's DNS points at the platform
// before a certificate is requested for it: either a CNAME onto the
// platform domain or an A record matching the platform's address.
type DomainVerifier struct {
	platformDomain string
	client         *dns.Client
	server         string
}

// NewDomainVerifier uses the system resolver unless server (host:port) is
// given explicitly.
func NewDomainVerifier(platformDomain, server string) (*DomainVerifier, error) {
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("failed to read resolver config: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, errors.New("no DNS servers configured")
		}
		server = conf.Servers[0] + ":" + conf.Port
	}
	return &DomainVerifier{
		platformDomain: strings.TrimSuffix(platformDomain, "."),
		client:         &dns.Client{},
		server:         server,
	}, nil
}

// Verify returns nil when the domain routes to the platform and
// ErrDomainNotPointed when it does not.
func (v *DomainVerifier) Verify(ctx context.Context, domain string) error {
	cname, err := v.lookupCNAME(ctx, domain)
	if err == nil && cname != "" {
		target := strings.TrimSuffix(cname, ".")
		if target == v.platformDomain || strings.HasSuffix(target, "."+v.platformDomain) {
			return nil
		}
	}

	domainIPs, err := v.lookupA(ctx, domain)
	if err != nil {
		return fmt.Errorf("%w: lookup %s: %v", ErrDomainNotPointed, domain, err)
	}
	platformIPs, err := v.lookupA(ctx, v.platformDomain)
	if err != nil {
		return fmt.Errorf("resolve platform domain %s: %w", v.platformDomain, err)
	}
	for _, d := range domainIPs {
		for _, p := range platformIPs {
			if d == p {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s resolves to %v, platform is %v", ErrDomainNotPointed, domain, domainIPs, platformIPs)
}

func (v *DomainVerifier) lookupCNAME(ctx context.Context, domain string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeCNAME)

	resp, _, err := v.client.ExchangeContext(ctx, msg, v.server)
	if err != nil {
		return "", err
	}
	for _, rr := range resp.Answer {
		if cname, ok := rr.(*dns.CNAME); ok {
			return cname.Target, nil
		}
	}
	return "", nil
}

func (v *DomainVerifier) lookupA(ctx context.Context, domain string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)

	resp, _, err := v.client.ExchangeContext(ctx, msg, v.server)
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no A records for %s", domain)
	}
	return ips, nil
}
