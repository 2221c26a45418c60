// Package dnsstub defines the narrow collaborator interface the socket
// layer is allowed to consume for name resolution. DNS-the-protocol is out
// of this kernel's core scope; this package is the seam, with a single
// miekg/dns-backed implementation enough to exercise it end-to-end.
package dnsstub

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Resolver resolves a hostname to an IPv4 address.
type Resolver interface {
	Resolve(ctx context.Context, name string) (net.IP, error)
}

// MiekgResolver issues a single A-record query against a configured
// upstream server.
type MiekgResolver struct {
	Server string // "ip:port", e.g. "8.8.8.8:53"
	client *dns.Client
}

// NewMiekgResolver constructs a resolver querying server.
func NewMiekgResolver(server string) *MiekgResolver {
	return &MiekgResolver{Server: server, client: new(dns.Client)}
}

// Resolve issues a single A-record query for name and returns the first
// answer.
func (r *MiekgResolver) Resolve(ctx context.Context, name string) (net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.RecursionDesired = true

	reply, _, err := r.client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return nil, fmt.Errorf("dnsstub: query %q: %w", name, err)
	}
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, fmt.Errorf("dnsstub: no A record for %q", name)
}

var _ Resolver = (*MiekgResolver)(nil)
