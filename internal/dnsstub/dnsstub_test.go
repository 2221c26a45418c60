package dnsstub_test

import (
	"context"
	"testing"
	"time"

	"github.com/lattice-os/corekernel/internal/dnsstub"
	"github.com/stretchr/testify/assert"
)

// TestResolveAgainstUnreachableServerFails exercises the miekg/dns-backed
// implementation's error path without depending on network access: a
// loopback port nothing listens on must fail fast rather than hang.
func TestResolveAgainstUnreachableServerFails(t *testing.T) {
	r := dnsstub.NewMiekgResolver("127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := r.Resolve(ctx, "example.com")
	assert.Error(t, err)
}

func TestResolverInterfaceIsSatisfied(t *testing.T) {
	var _ dnsstub.Resolver = dnsstub.NewMiekgResolver("127.0.0.1:53")
}
