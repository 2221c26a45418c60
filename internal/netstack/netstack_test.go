package netstack_test

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/lattice-os/corekernel/internal/netstack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) SendFrame(iface netstack.Interface, frame []byte) error {
	f.sent = append(f.sent, frame)
	return nil
}

func TestInsertRefreshesExistingEntry(t *testing.T) {
	s := netstack.New(logr.Discard(), &fakeSender{}, 2, time.Second)
	ip := [4]byte{10, 0, 0, 1}
	mac1 := [6]byte{1, 1, 1, 1, 1, 1}
	mac2 := [6]byte{2, 2, 2, 2, 2, 2}
	now := time.Now()

	s.Insert(ip, mac1, now)
	s.Insert(ip, mac2, now.Add(time.Millisecond))

	got, ok := s.Lookup(ip, now.Add(time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, mac2, got)
}

func TestInsertEvictsOldestWhenFull(t *testing.T) {
	s := netstack.New(logr.Discard(), &fakeSender{}, 2, time.Hour)
	now := time.Now()
	ipA := [4]byte{10, 0, 0, 1}
	ipB := [4]byte{10, 0, 0, 2}
	ipC := [4]byte{10, 0, 0, 3}

	s.Insert(ipA, [6]byte{1}, now)
	s.Insert(ipB, [6]byte{2}, now.Add(time.Second))
	s.Insert(ipC, [6]byte{3}, now.Add(2*time.Second))

	_, ok := s.Lookup(ipA, now.Add(2*time.Second))
	assert.False(t, ok, "oldest entry must be evicted once the cache is full")
	_, ok = s.Lookup(ipC, now.Add(2*time.Second))
	assert.True(t, ok)
}

func TestLookupExpiresAfterTTL(t *testing.T) {
	s := netstack.New(logr.Discard(), &fakeSender{}, 4, 10*time.Millisecond)
	ip := [4]byte{192, 168, 1, 1}
	now := time.Now()
	s.Insert(ip, [6]byte{9}, now)

	_, ok := s.Lookup(ip, now.Add(5*time.Millisecond))
	assert.True(t, ok)
	_, ok = s.Lookup(ip, now.Add(20*time.Millisecond))
	assert.False(t, ok, "entries must expire after ttl")
}

func TestRoutePrefersMatchingNetworkOverDefault(t *testing.T) {
	lan := netstack.Interface{Name: "eth0", IP: [4]byte{10, 0, 0, 5}, Netmask: [4]byte{255, 255, 255, 0}, Gateway: [4]byte{10, 0, 0, 1}}
	wan := netstack.Interface{Name: "eth1", IP: [4]byte{203, 0, 113, 5}, Netmask: [4]byte{255, 255, 255, 0}, Gateway: [4]byte{203, 0, 113, 1}}

	iface, nextHop, err := netstack.Route([4]byte{10, 0, 0, 42}, []netstack.Interface{lan, wan})
	require.NoError(t, err)
	assert.Equal(t, "eth0", iface.Name)
	assert.Equal(t, [4]byte{10, 0, 0, 42}, nextHop)
}

func TestRouteFallsBackToDefaultGateway(t *testing.T) {
	lan := netstack.Interface{Name: "eth0", IP: [4]byte{10, 0, 0, 5}, Netmask: [4]byte{255, 255, 255, 0}, Gateway: [4]byte{10, 0, 0, 1}}

	iface, nextHop, err := netstack.Route([4]byte{8, 8, 8, 8}, []netstack.Interface{lan})
	require.NoError(t, err)
	assert.Equal(t, "eth0", iface.Name)
	assert.Equal(t, [4]byte{10, 0, 0, 1}, nextHop)
}

func TestRouteUnreachableWithNoMatchAndNoGateway(t *testing.T) {
	lan := netstack.Interface{Name: "eth0", IP: [4]byte{10, 0, 0, 5}, Netmask: [4]byte{255, 255, 255, 0}}
	_, _, err := netstack.Route([4]byte{8, 8, 8, 8}, []netstack.Interface{lan})
	assert.Error(t, err)
}

func TestResolveReturnsImmediatelyOnCacheHit(t *testing.T) {
	sender := &fakeSender{}
	s := netstack.New(logr.Discard(), sender, 4, time.Hour)
	iface := netstack.Interface{Name: "eth0"}
	ip := [4]byte{10, 0, 0, 9}
	mac := [6]byte{7, 7, 7, 7, 7, 7}
	now := time.Now()
	s.Insert(ip, mac, now)

	got, err := s.Resolve(iface, ip, time.Second, func() time.Time { return now })
	require.NoError(t, err)
	assert.Equal(t, mac, got)
	assert.Empty(t, sender.sent, "a cache hit must not broadcast an ARP request")
}

// TestResolveTimesOutWithoutReply is testable property 10 from spec.md §8:
// a cache miss with no reply within the timeout returns failure and sends
// no further queued frame.
func TestResolveTimesOutWithoutReply(t *testing.T) {
	sender := &fakeSender{}
	s := netstack.New(logr.Discard(), sender, 4, time.Hour)
	iface := netstack.Interface{Name: "eth0", MAC: [6]byte{1}, IP: [4]byte{10, 0, 0, 5}}
	ip := [4]byte{10, 0, 0, 200}

	_, err := s.Resolve(iface, ip, 30*time.Millisecond, time.Now)
	assert.Error(t, err)
	assert.Len(t, sender.sent, 1, "exactly one ARP request must have been broadcast")
}
