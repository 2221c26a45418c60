// Package netstack implements ARP resolution and IPv4 interface routing:
// a fixed-size MAC/IP cache, first-matching-interface-then-gateway routing, and a
// pending-packet queue for sends that outrun ARP resolution.
package netstack

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/lattice-os/corekernel/pkg/kernerr"
	"k8s.io/client-go/util/workqueue"
)

// Interface is one configured network interface.
type Interface struct {
	Name    string
	MAC     [6]byte
	IP      [4]byte
	Netmask [4]byte
	Gateway [4]byte // zero means "no default route through this interface"
}

// FrameSender transmits a fully-built Ethernet frame on an interface. No
// package in this tree transmits real frames: cmd/kernel wires a sender that
// discards them, and tests supply their own fakes.
type FrameSender interface {
	SendFrame(iface Interface, frame []byte) error
}

// arpEntry is one slot of the fixed-size cache, spec.md §4.F.
type arpEntry struct {
	ip        [4]byte
	mac       [6]byte
	timestamp time.Time
	valid     bool
}

// pendingFrame is an outbound Ethernet frame queued because its next-hop
// MAC was not yet resolved when it was sent.
type pendingFrame struct {
	iface    Interface
	ip       [4]byte
	frame    []byte
	deadline time.Time // absolute; the frame is dropped once now() passes this
}

// Stack holds the ARP cache, configured interfaces, and the pending-send
// queue. It is the single owner of all three — spec.md §5 requires
// interrupt-side writers (NIC RX / timer) restrict themselves to
// append-only operations, which the Insert/enqueue paths below satisfy.
type Stack struct {
	log   logr.Logger
	sender FrameSender
	ttl   time.Duration

	ifaces []Interface
	cache  []arpEntry

	pending workqueue.TypedDelayingInterface[pendingFrame]
}

// New constructs a Stack with a fixed-size ARP cache of capacity entries
// and entries valid for ttl.
func New(log logr.Logger, sender FrameSender, capacity int, ttl time.Duration) *Stack {
	return &Stack{
		log:     log.WithName("netstack"),
		sender:  sender,
		ttl:     ttl,
		cache:   make([]arpEntry, capacity),
		pending: workqueue.NewTypedDelayingQueue[pendingFrame](),
	}
}

// AddInterface registers a configured interface for routing.
func (s *Stack) AddInterface(iface Interface) {
	s.ifaces = append(s.ifaces, iface)
}

// Lookup returns the MAC for ip if the cache holds a still-valid entry.
func (s *Stack) Lookup(ip [4]byte, now time.Time) ([6]byte, bool) {
	for _, e := range s.cache {
		if e.valid && e.ip == ip {
			if now.Sub(e.timestamp) > s.ttl {
				return [6]byte{}, false
			}
			return e.mac, true
		}
	}
	return [6]byte{}, false
}

// Insert records (ip, mac), refreshing an existing entry, else filling a
// free slot, else evicting the oldest — spec.md §4.F.
func (s *Stack) Insert(ip [4]byte, mac [6]byte, now time.Time) {
	for i := range s.cache {
		if s.cache[i].valid && s.cache[i].ip == ip {
			s.cache[i].mac = mac
			s.cache[i].timestamp = now
			return
		}
	}
	for i := range s.cache {
		if !s.cache[i].valid {
			s.cache[i] = arpEntry{ip: ip, mac: mac, timestamp: now, valid: true}
			return
		}
	}
	oldest := 0
	for i := range s.cache {
		if s.cache[i].timestamp.Before(s.cache[oldest].timestamp) {
			oldest = i
		}
	}
	s.cache[oldest] = arpEntry{ip: ip, mac: mac, timestamp: now, valid: true}
}

// Route chooses the egress interface and next-hop IP for dst, per spec.md
// §4.F: first interface whose (ip & netmask) matches, else the first
// interface with a non-zero gateway.
func Route(dst [4]byte, ifaces []Interface) (Interface, [4]byte, error) {
	for _, iface := range ifaces {
		if sameNetwork(iface.IP, dst, iface.Netmask) {
			return iface, dst, nil
		}
	}
	for _, iface := range ifaces {
		if iface.Gateway != ([4]byte{}) {
			return iface, iface.Gateway, nil
		}
	}
	return Interface{}, [4]byte{}, fmt.Errorf("netstack: no route to %v", dst)
}

func sameNetwork(a, b, mask [4]byte) bool {
	for i := 0; i < 4; i++ {
		if a[i]&mask[i] != b[i]&mask[i] {
			return false
		}
	}
	return true
}

// buildARPRequest serializes a broadcast ARP request for targetIP using
// gopacket's Ethernet+ARP layers.
func buildARPRequest(iface Interface, targetIP [4]byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       iface.MAC[:],
		DstMAC:       []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   iface.MAC[:],
		SourceProtAddress: iface.IP[:],
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    targetIP[:],
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HandleARPReply feeds a received ARP reply/request into the cache. It does
// not touch the pending queue; a frame waiting on this address goes out the
// next time ProcessPending picks it up.
func (s *Stack) HandleARPReply(pkt layers.ARP, now time.Time) {
	var ip [4]byte
	var mac [6]byte
	copy(ip[:], pkt.SourceProtAddress)
	copy(mac[:], pkt.SourceHwAddress)
	s.Insert(ip, mac, now)
}

// Resolve blocks until ip resolves in the cache or timeout elapses,
// broadcasting an ARP request and polling via a constant backoff — the
// "blocking resolve with a timeout" path of spec.md §4.F.
func (s *Stack) Resolve(iface Interface, ip [4]byte, timeout time.Duration, now func() time.Time) ([6]byte, error) {
	if mac, ok := s.Lookup(ip, now()); ok {
		return mac, nil
	}
	frame, err := buildARPRequest(iface, ip)
	if err != nil {
		return [6]byte{}, err
	}
	if err := s.sender.SendFrame(iface, frame); err != nil {
		return [6]byte{}, err
	}

	op := func() ([6]byte, error) {
		if mac, ok := s.Lookup(ip, now()); ok {
			return mac, nil
		}
		return [6]byte{}, kernerr.NewRetryable("netstack: arp still pending")
	}
	mac, err := backoff.Retry(context.Background(), op,
		backoff.WithBackOff(backoff.NewConstantBackOff(20*time.Millisecond)),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		return [6]byte{}, fmt.Errorf("netstack: arp resolve of %v timed out", ip)
	}
	return mac, nil
}

// EnqueuePending queues frame for retransmission once ip resolves. It is
// dropped by ProcessPending once now() passes deadline without a resolution
// — spec.md §4.F's process_pending sweep, which drops frames whose ARP
// reply never arrives within a timeout instead of re-queuing them forever.
func (s *Stack) EnqueuePending(iface Interface, ip [4]byte, frame []byte, deadline time.Duration, now func() time.Time) {
	s.pending.AddAfter(pendingFrame{iface: iface, ip: ip, frame: frame, deadline: now().Add(deadline)}, 0)
	s.log.V(1).Info("queued pending send awaiting ARP", "ip", ip, "deadline", deadline)
}

// ProcessPending drains one queued frame: transmits it if the next-hop now
// resolves, drops it if its deadline has passed, otherwise re-queues it
// with a short delay to try again.
func (s *Stack) ProcessPending(now func() time.Time) {
	item, shutdown := s.pending.Get()
	if shutdown {
		return
	}
	defer s.pending.Done(item)

	if _, ok := s.Lookup(item.ip, now()); ok {
		if err := s.sender.SendFrame(item.iface, item.frame); err != nil {
			s.log.Error(err, "failed to transmit resolved pending frame")
		}
		return
	}
	if !now().Before(item.deadline) {
		s.log.V(1).Info("dropping pending send: ARP never resolved within deadline", "ip", item.ip)
		return
	}
	s.pending.AddAfter(item, 50*time.Millisecond)
}

// Shutdown stops accepting new pending sends and drains the queue.
func (s *Stack) Shutdown() {
	s.pending.ShutDown()
}

// Interfaces returns the configured interface list, for routing callers.
func (s *Stack) Interfaces() []Interface {
	return s.ifaces
}
