// Package tcp implements the per-socket TCP state machine of spec.md
// §4.G: a fixed socket pool, SYN/FIN transitions including simultaneous
// open, a lazily-allocated per-socket ring receive buffer, blocking
// connect/recv poll loops, and a retransmission timer.
package tcp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/lattice-os/corekernel/internal/netstack"
	"github.com/lattice-os/corekernel/pkg/kernerr"
	"github.com/lattice-os/corekernel/pkg/ringbuffer"
	"k8s.io/client-go/util/workqueue"
)

// State is one of the TCP connection states from spec.md §4.G.
type State int

const (
	CLOSED State = iota
	LISTEN
	SYN_SENT
	SYN_RECEIVED
	ESTABLISHED
	CLOSE_WAIT
	LAST_ACK
	FIN_WAIT_1
	FIN_WAIT_2
	TIME_WAIT
)

func (s State) String() string {
	switch s {
	case CLOSED:
		return "CLOSED"
	case LISTEN:
		return "LISTEN"
	case SYN_SENT:
		return "SYN_SENT"
	case SYN_RECEIVED:
		return "SYN_RECEIVED"
	case ESTABLISHED:
		return "ESTABLISHED"
	case CLOSE_WAIT:
		return "CLOSE_WAIT"
	case LAST_ACK:
		return "LAST_ACK"
	case FIN_WAIT_1:
		return "FIN_WAIT_1"
	case FIN_WAIT_2:
		return "FIN_WAIT_2"
	case TIME_WAIT:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

const (
	ephemeralBase = 49152
	ephemeralTop  = 65535
	maxRetransmits = 5
	retransmitInterval = time.Second
	recvRingCapacity = 4096
)

// Socket is one fixed-pool entry. recvRing is allocated on first incoming
// data, per spec.md §4.G.
type Socket struct {
	ID   int
	Local  netstack.Interface
	LocalPort  uint16
	RemoteIP   [4]byte
	RemotePort uint16
	RemoteMAC  [6]byte

	State State

	sendSeq uint32
	ackSeq  uint32

	recvRing *ringbuffer.RingBuffer[byte]

	pendingSeq     uint32
	pendingPayload []byte

	retransmits  int
	lastActivity time.Time
	errFlag      error
	inUse        bool
}

// Sender transmits a raw Ethernet frame; the same contract netstack.Resolve
// uses to broadcast ARP requests.
type Sender interface {
	SendFrame(iface netstack.Interface, frame []byte) error
}

// Resolver resolves the next hop for an outbound connection, combining
// routing and ARP into the single blocking step spec.md §4.G's connect
// describes.
type Resolver interface {
	Route(dst [4]byte) (netstack.Interface, [4]byte, error)
	ResolveMAC(iface netstack.Interface, ip [4]byte, timeout time.Duration) ([6]byte, error)
}

// Manager owns the fixed socket pool and the retransmission timer queue.
type Manager struct {
	log      logr.Logger
	sender   Sender
	resolver Resolver
	now      func() time.Time

	sockets    []Socket
	nextEphemeral uint16

	retransmitQ workqueue.TypedDelayingInterface[int] // socket index
}

// New constructs a Manager with a fixed pool of capacity sockets.
func New(log logr.Logger, sender Sender, resolver Resolver, capacity int, now func() time.Time) *Manager {
	sockets := make([]Socket, capacity)
	for i := range sockets {
		sockets[i].ID = i
	}
	return &Manager{
		log:           log.WithName("tcp"),
		sender:        sender,
		resolver:      resolver,
		now:           now,
		sockets:       sockets,
		nextEphemeral: ephemeralBase,
		retransmitQ:   workqueue.NewTypedDelayingQueue[int](),
	}
}

// AckSeq returns the next sequence number this socket expects from its
// peer, for tests and /proc/net/tcp introspection.
func (s Socket) AckSeq() uint32 { return s.ackSeq }

// SendSeq returns the next sequence number this socket will send.
func (s Socket) SendSeq() uint32 { return s.sendSeq }

// Socket returns socket id's current state by value for inspection.
func (m *Manager) Socket(id int) (Socket, error) {
	if id < 0 || id >= len(m.sockets) {
		return Socket{}, kernerr.EINVALID
	}
	return m.sockets[id], nil
}

// Sockets returns a snapshot of every in-use socket, for /proc/net/tcp
// introspection — the same copy-out-for-inspection shape as sched.Manager's
// Snapshot.
func (m *Manager) Sockets() []Socket {
	var out []Socket
	for _, s := range m.sockets {
		if s.inUse {
			out = append(out, s)
		}
	}
	return out
}

// Open allocates a free socket slot from the fixed pool.
func (m *Manager) Open() (int, error) {
	for i := range m.sockets {
		if !m.sockets[i].inUse {
			m.sockets[i] = Socket{ID: i, inUse: true, State: CLOSED, lastActivity: m.now()}
			return i, nil
		}
	}
	return -1, kernerr.ENOSPACE
}

// Listen transitions socket id to LISTEN on the given local port.
func (m *Manager) Listen(id int, localPort uint16) error {
	s, err := m.socketPtr(id)
	if err != nil {
		return err
	}
	s.LocalPort = localPort
	s.State = LISTEN
	return nil
}

func (m *Manager) socketPtr(id int) (*Socket, error) {
	if id < 0 || id >= len(m.sockets) || !m.sockets[id].inUse {
		return nil, kernerr.EINVALID
	}
	return &m.sockets[id], nil
}

func (m *Manager) allocEphemeralPort() uint16 {
	port := m.nextEphemeral
	if m.nextEphemeral == ephemeralTop {
		m.nextEphemeral = ephemeralBase
	} else {
		m.nextEphemeral++
	}
	return port
}

// buildSegment serializes an IPv4+TCP segment via gopacket/layers, per
// spec.md §6's gopacket-grounded wire format.
func buildSegment(iface netstack.Interface, remoteMAC [6]byte, s *Socket, flags Flags, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{SrcMAC: iface.MAC[:], DstMAC: remoteMAC[:], EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    iface.IP[:],
		DstIP:    s.RemoteIP[:],
	}
	tcpHdr := &layers.TCP{
		SrcPort: layers.TCPPort(s.LocalPort),
		DstPort: layers.TCPPort(s.RemotePort),
		Seq:     s.sendSeq,
		Ack:     s.ackSeq,
		SYN:     flags.Syn,
		ACK:     flags.Ack,
		FIN:     flags.Fin,
		RST:     flags.Rst,
		Window:  uint16(recvRingCapacity),
	}
	_ = tcpHdr.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcpHdr, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type Flags struct {
	Syn, Ack, Fin, Rst bool
}

func (m *Manager) transmit(s *Socket, remoteMAC [6]byte, flags Flags, payload []byte) error {
	frame, err := buildSegment(s.Local, remoteMAC, s, flags, payload)
	if err != nil {
		return err
	}
	return m.sender.SendFrame(s.Local, frame)
}

// Connect performs the blocking active-open of spec.md §4.G: auto-bind an
// ephemeral port, resolve route+ARP, send SYN, then poll for ESTABLISHED,
// RST, timeout, or exhausted retransmits.
func (m *Manager) Connect(id int, remoteIP [4]byte, remotePort uint16, timeout time.Duration) error {
	s, err := m.socketPtr(id)
	if err != nil {
		return err
	}
	if s.LocalPort == 0 {
		s.LocalPort = m.allocEphemeralPort()
	}
	iface, nextHop, err := m.resolver.Route(remoteIP)
	if err != nil {
		return fmt.Errorf("tcp: route unreachable: %w", err)
	}
	mac, err := m.resolver.ResolveMAC(iface, nextHop, timeout)
	if err != nil {
		return fmt.Errorf("tcp: arp failure: %w", err)
	}

	s.Local = iface
	s.RemoteIP = remoteIP
	s.RemotePort = remotePort
	s.RemoteMAC = mac
	s.sendSeq = 1
	s.State = SYN_SENT
	if err := m.transmit(s, mac, Flags{Syn: true}, nil); err != nil {
		return err
	}

	deadline := m.now().Add(timeout)
	for {
		switch s.State {
		case ESTABLISHED:
			return nil
		case CLOSED:
			if s.errFlag != nil {
				return s.errFlag
			}
			return kernerr.New("tcp: rst received")
		}
		if m.now().After(deadline) {
			return kernerr.New("tcp: connect timeout")
		}
		if m.now().Sub(s.lastActivity) >= retransmitInterval {
			if s.retransmits >= maxRetransmits {
				s.State = CLOSED
				return kernerr.New("tcp: max retransmits exceeded")
			}
			s.retransmits++
			s.sendSeq--
			if err := m.transmit(s, mac, Flags{Syn: true}, nil); err != nil {
				return err
			}
			s.lastActivity = m.now()
		}
	}
}

// HandleSegment applies an inbound segment's effect on socket id's state
// machine, per the transition table in spec.md §4.G.
func (m *Manager) HandleSegment(id int, remoteMAC [6]byte, seq, ack uint32, flags Flags, payload []byte) error {
	s, err := m.socketPtr(id)
	if err != nil {
		return err
	}
	s.lastActivity = m.now()
	s.RemoteMAC = remoteMAC

	if flags.Rst {
		s.State = CLOSED
		s.errFlag = kernerr.New("tcp: rst received")
		return nil
	}

	switch s.State {
	case LISTEN:
		if flags.Syn {
			s.ackSeq = seq + 1
			s.State = SYN_RECEIVED
			return m.transmit(s, remoteMAC, Flags{Syn: true, Ack: true}, nil)
		}
	case SYN_SENT:
		if flags.Syn && flags.Ack {
			s.ackSeq = seq + 1
			s.sendSeq++
			s.State = ESTABLISHED
			return m.transmit(s, remoteMAC, Flags{Ack: true}, nil)
		}
		if flags.Syn {
			s.ackSeq = seq + 1
			s.State = SYN_RECEIVED
			return m.transmit(s, remoteMAC, Flags{Syn: true, Ack: true}, nil)
		}
	case SYN_RECEIVED:
		if flags.Ack && ack == s.sendSeq+1 {
			s.sendSeq++
			s.State = ESTABLISHED
		}
	case ESTABLISHED:
		if flags.Ack && s.pendingPayload != nil && ack >= s.pendingSeq+uint32(len(s.pendingPayload)) {
			s.pendingPayload = nil
		}
		if flags.Fin {
			s.ackSeq += uint32(len(payload)) + 1
			s.State = CLOSE_WAIT
			return m.transmit(s, remoteMAC, Flags{Ack: true}, nil)
		}
		if seq == s.ackSeq {
			if err := m.absorb(s, payload); err != nil {
				// Ring is full: do not advance ack, no ACK sent, segment
				// is effectively dropped so the peer retransmits.
				return nil
			}
			s.ackSeq += uint32(len(payload))
			return m.transmit(s, remoteMAC, Flags{Ack: true}, nil)
		}
		// Out-of-order: drop the payload, still ACK to force retransmit.
		return m.transmit(s, remoteMAC, Flags{Ack: true}, nil)
	case FIN_WAIT_1:
		if flags.Ack {
			s.State = FIN_WAIT_2
		}
		if flags.Fin {
			s.ackSeq++
			s.State = TIME_WAIT
			if err := m.transmit(s, remoteMAC, Flags{Ack: true}, nil); err != nil {
				return err
			}
			s.State = CLOSED
		}
	case FIN_WAIT_2:
		if flags.Fin {
			s.ackSeq++
			s.State = TIME_WAIT
			if err := m.transmit(s, remoteMAC, Flags{Ack: true}, nil); err != nil {
				return err
			}
			s.State = CLOSED
		}
	case LAST_ACK:
		if flags.Ack {
			s.State = CLOSED
		}
	}
	return nil
}

// absorb appends payload to the socket's lazily-allocated receive ring. It
// refuses to accept a segment that would overflow the ring instead of
// silently overwriting unacknowledged bytes (see DESIGN.md).
func (m *Manager) absorb(s *Socket, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if s.recvRing == nil {
		ring, err := ringbuffer.New[byte](recvRingCapacity)
		if err != nil {
			return err
		}
		s.recvRing = ring
	}
	if s.recvRing.Cap()-s.recvRing.Len() < len(payload) {
		return kernerr.New("tcp: receive ring full")
	}
	for _, b := range payload {
		s.recvRing.Push(b)
	}
	return nil
}

// Recv is the blocking receive poll loop of spec.md §4.G: drains the ring
// as data becomes available, returns 0 (EOF) once the peer has closed and
// the ring is empty, and 0 bytes on timeout.
func (m *Manager) Recv(id int, buf []byte, timeout time.Duration) (int, error) {
	s, err := m.socketPtr(id)
	if err != nil {
		return 0, err
	}
	deadline := m.now().Add(timeout)
	for {
		if s.recvRing != nil && s.recvRing.Len() > 0 {
			taken := s.recvRing.Drain(len(buf))
			n := copy(buf, taken)
			return n, nil
		}
		if s.errFlag != nil {
			return 0, s.errFlag
		}
		if (s.State == CLOSED || s.State == CLOSE_WAIT) && (s.recvRing == nil || s.recvRing.Len() == 0) {
			return 0, nil
		}
		if m.now().After(deadline) {
			return 0, nil
		}
	}
}

// Send transmits payload on an ESTABLISHED socket and arms its
// retransmission timer, spec.md §4.G: "each outgoing data segment that
// advances the send sequence is eligible for retransmit."
func (m *Manager) Send(id int, payload []byte) (int, error) {
	s, err := m.socketPtr(id)
	if err != nil {
		return 0, err
	}
	if s.State != ESTABLISHED {
		return 0, kernerr.EINVALID
	}
	if err := m.transmit(s, s.RemoteMAC, Flags{Ack: true}, payload); err != nil {
		return 0, err
	}
	s.pendingSeq = s.sendSeq
	s.pendingPayload = payload
	s.sendSeq += uint32(len(payload))
	s.retransmits = 0
	m.retransmitQ.AddAfter(id, retransmitInterval)
	return len(payload), nil
}

// ProcessRetransmits drains one retransmission-timer entry: resends the
// socket's unacknowledged segment if it is still pending, or does nothing
// if it was acked since the timer was armed. Like netstack.ProcessPending,
// it blocks until a queued entry is due and handles that one entry.
func (m *Manager) ProcessRetransmits() {
	id, shutdown := m.retransmitQ.Get()
	if shutdown {
		return
	}
	defer m.retransmitQ.Done(id)

	s := &m.sockets[id]
	if s.pendingPayload == nil || s.State != ESTABLISHED {
		return
	}
	if s.retransmits >= maxRetransmits {
		s.State = CLOSED
		s.errFlag = kernerr.New("tcp: max retransmits exceeded")
		s.pendingPayload = nil
		return
	}
	s.retransmits++
	if err := m.transmit(s, s.RemoteMAC, Flags{Ack: true}, s.pendingPayload); err != nil {
		m.log.Error(err, "failed to retransmit segment", "socket", id)
	}
	m.retransmitQ.AddAfter(id, retransmitInterval)
}

// ShutdownRetransmitQueue stops the retransmission timer queue.
func (m *Manager) ShutdownRetransmitQueue() {
	m.retransmitQ.ShutDown()
}

// Close performs the local active-close of spec.md §4.G, grounded on the
// ESTABLISHED/CLOSE_WAIT branches of the transition table.
func (m *Manager) Close(id int, remoteMAC [6]byte) error {
	s, err := m.socketPtr(id)
	if err != nil {
		return err
	}
	switch s.State {
	case ESTABLISHED:
		s.State = FIN_WAIT_1
		return m.transmit(s, remoteMAC, Flags{Fin: true, Ack: true}, nil)
	case CLOSE_WAIT:
		s.State = LAST_ACK
		return m.transmit(s, remoteMAC, Flags{Fin: true, Ack: true}, nil)
	default:
		s.State = CLOSED
		return nil
	}
}

// Checksum computes the standard IPv4 pseudo-header + TCP one's-complement
// 16-bit checksum of spec.md §4.G, for callers building segments by hand
// (the gopacket path above computes this automatically).
func Checksum(srcIP, dstIP [4]byte, segment []byte) uint16 {
	var sum uint32
	pseudo := make([]byte, 12)
	copy(pseudo[0:4], srcIP[:])
	copy(pseudo[4:8], dstIP[:])
	pseudo[9] = 6 // TCP protocol number
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))

	sum += sumBytes(pseudo)
	sum += sumBytes(segment)

	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func sumBytes(b []byte) uint32 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	return sum
}
