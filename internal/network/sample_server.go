package network

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"mapkvm/internal/driver"
	"mapkvm/internal/protocol"
)

const (
	staleAfter      = 30 * time.Second
	cleanupInterval = 10 * time.Second
)

// Actors is the part of the driver the sample server feeds.
type Actors interface {
	Join(id string, pos mgl64.Vec3)
	Leave(id string) bool
	Push(id string, sample mgl64.Vec3) bool
	SetProfile(id string, profile int) error
}

// SampleServer is the host-side UDP listener that receives actor position
// samples from game clients and sends corrections back.
type SampleServer struct {
	conn   *net.UDPConn
	port   int
	actors Actors

	clients   map[string]*udpClient // by remote address
	byActor   map[string]*udpClient
	clientsMu sync.RWMutex
	seq       uint32 // atomic
	dropped   atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

type udpClient struct {
	actor    string
	addr     *net.UDPAddr
	lastSeen time.Time
	dedup    seqDedup
}

// seqDedup tracks recently seen sequence numbers to discard redundant packets.
// Uses a fixed-size ring buffer, no allocation, O(1) lookup.
type seqDedup struct {
	ring [256]uint32
	pos  int
	seen map[uint32]struct{}
}

func newSeqDedup() seqDedup {
	return seqDedup{seen: make(map[uint32]struct{}, 256)}
}

func (d *seqDedup) isDuplicate(seq uint32) bool {
	if _, ok := d.seen[seq]; ok {
		return true
	}
	old := d.ring[d.pos]
	if old != 0 {
		delete(d.seen, old)
	}
	d.ring[d.pos] = seq
	d.seen[seq] = struct{}{}
	d.pos = (d.pos + 1) % len(d.ring)
	return false
}

// NewSampleServer creates a sample server. Port 0 binds an ephemeral port.
func NewSampleServer(port int, actors Actors) *SampleServer {
	return &SampleServer{
		port:    port,
		actors:  actors,
		clients: make(map[string]*udpClient),
		byActor: make(map[string]*udpClient),
		done:    make(chan struct{}),
	}
}

// Start binds the UDP socket and begins listening for clients.
func (s *SampleServer) Start() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.port})
	if err != nil {
		return err
	}
	s.conn = conn
	conn.SetReadBuffer(1 << 20)

	log.Printf("Sample Server: Listening on %s", conn.LocalAddr())

	go s.readLoop()
	go s.cleanupLoop()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *SampleServer) Addr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Dropped reports samples rejected because the actor's queue was full.
func (s *SampleServer) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *SampleServer) readLoop() {
	buf := make([]byte, 128)
	for {
		n, remoteAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		pkt, err := protocol.DecodeUDPPacket(buf[:n])
		if err != nil {
			continue
		}
		s.handle(pkt, remoteAddr)
	}
}

func (s *SampleServer) handle(pkt *protocol.UDPPacket, addr *net.UDPAddr) {
	key := addr.String()

	if pkt.Type == protocol.UDPPacketRegister {
		s.register(pkt, addr)
		return
	}

	s.clientsMu.Lock()
	c, ok := s.clients[key]
	if ok {
		c.lastSeen = time.Now()
	}
	dup := ok && pkt.Type != protocol.UDPPacketHeartbeat && c.dedup.isDuplicate(pkt.Seq)
	if ok && pkt.Type == protocol.UDPPacketLeave {
		delete(s.clients, key)
		if s.byActor[c.actor] == c {
			delete(s.byActor, c.actor)
		}
	}
	s.clientsMu.Unlock()

	if !ok || dup {
		return
	}

	switch pkt.Type {
	case protocol.UDPPacketSample:
		if !s.actors.Push(c.actor, mgl64.Vec3{pkt.X, pkt.Y, pkt.Z}) {
			s.dropped.Add(1)
		}
	case protocol.UDPPacketProfile:
		if err := s.actors.SetProfile(c.actor, int(pkt.Profile)); err != nil {
			log.Printf("Sample Server: Profile from %s rejected: %v", c.actor, err)
		}
	case protocol.UDPPacketLeave:
		log.Printf("Sample Server: Actor %s left from %s", c.actor, key)
		s.actors.Leave(c.actor)
	}
}

func (s *SampleServer) register(pkt *protocol.UDPPacket, addr *net.UDPAddr) {
	key := addr.String()
	c := &udpClient{actor: pkt.Actor, addr: addr, lastSeen: time.Now(), dedup: newSeqDedup()}

	s.clientsMu.Lock()
	if prev, ok := s.byActor[pkt.Actor]; ok && prev.addr.String() != key {
		delete(s.clients, prev.addr.String())
	}
	_, again := s.clients[key]
	s.clients[key] = c
	s.byActor[pkt.Actor] = c
	s.clientsMu.Unlock()

	if !again {
		log.Printf("Sample Server: Actor %s registered from %s", pkt.Actor, key)
	}

	ack := &protocol.UDPPacket{
		Type:      protocol.UDPPacketAck,
		Seq:       atomic.AddUint32(&s.seq, 1),
		Timestamp: time.Now().UnixMilli(),
	}
	s.write(ack, addr, 1)

	s.actors.Join(pkt.Actor, mgl64.Vec3{pkt.X, pkt.Y, pkt.Z})
}

// cleanupLoop removes clients that haven't sent anything recently.
func (s *SampleServer) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, actor := range s.expire(time.Now()) {
				s.actors.Leave(actor)
			}
		case <-s.done:
			return
		}
	}
}

func (s *SampleServer) expire(now time.Time) []string {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	var gone []string
	for key, c := range s.clients {
		if now.Sub(c.lastSeen) <= staleAfter {
			continue
		}
		log.Printf("Sample Server: Removing stale actor %s at %s", c.actor, key)
		delete(s.clients, key)
		if s.byActor[c.actor] == c {
			delete(s.byActor, c.actor)
			gone = append(gone, c.actor)
		}
	}
	return gone
}

// Correct sends a position override to the actor's client. Join corrections
// carry an orientation and are sent twice since UDP has no delivery guarantee.
func (s *SampleServer) Correct(actor string, c driver.Correction) {
	s.clientsMu.RLock()
	client, ok := s.byActor[actor]
	s.clientsMu.RUnlock()
	if !ok {
		return
	}

	pkt := &protocol.UDPPacket{
		Type:      protocol.UDPPacketCorrection,
		Seq:       atomic.AddUint32(&s.seq, 1),
		Timestamp: time.Now().UnixMilli(),
		Sample:    int32(c.Sample),
		X:         c.Position.X(),
		Y:         c.Position.Y(),
		Z:         c.Position.Z(),
	}
	redundancy := 1
	if c.Orient {
		pkt.Flags |= protocol.CorrectionOrient
		pkt.Yaw = float32(c.Yaw)
		pkt.Pitch = float32(c.Pitch)
		redundancy = 2
	}
	s.write(pkt, client.addr, redundancy)
}

func (s *SampleServer) write(pkt *protocol.UDPPacket, addr *net.UDPAddr, redundancy int) {
	if s.conn == nil {
		return
	}
	data, err := protocol.EncodeUDPPacket(pkt)
	if err != nil {
		log.Printf("Sample Server: Encode error: %v", err)
		return
	}
	for i := 0; i < redundancy; i++ {
		s.conn.WriteToUDP(data, addr)
	}
}

// HasClients returns true if at least one client is registered.
func (s *SampleServer) HasClients() bool {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients) > 0
}

// Stop shuts down the sample server.
func (s *SampleServer) Stop() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}
