package network

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"mapkvm/internal/protocol"
)

// ErrNoAck is returned when the host never acknowledges a registration.
var ErrNoAck = errors.New("no ack from host")

// SampleClient is the game-side UDP sender that streams actor positions to
// the host and receives corrections.
type SampleClient struct {
	hostAddr string
	actor    string
	conn     *net.UDPConn
	host     *net.UDPAddr
	seq      uint32 // atomic
	done     chan struct{}
	once     sync.Once

	// OnCorrection is called for each correction from the host.
	OnCorrection func(sample int, pos mgl64.Vec3, orient bool, yaw, pitch float64)

	dedup seqDedup
}

// NewSampleClient creates a client for actor. hostAddr is "ip:port".
func NewSampleClient(hostAddr, actor string) *SampleClient {
	return &SampleClient{
		hostAddr: hostAddr,
		actor:    actor,
		done:     make(chan struct{}),
		dedup:    newSeqDedup(),
	}
}

// Connect binds a local socket and registers at pos, retrying up to 3 times
// with a 500ms timeout each. It returns ErrNoAck if the UDP path is blocked.
func (c *SampleClient) Connect(pos mgl64.Vec3) error {
	host, err := net.ResolveUDPAddr("udp", c.hostAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return err
	}
	c.conn = conn
	c.host = host

	buf := make([]byte, 128)
	for attempt := 0; attempt < 3; attempt++ {
		c.send(&protocol.UDPPacket{
			Type:  protocol.UDPPacketRegister,
			Actor: c.actor,
			X:     pos.X(), Y: pos.Y(), Z: pos.Z(),
		})

		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		resp, err := protocol.DecodeUDPPacket(buf[:n])
		if err != nil || resp.Type != protocol.UDPPacketAck {
			continue
		}
		conn.SetReadDeadline(time.Time{})
		log.Printf("Sample Client: Registered %s with %s (attempt %d)", c.actor, c.hostAddr, attempt+1)

		go c.heartbeatLoop()
		go c.readLoop()
		return nil
	}

	conn.Close()
	log.Printf("Sample Client: No Ack received after 3 attempts, UDP path blocked")
	return ErrNoAck
}

// SendSample streams one absolute position.
func (c *SampleClient) SendSample(pos mgl64.Vec3) {
	c.send(&protocol.UDPPacket{Type: protocol.UDPPacketSample, X: pos.X(), Y: pos.Y(), Z: pos.Z()})
}

// SendProfile selects the actor's input mode.
func (c *SampleClient) SendProfile(profile int) {
	c.send(&protocol.UDPPacket{Type: protocol.UDPPacketProfile, Profile: uint8(profile)})
}

func (c *SampleClient) send(pkt *protocol.UDPPacket) {
	if c.conn == nil {
		return
	}
	pkt.Seq = atomic.AddUint32(&c.seq, 1)
	pkt.Timestamp = time.Now().UnixMilli()
	data, err := protocol.EncodeUDPPacket(pkt)
	if err != nil {
		log.Printf("Sample Client: Encode error: %v", err)
		return
	}
	c.conn.WriteToUDP(data, c.host)
}

// heartbeatLoop keeps the registration alive.
func (c *SampleClient) heartbeatLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.send(&protocol.UDPPacket{Type: protocol.UDPPacketHeartbeat})
		case <-c.done:
			return
		}
	}
}

func (c *SampleClient) readLoop() {
	buf := make([]byte, 128)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
				continue
			}
		}

		pkt, err := protocol.DecodeUDPPacket(buf[:n])
		if err != nil || pkt.Type != protocol.UDPPacketCorrection {
			continue
		}
		if c.dedup.isDuplicate(pkt.Seq) {
			continue
		}
		if c.OnCorrection != nil {
			c.OnCorrection(
				int(pkt.Sample),
				mgl64.Vec3{pkt.X, pkt.Y, pkt.Z},
				pkt.Flags&protocol.CorrectionOrient != 0,
				float64(pkt.Yaw), float64(pkt.Pitch),
			)
		}
	}
}

// Close sends a leave packet and shuts the client down.
func (c *SampleClient) Close() {
	c.once.Do(func() {
		c.send(&protocol.UDPPacket{Type: protocol.UDPPacketLeave})
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
