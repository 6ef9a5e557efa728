package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

// UDP Packet types
const (
	UDPPacketSample     uint8 = 0x01 // Client -> Host: absolute position
	UDPPacketProfile    uint8 = 0x02 // Client -> Host: select input mode
	UDPPacketRegister   uint8 = 0x10 // Client -> Host: join as actor
	UDPPacketHeartbeat  uint8 = 0x11
	UDPPacketAck        uint8 = 0x12 // Host -> Client: confirms UDP path is open
	UDPPacketLeave      uint8 = 0x13 // Client -> Host: leave session
	UDPPacketCorrection uint8 = 0x20 // Host -> Client: position override
)

// Header: [type(1)] [seq(4)] [timestamp(8)] = 13 bytes
const UDPHeaderSize = 13

// MaxActorLen bounds the actor name in a register packet.
const MaxActorLen = 64

// Correction flags
const (
	CorrectionOrient uint8 = 1 << 0
)

// UDPPacket represents a binary-encoded message for low-latency UDP transport.
//
// Wire format per type:
//
//	Sample     (0x01): header + x(f64) + y(f64) + z(f64)                                    = 37 bytes
//	Profile    (0x02): header + profile(uint8)                                              = 14 bytes
//	Register   (0x10): header + len(uint8) + actor + x(f64) + y(f64) + z(f64)               = 38+len bytes
//	Heartbeat  (0x11): header only                                                          = 13 bytes
//	Ack        (0x12): header only                                                          = 13 bytes
//	Leave      (0x13): header only                                                          = 13 bytes
//	Correction (0x20): header + sample(int32) + x,y,z(f64) + yaw(f32) + pitch(f32) + flags  = 50 bytes
type UDPPacket struct {
	Type      uint8
	Seq       uint32
	Timestamp int64
	X, Y, Z   float64 // sample, register, correction
	Profile   uint8   // profile
	Actor     string  // register
	Sample    int32   // correction: index in the tick batch, -1 on join
	Yaw       float32 // correction
	Pitch     float32 // correction
	Flags     uint8   // correction
}

func putVec(b []byte, x, y, z float64) {
	binary.BigEndian.PutUint64(b[0:8], math.Float64bits(x))
	binary.BigEndian.PutUint64(b[8:16], math.Float64bits(y))
	binary.BigEndian.PutUint64(b[16:24], math.Float64bits(z))
}

func getVec(b []byte) (x, y, z float64) {
	x = math.Float64frombits(binary.BigEndian.Uint64(b[0:8]))
	y = math.Float64frombits(binary.BigEndian.Uint64(b[8:16]))
	z = math.Float64frombits(binary.BigEndian.Uint64(b[16:24]))
	return
}

// EncodeUDPPacket serializes a UDPPacket to wire format.
func EncodeUDPPacket(pkt *UDPPacket) ([]byte, error) {
	size := UDPHeaderSize
	switch pkt.Type {
	case UDPPacketSample:
		size += 24
	case UDPPacketProfile:
		size += 1
	case UDPPacketRegister:
		if len(pkt.Actor) == 0 || len(pkt.Actor) > MaxActorLen {
			return nil, errors.New("udp: invalid actor name length")
		}
		size += 1 + len(pkt.Actor) + 24
	case UDPPacketCorrection:
		size += 4 + 24 + 4 + 4 + 1
	case UDPPacketHeartbeat, UDPPacketAck, UDPPacketLeave:
	default:
		return nil, errors.New("udp: unknown packet type")
	}

	buf := make([]byte, size)
	buf[0] = pkt.Type
	binary.BigEndian.PutUint32(buf[1:5], pkt.Seq)
	binary.BigEndian.PutUint64(buf[5:13], uint64(pkt.Timestamp))

	payload := buf[UDPHeaderSize:]
	switch pkt.Type {
	case UDPPacketSample:
		putVec(payload, pkt.X, pkt.Y, pkt.Z)
	case UDPPacketProfile:
		payload[0] = pkt.Profile
	case UDPPacketRegister:
		payload[0] = uint8(len(pkt.Actor))
		n := copy(payload[1:], pkt.Actor)
		putVec(payload[1+n:], pkt.X, pkt.Y, pkt.Z)
	case UDPPacketCorrection:
		binary.BigEndian.PutUint32(payload[0:4], uint32(pkt.Sample))
		putVec(payload[4:28], pkt.X, pkt.Y, pkt.Z)
		binary.BigEndian.PutUint32(payload[28:32], math.Float32bits(pkt.Yaw))
		binary.BigEndian.PutUint32(payload[32:36], math.Float32bits(pkt.Pitch))
		payload[36] = pkt.Flags
	}

	return buf, nil
}

// DecodeUDPPacket deserializes wire bytes into a UDPPacket.
func DecodeUDPPacket(data []byte) (*UDPPacket, error) {
	if len(data) < UDPHeaderSize {
		return nil, errors.New("udp: packet too short")
	}

	pkt := &UDPPacket{
		Type:      data[0],
		Seq:       binary.BigEndian.Uint32(data[1:5]),
		Timestamp: int64(binary.BigEndian.Uint64(data[5:13])),
	}

	payload := data[UDPHeaderSize:]
	switch pkt.Type {
	case UDPPacketSample:
		if len(payload) < 24 {
			return nil, errors.New("udp: sample payload too short")
		}
		pkt.X, pkt.Y, pkt.Z = getVec(payload)
	case UDPPacketProfile:
		if len(payload) < 1 {
			return nil, errors.New("udp: profile payload too short")
		}
		pkt.Profile = payload[0]
	case UDPPacketRegister:
		if len(payload) < 1 {
			return nil, errors.New("udp: register payload too short")
		}
		n := int(payload[0])
		if n == 0 || n > MaxActorLen || len(payload) < 1+n+24 {
			return nil, errors.New("udp: register payload malformed")
		}
		pkt.Actor = string(payload[1 : 1+n])
		pkt.X, pkt.Y, pkt.Z = getVec(payload[1+n:])
	case UDPPacketCorrection:
		if len(payload) < 37 {
			return nil, errors.New("udp: correction payload too short")
		}
		pkt.Sample = int32(binary.BigEndian.Uint32(payload[0:4]))
		pkt.X, pkt.Y, pkt.Z = getVec(payload[4:28])
		pkt.Yaw = math.Float32frombits(binary.BigEndian.Uint32(payload[28:32]))
		pkt.Pitch = math.Float32frombits(binary.BigEndian.Uint32(payload[32:36]))
		pkt.Flags = payload[36]
	case UDPPacketHeartbeat, UDPPacketAck, UDPPacketLeave:
		// no payload
	default:
		return nil, errors.New("udp: unknown packet type")
	}

	return pkt, nil
}
