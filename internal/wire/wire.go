// Package wire implements the fixed-layout datagram frames exchanged
// between the fleet server and its clients: TGR (trigger), CTL (control)
// and ACK (acknowledgement). All multi-byte fields travel in network byte
// order. TGR and ACK carry a CRC-16 over every byte after the (header, crc)
// pair; the CRC is computed over the host-order rendition of those fields,
// matching the deployed wire format.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"
)

const (
	// TGRHeader identifies a trigger frame.
	TGRHeader = 0xA0F9
	// CTLHeader identifies a control frame.
	CTLHeader = 0xA1F9
	// ACKHeader identifies an acknowledgement frame.
	ACKHeader = 0xA2F9

	// TGRSize is the exact trigger frame length on the wire.
	TGRSize = 1024
	// CTLSize is the exact control frame length on the wire.
	CTLSize = 28
	// ACKSize is the exact acknowledgement frame length on the wire.
	ACKSize = 56

	// ControlOnline announces a client going online.
	ControlOnline = 1
	// ControlOffline announces a client going offline.
	ControlOffline = 2

	// NameLen is the fixed size of the client name field, NUL padded.
	NameLen = 16

	coordLen = 16
)

// Verdict is the outcome of validating a raw frame.
type Verdict int

const (
	OK Verdict = iota
	BadHeader
	BadControlCode
	BadCRC
)

func (v Verdict) String() string {
	switch v {
	case OK:
		return "ok"
	case BadHeader:
		return "bad-header"
	case BadControlCode:
		return "bad-control-code"
	case BadCRC:
		return "bad-crc"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

// TGR is a trigger frame soliciting a GPS sample from a client.
type TGR struct {
	Tsp uint32 // unix seconds at send time
}

// CTL is a control frame announcing client status and receive ports.
type CTL struct {
	Control uint16 // ControlOnline or ControlOffline
	UPort   uint16 // unicast receive port
	MPort   uint16 // multicast receive port
	BPort   uint16 // broadcast receive port
	Name    string // client identifier, at most NameLen-1 bytes
}

// ACK is a unicast reply carrying the client's latest fix.
type ACK struct {
	Name      string
	Latitude  string // ASCII decimal degrees
	Longitude string // ASCII decimal degrees
	Tsp       uint32 // fix time, unix seconds
}

// tgrCRC computes the CRC over the host-order payload of a trigger frame:
// tsp followed by the reserved region. A nil reserved slice stands for an
// all-zero region, as the encoder emits it.
func tgrCRC(tsp uint32, reserved []byte) uint16 {
	payload := make([]byte, TGRSize-4)
	binary.LittleEndian.PutUint32(payload[0:4], tsp)
	copy(payload[4:], reserved)
	return crc16.Checksum(payload, crcTable)
}

// ackCRC computes the CRC over the host-order payload of an ack frame:
// name, latitude, longitude, tsp.
func ackCRC(name, lat, lon []byte, tsp uint32) uint16 {
	payload := make([]byte, ACKSize-4)
	copy(payload[0:NameLen], name)
	copy(payload[NameLen:NameLen+coordLen], lat)
	copy(payload[NameLen+coordLen:NameLen+2*coordLen], lon)
	binary.LittleEndian.PutUint32(payload[NameLen+2*coordLen:], tsp)
	return crc16.Checksum(payload, crcTable)
}

// EncodeTGR serialises a trigger frame.
func EncodeTGR(m TGR) []byte {
	b := make([]byte, TGRSize)
	binary.BigEndian.PutUint16(b[0:2], TGRHeader)
	binary.BigEndian.PutUint16(b[2:4], tgrCRC(m.Tsp, nil))
	binary.BigEndian.PutUint32(b[4:8], m.Tsp)
	return b
}

// DecodeTGR parses a trigger frame. It does not verify header or CRC;
// use ValidateTGR for that.
func DecodeTGR(b []byte) (TGR, error) {
	if len(b) != TGRSize {
		return TGR{}, fmt.Errorf("TGR frame length %d, want %d", len(b), TGRSize)
	}
	return TGR{Tsp: binary.BigEndian.Uint32(b[4:8])}, nil
}

// ValidateTGR checks header and CRC of a raw trigger frame. The CRC is
// recomputed from the bytes actually received, reserved region included.
func ValidateTGR(b []byte) Verdict {
	if len(b) != TGRSize || binary.BigEndian.Uint16(b[0:2]) != TGRHeader {
		return BadHeader
	}
	tsp := binary.BigEndian.Uint32(b[4:8])
	if binary.BigEndian.Uint16(b[2:4]) != tgrCRC(tsp, b[8:]) {
		return BadCRC
	}
	return OK
}

// EncodeCTL serialises a control frame. The name must fit the fixed
// field with its terminating NUL.
func EncodeCTL(m CTL) ([]byte, error) {
	if len(m.Name) >= NameLen {
		return nil, fmt.Errorf("client name %q exceeds %d bytes", m.Name, NameLen-1)
	}
	b := make([]byte, CTLSize)
	binary.BigEndian.PutUint16(b[0:2], CTLHeader)
	binary.BigEndian.PutUint16(b[2:4], m.Control)
	binary.BigEndian.PutUint16(b[4:6], m.UPort)
	binary.BigEndian.PutUint16(b[6:8], m.MPort)
	binary.BigEndian.PutUint16(b[8:10], m.BPort)
	copy(b[12:12+NameLen], m.Name)
	return b, nil
}

// DecodeCTL parses a control frame.
func DecodeCTL(b []byte) (CTL, error) {
	if len(b) != CTLSize {
		return CTL{}, fmt.Errorf("CTL frame length %d, want %d", len(b), CTLSize)
	}
	return CTL{
		Control: binary.BigEndian.Uint16(b[2:4]),
		UPort:   binary.BigEndian.Uint16(b[4:6]),
		MPort:   binary.BigEndian.Uint16(b[6:8]),
		BPort:   binary.BigEndian.Uint16(b[8:10]),
		Name:    cstring(b[12 : 12+NameLen]),
	}, nil
}

// ValidateCTL checks header and control code. CTL frames carry no CRC.
func ValidateCTL(b []byte) Verdict {
	if len(b) != CTLSize || binary.BigEndian.Uint16(b[0:2]) != CTLHeader {
		return BadHeader
	}
	ctl := binary.BigEndian.Uint16(b[2:4])
	if ctl != ControlOnline && ctl != ControlOffline {
		return BadControlCode
	}
	return OK
}

// EncodeACK serialises an acknowledgement frame.
func EncodeACK(m ACK) ([]byte, error) {
	if len(m.Name) >= NameLen {
		return nil, fmt.Errorf("client name %q exceeds %d bytes", m.Name, NameLen-1)
	}
	if len(m.Latitude) >= coordLen || len(m.Longitude) >= coordLen {
		return nil, fmt.Errorf("coordinate string exceeds %d bytes", coordLen-1)
	}
	name := make([]byte, NameLen)
	lat := make([]byte, coordLen)
	lon := make([]byte, coordLen)
	copy(name, m.Name)
	copy(lat, m.Latitude)
	copy(lon, m.Longitude)

	b := make([]byte, ACKSize)
	binary.BigEndian.PutUint16(b[0:2], ACKHeader)
	binary.BigEndian.PutUint16(b[2:4], ackCRC(name, lat, lon, m.Tsp))
	copy(b[4:4+NameLen], name)
	copy(b[4+NameLen:4+NameLen+coordLen], lat)
	copy(b[4+NameLen+coordLen:4+NameLen+2*coordLen], lon)
	binary.BigEndian.PutUint32(b[4+NameLen+2*coordLen:], m.Tsp)
	return b, nil
}

// DecodeACK parses an acknowledgement frame.
func DecodeACK(b []byte) (ACK, error) {
	if len(b) != ACKSize {
		return ACK{}, fmt.Errorf("ACK frame length %d, want %d", len(b), ACKSize)
	}
	return ACK{
		Name:      cstring(b[4 : 4+NameLen]),
		Latitude:  cstring(b[4+NameLen : 4+NameLen+coordLen]),
		Longitude: cstring(b[4+NameLen+coordLen : 4+NameLen+2*coordLen]),
		Tsp:       binary.BigEndian.Uint32(b[4+NameLen+2*coordLen:]),
	}, nil
}

// ValidateACK checks header and CRC of a raw acknowledgement frame.
func ValidateACK(b []byte) Verdict {
	if len(b) != ACKSize || binary.BigEndian.Uint16(b[0:2]) != ACKHeader {
		return BadHeader
	}
	tsp := binary.BigEndian.Uint32(b[4+NameLen+2*coordLen:])
	want := ackCRC(b[4:4+NameLen], b[4+NameLen:4+NameLen+coordLen],
		b[4+NameLen+coordLen:4+NameLen+2*coordLen], tsp)
	if binary.BigEndian.Uint16(b[2:4]) != want {
		return BadCRC
	}
	return OK
}

// cstring interprets a NUL-padded fixed field as a Go string.
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
