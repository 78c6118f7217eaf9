// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package wire defines the binary packet format of the Homa transport.
//
// Every packet begins with a fixed 16-byte common header followed by a
// type-specific body. All multi-byte fields are big-endian. The sender_id
// field carries the sender's own id for the RPC; the low bit encodes the
// role, so the receiver flips it to obtain its id for the same RPC.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/creachadair/mds/value"
)

// HeaderLen is the length in bytes of the common packet header.
const HeaderLen = 16

// NumPriorities is the number of packet priority levels.
const NumPriorities = 8

// Type describes the structure and meaning of a Homa packet body.
type Type byte

const (
	TData    Type = 0x10 // a segment of a request or response message
	TGrant   Type = 0x11 // authorizes the peer to send additional bytes
	TResend  Type = 0x12 // asks the peer to retransmit a byte range
	TUnknown Type = 0x13 // the named RPC is not known to the sender
	TBusy    Type = 0x14 // the named RPC is alive but will not send yet
	TCutoffs Type = 0x15 // updates the peer's priority cutoff table
	TFreeze  Type = 0x16 // debug hook, no protocol effect
	TNeedAck Type = 0x17 // asks the peer to acknowledge the named RPC
	TAck     Type = 0x18 // acknowledges one or more completed RPCs

	minType = TData
	maxType = TAck
)

func (t Type) String() string {
	switch t {
	case TData:
		return "DATA"
	case TGrant:
		return "GRANT"
	case TResend:
		return "RESEND"
	case TUnknown:
		return "RPC_UNKNOWN"
	case TBusy:
		return "BUSY"
	case TCutoffs:
		return "CUTOFFS"
	case TFreeze:
		return "FREEZE"
	case TNeedAck:
		return "NEED_ACK"
	case TAck:
		return "ACK"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

// A Packet is the parsed form of a Homa packet: the common header fields plus
// the undecoded type-specific body.
//
// Priority is not part of the encoded header; the source protocol conveys it
// in link-level bits (VLAN PCP or DSCP), so it travels out of band alongside
// the packet and a Link implementation maps it to whatever the medium offers.
type Packet struct {
	Src      uint16 // source port
	Dst      uint16 // destination port
	Type     Type
	SenderID uint64 // sender's id for the RPC
	Priority uint8  // link-level priority, 0 (lowest) to NumPriorities-1
	Payload  []byte // type-specific body
}

// Encode encodes p in binary format: the common header followed by the body.
func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	binary.BigEndian.PutUint16(buf[0:], p.Src)
	binary.BigEndian.PutUint16(buf[2:], p.Dst)
	buf[4] = byte((HeaderLen + len(fixedBody(p.Type, p.Payload))) / 4) // doff, 4-byte units
	buf[5] = byte(p.Type)
	// buf[6:8] is the checksum, written zero: the source delegates
	// checksumming to the NIC and IP layers.
	binary.BigEndian.PutUint64(buf[8:], p.SenderID)
	copy(buf[HeaderLen:], p.Payload)
	return buf
}

// fixedBody returns the fixed-length prefix of the body counted by the doff
// header field. For DATA this excludes the segment bytes; for all other types
// the entire body is fixed.
func fixedBody(t Type, payload []byte) []byte {
	if t == TData && len(payload) > dataFixedLen {
		return payload[:dataFixedLen]
	}
	return payload
}

// Decode parses a packet from data. It reports an error for a short header,
// an unrecognized type, or a doff value inconsistent with the data.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("short packet header (%d bytes)", len(data))
	}
	doff := int(data[4]) * 4
	if doff < HeaderLen || doff > len(data) {
		return nil, fmt.Errorf("invalid data offset %d (packet is %d bytes)", doff, len(data))
	}
	t := Type(data[5])
	if t < minType || t > maxType {
		return nil, fmt.Errorf("invalid packet type %d", byte(t))
	}
	return &Packet{
		Src:      binary.BigEndian.Uint16(data[0:]),
		Dst:      binary.BigEndian.Uint16(data[2:]),
		Type:     t,
		SenderID: binary.BigEndian.Uint64(data[8:]),
		Payload:  data[HeaderLen:],
	}, nil
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var body string
	switch p.Type {
	case TData:
		var d Data
		if err := d.UnmarshalBinary(p.Payload); err == nil {
			body = d.String()
		}
	case TGrant:
		var g Grant
		if err := g.UnmarshalBinary(p.Payload); err == nil {
			body = g.String()
		}
	case TResend:
		var r Resend
		if err := r.UnmarshalBinary(p.Payload); err == nil {
			body = r.String()
		}
	case TCutoffs:
		var c Cutoffs
		if err := c.UnmarshalBinary(p.Payload); err == nil {
			body = c.String()
		}
	case TAck:
		var a AckBody
		if err := a.UnmarshalBinary(p.Payload); err == nil {
			body = a.String()
		}
	}
	if body == "" {
		body = fmt.Sprintf("[%d bytes]", len(p.Payload))
	}
	return fmt.Sprintf("%v(%d→%d, id=%d, prio=%d, %s)", p.Type, p.Src, p.Dst, p.SenderID, p.Priority, body)
}

// LocalID returns the receiver's id for the RPC named by the packet.
func (p *Packet) LocalID() uint64 { return p.SenderID ^ 1 }

// An Ack identifies one completed RPC on the acknowledging client:
// the server-side port it was addressed to and the client's RPC id.
// The zero Ack means "no acknowledgment".
type Ack struct {
	ServerPort uint16
	ClientID   uint64
}

// IsZero reports whether a is the empty acknowledgment.
func (a Ack) IsZero() bool { return a == Ack{} }

func (a Ack) String() string {
	return fmt.Sprintf("Ack(port=%d, id=%d)", a.ServerPort, a.ClientID)
}

const ackLen = 12 // 8 client id, 2 server port, 2 pad

func (a Ack) append(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint64(buf, a.ClientID)
	buf = binary.BigEndian.AppendUint16(buf, a.ServerPort)
	return append(buf, 0, 0)
}

func decodeAck(data []byte) Ack {
	return Ack{
		ClientID:   binary.BigEndian.Uint64(data[0:]),
		ServerPort: binary.BigEndian.Uint16(data[8:]),
	}
}

// dataFixedLen is the fixed portion of a DATA body: 4 message length,
// 4 incoming, 2 cutoff version, 1 retransmit, 1 pad, 12 ack, 4 offset.
const dataFixedLen = 28

// Data is the body of a DATA packet: one segment of a message, together with
// the sender's view of the exchange.
type Data struct {
	MessageLength uint32 // total length of the message
	Incoming      uint32 // cumulative bytes the sender is authorized to send
	CutoffVersion uint16 // version of the sender's cutoff table for the peer
	Retransmit    bool   // whether this segment is a retransmission
	Ack           Ack    // piggybacked acknowledgment, may be zero
	Offset        uint32 // offset of Seg within the message
	Seg           []byte // the segment bytes
}

// Encode encodes the DATA body in binary format.
func (d Data) Encode() []byte {
	buf := make([]byte, 0, dataFixedLen+len(d.Seg))
	buf = binary.BigEndian.AppendUint32(buf, d.MessageLength)
	buf = binary.BigEndian.AppendUint32(buf, d.Incoming)
	buf = binary.BigEndian.AppendUint16(buf, d.CutoffVersion)
	buf = append(buf, value.Cond[byte](d.Retransmit, 1, 0), 0)
	buf = d.Ack.append(buf)
	buf = binary.BigEndian.AppendUint32(buf, d.Offset)
	return append(buf, d.Seg...)
}

// UnmarshalBinary decodes data into a DATA body.
// It implements encoding.BinaryUnmarshaler.
func (d *Data) UnmarshalBinary(data []byte) error {
	if len(data) < dataFixedLen {
		return fmt.Errorf("short DATA body (%d bytes)", len(data))
	}
	d.MessageLength = binary.BigEndian.Uint32(data[0:])
	d.Incoming = binary.BigEndian.Uint32(data[4:])
	d.CutoffVersion = binary.BigEndian.Uint16(data[8:])
	d.Retransmit = data[10] != 0
	d.Ack = decodeAck(data[12:])
	d.Offset = binary.BigEndian.Uint32(data[24:])
	if seg := data[dataFixedLen:]; len(seg) > 0 {
		d.Seg = seg
	} else {
		d.Seg = nil
	}
	return nil
}

func (d Data) String() string {
	return fmt.Sprintf("Data(len=%d, incoming=%d, offset=%d, seg=%d, rexmit=%v)",
		d.MessageLength, d.Incoming, d.Offset, len(d.Seg), d.Retransmit)
}

// Grant is the body of a GRANT packet.
type Grant struct {
	Offset    uint32 // new cumulative granted byte count
	Priority  uint8  // priority the sender should use for granted bytes
	ResendAll bool   // retransmit everything unacknowledged before sending more
}

// Encode encodes the GRANT body in binary format.
func (g Grant) Encode() []byte {
	buf := make([]byte, 0, 8)
	buf = binary.BigEndian.AppendUint32(buf, g.Offset)
	return append(buf, g.Priority, value.Cond[byte](g.ResendAll, 1, 0), 0, 0)
}

// UnmarshalBinary decodes data into a GRANT body.
// It implements encoding.BinaryUnmarshaler.
func (g *Grant) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("short GRANT body (%d bytes)", len(data))
	}
	g.Offset = binary.BigEndian.Uint32(data[0:])
	g.Priority = data[4]
	g.ResendAll = data[5] != 0
	return nil
}

func (g Grant) String() string {
	return fmt.Sprintf("Grant(offset=%d, prio=%d, resendAll=%v)", g.Offset, g.Priority, g.ResendAll)
}

// Resend is the body of a RESEND packet, naming a byte range the sender has
// not received and the priority at which it should be retransmitted.
type Resend struct {
	Offset   uint32
	Length   uint32
	Priority uint8
}

// Encode encodes the RESEND body in binary format.
func (r Resend) Encode() []byte {
	buf := make([]byte, 0, 12)
	buf = binary.BigEndian.AppendUint32(buf, r.Offset)
	buf = binary.BigEndian.AppendUint32(buf, r.Length)
	return append(buf, r.Priority, 0, 0, 0)
}

// UnmarshalBinary decodes data into a RESEND body.
// It implements encoding.BinaryUnmarshaler.
func (r *Resend) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("short RESEND body (%d bytes)", len(data))
	}
	r.Offset = binary.BigEndian.Uint32(data[0:])
	r.Length = binary.BigEndian.Uint32(data[4:])
	r.Priority = data[8]
	return nil
}

func (r Resend) String() string {
	return fmt.Sprintf("Resend(offset=%d, length=%d, prio=%d)", r.Offset, r.Length, r.Priority)
}

// Cutoffs is the body of a CUTOFFS packet: the sender's table of unscheduled
// priority cutoffs, to be used for future messages to the sender.
// Cutoffs[i] is the largest message length that may use priority i.
type Cutoffs struct {
	Cutoffs [NumPriorities]uint32
	Version uint16
}

// Encode encodes the CUTOFFS body in binary format.
func (c Cutoffs) Encode() []byte {
	buf := make([]byte, 0, 4*NumPriorities+4)
	for _, v := range c.Cutoffs {
		buf = binary.BigEndian.AppendUint32(buf, v)
	}
	buf = binary.BigEndian.AppendUint16(buf, c.Version)
	return append(buf, 0, 0)
}

// UnmarshalBinary decodes data into a CUTOFFS body.
// It implements encoding.BinaryUnmarshaler.
func (c *Cutoffs) UnmarshalBinary(data []byte) error {
	if len(data) < 4*NumPriorities+4 {
		return fmt.Errorf("short CUTOFFS body (%d bytes)", len(data))
	}
	for i := range c.Cutoffs {
		c.Cutoffs[i] = binary.BigEndian.Uint32(data[4*i:])
	}
	c.Version = binary.BigEndian.Uint16(data[4*NumPriorities:])
	return nil
}

func (c Cutoffs) String() string {
	return fmt.Sprintf("Cutoffs(v%d, %v)", c.Version, c.Cutoffs)
}

// AckBody is the body of an ACK packet: the RPCs the sender acknowledges as
// complete, so the receiver may discard their state.
type AckBody struct {
	Acks []Ack
}

// Encode encodes the ACK body in binary format.
func (a AckBody) Encode() []byte {
	buf := make([]byte, 0, 4+ackLen*len(a.Acks))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.Acks)))
	buf = append(buf, 0, 0)
	for _, ack := range a.Acks {
		buf = ack.append(buf)
	}
	return buf
}

// UnmarshalBinary decodes data into an ACK body.
// It implements encoding.BinaryUnmarshaler.
func (a *AckBody) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("short ACK body (%d bytes)", len(data))
	}
	n := int(binary.BigEndian.Uint16(data[0:]))
	if want := 4 + ackLen*n; len(data) < want {
		return fmt.Errorf("truncated ACK body (%d < %d bytes)", len(data), want)
	}
	a.Acks = make([]Ack, n)
	for i := range a.Acks {
		a.Acks[i] = decodeAck(data[4+ackLen*i:])
	}
	return nil
}

func (a AckBody) String() string {
	return fmt.Sprintf("AckBody(%v)", a.Acks)
}
