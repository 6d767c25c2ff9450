package frame

// MaxSize is the fixed packet buffer capacity. It must exceed the largest
// configured MTU plus crypto/MAC overhead.
const MaxSize = 65536

// PriorityMustStayOnTCP is the sentinel priority value meaning "must not
// leave TCP until delivery".
const PriorityMustStayOnTCP = -1

// Packet is a fixed-capacity frame buffer: a 32-bit sequence field and
// payload held contiguously so that MAC and cipher operate across both as
// a single byte range. Raw[0:4] is always reserved for the sequence field;
// Raw[4:4+Len] is the payload. Prepending the sequence number is therefore
// just a write into Raw[0:4], never a byte shift.
type Packet struct {
	Raw      [MaxSize]byte
	Len      int // payload length, excluding the reserved sequence field
	Priority int // TOS priority hint; -1 means "must not leave TCP"
}

// Payload returns the mutable payload slice.
func (p *Packet) Payload() []byte {
	return p.Raw[4 : 4+p.Len]
}

// SetPayload copies src into the packet's payload area and sets Len.
func (p *Packet) SetPayload(src []byte) {
	p.Len = copy(p.Raw[4:], src)
}

// SeqField returns the 4-byte sequence number field (network byte order on
// the wire; callers fill it with binary.BigEndian).
func (p *Packet) SeqField() []byte {
	return p.Raw[0:4]
}

// SignedRange returns seqno||payload, the byte range the MAC covers and
// the cipher operates across.
func (p *Packet) SignedRange() []byte {
	return p.Raw[0 : 4+p.Len]
}

// CopyFrom duplicates another packet's payload and priority into p.
func (p *Packet) CopyFrom(src *Packet) {
	p.Len = copy(p.Raw[4:], src.Payload())
	p.Priority = src.Priority
}
