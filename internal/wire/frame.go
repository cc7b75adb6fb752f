// Package wire implements the UAVCAN/Serial frame codec: the fixed 32-byte
// header, the two independent CRC-32C checks, and the delimiter/escape byte
// stuffing that frames the result for the link.
package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kstaniek/uavcan-serial/internal/crc32c"
)

// Delimiter and Escape are the two bytes with link-layer meaning; every other
// byte value passes through a frame untouched.
const (
	Delimiter byte = 0x9E
	Escape    byte = 0x8E
)

// HeaderSize is the fixed length, in bytes, of the on-link frame header.
const HeaderSize = 32

// Priority is a 3-bit link priority, 0 (most urgent) through 7.
type Priority uint8

const (
	PriorityExceptional Priority = 0
	PriorityFast        Priority = 1
	PriorityHigh        Priority = 2
	PriorityImmediate   Priority = 3
	PriorityNominal     Priority = 4
	PriorityLow         Priority = 5
	PrioritySlow        Priority = 6
	PriorityOptional    Priority = 7
)

// MaxNodeID is the largest node id a 12-bit field can hold.
const MaxNodeID uint16 = 4095

// anonymousWord is the wire encoding of an absent node id.
const anonymousWord uint16 = 0xFFFF

// NodeID is a 12-bit node address (0..4095). A nil *NodeID in a Frame means
// "anonymous" — absent on the wire, encoded as 0xFFFF.
type NodeID uint16

// NewNodeID validates v and returns a NodeID, or an error if v exceeds the
// 12-bit range.
func NewNodeID(v uint16) (NodeID, error) {
	if v > MaxNodeID {
		return 0, fmt.Errorf("wire: node id %d exceeds %d-bit range", v, 12)
	}
	return NodeID(v), nil
}

// Role distinguishes a service request from its response.
type Role uint8

const (
	RoleRequest Role = iota
	RoleResponse
)

// Kind distinguishes a Message data specifier from a Service one.
type Kind uint8

const (
	KindMessage Kind = iota
	KindService
)

// DataSpecifier identifies either a message subject or a service, tagged by
// Kind. Construct with NewMessageDataSpecifier/NewServiceDataSpecifier to get
// range checking; the zero value is a Message with subject 0.
type DataSpecifier struct {
	Kind      Kind
	SubjectID uint16 // 13-bit, meaningful when Kind == KindMessage
	ServiceID uint16 // 9-bit, meaningful when Kind == KindService
	Role      Role   // meaningful when Kind == KindService
}

// NewMessageDataSpecifier builds a Message data specifier for subjectID,
// which must fit in 13 bits.
func NewMessageDataSpecifier(subjectID uint16) (DataSpecifier, error) {
	if subjectID > 0x1FFF {
		return DataSpecifier{}, fmt.Errorf("wire: subject id %d exceeds 13-bit range", subjectID)
	}
	return DataSpecifier{Kind: KindMessage, SubjectID: subjectID}, nil
}

// NewServiceDataSpecifier builds a Service data specifier for serviceID,
// which must fit in 9 bits, and role.
func NewServiceDataSpecifier(serviceID uint16, role Role) (DataSpecifier, error) {
	if serviceID > 0x1FF {
		return DataSpecifier{}, fmt.Errorf("wire: service id %d exceeds 9-bit range", serviceID)
	}
	return DataSpecifier{Kind: KindService, ServiceID: serviceID, Role: role}, nil
}

func (d DataSpecifier) encode() uint16 {
	if d.Kind == KindService {
		word := uint16(0x8000) | (uint16(d.ServiceID) & 0x1FF)
		if d.Role == RoleResponse {
			word |= 0x4000
		}
		return word
	}
	return d.SubjectID & 0x1FFF
}

func decodeDataSpecifier(word uint16) DataSpecifier {
	if word&0x8000 == 0 {
		return DataSpecifier{Kind: KindMessage, SubjectID: word & 0x1FFF}
	}
	role := RoleRequest
	if word&0x4000 != 0 {
		role = RoleResponse
	}
	return DataSpecifier{Kind: KindService, ServiceID: word & 0x1FF, Role: role}
}

// maxIndex is the largest value the 31-bit frame index field can hold.
const maxIndex uint32 = 1<<31 - 1

const eotBit uint32 = 1 << 31

// Frame is the on-link record described by spec §3. Payload is caller-owned;
// Decode returns one that is a view into the decoded image rather than a
// copy. Timestamp is set only on reception; it is ignored by Encode.
type Frame struct {
	Priority      Priority
	Source        *NodeID // nil = anonymous
	Destination   *NodeID // nil = anonymous (broadcast)
	DataSpecifier DataSpecifier
	DataTypeHash  uint64
	TransferID    uint64
	Index         uint32 // 31-bit: 0 <= Index <= maxIndex
	EndOfTransfer bool
	Payload       []byte
	Timestamp     time.Time
}

// NewFrame validates its arguments against spec §3's construction invariants
// and returns the assembled Frame, or an error describing the first
// violation found.
func NewFrame(priority Priority, source, destination *NodeID, spec DataSpecifier, dataTypeHash, transferID uint64, index uint32, eot bool, payload []byte) (Frame, error) {
	f := Frame{
		Priority:      priority,
		Source:        source,
		Destination:   destination,
		DataSpecifier: spec,
		DataTypeHash:  dataTypeHash,
		TransferID:    transferID,
		Index:         index,
		EndOfTransfer: eot,
		Payload:       payload,
	}
	if err := validate(f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// validate enforces spec §3's hard invariants. It is shared between
// construction (NewFrame) and decode (Decode, where a violation downgrades
// to "no frame" rather than an error).
func validate(f Frame) error {
	if f.Priority > PriorityOptional {
		return fmt.Errorf("wire: priority %d out of 3-bit range", f.Priority)
	}
	if f.Source != nil && uint16(*f.Source) > MaxNodeID {
		return fmt.Errorf("wire: source node id %d out of range", *f.Source)
	}
	if f.Destination != nil && uint16(*f.Destination) > MaxNodeID {
		return fmt.Errorf("wire: destination node id %d out of range", *f.Destination)
	}
	if f.DataSpecifier.Kind == KindService && f.Source == nil {
		return fmt.Errorf("wire: service data specifier requires a non-anonymous source")
	}
	if f.DataSpecifier.Kind == KindMessage && f.DataSpecifier.SubjectID > 0x1FFF {
		return fmt.Errorf("wire: subject id %d out of range", f.DataSpecifier.SubjectID)
	}
	if f.DataSpecifier.Kind == KindService && f.DataSpecifier.ServiceID > 0x1FF {
		return fmt.Errorf("wire: service id %d out of range", f.DataSpecifier.ServiceID)
	}
	if f.Index > maxIndex {
		return fmt.Errorf("wire: frame index %d exceeds 31-bit range", f.Index)
	}
	return nil
}

func nodeIDWord(n *NodeID) uint16 {
	if n == nil {
		return anonymousWord
	}
	return uint16(*n)
}

func wordToNodeID(w uint16) *NodeID {
	if w == anonymousWord {
		return nil
	}
	n := NodeID(w)
	return &n
}

// appendHeader appends the 32-byte header (including its own trailing
// CRC-32C over bytes 0..27) for f to dst and returns the grown slice.
func appendHeader(dst []byte, f Frame) []byte {
	var hdr [HeaderSize]byte
	hdr[0] = 0 // protocol version
	hdr[1] = byte(f.Priority)
	binary.LittleEndian.PutUint16(hdr[2:4], nodeIDWord(f.Source))
	binary.LittleEndian.PutUint16(hdr[4:6], nodeIDWord(f.Destination))
	binary.LittleEndian.PutUint16(hdr[6:8], f.DataSpecifier.encode())
	binary.LittleEndian.PutUint64(hdr[8:16], f.DataTypeHash)
	binary.LittleEndian.PutUint64(hdr[16:24], f.TransferID)
	idx := f.Index
	if f.EndOfTransfer {
		idx |= eotBit
	}
	binary.LittleEndian.PutUint32(hdr[24:28], idx)
	binary.LittleEndian.PutUint32(hdr[28:32], crc32c.Checksum(hdr[:28]))
	dst = append(dst, hdr[:]...)
	return dst
}

// Encode appends the unescaped wire image (header ‖ payload ‖ payload CRC)
// for f to dst and returns the grown slice. It performs no byte stuffing;
// use AppendFramed to produce the delimited, escaped bytes that actually go
// on the link.
func Encode(dst []byte, f Frame) ([]byte, error) {
	if err := validate(f); err != nil {
		return dst, err
	}
	dst = appendHeader(dst, f)
	dst = append(dst, f.Payload...)
	dst = crc32c.AppendTrailer(dst, f.Payload)
	return dst, nil
}

func appendEscaped(dst []byte, b byte) []byte {
	if b == Delimiter || b == Escape {
		return append(dst, Escape, b^0xFF)
	}
	return append(dst, b)
}

func appendEscapedBytes(dst, src []byte) []byte {
	for _, b := range src {
		dst = appendEscaped(dst, b)
	}
	return dst
}

// AppendFramed appends the complete on-link byte sequence for f — leading
// delimiter, escaped header‖payload‖payload-CRC, trailing delimiter — to dst
// and returns the grown slice. It never allocates beyond what append needs
// to grow dst; callers that reuse a scratch buffer across frames should pass
// dst[:0] to avoid re-allocating its backing array when capacity suffices.
func AppendFramed(dst []byte, f Frame) ([]byte, error) {
	if err := validate(f); err != nil {
		return dst, err
	}
	var hdr [HeaderSize]byte
	hdr[0] = 0
	hdr[1] = byte(f.Priority)
	binary.LittleEndian.PutUint16(hdr[2:4], nodeIDWord(f.Source))
	binary.LittleEndian.PutUint16(hdr[4:6], nodeIDWord(f.Destination))
	binary.LittleEndian.PutUint16(hdr[6:8], f.DataSpecifier.encode())
	binary.LittleEndian.PutUint64(hdr[8:16], f.DataTypeHash)
	binary.LittleEndian.PutUint64(hdr[16:24], f.TransferID)
	idx := f.Index
	if f.EndOfTransfer {
		idx |= eotBit
	}
	binary.LittleEndian.PutUint32(hdr[24:28], idx)
	binary.LittleEndian.PutUint32(hdr[28:32], crc32c.Checksum(hdr[:28]))

	dst = append(dst, Delimiter)
	dst = appendEscapedBytes(dst, hdr[:])
	dst = appendEscapedBytes(dst, f.Payload)
	var trailer [crc32c.Size]byte
	binary.LittleEndian.PutUint32(trailer[:], crc32c.Checksum(f.Payload))
	dst = appendEscapedBytes(dst, trailer[:])
	dst = append(dst, Delimiter)
	return dst, nil
}

// Decode reconstructs a Frame from an already-unescaped image containing
// header ‖ payload ‖ payload CRC (delimiters and escapes already stripped,
// as streamparser does before invoking this). Decode is pure: Payload is a
// view into image, not a copy. ok is false for any length, CRC, version, or
// invariant failure — "no frame" per spec §4.2 — never an error.
func Decode(image []byte) (f Frame, ok bool) {
	if len(image) < HeaderSize+crc32c.Size {
		return Frame{}, false
	}
	header := image[:HeaderSize]
	if !crc32c.ValidSpan(header) {
		return Frame{}, false
	}
	rest := image[HeaderSize:]
	if !crc32c.ValidSpan(rest) {
		return Frame{}, false
	}
	if header[0] != 0 {
		return Frame{}, false
	}
	payload := rest[:len(rest)-crc32c.Size]

	idx := binary.LittleEndian.Uint32(header[24:28])
	out := Frame{
		Priority:      Priority(header[1]),
		Source:        wordToNodeID(binary.LittleEndian.Uint16(header[2:4])),
		Destination:   wordToNodeID(binary.LittleEndian.Uint16(header[4:6])),
		DataSpecifier: decodeDataSpecifier(binary.LittleEndian.Uint16(header[6:8])),
		DataTypeHash:  binary.LittleEndian.Uint64(header[8:16]),
		TransferID:    binary.LittleEndian.Uint64(header[16:24]),
		Index:         idx &^ eotBit,
		EndOfTransfer: idx&eotBit != 0,
		Payload:       payload,
	}
	if err := validate(out); err != nil {
		return Frame{}, false
	}
	return out, true
}
