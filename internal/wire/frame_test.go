package wire

import (
	"bytes"
	"testing"
)

func nid(v uint16) *NodeID {
	n := NodeID(v)
	return &n
}

func TestDataSpecifierServiceWordLayout(t *testing.T) {
	// Concrete wire word from the protocol's test vectors: a service
	// specifier, response role, service id 123.
	const word = 0xC07B
	spec := decodeDataSpecifier(word)
	if spec.Kind != KindService {
		t.Fatalf("Kind = %v, want KindService", spec.Kind)
	}
	if spec.Role != RoleResponse {
		t.Fatalf("Role = %v, want RoleResponse", spec.Role)
	}
	if spec.ServiceID != 123 {
		t.Fatalf("ServiceID = %d, want 123", spec.ServiceID)
	}
	if got := spec.encode(); got != word {
		t.Fatalf("encode() = %#x, want %#x", got, word)
	}
}

func TestDataSpecifierMessageRoundTrip(t *testing.T) {
	spec, err := NewMessageDataSpecifier(0x1234 & 0x1FFF)
	if err != nil {
		t.Fatalf("NewMessageDataSpecifier: %v", err)
	}
	word := spec.encode()
	if word&0x8000 != 0 {
		t.Fatalf("message specifier set the service bit: %#x", word)
	}
	if got := decodeDataSpecifier(word); got != spec {
		t.Fatalf("round trip = %+v, want %+v", got, spec)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	spec, _ := NewMessageDataSpecifier(42)
	f, err := NewFrame(PriorityHigh, nid(7), nil, spec, 0xDEADBEEFCAFEBABE, 9001, 3, true, []byte("hello uavcan"))
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	image, err := Encode(nil, f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, ok := Decode(image)
	if !ok {
		t.Fatalf("Decode rejected a freshly encoded image")
	}
	if out.Priority != f.Priority || out.TransferID != f.TransferID || out.Index != f.Index ||
		out.EndOfTransfer != f.EndOfTransfer || out.DataTypeHash != f.DataTypeHash ||
		!bytes.Equal(out.Payload, f.Payload) || out.DataSpecifier != f.DataSpecifier {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, f)
	}
	if out.Source == nil || *out.Source != 7 {
		t.Fatalf("Source = %v, want 7", out.Source)
	}
	if out.Destination != nil {
		t.Fatalf("Destination = %v, want nil (anonymous/broadcast)", out.Destination)
	}
}

func TestDecodeRejectsCorruptHeaderCRC(t *testing.T) {
	spec, _ := NewMessageDataSpecifier(1)
	f, _ := NewFrame(PriorityNominal, nid(1), nil, spec, 1, 1, 0, true, []byte("x"))
	image, _ := Encode(nil, f)
	image[1] ^= 0xFF // corrupt a header byte covered by the header CRC
	if _, ok := Decode(image); ok {
		t.Fatalf("Decode accepted a header with a corrupted CRC")
	}
}

func TestDecodeRejectsCorruptPayloadCRC(t *testing.T) {
	spec, _ := NewMessageDataSpecifier(1)
	f, _ := NewFrame(PriorityNominal, nid(1), nil, spec, 1, 1, 0, true, []byte("x"))
	image, _ := Encode(nil, f)
	image[len(image)-1] ^= 0xFF // corrupt the trailing payload CRC byte
	if _, ok := Decode(image); ok {
		t.Fatalf("Decode accepted a payload with a corrupted CRC")
	}
}

func TestDecodeRejectsShortImage(t *testing.T) {
	if _, ok := Decode(make([]byte, HeaderSize)); ok {
		t.Fatalf("Decode accepted an image with no payload CRC trailer")
	}
}

func TestServiceDataSpecifierRequiresSource(t *testing.T) {
	spec, _ := NewServiceDataSpecifier(5, RoleRequest)
	if _, err := NewFrame(PriorityNominal, nil, nid(2), spec, 1, 1, 0, true, nil); err == nil {
		t.Fatalf("NewFrame accepted an anonymous-source service transfer")
	}
}

func TestAppendFramedEscapesDelimiterAndEscapeBytes(t *testing.T) {
	spec, _ := NewMessageDataSpecifier(1)
	payload := []byte{Delimiter, Escape, 0x00, 0xFF}
	f, _ := NewFrame(PriorityNominal, nid(1), nil, spec, 1, 1, 0, true, payload)
	framed, err := AppendFramed(nil, f)
	if err != nil {
		t.Fatalf("AppendFramed: %v", err)
	}
	if framed[0] != Delimiter || framed[len(framed)-1] != Delimiter {
		t.Fatalf("AppendFramed did not wrap the image in delimiters")
	}
	inner := framed[1 : len(framed)-1]
	for i := 0; i < len(inner); i++ {
		if inner[i] == Delimiter {
			t.Fatalf("unescaped delimiter byte at %d in framed output", i)
		}
		if inner[i] == Escape {
			if i+1 >= len(inner) {
				t.Fatalf("trailing escape byte with nothing to escape")
			}
			i++ // skip the escaped byte, which may itself look like Escape^0xFF
		}
	}
}

func TestNewNodeIDRange(t *testing.T) {
	if _, err := NewNodeID(MaxNodeID); err != nil {
		t.Fatalf("NewNodeID(max) = %v, want nil error", err)
	}
	if _, err := NewNodeID(MaxNodeID + 1); err == nil {
		t.Fatalf("NewNodeID(max+1) accepted an out-of-range id")
	}
}
