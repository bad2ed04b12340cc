package dns

import "errors"

// Wire layout sizes
const (
	HeaderSize  = 12
	MaxLabelLen = 63
	MaxNameLen  = 255
)

// DNS record types
const (
	TypeA uint16 = 1 // IPv4 address
)

// DNS classes
const (
	ClassIN uint16 = 1
)

// RcodeNoError is the only response code the resolver acts on.
const RcodeNoError = 0

// DNS message flags
const (
	FlagQR = 0x8000 // Query/Response
	FlagRD = 0x0100 // Recursion Desired
	FlagRA = 0x0080 // Recursion Available

	rcodeMask   = 0x000F
	opcodeShift = 11
	opcodeMask  = 0xF

	pointerMask = 0xC0
	maxJumps    = 5
)

// ErrMalformed is wrapped by every decoding failure.
var ErrMalformed = errors.New("malformed DNS message")

// MessageHeader represents a DNS message header
type MessageHeader struct {
	ID      uint16 // Query identifier
	Flags   uint16 // Message flags
	QdCount uint16 // Number of questions
	AnCount uint16 // Number of answers
	NsCount uint16 // Number of authority records
	ArCount uint16 // Number of additional records
}

// IsResponse reports whether the QR bit is set.
func (h MessageHeader) IsResponse() bool {
	return h.Flags&FlagQR != 0
}

// Opcode returns the 4-bit OPCODE field.
func (h MessageHeader) Opcode() uint8 {
	return uint8(h.Flags>>opcodeShift) & opcodeMask
}

// Rcode returns the 4-bit RCODE field.
func (h MessageHeader) Rcode() uint8 {
	return uint8(h.Flags & rcodeMask)
}

// Question represents a DNS question
type Question struct {
	Name  string // Domain name, lowercase-preserving, no trailing dot
	Type  uint16 // Record type
	Class uint16 // Class (usually 1 for IN)
}

// IsAddressQuery reports whether the question asks for an A record in class IN.
func (q Question) IsAddressQuery() bool {
	return q.Type == TypeA && q.Class == ClassIN
}

// ResourceRecord represents a DNS resource record
type ResourceRecord struct {
	Name    string // Domain name
	Type    uint16 // Record type
	Class   uint16 // Class (usually 1 for IN)
	TTL     uint32 // Time to live
	DataLen uint16 // Length of data
	Data    []byte // Record data
}

// Message represents a decoded DNS message. Only the question and answer
// sections are decoded; authority and additional records pass through
// untouched when raw bytes are relayed.
type Message struct {
	Header    MessageHeader
	Questions []Question
	Answers   []ResourceRecord

	questionEnd int // offset just past the question section
}

// ID returns the transaction identifier.
func (m *Message) ID() uint16 {
	return m.Header.ID
}

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool {
	return m.Header.IsResponse()
}

// Question returns the first question, the only one this server acts on.
func (m *Message) Question() (Question, bool) {
	if len(m.Questions) == 0 {
		return Question{}, false
	}
	return m.Questions[0], true
}
