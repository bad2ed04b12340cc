package dns

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Decode parses a DNS message from bytes.
//
// The header and question section are always decoded. For responses the
// answer section is decoded as well. A successful response (RCODE 0) to an
// A/IN question must carry only A/IN answers of exactly four bytes; error
// responses are checked for structure only. All failures wrap ErrMalformed.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrMalformed, len(data), HeaderSize)
	}

	msg := &Message{}
	msg.Header.ID = binary.BigEndian.Uint16(data[0:])
	msg.Header.Flags = binary.BigEndian.Uint16(data[2:])
	msg.Header.QdCount = binary.BigEndian.Uint16(data[4:])
	msg.Header.AnCount = binary.BigEndian.Uint16(data[6:])
	msg.Header.NsCount = binary.BigEndian.Uint16(data[8:])
	msg.Header.ArCount = binary.BigEndian.Uint16(data[10:])
	offset := HeaderSize

	msg.Questions = make([]Question, 0, capHint(msg.Header.QdCount, len(data), 5))
	for i := 0; i < int(msg.Header.QdCount); i++ {
		name, next, err := decodeName(data, offset)
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		offset = next
		if offset+4 > len(data) {
			return nil, fmt.Errorf("%w: question %d type/class past end of message", ErrMalformed, i)
		}
		msg.Questions = append(msg.Questions, Question{
			Name:  name,
			Type:  binary.BigEndian.Uint16(data[offset:]),
			Class: binary.BigEndian.Uint16(data[offset+2:]),
		})
		offset += 4
	}
	msg.questionEnd = offset

	if !msg.IsResponse() {
		return msg, nil
	}

	msg.Answers = make([]ResourceRecord, 0, capHint(msg.Header.AnCount, len(data), 11))
	for i := 0; i < int(msg.Header.AnCount); i++ {
		rr, next, err := decodeRecord(data, offset)
		if err != nil {
			return nil, fmt.Errorf("answer %d: %w", i, err)
		}
		offset = next
		msg.Answers = append(msg.Answers, rr)
	}

	if msg.Header.Rcode() == RcodeNoError {
		if err := msg.validateAnswers(); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// capHint bounds a slice capacity taken from a header count by how many
// entries of at least minSize bytes fit in the message.
func capHint(count uint16, msgLen, minSize int) int {
	if fit := msgLen / minSize; int(count) > fit {
		return fit
	}
	return int(count)
}

func (m *Message) validateAnswers() error {
	for i, rr := range m.Answers {
		if rr.Type == TypeA && rr.DataLen != 4 {
			return fmt.Errorf("%w: answer %d is an A record with rdlength %d", ErrMalformed, i, rr.DataLen)
		}
	}
	q, ok := m.Question()
	if !ok || !q.IsAddressQuery() {
		return nil
	}
	for i, rr := range m.Answers {
		if rr.Type != TypeA || rr.Class != ClassIN {
			return fmt.Errorf("%w: answer %d has type %d class %d for an A/IN question", ErrMalformed, i, rr.Type, rr.Class)
		}
	}
	return nil
}

func decodeRecord(data []byte, offset int) (ResourceRecord, int, error) {
	var rr ResourceRecord
	name, offset, err := decodeName(data, offset)
	if err != nil {
		return rr, 0, err
	}
	if offset+10 > len(data) {
		return rr, 0, fmt.Errorf("%w: record fields past end of message", ErrMalformed)
	}
	rr.Name = name
	rr.Type = binary.BigEndian.Uint16(data[offset:])
	rr.Class = binary.BigEndian.Uint16(data[offset+2:])
	rr.TTL = binary.BigEndian.Uint32(data[offset+4:])
	rr.DataLen = binary.BigEndian.Uint16(data[offset+8:])
	offset += 10

	end := offset + int(rr.DataLen)
	if end > len(data) {
		return rr, 0, fmt.Errorf("%w: rdata of %d bytes past end of message", ErrMalformed, rr.DataLen)
	}
	rr.Data = make([]byte, rr.DataLen)
	copy(rr.Data, data[offset:end])
	return rr, end, nil
}

// IPv4 returns the address carried by an A record.
func (rr ResourceRecord) IPv4() (netip.Addr, bool) {
	if rr.Type != TypeA || len(rr.Data) != 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(rr.Data)), true
}

// EncodeAnswer builds a response to request carrying one A record per
// address. The request's header and question section are reused verbatim
// apart from the flags and counts, so the transaction id and question
// survive unchanged. Authority and additional records are dropped.
func EncodeAnswer(request []byte, addrs []netip.Addr, ttl uint32) ([]byte, error) {
	query, err := Decode(request)
	if err != nil {
		return nil, err
	}
	if _, ok := query.Question(); !ok {
		return nil, fmt.Errorf("%w: request has no question", ErrMalformed)
	}

	out := make([]byte, query.questionEnd, query.questionEnd+16*len(addrs))
	copy(out, request[:query.questionEnd])

	flags := uint16(query.Header.Opcode())<<opcodeShift | query.Header.Flags&FlagRD | FlagQR | FlagRA
	binary.BigEndian.PutUint16(out[2:], flags)
	binary.BigEndian.PutUint16(out[6:], uint16(len(addrs)))
	binary.BigEndian.PutUint16(out[8:], 0)
	binary.BigEndian.PutUint16(out[10:], 0)

	for _, addr := range addrs {
		if !addr.Is4() {
			return nil, fmt.Errorf("address %s is not IPv4", addr)
		}
		ip := addr.As4()
		// name is a pointer to the first question at offset 12
		out = append(out, pointerMask, HeaderSize)
		out = binary.BigEndian.AppendUint16(out, TypeA)
		out = binary.BigEndian.AppendUint16(out, ClassIN)
		out = binary.BigEndian.AppendUint32(out, ttl)
		out = binary.BigEndian.AppendUint16(out, 4)
		out = append(out, ip[:]...)
	}
	return out, nil
}

// decodeName decodes a DNS name starting at offset and returns it along
// with the offset of the first byte after the name in the original
// position. Compression pointers are followed, at most maxJumps deep.
func decodeName(data []byte, offset int) (string, int, error) {
	var name []byte
	next := -1
	jumps := 0

	for {
		if offset >= len(data) {
			return "", 0, fmt.Errorf("%w: name runs past end of message at offset %d", ErrMalformed, offset)
		}
		length := int(data[offset])

		switch {
		case length == 0:
			if next < 0 {
				next = offset + 1
			}
			return string(name), next, nil

		case length&pointerMask == pointerMask:
			if offset+1 >= len(data) {
				return "", 0, fmt.Errorf("%w: truncated compression pointer at offset %d", ErrMalformed, offset)
			}
			jumps++
			if jumps > maxJumps {
				return "", 0, fmt.Errorf("%w: too many compression jumps", ErrMalformed)
			}
			if next < 0 {
				next = offset + 2
			}
			offset = int(binary.BigEndian.Uint16(data[offset:]) & 0x3FFF)

		case length > MaxLabelLen:
			return "", 0, fmt.Errorf("%w: label length %d at offset %d", ErrMalformed, length, offset)

		default:
			offset++
			if offset+length > len(data) {
				return "", 0, fmt.Errorf("%w: label at offset %d runs past end of message", ErrMalformed, offset-1)
			}
			if len(name) > 0 {
				name = append(name, '.')
			}
			name = append(name, data[offset:offset+length]...)
			if len(name) > MaxNameLen {
				return "", 0, fmt.Errorf("%w: name longer than %d bytes", ErrMalformed, MaxNameLen)
			}
			offset += length
		}
	}
}
