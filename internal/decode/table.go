// Package decode turns raw frame payloads into named, scaled engineering
// values using per-vendor decode tables.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"can-autoconfig/internal/models"

	"gopkg.in/yaml.v3"
)

// MaxPayloadBits bounds signal layouts to a 64-byte CAN FD payload
const MaxPayloadBits = 64 * 8

var (
	// ErrTableNotFound means no decode table resource exists for a vendor
	ErrTableNotFound = errors.New("decode table not found")

	// ErrMalformedTable means a decode table resource failed validation
	ErrMalformedTable = errors.New("malformed decode table")
)

// ByteOrder selects the bit numbering of a signal
type ByteOrder string

const (
	// LittleEndian numbers bit n as bit n%8 of byte n/8 (Intel layout)
	LittleEndian ByteOrder = "little_endian"

	// BigEndian numbers bits MSB-first across the payload: bit 0 is the
	// most significant bit of byte 0
	BigEndian ByteOrder = "big_endian"
)

// Signal describes one value packed into a frame payload
type Signal struct {
	Name      string
	StartBit  int
	Length    int
	ByteOrder ByteOrder
	Signed    bool
	Scale     float64
	Offset    float64
	Unit      string
}

// Message is the ordered signal list carried on one arbitration id
type Message struct {
	ID      uint32
	Name    string
	Signals []Signal
}

// Table maps arbitration ids to their signal layouts. A Table is never
// modified after Parse, so it may be shared between goroutines.
type Table struct {
	Vendor   models.Vendor
	messages map[uint32]Message
}

// Message returns the layout for id
func (t *Table) Message(id uint32) (Message, bool) {
	m, ok := t.messages[id]
	return m, ok
}

// IDs returns the arbitration ids the table covers, ascending
func (t *Table) IDs() []uint32 {
	ids := make([]uint32, 0, len(t.messages))
	for id := range t.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type rawSignal struct {
	Name      string   `yaml:"name"`
	StartBit  *int     `yaml:"start_bit"`
	Length    int      `yaml:"length"`
	ByteOrder string   `yaml:"byte_order"`
	Signed    bool     `yaml:"signed"`
	Scale     *float64 `yaml:"scale"`
	Offset    float64  `yaml:"offset"`
	Unit      string   `yaml:"unit"`
}

type rawMessage struct {
	ID      *uint64     `yaml:"id"`
	Name    string      `yaml:"name"`
	Signals []rawSignal `yaml:"signals"`
}

type rawTable struct {
	Vendor   string       `yaml:"vendor"`
	Messages []rawMessage `yaml:"messages"`
}

// Parse validates and builds a decode table. Any invalid entry rejects
// the whole table.
func Parse(data []byte) (*Table, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var raw rawTable
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrMalformedTable)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedTable, err)
	}

	if raw.Vendor == "" {
		return nil, fmt.Errorf("%w: missing vendor", ErrMalformedTable)
	}
	vendor, err := models.ParseVendor(raw.Vendor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTable, err)
	}
	if vendor.IsSentinel() {
		return nil, fmt.Errorf("%w: vendor %q cannot carry a table", ErrMalformedTable, raw.Vendor)
	}
	if len(raw.Messages) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrMalformedTable)
	}

	table := &Table{
		Vendor:   vendor,
		messages: make(map[uint32]Message, len(raw.Messages)),
	}

	for i, rm := range raw.Messages {
		msg, err := buildMessage(rm)
		if err != nil {
			return nil, fmt.Errorf("%w: message %d: %v", ErrMalformedTable, i, err)
		}
		if _, dup := table.messages[msg.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id 0x%X", ErrMalformedTable, msg.ID)
		}
		table.messages[msg.ID] = msg
	}

	return table, nil
}

func buildMessage(rm rawMessage) (Message, error) {
	if rm.ID == nil {
		return Message{}, errors.New("missing id")
	}
	if *rm.ID > models.MaxExtendedID {
		return Message{}, fmt.Errorf("id 0x%X exceeds 29 bits", *rm.ID)
	}
	if len(rm.Signals) == 0 {
		return Message{}, fmt.Errorf("id 0x%X has no signals", *rm.ID)
	}

	msg := Message{
		ID:      uint32(*rm.ID),
		Name:    rm.Name,
		Signals: make([]Signal, 0, len(rm.Signals)),
	}

	names := make(map[string]bool, len(rm.Signals))
	for _, rs := range rm.Signals {
		sig, err := buildSignal(rs)
		if err != nil {
			return Message{}, fmt.Errorf("id 0x%X: %w", msg.ID, err)
		}
		if names[sig.Name] {
			return Message{}, fmt.Errorf("id 0x%X: duplicate signal %q", msg.ID, sig.Name)
		}
		names[sig.Name] = true
		msg.Signals = append(msg.Signals, sig)
	}
	return msg, nil
}

func buildSignal(rs rawSignal) (Signal, error) {
	if rs.Name == "" {
		return Signal{}, errors.New("signal without name")
	}
	if rs.StartBit == nil {
		return Signal{}, fmt.Errorf("signal %q: missing start_bit", rs.Name)
	}
	if *rs.StartBit < 0 {
		return Signal{}, fmt.Errorf("signal %q: negative start_bit", rs.Name)
	}
	if rs.Length < 1 || rs.Length > 64 {
		return Signal{}, fmt.Errorf("signal %q: length %d outside 1..64", rs.Name, rs.Length)
	}
	if *rs.StartBit+rs.Length > MaxPayloadBits {
		return Signal{}, fmt.Errorf("signal %q: bits %d..%d exceed payload", rs.Name, *rs.StartBit, *rs.StartBit+rs.Length-1)
	}

	sig := Signal{
		Name:      rs.Name,
		StartBit:  *rs.StartBit,
		Length:    rs.Length,
		ByteOrder: LittleEndian,
		Signed:    rs.Signed,
		Scale:     1,
		Offset:    rs.Offset,
		Unit:      rs.Unit,
	}

	switch ByteOrder(rs.ByteOrder) {
	case "", LittleEndian:
	case BigEndian:
		sig.ByteOrder = BigEndian
	default:
		return Signal{}, fmt.Errorf("signal %q: unknown byte_order %q", rs.Name, rs.ByteOrder)
	}

	if rs.Scale != nil {
		if *rs.Scale == 0 {
			return Signal{}, fmt.Errorf("signal %q: zero scale", rs.Name)
		}
		sig.Scale = *rs.Scale
	}

	return sig, nil
}
