package decode

import "can-autoconfig/internal/models"

// Value is one decoded signal
type Value struct {
	Value float64 `json:"value"`
	Raw   int64   `json:"raw"`
	Unit  string  `json:"unit,omitempty"`
}

// Signals maps signal names to decoded values
type Signals map[string]Value

// Decode extracts every signal of the frame's message that fits inside the
// frame's payload. Signals reaching past the payload are left out rather
// than read out of bounds. It returns false when the id is not in the
// table or no signal could be decoded.
func (t *Table) Decode(frame models.CANFrame) (Signals, bool) {
	if t == nil || frame.ErrorFrame || frame.RTR {
		return nil, false
	}
	msg, ok := t.messages[frame.ID]
	if !ok {
		return nil, false
	}

	payload := frame.Payload()
	out := make(Signals, len(msg.Signals))
	for _, sig := range msg.Signals {
		v, ok := sig.Extract(payload)
		if !ok {
			continue
		}
		out[sig.Name] = v
	}

	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// Extract decodes the signal from payload, reporting false when the
// signal's bit range is not fully inside payload
func (s Signal) Extract(payload []byte) (Value, bool) {
	end := s.StartBit + s.Length
	if s.StartBit < 0 || s.Length < 1 || s.Length > 64 || (end+7)/8 > len(payload) {
		return Value{}, false
	}

	var raw uint64
	switch s.ByteOrder {
	case BigEndian:
		for bit := s.StartBit; bit < end; bit++ {
			b := (payload[bit/8] >> (7 - uint(bit%8))) & 1
			raw = raw<<1 | uint64(b)
		}
	default:
		for i := 0; i < s.Length; i++ {
			bit := s.StartBit + i
			b := (payload[bit/8] >> uint(bit%8)) & 1
			raw |= uint64(b) << uint(i)
		}
	}

	n := int64(raw)
	f := float64(raw)
	if s.Signed {
		if s.Length < 64 && raw&(1<<uint(s.Length-1)) != 0 {
			n = int64(raw) - int64(1)<<uint(s.Length)
		}
		f = float64(n)
	}

	return Value{
		Value: f*s.Scale + s.Offset,
		Raw:   n,
		Unit:  s.Unit,
	}, true
}
