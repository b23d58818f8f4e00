package models

import (
	"fmt"
	"time"
)

const (
	// MaxClassicPayload is the largest payload of a CAN 2.0 frame
	MaxClassicPayload = 8

	// MaxStandardID and MaxExtendedID bound 11-bit and 29-bit arbitration ids
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
)

// CANFrame represents a captured CAN frame. Frames are treated as
// immutable once captured.
type CANFrame struct {
	ID         uint32
	DLC        uint8
	Data       []byte
	Extended   bool
	RTR        bool
	ErrorFrame bool
	Timestamp  time.Time
}

// Payload returns the bytes covered by both the declared length code and
// the received data, whichever is shorter.
func (f CANFrame) Payload() []byte {
	n := int(f.DLC)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

// Malformed reports whether the declared length code exceeds maxPayload or
// disagrees with the received payload length.
func (f CANFrame) Malformed(maxPayload int) bool {
	if f.ErrorFrame || f.RTR {
		return int(f.DLC) > maxPayload
	}
	return int(f.DLC) > maxPayload || len(f.Data) != int(f.DLC)
}

// IDHex formats the arbitration id the way candump does
func (f CANFrame) IDHex() string {
	if f.Extended {
		return fmt.Sprintf("%08X", f.ID)
	}
	return fmt.Sprintf("%03X", f.ID)
}

// CANMessageResponse represents a CAN message in API response
type CANMessageResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Interface string    `json:"interface"`
	CANID     uint32    `json:"can_id"`
	CANIDHex  string    `json:"can_id_hex"`
	DLC       uint8     `json:"dlc"`
	Data      []uint8   `json:"data"`
	DataHex   string    `json:"data_hex"`
}
