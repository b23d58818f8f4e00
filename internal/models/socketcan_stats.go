package models

import "time"

// SocketCANStats represents the subset of SocketCAN interface state the
// auto-configuration engine compares against operating profiles
type SocketCANStats struct {
	Interface string    `json:"interface"`
	Timestamp time.Time `json:"timestamp"`

	State          string `json:"state"`             // UP, DOWN
	MTU            int    `json:"mtu"`               // 16 for classic CAN, 72 for CAN FD
	Bitrate        int    `json:"bitrate"`           // Bitrate in bps
	SamplePoint    string `json:"sample_point"`      // e.g. "87.5%"
	ControllerMode string `json:"controller_mode"`   // LOOPBACK, LISTEN-ONLY
	BusState       string `json:"bus_state"`         // ERROR-ACTIVE, ERROR-PASSIVE, BUS-OFF
	RXErrorCounter int    `json:"rx_error_counter"`  // RX error counter
	TXErrorCounter int    `json:"tx_error_counter"`  // TX error counter
	RXPackets      uint64 `json:"rx_packets"`        // Total received packets
	RXErrors       uint64 `json:"rx_errors"`         // Total receive errors
	BusErrorCount  int    `json:"bus_error_counter"` // Bus error counter
}
