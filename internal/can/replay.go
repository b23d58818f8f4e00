package can

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"can-autoconfig/internal/models"
)

// ReplaySource replays a candump log ("candump -l" format):
//
//	(1436509052.249713) vcan0 044#2A366C2A
//	(1436509052.250021) vcan0 18FEF100#R
//
// Frames are delivered as fast as they are requested; the log's own
// timestamps are preserved on each frame.
type ReplaySource struct {
	scanner *bufio.Scanner
	line    int
	iface   string
}

// NewReplaySource creates a replay source. When iface is non-empty only
// frames logged for that interface are delivered.
func NewReplaySource(r io.Reader, iface string) *ReplaySource {
	return &ReplaySource{
		scanner: bufio.NewScanner(r),
		iface:   iface,
	}
}

// Receive implements FrameSource
func (s *ReplaySource) Receive(time.Duration) (models.CANFrame, bool, error) {
	for s.scanner.Scan() {
		s.line++
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		iface, frame, err := ParseCandumpLine(line)
		if err != nil {
			return models.CANFrame{}, false, fmt.Errorf("replay line %d: %w", s.line, err)
		}
		if s.iface != "" && iface != s.iface {
			continue
		}
		return frame, true, nil
	}

	if err := s.scanner.Err(); err != nil {
		return models.CANFrame{}, false, fmt.Errorf("error reading replay log: %w", err)
	}
	return models.CANFrame{}, false, ErrSourceClosed
}

// ParseCandumpLine parses one candump log line into the interface name
// and frame
func ParseCandumpLine(line string) (string, models.CANFrame, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return "", models.CANFrame{}, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}

	ts, err := parseCandumpTime(fields[0])
	if err != nil {
		return "", models.CANFrame{}, err
	}

	idStr, dataStr, found := strings.Cut(fields[2], "#")
	if !found {
		return "", models.CANFrame{}, fmt.Errorf("missing '#' in %q", fields[2])
	}

	rawID, err := strconv.ParseUint(idStr, 16, 32)
	if err != nil {
		return "", models.CANFrame{}, fmt.Errorf("invalid CAN id %q: %w", idStr, err)
	}

	frame := models.CANFrame{Timestamp: ts}
	switch len(idStr) {
	case 3:
		frame.ID = uint32(rawID) & canSFFMask
	case 8:
		word := uint32(rawID)
		frame.ErrorFrame = word&canERRFlag != 0
		frame.Extended = !frame.ErrorFrame
		frame.ID = word & canEFFMask
	default:
		return "", models.CANFrame{}, fmt.Errorf("CAN id %q must have 3 or 8 hex digits", idStr)
	}

	switch {
	case strings.HasPrefix(dataStr, "R"):
		frame.RTR = true
		frame.Data = []byte{}
		if len(dataStr) > 1 {
			dlc, err := strconv.ParseUint(dataStr[1:], 16, 8)
			if err != nil {
				return "", models.CANFrame{}, fmt.Errorf("invalid RTR length %q", dataStr[1:])
			}
			frame.DLC = uint8(dlc)
		}
	default:
		// CAN FD frames carry "##<flags>" before the payload
		if strings.HasPrefix(dataStr, "#") {
			if len(dataStr) < 2 {
				return "", models.CANFrame{}, fmt.Errorf("missing CAN FD flags")
			}
			dataStr = dataStr[2:]
		}
		data, err := hex.DecodeString(strings.ReplaceAll(dataStr, ".", ""))
		if err != nil {
			return "", models.CANFrame{}, fmt.Errorf("invalid payload %q: %w", dataStr, err)
		}
		frame.Data = data
		frame.DLC = uint8(min(len(data), 255))
	}

	return fields[1], frame, nil
}

func parseCandumpTime(field string) (time.Time, error) {
	if len(field) < 3 || field[0] != '(' || field[len(field)-1] != ')' {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", field)
	}
	secStr, fracStr, _ := strings.Cut(field[1:len(field)-1], ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", field, err)
	}
	var nsec int64
	if fracStr != "" {
		// pad or trim to nanoseconds
		fracStr = (fracStr + "000000000")[:9]
		nsec, err = strconv.ParseInt(fracStr, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", field, err)
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
}
