package can

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"can-autoconfig/internal/models"
)

var (
	flagsRe       = regexp.MustCompile(`<([^>]+)>`)
	mtuRe         = regexp.MustCompile(`mtu (\d+)`)
	bitrateRe     = regexp.MustCompile(`bitrate (\d+)`)
	samplePointRe = regexp.MustCompile(`sample-point ([\d.]+)`)
	busStateRe    = regexp.MustCompile(`can (?:<[^>]*> )?state ([A-Z-]+)`)
	berrRe        = regexp.MustCompile(`berr-counter tx (\d+) rx (\d+)`)
	busErrorRe    = regexp.MustCompile(`bus-error (\d+)`)
)

// ProbeInterface reads the live state of a SocketCAN interface from
// 'ip -details -statistics link show'
func ProbeInterface(ctx context.Context, ifname string) (models.SocketCANStats, error) {
	cmd := exec.CommandContext(ctx, "ip", "-details", "-statistics", "link", "show", ifname)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return models.SocketCANStats{}, fmt.Errorf("failed to execute ip command: %w (output: %s)", err, string(output))
	}

	stats := parseIPOutput(string(output))
	stats.Interface = ifname
	stats.Timestamp = time.Now()
	return stats, nil
}

// parseIPOutput parses the text output from ip command
func parseIPOutput(output string) models.SocketCANStats {
	stats := models.SocketCANStats{}
	lines := strings.Split(output, "\n")

	for i, line := range lines {
		line = strings.TrimSpace(line)

		// "3: can0: <NOARP,UP,LOWER_UP,ECHO> mtu 16 qdisc pfifo_fast state UP ..."
		if i == 0 {
			if m := flagsRe.FindStringSubmatch(line); len(m) > 1 {
				stats.State = "DOWN"
				for _, flag := range strings.Split(m[1], ",") {
					if flag == "UP" {
						stats.State = "UP"
					}
				}
			}
			if m := mtuRe.FindStringSubmatch(line); len(m) > 1 {
				stats.MTU, _ = strconv.Atoi(m[1])
			}
			continue
		}

		// "can <LISTEN-ONLY> state ERROR-ACTIVE (berr-counter tx 0 rx 0) restart-ms 0"
		if strings.HasPrefix(line, "can ") {
			if m := busStateRe.FindStringSubmatch(line); len(m) > 1 {
				stats.BusState = m[1]
			}
			if m := berrRe.FindStringSubmatch(line); len(m) > 2 {
				stats.TXErrorCounter, _ = strconv.Atoi(m[1])
				stats.RXErrorCounter, _ = strconv.Atoi(m[2])
			}
			if strings.Contains(line, "LOOPBACK") {
				stats.ControllerMode = "LOOPBACK"
			} else if strings.Contains(line, "LISTEN-ONLY") {
				stats.ControllerMode = "LISTEN-ONLY"
			}
		}

		// "bitrate 500000 sample-point 0.875"
		if strings.HasPrefix(line, "bitrate ") {
			if m := bitrateRe.FindStringSubmatch(line); len(m) > 1 {
				stats.Bitrate, _ = strconv.Atoi(m[1])
			}
			if m := samplePointRe.FindStringSubmatch(line); len(m) > 1 {
				sp, _ := strconv.ParseFloat(m[1], 64)
				stats.SamplePoint = fmt.Sprintf("%.1f%%", sp*100)
			}
		}

		// "re-started bus-errors arbit-lost error-warn error-pass bus-off"
		// "0          5          0          0          0          0"
		if strings.HasPrefix(line, "re-started") && i+1 < len(lines) {
			next := strings.Fields(lines[i+1])
			if len(next) >= 2 {
				stats.BusErrorCount, _ = strconv.Atoi(next[1])
			}
		}
		if m := busErrorRe.FindStringSubmatch(line); len(m) > 1 {
			stats.BusErrorCount, _ = strconv.Atoi(m[1])
		}

		// "RX: bytes  packets  errors  dropped overrun mcast"
		if strings.HasPrefix(line, "RX:") && i+1 < len(lines) {
			next := strings.Fields(lines[i+1])
			if len(next) >= 3 {
				stats.RXPackets, _ = strconv.ParseUint(next[1], 10, 64)
				stats.RXErrors, _ = strconv.ParseUint(next[2], 10, 64)
			}
		}
	}

	return stats
}
