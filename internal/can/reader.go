package can

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"can-autoconfig/internal/models"

	"golang.org/x/sys/unix"
)

const (
	CAN_RAW = 1

	canEFFFlag = 0x80000000
	canRTRFlag = 0x40000000
	canERRFlag = 0x20000000
	canEFFMask = 0x1FFFFFFF
	canSFFMask = 0x000007FF

	frameSize = 16 // struct can_frame
)

// Reader reads raw frames from a SocketCAN interface. Raw sockets do not
// consume frames, so a Reader coexists with any other listener on the bus.
type Reader struct {
	socket    int
	ifname    string
	frameChan chan models.CANFrame
	errorChan chan error
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewReader creates a new CAN reader for the specified interface
func NewReader(ifname string) (*Reader, error) {
	socket, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket: %w", err)
	}

	ifreq, err := unix.NewIfreq(ifname)
	if err != nil {
		unix.Close(socket)
		return nil, fmt.Errorf("failed to create ifreq: %w", err)
	}

	if err := unix.IoctlIfreq(socket, unix.SIOCGIFINDEX, ifreq); err != nil {
		unix.Close(socket)
		return nil, fmt.Errorf("failed to get interface index: %w", err)
	}

	// Error frames are delivered only when asked for
	if err := unix.SetsockoptInt(socket, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, unix.CAN_ERR_MASK); err != nil {
		unix.Close(socket)
		return nil, fmt.Errorf("failed to enable error frames: %w", err)
	}

	// Bounded reads let the loop notice Close
	tv := unix.NsecToTimeval((200 * time.Millisecond).Nanoseconds())
	if err := unix.SetsockoptTimeval(socket, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(socket)
		return nil, fmt.Errorf("failed to set receive timeout: %w", err)
	}

	addr := &unix.SockaddrCAN{Ifindex: int(ifreq.Uint32())}
	if err := unix.Bind(socket, addr); err != nil {
		unix.Close(socket)
		return nil, fmt.Errorf("failed to bind socket: %w", err)
	}

	return &Reader{
		socket:    socket,
		ifname:    ifname,
		frameChan: make(chan models.CANFrame, 1000),
		errorChan: make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Interface returns the bound interface name
func (r *Reader) Interface() string {
	return r.ifname
}

// Dropped returns how many frames were discarded because nobody was
// receiving fast enough
func (r *Reader) Dropped() uint64 {
	return r.dropped.Load()
}

// Start begins reading CAN frames
func (r *Reader) Start() {
	go r.readLoop()
}

// readLoop continuously reads CAN frames from the socket
func (r *Reader) readLoop() {
	buf := make([]byte, frameSize)

	for {
		select {
		case <-r.done:
			return
		default:
		}

		n, err := unix.Read(r.socket, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EBADF) {
				return
			}
			r.reportError(fmt.Errorf("read error: %w", err))
			continue
		}

		if n < frameSize {
			r.reportError(fmt.Errorf("incomplete CAN frame received: %d bytes", n))
			continue
		}

		select {
		case r.frameChan <- parseFrame(buf, time.Now()):
		default:
			r.dropped.Add(1)
		}
	}
}

func (r *Reader) reportError(err error) {
	select {
	case r.errorChan <- err:
	default:
	}
}

// parseFrame decodes a struct can_frame
func parseFrame(buf []byte, ts time.Time) models.CANFrame {
	word := binary.LittleEndian.Uint32(buf[0:4])
	dlc := buf[4]

	frame := models.CANFrame{
		DLC:        dlc,
		Extended:   word&canEFFFlag != 0,
		RTR:        word&canRTRFlag != 0,
		ErrorFrame: word&canERRFlag != 0,
		Timestamp:  ts,
	}
	if frame.Extended {
		frame.ID = word & canEFFMask
	} else {
		frame.ID = word & canSFFMask
	}

	n := min(int(dlc), models.MaxClassicPayload)
	if frame.RTR {
		n = 0
	}
	frame.Data = make([]byte, n)
	copy(frame.Data, buf[8:8+n])
	return frame
}

// Receive implements FrameSource
func (r *Reader) Receive(timeout time.Duration) (models.CANFrame, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-r.frameChan:
		return f, true, nil
	case err := <-r.errorChan:
		return models.CANFrame{}, false, err
	case <-r.done:
		return models.CANFrame{}, false, ErrSourceClosed
	case <-timer.C:
		return models.CANFrame{}, false, nil
	}
}

// Close closes the CAN socket
func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = unix.Close(r.socket)
	})
	return err
}
