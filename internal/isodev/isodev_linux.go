//go:build linux

package isodev

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/daedaluz/fdev/poll"
	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"
)

// Wire structs for the firewire character device's ioctl family (spec
// §6): CREATE_ISO_CONTEXT, START_ISO, STOP_ISO, QUEUE_ISO,
// GET_CYCLE_TIMER. Field order matches the argument order spec.md
// gives for each ioctl.

type createIsoContextArg struct {
	Type       uint32
	HeaderSize uint32
	Channel    uint32
	Speed      uint32
	Closure    uint64
	Handle     uint32
	_          uint32 // pad to 8-byte alignment
}

type startIsoArg struct {
	Handle uint32
	Cycle  int32
	Sync   uint32
	Tags   uint32
}

type stopIsoArg struct {
	Handle uint32
}

// queueIsoPacket mirrors one entry of the packets[] array in QUEUE_ISO.
type queueIsoPacket struct {
	HeaderLength uint32
	PayloadLength uint32
	Interrupt    uint32
	Offset       uint32
}

type queueIsoArg struct {
	Handle      uint32
	NumPackets  uint32
	PayloadBase uint64
	Size        uint32
	_           uint32
	// Packets follows as a variable-length tail; the ioctl call builds
	// a contiguous buffer of queueIsoArg + NumPackets*queueIsoPacket.
}

type getCycleTimerArg struct {
	CycleTimer uint32
	_          uint32
	LocalTime  uint64
}

// iso context types (CREATE_ISO_CONTEXT.Type).
const (
	isoContextTransmit = 0
	isoContextReceive  = 1
)

// Ioctl request codes, built the same way the teacher's serial driver
// builds its termios2 ioctls: a magic byte ('F' for firewire) and a
// per-operation number, sized from the argument struct.
var (
	iocCreateIsoContext = ioctl.IOWR('F', 1, unsafe.Sizeof(createIsoContextArg{}))
	iocStartIso         = ioctl.IOW('F', 2, unsafe.Sizeof(startIsoArg{}))
	iocStopIso          = ioctl.IOW('F', 3, unsafe.Sizeof(stopIsoArg{}))
	iocQueueIso         = ioctl.IOW('F', 4, unsafe.Sizeof(queueIsoArg{}))
	iocGetCycleTimer    = ioctl.IOR('F', 5, unsafe.Sizeof(getCycleTimerArg{}))
)

// event wire format read from the device: a tagged record read()
// returns on the char device's fd. Kept small and self-describing
// since the real firewire-cdev ABI interleaves several event shapes
// in one read buffer.
const (
	wireEventIsoInterrupt = 1
	wireEventBusReset     = 2
)

type linuxDevice struct {
	f    int
	port int
}

func newDevice() device {
	return &linuxDevice{f: -1}
}

func (d *linuxDevice) open(port int) error {
	path := fmt.Sprintf("/dev/fw%d", port)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return err
	}
	d.f = fd
	d.port = port
	return nil
}

func (d *linuxDevice) close() error {
	if d.f < 0 {
		return nil
	}
	err := unix.Close(d.f)
	d.f = -1
	return err
}

func (d *linuxDevice) fd() int { return d.f }

func (d *linuxDevice) mmap(size int) ([]byte, error) {
	b, err := unix.Mmap(d.f, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (d *linuxDevice) munmap(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

func (d *linuxDevice) createIsoContext(cfg Config) (uint32, error) {
	arg := createIsoContextArg{
		HeaderSize: uint32(cfg.headerSizeBytes()),
		Channel:    uint32(cfg.Channel),
		Speed:      uint32(cfg.Speed),
	}
	if cfg.Direction == Transmit {
		arg.Type = isoContextTransmit
	} else {
		arg.Type = isoContextReceive
	}
	if err := ioctl.Ioctl(uintptr(d.f), iocCreateIsoContext, uintptr(unsafe.Pointer(&arg))); err != nil {
		return 0, err
	}
	return arg.Handle, nil
}

func (d *linuxDevice) startIso(handle uint32, cycle int32, sync, tags int) error {
	arg := startIsoArg{Handle: handle, Cycle: cycle, Sync: uint32(sync), Tags: uint32(tags)}
	return ioctl.Ioctl(uintptr(d.f), iocStartIso, uintptr(unsafe.Pointer(&arg)))
}

func (d *linuxDevice) stopIso(handle uint32) error {
	arg := stopIsoArg{Handle: handle}
	return ioctl.Ioctl(uintptr(d.f), iocStopIso, uintptr(unsafe.Pointer(&arg)))
}

func (d *linuxDevice) queueIso(handle uint32, descs []queueDesc, payloadBase, size int) error {
	packets := make([]queueIsoPacket, len(descs))
	for i, qd := range descs {
		interrupt := uint32(0)
		if qd.interrupt {
			interrupt = 1
		}
		packets[i] = queueIsoPacket{
			HeaderLength:  uint32(qd.headerLen),
			PayloadLength: uint32(qd.payloadLen),
			Interrupt:     interrupt,
			Offset:        uint32(qd.offset),
		}
	}
	arg := queueIsoArg{
		Handle:      handle,
		NumPackets:  uint32(len(packets)),
		PayloadBase: uint64(payloadBase),
		Size:        uint32(size),
	}
	buf := make([]byte, int(unsafe.Sizeof(arg))+len(packets)*int(unsafe.Sizeof(queueIsoPacket{})))
	*(*queueIsoArg)(unsafe.Pointer(&buf[0])) = arg
	tail := buf[unsafe.Sizeof(arg):]
	for i, p := range packets {
		*(*queueIsoPacket)(unsafe.Pointer(&tail[i*int(unsafe.Sizeof(p))])) = p
	}
	return ioctl.Ioctl(uintptr(d.f), iocQueueIso, uintptr(unsafe.Pointer(&buf[0])))
}

func (d *linuxDevice) getCycleTimer() (uint32, uint64, error) {
	var arg getCycleTimerArg
	if err := ioctl.Ioctl(uintptr(d.f), iocGetCycleTimer, uintptr(unsafe.Pointer(&arg))); err != nil {
		return 0, 0, err
	}
	return arg.CycleTimer, arg.LocalTime, nil
}

// pollEvent waits up to timeoutMs for the device fd to become
// readable (via fdev/poll, the same helper the teacher's serial
// driver uses for read-wait) and decodes one event record.
func (d *linuxDevice) pollEvent(timeoutMs int) (event, error) {
	if err := poll.WaitInput(d.f, timeoutMs); err != nil {
		if err == poll.ErrTimeout {
			return event{kind: eventNone}, nil
		}
		return event{}, err
	}

	hdr := make([]byte, 12)
	n, err := unix.Read(d.f, hdr)
	if err != nil {
		return event{}, err
	}
	if n < 8 {
		return event{}, fmt.Errorf("short event read: %d bytes", n)
	}
	kind := binary.LittleEndian.Uint32(hdr[0:4])
	cycle := binary.LittleEndian.Uint32(hdr[4:8])

	switch kind {
	case wireEventIsoInterrupt:
		headerLen := binary.LittleEndian.Uint32(hdr[8:12])
		headers := make([]byte, headerLen)
		if headerLen > 0 {
			if _, err := unix.Read(d.f, headers); err != nil {
				return event{}, err
			}
		}
		return event{kind: eventIsoInterrupt, cycle: cycle, headers: headers}, nil
	case wireEventBusReset:
		return event{kind: eventBusReset, cycle: cycle}, nil
	default:
		return event{kind: eventUnexpected, cycle: cycle}, nil
	}
}
