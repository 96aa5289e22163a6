//go:build linux

package ipmi

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers and addressing from linux/ipmi.h
const (
	ipmictlReceiveMsgTrunc = 0xc030690b
	ipmictlSendCommand     = 0x8028690d

	ipmiSystemInterfaceAddrType = 0x0c
	ipmiBMCChannel              = 0x0f

	maxResponseSize = 1024
)

type systemInterfaceAddr struct {
	addrType int32
	channel  int16
	lun      uint8
	_        uint8
}

type ipmiMsg struct {
	netfn   uint8
	cmd     uint8
	dataLen uint16
	data    unsafe.Pointer
}

type ipmiReq struct {
	addr    unsafe.Pointer
	addrLen uint32
	msgid   int64
	msg     ipmiMsg
}

type ipmiRecv struct {
	recvType int32
	addr     unsafe.Pointer
	addrLen  uint32
	msgid    int64
	msg      ipmiMsg
}

type device struct {
	mu      sync.Mutex
	fd      int
	seq     int64
	timeout time.Duration
}

func openDevice(path string, timeout time.Duration) (messenger, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	return &device{fd: fd, timeout: timeout}, nil
}

func (d *device) exchange(ctx context.Context, netfn, cmd byte, data []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	addr := systemInterfaceAddr{addrType: ipmiSystemInterfaceAddrType, channel: ipmiBMCChannel}
	req := ipmiReq{
		addr:    unsafe.Pointer(&addr),
		addrLen: uint32(unsafe.Sizeof(addr)),
		msgid:   d.seq,
		msg:     ipmiMsg{netfn: netfn, cmd: cmd, dataLen: uint16(len(data))},
	}
	if len(data) > 0 {
		req.msg.data = unsafe.Pointer(&data[0])
	}

	err := ioctl(d.fd, ipmictlSendCommand, unsafe.Pointer(&req))
	runtime.KeepAlive(&addr)
	runtime.KeepAlive(data)
	if err != nil {
		return nil, fmt.Errorf("send netfn 0x%02x cmd 0x%02x: %w", netfn, cmd, err)
	}

	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	buf := make([]byte, maxResponseSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, fmt.Errorf("netfn 0x%02x cmd 0x%02x: %w", netfn, cmd, unix.ETIMEDOUT)
		}

		fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(min(wait, 100*time.Millisecond).Milliseconds())+1)
		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}

		var raddr systemInterfaceAddr
		recv := ipmiRecv{
			addr:    unsafe.Pointer(&raddr),
			addrLen: uint32(unsafe.Sizeof(raddr)),
			msg:     ipmiMsg{data: unsafe.Pointer(&buf[0]), dataLen: uint16(len(buf))},
		}
		err = ioctl(d.fd, ipmictlReceiveMsgTrunc, unsafe.Pointer(&recv))
		runtime.KeepAlive(&raddr)
		runtime.KeepAlive(buf)
		if err != nil {
			return nil, fmt.Errorf("receive netfn 0x%02x cmd 0x%02x: %w", netfn, cmd, err)
		}

		// stale response to an earlier, timed out request
		if recv.msgid != req.msgid {
			continue
		}

		return append([]byte(nil), buf[:recv.msg.dataLen]...), nil
	}
}

func (d *device) close() error {
	return unix.Close(d.fd)
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}
