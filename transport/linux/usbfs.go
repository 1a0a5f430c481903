//go:build linux && (amd64 || arm64)

package linux

import (
	"syscall"
	"unsafe"
)

// ctrlTransfer mirrors the kernel's struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32
	data        uintptr
}

// bulkTransfer mirrors the kernel's struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32
	data     uintptr
}

// connectInfo mirrors the kernel's struct usbdevfs_connectinfo.
type connectInfo struct {
	devnum uint32
	slow   uint8
	_      [3]byte
}

func openDevice(path string) (int, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func closeDevice(fd int) error {
	return syscall.Close(fd)
}

func ioctlRaw(fd int, req uintptr, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlRetval(fd int, req uintptr, arg uintptr) (int, error) {
	r, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

// doControlTransfer performs a synchronous control transfer.
func doControlTransfer(fd int, reqType, req uint8, value, index uint16, data []byte, timeoutMS uint32) (int, error) {
	ctrl := ctrlTransfer{
		requestType: reqType,
		request:     req,
		value:       value,
		index:       index,
		length:      uint16(len(data)),
		timeout:     timeoutMS,
	}
	if len(data) > 0 {
		ctrl.data = uintptr(unsafe.Pointer(&data[0]))
	}
	return ioctlRetval(fd, ioctlUsbdevfsControl, uintptr(unsafe.Pointer(&ctrl)))
}

// doBulkTransfer performs a synchronous bulk transfer.
func doBulkTransfer(fd int, endpoint uint8, data []byte, timeoutMS uint32) (int, error) {
	bulk := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  timeoutMS,
	}
	if len(data) > 0 {
		bulk.data = uintptr(unsafe.Pointer(&data[0]))
	}
	return ioctlRetval(fd, ioctlUsbdevfsBulk, uintptr(unsafe.Pointer(&bulk)))
}

func claimInterface(fd int, iface uint8) error {
	n := uint32(iface)
	return ioctlRaw(fd, ioctlUsbdevfsClaimInterface, uintptr(unsafe.Pointer(&n)))
}

func releaseInterface(fd int, iface uint8) error {
	n := uint32(iface)
	return ioctlRaw(fd, ioctlUsbdevfsReleaseInterface, uintptr(unsafe.Pointer(&n)))
}

func setConfiguration(fd int, config int) error {
	n := uint32(config)
	return ioctlRaw(fd, ioctlUsbdevfsSetConfiguration, uintptr(unsafe.Pointer(&n)))
}

// disconnectDriver detaches whatever kernel driver is bound to iface so
// usbfs can claim it. Grounded in iphone_config_usb_device's fallback path:
// detach, then retry claiming/configuring.
func disconnectDriver(fd int, iface uint8) error {
	n := uint32(iface)
	return ioctlRaw(fd, ioctlUsbdevfsDisconnect, uintptr(unsafe.Pointer(&n)))
}

func resetDevice(fd int) error {
	return ioctlRaw(fd, ioctlUsbdevfsReset, 0)
}

func getConnectInfo(fd int) (connectInfo, error) {
	var info connectInfo
	err := ioctlRaw(fd, ioctlUsbdevfsConnectInfo, uintptr(unsafe.Pointer(&info)))
	return info, err
}

func isNoDevice(err error) bool {
	errno, ok := err.(syscall.Errno)
	return ok && errno == syscall.ENODEV
}

func isTimeout(err error) bool {
	errno, ok := err.(syscall.Errno)
	return ok && (errno == syscall.ETIMEDOUT)
}
