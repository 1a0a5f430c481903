//go:build linux && (amd64 || arm64)

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// appleVendorID is Apple's USB vendor ID. Every device this package opens
// must report it.
const appleVendorID = 0x05ac

// appleProductMin and appleProductMax bound the product ID range assigned to
// iPhone/iPod/iPad usbmux-capable devices (from the original implementation's
// device table: 0x1290-0x1293).
const (
	appleProductMin = 0x1290
	appleProductMax = 0x1293
)

const sysfsUSBDevices = "/sys/bus/usb/devices"

// Descriptor identifies one candidate Apple device found on the USB bus.
type Descriptor struct {
	Bus       uint8
	Address   uint8
	VendorID  uint16
	ProductID uint16
}

// devfsPath returns the /dev/bus/usb/BBB/DDD path usbfs expects.
func (d Descriptor) devfsPath() string {
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", d.Bus, d.Address)
}

// Enumerate scans sysfs for Apple mobile devices and returns one Descriptor
// per match, grounded in the original implementation's bus scan (it walks
// every USB device node and filters by vendor/product ID rather than relying
// on a hotplug daemon).
func Enumerate() ([]Descriptor, error) {
	entries, err := os.ReadDir(sysfsUSBDevices)
	if err != nil {
		return nil, err
	}

	var found []Descriptor
	for _, ent := range entries {
		name := ent.Name()
		// Skip interface nodes ("1-1:1.0") and root hubs ("usb1"); device
		// nodes are plain bus-port paths like "1-1" or "2-1.4".
		if strings.ContainsAny(name, ":") || strings.HasPrefix(name, "usb") {
			continue
		}

		dir := filepath.Join(sysfsUSBDevices, name)
		vendor, err := readHexFile(filepath.Join(dir, "idVendor"))
		if err != nil {
			continue
		}
		if uint16(vendor) != appleVendorID {
			continue
		}
		product, err := readHexFile(filepath.Join(dir, "idProduct"))
		if err != nil {
			continue
		}
		if uint16(product) < appleProductMin || uint16(product) > appleProductMax {
			continue
		}

		busnum, err := readDecFile(filepath.Join(dir, "busnum"))
		if err != nil {
			continue
		}
		devnum, err := readDecFile(filepath.Join(dir, "devnum"))
		if err != nil {
			continue
		}

		found = append(found, Descriptor{
			Bus:       uint8(busnum),
			Address:   uint8(devnum),
			VendorID:  uint16(vendor),
			ProductID: uint16(product),
		})
	}
	return found, nil
}

func readHexFile(path string) (uint64, error) {
	s, err := readTrimmed(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 16, 32)
}

func readDecFile(path string) (uint64, error) {
	s, err := readTrimmed(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 16)
}

func readTrimmed(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
