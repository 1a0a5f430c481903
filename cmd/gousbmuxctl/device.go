package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gousbmux/gousbmux/lockdown"
	"github.com/gousbmux/gousbmux/transport/linux"
)

func newDeviceCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Enumerate and release attached Apple devices",
	}
	cmd.AddCommand(newDeviceEnumerateCommand(flags))
	cmd.AddCommand(newDeviceFreeCommand(flags))
	cmd.AddCommand(newDevicePairCommand(flags))
	return cmd
}

func newDeviceEnumerateCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "enumerate",
		Short: "List Apple devices visible on the USB bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			descs, err := linux.Enumerate()
			if err != nil {
				return fmt.Errorf("enumerate devices: %w", err)
			}
			if len(descs) == 0 {
				fmt.Println("no Apple devices found")
				return nil
			}
			for _, d := range descs {
				fmt.Printf("bus=%d address=%d vendor=%#04x product=%#04x uuid=%s\n",
					d.Bus, d.Address, d.VendorID, d.ProductID, deviceUUID(d))
			}
			return nil
		},
	}
}

// deviceUUID opens d just long enough to resolve its UniqueDeviceID through
// lockdown.ResolveUUID; enumerate still reports the device (with an empty
// uuid) if the handshake fails, since bus/address/vendor/product alone are
// still useful. usbmux exposes no device UUID below lockdown, so this is the
// one reusable, non-CLI-specific path library consumers have for obtaining
// it from a bare descriptor.
func deviceUUID(d linux.Descriptor) string {
	dev, err := linux.Open(d)
	if err != nil {
		return ""
	}
	defer dev.Close()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	uuid, err := lockdown.ResolveUUID(ctx, dev)
	if err != nil {
		return ""
	}
	return uuid
}

func newDeviceFreeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "free",
		Short: "Open and immediately release a device's usbfs claim",
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := selectDescriptor(flags)
			if err != nil {
				return err
			}
			dev, err := linux.Open(desc)
			if err != nil {
				return fmt.Errorf("open device: %w", err)
			}
			time.Sleep(10 * time.Millisecond) // let any in-flight handshake settle
			if err := dev.Close(); err != nil {
				return fmt.Errorf("close device: %w", err)
			}
			fmt.Printf("released bus=%d address=%d\n", desc.Bus, desc.Address)
			return nil
		},
	}
}
