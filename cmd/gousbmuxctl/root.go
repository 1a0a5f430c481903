package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/gousbmux/gousbmux/lockdown"
	"github.com/gousbmux/gousbmux/mux"
	"github.com/gousbmux/gousbmux/pkg"
	"github.com/gousbmux/gousbmux/transport/linux"
)

// rootFlags holds the persistent flags shared by every subcommand.
type rootFlags struct {
	bus     uint8
	address uint8
	uuid    string
	xml     bool
	debug   bool
}

func newRootCommand() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:           "gousbmuxctl",
		Short:         "Inspect and control Apple devices over usbmux",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.debug {
				pkg.SetDebugLevel(1)
				pkg.SetLogLevel(slog.LevelDebug)
			}
		},
	}

	pf := root.PersistentFlags()
	pf.Uint8Var(&flags.bus, "bus", 0, "USB bus number of the target device (0 = first device found)")
	pf.Uint8Var(&flags.address, "address", 0, "USB device address of the target device (0 = first device found)")
	pf.StringVar(&flags.uuid, "uuid", "", "40-hex UniqueDeviceID of the target device (overrides --bus/--address)")
	pf.BoolVar(&flags.xml, "xml", false, "print plist values as XML instead of Go's default formatting")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug-level logging")

	root.AddCommand(newDeviceCommand(&flags))
	root.AddCommand(newLockdownCommand(&flags))
	return root
}

// selectDescriptor returns the descriptor named by flags.uuid (resolved by
// dialing lockdown on every candidate) or, failing that, flags.bus/
// flags.address; with none set it returns the first descriptor found.
func selectDescriptor(flags *rootFlags) (linux.Descriptor, error) {
	descs, err := linux.Enumerate()
	if err != nil {
		return linux.Descriptor{}, fmt.Errorf("enumerate devices: %w", err)
	}
	if len(descs) == 0 {
		return linux.Descriptor{}, fmt.Errorf("no Apple devices found")
	}

	if flags.uuid != "" {
		for _, d := range descs {
			if deviceUUID(d) == flags.uuid {
				return d, nil
			}
		}
		return linux.Descriptor{}, fmt.Errorf("no device with uuid %s", flags.uuid)
	}

	if flags.bus == 0 && flags.address == 0 {
		return descs[0], nil
	}
	for _, d := range descs {
		if d.Bus == flags.bus && d.Address == flags.address {
			return d, nil
		}
	}
	return linux.Descriptor{}, fmt.Errorf("no device at bus %d address %d", flags.bus, flags.address)
}

// dialTimeout bounds establishing the control-service connection.
const dialTimeout = 5 * time.Second

// openLockdown opens the descriptor selected by flags, establishes a mux
// over it, and dials the lockdown control service, returning all three so
// the caller can clean up the mux/transport device when done.
func openLockdown(flags *rootFlags) (*lockdown.Client, *mux.Mux, func(), error) {
	desc, err := selectDescriptor(flags)
	if err != nil {
		return nil, nil, nil, err
	}

	dev, err := linux.Open(desc)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open device: %w", err)
	}

	m := mux.New(dev, mux.Options{})
	cleanup := func() {
		m.Close()
		dev.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	client, err := lockdown.Dial(ctx, m)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("dial lockdown: %w", err)
	}
	return client, m, cleanup, nil
}
