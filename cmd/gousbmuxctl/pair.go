package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gousbmux/gousbmux/pairing"
	"github.com/gousbmux/gousbmux/pairing/store"
)

// defaultPairingDir is where pairing records are persisted absent an
// explicit --store-dir, one directory per host install.
func defaultPairingDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gousbmux/pairing"
	}
	return filepath.Join(home, ".gousbmux", "pairing")
}

func newDevicePairCommand(flags *rootFlags) *cobra.Command {
	var storeDir string

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair the host with the device and persist the resulting certificates",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, cleanup, err := openLockdown(flags)
			if err != nil {
				return err
			}
			defer cleanup()

			v, err := client.GetValue("", "UniqueDeviceID")
			if err != nil {
				return fmt.Errorf("get UniqueDeviceID: %w", err)
			}
			devUUID, ok := v.(string)
			if !ok || devUUID == "" {
				return fmt.Errorf("device did not report a UniqueDeviceID")
			}

			devicePub, err := client.DevicePublicKey()
			if err != nil {
				return fmt.Errorf("get device public key: %w", err)
			}

			id, err := pairing.GenerateIdentity(uuid.New())
			if err != nil {
				return fmt.Errorf("generate host identity: %w", err)
			}
			if err := client.Pair(id); err != nil {
				return fmt.Errorf("pair: %w", err)
			}

			devicePubDER, err := store.EncodeDevicePublicKey(devicePub)
			if err != nil {
				return fmt.Errorf("encode device public key: %w", err)
			}

			s, err := store.Open(storeDir)
			if err != nil {
				return fmt.Errorf("open pairing store: %w", err)
			}
			_, hostKey := id.TLSKeyPair()
			rec := &store.Record{
				HostID:          id.HostID,
				RootCertDER:     id.RootCertDER,
				HostCertDER:     id.HostCertDER,
				DeviceCertDER:   id.DeviceCertDER,
				HostPrivateKey:  store.EncodeHostKey(hostKey),
				DevicePublicKey: devicePubDER,
			}
			if err := s.Save(devUUID, rec); err != nil {
				return fmt.Errorf("save pairing record: %w", err)
			}

			fmt.Printf("paired with device %s, record saved under %s\n", devUUID, storeDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&storeDir, "store-dir", defaultPairingDir(), "directory to persist pairing records in")
	return cmd
}
