package main

import (
	"fmt"

	"howett.net/plist"

	"github.com/spf13/cobra"
)

func newLockdownCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockdown",
		Short: "Query and control the device's lockdown control service",
	}
	cmd.AddCommand(newLockdownGetValueCommand(flags))
	cmd.AddCommand(newLockdownStartServiceCommand(flags))
	return cmd
}

func newLockdownGetValueCommand(flags *rootFlags) *cobra.Command {
	var domain, key string
	cmd := &cobra.Command{
		Use:   "get-value",
		Short: "Read a value (or an entire domain) from the device",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, cleanup, err := openLockdown(flags)
			if err != nil {
				return err
			}
			defer cleanup()

			v, err := client.GetValue(domain, key)
			if err != nil {
				return fmt.Errorf("get value: %w", err)
			}
			return printValue(flags, v)
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "lockdown domain to query (empty = top-level document)")
	cmd.Flags().StringVar(&key, "key", "", "key within domain to read (empty = the whole domain)")
	return cmd
}

func newLockdownStartServiceCommand(flags *rootFlags) *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Ask the device to launch a lockdown-registered service",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, cleanup, err := openLockdown(flags)
			if err != nil {
				return err
			}
			defer cleanup()

			port, err := client.StartService(service)
			if err != nil {
				return fmt.Errorf("start service %q: %w", service, err)
			}
			fmt.Printf("service %q started on port %d\n", service, port)
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service identifier to start (e.g. com.apple.afc)")
	cmd.MarkFlagRequired("service")
	return cmd
}

func printValue(flags *rootFlags, v any) error {
	if !flags.xml {
		fmt.Printf("%v\n", v)
		return nil
	}
	body, err := plist.MarshalIndent(v, plist.XMLFormat, "  ")
	if err != nil {
		return fmt.Errorf("marshal xml: %w", err)
	}
	fmt.Println(string(body))
	return nil
}
