package main

import (
	"fmt"
	"slices"

	"github.com/fatih/color"
	usb "github.com/kevmo314/go-usb"
	"github.com/spf13/cobra"
)

const (
	usbClassVideo         = 0x0e
	usbClassMiscellaneous = 0xef
)

// newDevicesCommand lists USB video devices attached to this machine as a
// host. They are candidates for the v4l2 source.
func newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List USB video class devices attached to this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := usb.DeviceList()
			if err != nil {
				return fmt.Errorf("list usb devices: %w", err)
			}
			w := cmd.OutOrStdout()

			found := 0
			for _, dev := range devices {
				class := dev.Descriptor.DeviceClass
				if class != 0 && class != usbClassVideo && class != usbClassMiscellaneous {
					continue
				}
				handle, err := dev.Open()
				if err != nil {
					continue
				}
				config, err := handle.GetActiveConfigDescriptor()
				handle.Close()
				if err != nil {
					continue
				}

				var video []uint8
				for _, iface := range config.Interfaces {
					for _, alt := range iface.AltSettings {
						if alt.InterfaceClass == usbClassVideo && !slices.Contains(video, alt.InterfaceNumber) {
							video = append(video, alt.InterfaceNumber)
						}
					}
				}
				if len(video) == 0 {
					continue
				}
				found++

				name := "unknown"
				if s := dev.SysfsStrings; s != nil && s.Product != "" {
					name = s.Product
					if s.Manufacturer != "" {
						name = s.Manufacturer + " " + s.Product
					}
				}
				fmt.Fprintf(w, "%s %s\n", color.CyanString("%04x:%04x", dev.Descriptor.VendorID, dev.Descriptor.ProductID), name)
				fmt.Fprintf(w, "  path:       %s\n", dev.Path)
				fmt.Fprintf(w, "  usb:        %d.%02d\n", dev.Descriptor.USBVersion>>8, dev.Descriptor.USBVersion&0xff)
				fmt.Fprintf(w, "  interfaces: %v\n", video)
			}
			if found == 0 {
				fmt.Fprintln(w, "no USB video devices found")
			}
			return nil
		},
	}
}
