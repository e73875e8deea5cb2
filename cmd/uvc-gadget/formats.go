package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/yoshigion/uvc-gadget-upst/pkg/configfs"
)

func newFormatsCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "Show the formats a UVC function offers to the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := configfs.Parse(afero.NewOsFs(), o.cfg.Configfs.Root, o.cfg.Sysfs.Root, o.cfg.Function)
			if err != nil {
				return err
			}
			printFunction(cmd.OutOrStdout(), fc)
			return nil
		},
	}
}

func printFunction(w io.Writer, fc *configfs.FunctionConfig) {
	heading := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgHiBlack)

	heading.Fprintf(w, "%s\n", fc.Name)
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("path:     "), fc.Path)
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("udc:      "), fc.UDC)
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("device:   "), fc.VideoNode)
	fmt.Fprintf(w, "  %s control %d, streaming %d\n", label.Sprint("interface:"),
		fc.Control.Interface, fc.Streaming.Interface)
	fmt.Fprintf(w, "  %s %d bytes, burst %d, interval %d\n", label.Sprint("endpoint: "),
		fc.Streaming.MaxPacket, fc.Streaming.MaxBurst, fc.Streaming.Interval)

	for _, f := range fc.Streaming.Formats {
		fmt.Fprintln(w)
		heading.Fprintf(w, "  format %d: %s", f.Index, f.FourCC)
		fmt.Fprintf(w, " (%s)\n", f.Name)
		for _, fr := range f.Frames {
			fmt.Fprintf(w, "    %s %dx%d, max %d bytes, default %s\n",
				color.YellowString("frame %d:", fr.Index), fr.Width, fr.Height,
				fr.MaxVideoFrameBufferSize, intervalString(fr.DefaultInterval))
			fmt.Fprintf(w, "      %s\n", intervalsText(fr.Intervals))
		}
	}
}

func intervalString(ival uint32) string {
	return (time.Duration(ival) * 100 * time.Nanosecond).String()
}
