package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yoshigion/uvc-gadget-upst/internal/config"
	"github.com/yoshigion/uvc-gadget-upst/internal/logging"
)

// options is the state shared by the subcommands once the root command has
// loaded the configuration.
type options struct {
	v   *viper.Viper
	cfg *config.Config
	log *logrus.Logger
}

func newRootCommand() *cobra.Command {
	o := &options{v: config.New()}
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "uvc-gadget",
		Short: "Stream a video source through a UVC gadget function",
		Long: `uvc-gadget serves video to a USB host through a UVC function configured in configfs.
Frames come from a V4L2 capture device or a built-in test pattern and are shared with the gadget without copying.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				o.v.SetConfigFile(configFile)
			}
			cfg, err := config.Load(o.v)
			if err != nil {
				return err
			}
			log, err := logging.Setup(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			o.cfg, o.log = cfg, log
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd.Context(), o)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (default searches ., $XDG_CONFIG_HOME/uvc-gadget and /etc/uvc-gadget)")
	flags.StringP("function", "f", "", "UVC function name in configfs, e.g. uvc.0 (default: the first one found)")
	flags.String("configfs-root", "", "configfs mount point")
	flags.String("sysfs-root", "", "sysfs mount point")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "log format (text or json)")
	bind(o.v, flags.Lookup("function"), "function")
	bind(o.v, flags.Lookup("configfs-root"), "configfs.root")
	bind(o.v, flags.Lookup("sysfs-root"), "sysfs.root")
	bind(o.v, flags.Lookup("log-level"), "log.level")
	bind(o.v, flags.Lookup("log-format"), "log.format")

	rootCmd.Flags().StringP("source", "s", "", "video source: v4l2 or test")
	rootCmd.Flags().StringP("device", "d", "", "capture device for the v4l2 source")
	rootCmd.Flags().String("pattern", "", "test source pattern: bars or image")
	rootCmd.Flags().String("image", "", "still image shown by the image pattern")
	rootCmd.Flags().Int("fps", 0, "test source frame rate")
	rootCmd.Flags().IntP("buffers", "n", 0, "number of shared buffers")
	rootCmd.Flags().BoolP("monitor", "m", false, "show a live view of the stream counters")
	bind(o.v, rootCmd.Flags().Lookup("source"), "source.type")
	bind(o.v, rootCmd.Flags().Lookup("device"), "source.device")
	bind(o.v, rootCmd.Flags().Lookup("pattern"), "source.pattern")
	bind(o.v, rootCmd.Flags().Lookup("image"), "source.image")
	bind(o.v, rootCmd.Flags().Lookup("fps"), "source.fps")
	bind(o.v, rootCmd.Flags().Lookup("buffers"), "stream.buffers")
	bind(o.v, rootCmd.Flags().Lookup("monitor"), "monitor")

	rootCmd.AddCommand(newFormatsCommand(o))
	rootCmd.AddCommand(newDevicesCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}
