package cmd

import (
	"context"
	"fmt"

	"github.com/canrelay/usbcan"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "usbcan",
	Short:        "Dual channel USB-CAN relay",
	Long:         `Moves frames between a USB-CAN adapter and the host through bounded transmit and receive pipelines.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debug, err := cmd.Flags().GetBool(flagDebug)
		if err != nil {
			return err
		}
		if debug {
			log.SetLevel(logrus.DebugLevel)
		}
		return nil
	},
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

const (
	flagConfig   = "config"
	flagDriver   = "driver"
	flagPort     = "port"
	flagBaudrate = "baudrate"
	flagDebug    = "debug"
	flagCANRate  = "canrate"
	flagChannels = "channels"
	flagBlock    = "block"
)

var log = logrus.New()

// Logger is the logger every command writes through, also used by main for
// signal handling.
func Logger() *logrus.Logger {
	return log
}

func init() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	pf := rootCmd.PersistentFlags()
	pf.StringP(flagConfig, "c", "", "ini file with device, pipeline and channel sections")
	pf.StringP(flagDriver, "a", "virtual", "what driver to use")
	pf.StringP(flagPort, "p", "", "serial port for serial adapters")
	pf.IntP(flagBaudrate, "b", 115200, "serial port baudrate")
	pf.IntP(flagCANRate, "r", 100, "CAN bitrate in kbit/s when no config file is given")
	pf.IntSlice(flagChannels, []int{0, 1}, "channels to bring up when no config file is given")
	pf.Bool(flagBlock, false, "wait for the device to appear")
	pf.BoolP(flagDebug, "d", false, "debug mode")
}

// loadSettings reads the config file when one is given and lets explicit
// flags override it.
func loadSettings(cmd *cobra.Command) (*usbcan.Settings, error) {
	f := cmd.Flags()
	cfgFile, err := f.GetString(flagConfig)
	if err != nil {
		return nil, err
	}

	var s *usbcan.Settings
	if cfgFile != "" {
		if s, err = usbcan.LoadSettings(cfgFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", cfgFile, err)
		}
	} else {
		rate, err := f.GetInt(flagCANRate)
		if err != nil {
			return nil, err
		}
		channels, err := f.GetIntSlice(flagChannels)
		if err != nil {
			return nil, err
		}
		cfg, err := usbcan.DefaultChannelConfig(rate)
		if err != nil {
			return nil, err
		}
		def := usbcan.DefaultSettings()
		s = &def
		for _, ch := range channels {
			s.Channels = append(s.Channels, usbcan.ChannelSetup{Index: ch, Config: cfg})
		}
	}

	if s.Driver == "" || f.Changed(flagDriver) {
		if s.Driver, err = f.GetString(flagDriver); err != nil {
			return nil, err
		}
	}
	if s.Port == "" || f.Changed(flagPort) {
		if s.Port, err = f.GetString(flagPort); err != nil {
			return nil, err
		}
	}
	if s.PortBaudrate == 0 || f.Changed(flagBaudrate) {
		if s.PortBaudrate, err = f.GetInt(flagBaudrate); err != nil {
			return nil, err
		}
	}
	if f.Changed(flagBlock) {
		if s.BlockUntilPresent, err = f.GetBool(flagBlock); err != nil {
			return nil, err
		}
	}
	s.Logger = log
	return s, nil
}

// newController builds the driver named in the settings and a controller
// around it. With debug on every driver call is logged.
func newController(cmd *cobra.Command) (*usbcan.Controller, error) {
	s, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	drv, err := usbcan.NewDriver(s.Driver, &usbcan.DriverConfig{
		Port:         s.Port,
		PortBaudrate: s.PortBaudrate,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}
	if debug, _ := cmd.Flags().GetBool(flagDebug); debug {
		drv = usbcan.NewLoggedDriver(drv, log)
	}
	return usbcan.NewController(drv, *s)
}
