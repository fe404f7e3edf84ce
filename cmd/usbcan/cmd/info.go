package cmd

import (
	"fmt"

	"github.com/canrelay/usbcan"
	"github.com/spf13/cobra"
)

var driversCmd = &cobra.Command{
	Use:   "drivers",
	Short: "List available drivers",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, d := range usbcan.ListDrivers() {
			fmt.Println(d.String())
		}
	},
}

var baudCmd = &cobra.Command{
	Use:   "baud",
	Short: "Print the bitrate to bit timing register table",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, rate := range usbcan.BaudRates() {
			t, _ := usbcan.LookupBitTiming(rate)
			fmt.Printf("%5d kbit/s  %s\n", rate, t)
		}
	},
}

func init() {
	rootCmd.AddCommand(driversCmd, baudCmd)
}
