package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/canrelay/usbcan"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the pipelines and print received frames until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := newController(cmd)
		if err != nil {
			return err
		}
		if err := c.Start(ctx); err != nil {
			return err
		}

		statsEvery, err := cmd.Flags().GetDuration("stats")
		if err != nil {
			return err
		}
		var statsTick <-chan time.Time
		if statsEvery > 0 {
			t := time.NewTicker(statsEvery)
			defer t.Stop()
			statsTick = t.C
		}

		go printEvents(c)

	loop:
		for {
			e, err := c.Recv(ctx, 500*time.Millisecond)
			switch {
			case err == nil:
				fmt.Printf("CAN%d %s\n", e.Channel, e.Frame.ColorString())
			case errors.Is(err, usbcan.ErrTimeout):
			default:
				break loop
			}
			select {
			case <-statsTick:
				log.Info(c.Stats().String())
			default:
			}
		}

		err = c.Stop()
		log.Info(c.Stats().String())
		return err
	},
}

func printEvents(c *usbcan.Controller) {
	for {
		select {
		case evt := <-c.Events():
			log.Info(evt.String())
		case <-c.Done():
			return
		}
	}
}

func init() {
	runCmd.Flags().Duration("stats", 0, "log pipeline counters at this interval, 0 = only on exit")
	rootCmd.AddCommand(runCmd)
}
