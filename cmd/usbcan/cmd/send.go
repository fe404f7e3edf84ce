package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/canrelay/usbcan"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <channel> <id> [hex data]",
	Short: "Queue frames on a channel and optionally wait for them on another",
	Example: `  usbcan send 0 0x000 3233333333333333 --listen 1
  usbcan send 0 0x18DAF110 0210 --extended --count 10 --interval 100ms`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f := cmd.Flags()

		channel, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid channel %q: %w", args[0], err)
		}
		frame, err := frameFromArgs(cmd, args[1:])
		if err != nil {
			return err
		}
		count, _ := f.GetInt("count")
		interval, _ := f.GetDuration("interval")
		listen, _ := f.GetInt("listen")
		wait, _ := f.GetDuration("wait")

		c, err := newController(cmd)
		if err != nil {
			return err
		}
		if err := c.Start(ctx); err != nil {
			return err
		}

		for i := 0; i < count; i++ {
			if err := c.Send(ctx, channel, frame); err != nil {
				c.Stop()
				return err
			}
			fmt.Printf("CAN%d >> %s\n", channel, frame.ColorString())
			if interval > 0 && i < count-1 {
				select {
				case <-time.After(interval):
				case <-ctx.Done():
				}
			}
		}

		if listen >= 0 {
			received := 0
			deadline := time.Now().Add(wait)
			for received < count && time.Now().Before(deadline) {
				e, err := c.Recv(ctx, time.Until(deadline))
				if err != nil {
					if errors.Is(err, usbcan.ErrTimeout) {
						break
					}
					c.Stop()
					return err
				}
				if e.Channel != listen {
					continue
				}
				received++
				fmt.Printf("CAN%d << %s\n", e.Channel, e.Frame.ColorString())
			}
			if received < count {
				log.Warnf("received %d of %d frames on CAN%d", received, count, listen)
			}
		}

		// Stop flushes whatever is still queued
		if err := c.Stop(); err != nil {
			return err
		}
		log.Debug(c.Stats().String())
		return nil
	},
}

func frameFromArgs(cmd *cobra.Command, args []string) (usbcan.Frame, error) {
	f := cmd.Flags()
	id, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return usbcan.Frame{}, fmt.Errorf("invalid id %q: %w", args[0], err)
	}
	var data []byte
	if len(args) > 1 {
		data, err = hex.DecodeString(strings.ReplaceAll(args[1], " ", ""))
		if err != nil {
			return usbcan.Frame{}, fmt.Errorf("invalid data %q: %w", args[1], err)
		}
	}
	var opts []usbcan.FrameOpt
	if ext, _ := f.GetBool("extended"); ext {
		opts = append(opts, usbcan.WithExtended())
	}
	if rtr, _ := f.GetBool("remote"); rtr {
		opts = append(opts, usbcan.WithRemote())
	}
	return usbcan.NewFrame(uint32(id), data, opts...)
}

func init() {
	f := sendCmd.Flags()
	f.Bool("extended", false, "29 bit identifier")
	f.Bool("remote", false, "remote frame")
	f.Int("count", 1, "number of frames to send")
	f.Duration("interval", 0, "delay between frames")
	f.Int("listen", -1, "print frames received on this channel, -1 = don't listen")
	f.Duration("wait", 2*time.Second, "how long to wait for frames when listening")
	rootCmd.AddCommand(sendCmd)
}
