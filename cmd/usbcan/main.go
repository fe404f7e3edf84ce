package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/canrelay/usbcan/cmd/usbcan/cmd"

	// Init drivers
	_ "github.com/canrelay/usbcan/adapter/slcan"
	_ "github.com/canrelay/usbcan/adapter/virtual"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel() // Setup interupt handler for ctrl-c
	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, os.Interrupt, syscall.SIGTERM)
	log := cmd.Logger()
	go func() {
		s := <-quitChan
		log.Infof("got %v, exiting", s)
		cancel()
		// Failsafe if there is deadlocks
		<-time.After(45 * time.Second)
		log.Fatal("took to long to shutdown, forcefully exiting")
	}()
	os.Exit(cmd.Execute(ctx))
}
