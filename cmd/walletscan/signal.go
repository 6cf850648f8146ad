// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// shutdownSignals stop the daemon cleanly.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// stopper is the part of the scanner the shutdown path drives.
type stopper interface {
	Wait() error
	Stop() error
}

// waitForShutdown blocks until a shutdown signal arrives or the scanner
// exits on its own, then stops the scanner and waits for its drivers.  It
// returns the first driver failure, if any.
func waitForShutdown(scanner stopper, signals <-chan os.Signal) error {
	exited := make(chan error, 1)
	go func() {
		exited <- scanner.Wait()
	}()

	var scanErr error
	select {
	case sig := <-signals:
		log.Infof("Received signal (%s).  Shutting down...", sig)

	case scanErr = <-exited:
		if scanErr != nil {
			log.Criticalf("Scanner failed: %v", scanErr)
		} else {
			log.Info("Scanner exited.  Shutting down...")
		}
	}

	log.Warn("Stopping scanner...")
	if err := scanner.Stop(); err != nil && scanErr == nil {
		scanErr = err
	}
	log.Info("Scanner shutdown")
	return scanErr
}

// notifyShutdown returns a channel receiving the shutdown signals.
func notifyShutdown() (<-chan os.Signal, func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, shutdownSignals...)
	return c, func() { signal.Stop(c) }
}
