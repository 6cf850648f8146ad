// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/walletscan/chain"
	"github.com/btcsuite/walletscan/utxoindex"
	"golang.org/x/sync/errgroup"
)

// ErrScannerStopped is returned when registering with a stopped scanner.
var ErrScannerStopped = errors.New("scanner stopped")

// ScannerConfig holds the dependencies shared by every subchain driver.
type ScannerConfig struct {
	Headers chain.HeaderOracle
	Index   *utxoindex.Store

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
}

// Scanner runs one driver goroutine per registered subchain.
type Scanner struct {
	cfg ScannerConfig

	mu      sync.Mutex
	drivers []*driver
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// NewScanner returns a scanner with no subchains.
func NewScanner(cfg ScannerConfig) *Scanner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Scanner{cfg: cfg}
}

// Register adds a subchain.  Its driver starts at once when the scanner
// is running.
func (s *Scanner) Register(state *SubchainState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrScannerStopped
	}

	d := newDriver(state, s.cfg.Headers, s.cfg.Index, s.cfg.PollInterval)
	s.drivers = append(s.drivers, d)
	if s.group != nil {
		s.launch(d)
	}
	return nil
}

func (s *Scanner) launch(d *driver) {
	ctx := s.ctx
	s.group.Go(func() error {
		return d.run(ctx)
	})
}

// Start launches the drivers.  They run until Stop is called, ctx is done,
// or one of them fails.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrScannerStopped
	}
	if s.group != nil {
		return nil
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, s.ctx = errgroup.WithContext(ctx)
	for _, d := range s.drivers {
		s.launch(d)
	}

	log.Infof("Scanner started with %d subchains", len(s.drivers))
	return nil
}

// Notify wakes every driver, typically after new headers or filters
// arrive.
func (s *Scanner) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.drivers {
		d.notify()
	}
}

// Wait blocks until every driver has returned and reports the first
// failure.
func (s *Scanner) Wait() error {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()

	if group == nil {
		return nil
	}
	return group.Wait()
}

// Stop cancels the drivers, waits for them, and releases the subchain
// states.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	drivers := s.drivers
	s.mu.Unlock()

	err := s.Wait()
	for _, d := range drivers {
		d.state.Stop()
	}

	log.Infof("Scanner stopped")
	return err
}

// Statuses returns a snapshot of every subchain.
func (s *Scanner) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]Status, 0, len(s.drivers))
	for _, d := range s.drivers {
		statuses = append(statuses, d.state.Status())
	}
	return statuses
}
