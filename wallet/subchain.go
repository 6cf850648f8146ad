// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletscan/chain"
	"github.com/btcsuite/walletscan/keys"
	"github.com/btcsuite/walletscan/scriptclass"
	"github.com/btcsuite/walletscan/txcodec"
	"github.com/btcsuite/walletscan/utxoindex"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/looplab/fsm"
)

const (
	// DefaultBatchSize is the most blocks one Scan call tests.
	DefaultBatchSize = 9999

	// DefaultRescanWindow is how far below a block with new outputs the
	// scan restarts, so earlier activity of the new keys is found.
	DefaultRescanWindow = 1000
)

var (
	// ErrScanStopped is returned when waiting on a stopped subchain.
	ErrScanStopped = errors.New("subchain scan stopped")

	errNoResult     = errors.New("block request closed without result")
	errHashMismatch = errors.New("block hash mismatch")
)

// SubchainConfig holds everything a subchain scan needs.
type SubchainConfig struct {
	Account  keys.AccountID
	Subchain keys.Subchain
	Deriver  keys.Deriver

	Headers chain.HeaderOracle
	Filters chain.FilterOracle
	Blocks  chain.BlockOracle

	Index *utxoindex.Store

	// Store persists the cursor and watched elements.  Optional.
	Store *StateStore

	// Metrics is optional.
	Metrics *Metrics

	FilterType   wire.FilterType
	BatchSize    int32
	RescanWindow int32
}

// Status is a snapshot of a subchain scan.
type Status struct {
	Account  keys.AccountID
	Subchain keys.Subchain
	Phase    Phase
	Cursor   Cursor
	Watched  int
	Queued   int
	InFlight int

	// AwaitingFilter is the height whose filter stopped the last scan.
	AwaitingFilter fn.Option[int32]
}

// Stalled returns whether the scan is waiting on the chain backend.
func (s Status) Stalled() bool {
	return s.AwaitingFilter.IsSome() || s.Queued > 0 || s.InFlight > 0
}

// String describes the scan, noting what it is waiting on.
func (s Status) String() string {
	switch {
	case s.AwaitingFilter.IsSome():
		return fmt.Sprintf("scan stalled, awaiting filter at height %d",
			s.AwaitingFilter.UnsafeFromSome())
	case s.Queued > 0 || s.InFlight > 0:
		return fmt.Sprintf("scan stalled, awaiting %d blocks",
			s.Queued+s.InFlight)
	}
	return fmt.Sprintf("%s, %v", s.Phase, s.Cursor)
}

// arrival is a block request outcome tagged with the request generation.
type arrival struct {
	gen    uint64
	hash   chainhash.Hash
	result chain.BlockResult
}

// testedBlock records the elements already matched against a fetched
// block.
type testedBlock struct {
	height int32
	elems  map[ElementRef]struct{}
}

func (t *testedBlock) has(ref ElementRef) bool {
	if t == nil {
		return false
	}
	_, ok := t.elems[ref]
	return ok
}

// SubchainState scans the chain for the keys of one account subchain.  Its
// steps (Index, Scan, RequestBlocks, Process, Reorg) are meant to be driven
// by a single goroutine; Status may be called from anywhere.
type SubchainState struct {
	cfg     SubchainConfig
	name    string
	watched *WatchedElements
	phase   *fsm.FSM

	arrivals *chain.ConcurrentQueue[arrival]
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu             sync.Mutex
	cursor         Cursor
	queue          []chainhash.Hash
	pending        map[chainhash.Hash]int32
	tested         map[chainhash.Hash]*testedBlock
	inFlight       int
	gen            uint64
	awaitingFilter fn.Option[int32]

	// rescan is a rewind requested with RequestRescan, applied by the
	// next Index call.
	rescan     bool
	rescanFrom fn.Option[keys.BlockStamp]
}

// NewSubchainState returns the scan state of a subchain, restoring saved
// progress from cfg.Store.
func NewSubchainState(cfg SubchainConfig) (*SubchainState, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RescanWindow <= 0 {
		cfg.RescanWindow = DefaultRescanWindow
	}

	name := fmt.Sprintf("%s/%v", cfg.Account.String()[:8], cfg.Subchain)
	s := &SubchainState{
		cfg:      cfg,
		name:     name,
		watched:  NewWatchedElements(),
		phase:    newPhaseMachine(name),
		arrivals: chain.NewConcurrentQueue[arrival](16),
		quit:     make(chan struct{}),
		pending:  make(map[chainhash.Hash]int32),
		tested:   make(map[chainhash.Hash]*testedBlock),
	}

	if cfg.Store != nil {
		cursor, watched, err := cfg.Store.Load(cfg.Account, cfg.Subchain)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		s.cursor = cursor
		for index, elems := range watched {
			s.watched.Add(index, elems)
		}
		if len(watched) > 0 {
			log.Infof("Restored subchain %s: %v, %d watched keys",
				name, cursor, len(watched))
		}
	}

	s.arrivals.Start()
	return s, nil
}

// Stop abandons in-flight block requests.
func (s *SubchainState) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
	})
	s.wg.Wait()
	s.arrivals.Stop()
}

// Account returns the account being scanned.
func (s *SubchainState) Account() keys.AccountID {
	return s.cfg.Account
}

// Subchain returns the subchain being scanned.
func (s *SubchainState) Subchain() keys.Subchain {
	return s.cfg.Subchain
}

// Watched returns the watched element map.
func (s *SubchainState) Watched() *WatchedElements {
	return s.watched
}

// Cursor returns the scan progress.
func (s *SubchainState) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cursor
}

// Queue returns the hashes waiting to be requested, in request order.
func (s *SubchainState) Queue() []chainhash.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]chainhash.Hash(nil), s.queue...)
}

// Status returns a snapshot of the scan.
func (s *SubchainState) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		Account:        s.cfg.Account,
		Subchain:       s.cfg.Subchain,
		Phase:          Phase(s.phase.Current()),
		Cursor:         s.cursor,
		Watched:        s.watched.Len(),
		Queued:         len(s.queue),
		InFlight:       s.inFlight,
		AwaitingFilter: s.awaitingFilter,
	}
}

func (s *SubchainState) enter(phase Phase) {
	if err := enterPhase(s.phase, phase); err != nil {
		log.Errorf("Subchain %s: unable to enter %s: %v", s.name,
			phase, err)
	}
}

// idle marks the end of a scan cycle.
func (s *SubchainState) idle() {
	s.enter(PhaseIdle)
}

func (s *SubchainState) save(added map[uint32][]scriptclass.Watched) error {
	if s.cfg.Store == nil {
		return nil
	}

	cursor, err := s.durableCursor()
	if err != nil {
		return fmt.Errorf("save %s: %w", s.name, err)
	}

	err = s.cfg.Store.Save(s.cfg.Account, s.cfg.Subchain, cursor, added)
	if err != nil {
		return fmt.Errorf("save %s: %w", s.name, err)
	}
	return nil
}

// durableCursor returns the cursor to persist.  The queue and in-flight
// requests are not saved, so the last scanned block is capped below the
// lowest block still waiting to be processed.
func (s *SubchainState) durableCursor() (Cursor, error) {
	s.mu.Lock()
	cursor := s.cursor
	lowest := int32(-1)
	for _, height := range s.pending {
		if lowest < 0 || height < lowest {
			lowest = height
		}
	}
	s.mu.Unlock()

	if lowest < 0 || rescanHeight(cursor.LastScanned) < lowest {
		return cursor, nil
	}

	cursor.LastScanned = fn.None[keys.BlockStamp]()
	if lowest <= 1 {
		return cursor, nil
	}
	hash, err := s.cfg.Headers.HashAtHeight(lowest - 1)
	if err != nil {
		return cursor, fmt.Errorf("hash at height %d: %w", lowest-1,
			err)
	}
	cursor.LastScanned = fn.Some(keys.BlockStamp{
		Height: lowest - 1,
		Hash:   hash,
	})
	return cursor, nil
}

// Index registers the watched scripts of every key the deriver generated
// since the last call.  Keys without a valid child are skipped.  A pending
// rescan request is applied once the keys are indexed.  It returns the
// number of keys added.
func (s *SubchainState) Index() (int, error) {
	s.enter(PhaseIndexing)

	rescanFrom, rescan := s.takeRescan()

	added, err := s.indexKeys()
	if err != nil {
		if rescan {
			s.RequestRescan(rescanFrom)
		}
		return len(added), err
	}
	if rescan {
		s.applyRescan(rescanFrom)
	}
	if len(added) == 0 && !rescan {
		return 0, nil
	}
	return len(added), s.save(added)
}

func (s *SubchainState) indexKeys() (map[uint32][]scriptclass.Watched, error) {
	last := s.cfg.Deriver.LastGeneratedIndex(s.cfg.Subchain)
	if last.IsNone() {
		return nil, nil
	}
	hi := last.UnsafeFromSome()

	s.mu.Lock()
	next := s.cursor.NextIndex
	s.mu.Unlock()
	if next > hi {
		return nil, nil
	}

	added := make(map[uint32][]scriptclass.Watched)
	for i := uint64(next); i <= uint64(hi); i++ {
		index := uint32(i)

		key, err := s.cfg.Deriver.BalanceElement(s.cfg.Subchain, index)
		switch {
		case errors.Is(err, keys.ErrInvalidChild):
			log.Debugf("Subchain %s: skipping invalid child %d",
				s.name, index)
			continue

		case err != nil:
			return added, fmt.Errorf("derive %s/%d: %w", s.name,
				index, err)
		}

		elems, err := s.watchedScripts(index, key)
		if err != nil {
			return added, err
		}
		if s.watched.Add(index, elems) {
			added[index] = elems
		}
	}

	s.mu.Lock()
	s.cursor.NextIndex = hi + 1
	s.mu.Unlock()

	log.Debugf("Subchain %s: indexed %d keys through %d", s.name,
		len(added), hi)
	return added, nil
}

// watchedScripts returns the scripts to watch for the key at index.
func (s *SubchainState) watchedScripts(index uint32,
	key *btcec.PublicKey) ([]scriptclass.Watched, error) {

	r, ok := s.cfg.Deriver.(keys.UncompressedReporter)
	if ok && r.IsUncompressed(s.cfg.Subchain, index) {
		return scriptclass.WatchedScriptsUncompressed(key)
	}
	return scriptclass.WatchedScripts(key)
}

// Scan tests block filters from the block after the last scanned one up to
// the best block, at most BatchSize blocks per call.  It stops at the first
// block without a filter and between blocks once ctx is done.  Blocks that
// may hold untested elements are queued for download.  It returns the
// number of blocks queued.
func (s *SubchainState) Scan(ctx context.Context) (int, error) {
	s.enter(PhaseScanning)

	best, err := s.cfg.Headers.BestBlock()
	if err != nil {
		return 0, fmt.Errorf("best block: %w", err)
	}

	s.mu.Lock()
	var last int32
	s.cursor.LastScanned.WhenSome(func(bs keys.BlockStamp) {
		last = bs.Height
	})
	gen := s.gen
	s.mu.Unlock()

	start := last + 1
	end := last + s.cfg.BatchSize
	if end > best.Height {
		end = best.Height
	}
	if start > end {
		return 0, nil
	}

	targets, refs := s.watched.Targets()

	var (
		queued  int
		scanned = fn.None[keys.BlockStamp]()
		missing = fn.None[int32]()
		scanErr error
	)
	for height := start; height <= end; height++ {
		if ctx.Err() != nil {
			break
		}

		hash, err := s.cfg.Headers.HashAtHeight(height)
		if err != nil {
			scanErr = fmt.Errorf("hash at height %d: %w", height,
				err)
			break
		}

		filter := s.cfg.Filters.LoadFilter(s.cfg.FilterType, hash)
		if filter.IsNone() {
			log.Debugf("Subchain %s: filter for block %v (height "+
				"%d) not available yet", s.name, hash, height)
			missing = fn.Some(height)
			break
		}

		n, err := s.scanBlock(height, hash, filter.UnsafeFromSome(),
			targets, refs)
		if err != nil {
			log.Warnf("Subchain %s: unable to match filter for "+
				"block %v: %v", s.name, hash, err)
			missing = fn.Some(height)
			break
		}
		queued += n
		scanned = fn.Some(keys.BlockStamp{Height: height, Hash: hash})
	}

	s.mu.Lock()
	if gen != s.gen {
		// A reorg rewound the cursor while filters were tested.
		s.mu.Unlock()
		return queued, scanErr
	}
	scanned.WhenSome(func(bs keys.BlockStamp) {
		s.cursor.LastScanned = fn.Some(bs)
	})
	s.awaitingFilter = missing
	s.mu.Unlock()

	scanned.WhenSome(func(bs keys.BlockStamp) {
		s.cfg.Metrics.scanned(s.cfg.Account, s.cfg.Subchain, bs.Height)
		log.Debugf("Subchain %s: scanned through height %d, %d "+
			"blocks queued", s.name, bs.Height, queued)
	})

	if err := s.save(nil); err != nil {
		return queued, err
	}
	return queued, scanErr
}

// scanBlock runs the two filter stages for one block and queues it when
// an untested element may match.
func (s *SubchainState) scanBlock(height int32, hash chainhash.Hash,
	filter chain.Filter, targets [][]byte, refs []ElementRef) (int, error) {

	if len(targets) == 0 {
		return 0, nil
	}

	hit, err := filter.MatchAny(targets)
	if err != nil || !hit {
		return 0, err
	}

	s.mu.Lock()
	if _, ok := s.pending[hash]; ok {
		s.mu.Unlock()
		return 0, nil
	}
	tested := s.tested[hash]
	var untested [][]byte
	for i, ref := range refs {
		if !tested.has(ref) {
			untested = append(untested, targets[i])
		}
	}
	s.mu.Unlock()

	if len(untested) == 0 {
		return 0, nil
	}
	matched, err := filter.Match(untested)
	if err != nil || len(matched) == 0 {
		return 0, err
	}

	s.cfg.Metrics.filterHit(s.cfg.Subchain)
	log.Debugf("Subchain %s: filter for block %v (height %d) matched %d "+
		"untested elements", s.name, hash, height, len(matched))

	s.mu.Lock()
	s.queue = append(s.queue, hash)
	s.pending[hash] = height
	s.mu.Unlock()

	return 1, nil
}

// RequestBlocks requests every queued block from the block oracle without
// waiting for them.  Arrivals are handed to Process.  It returns the
// number of requests made.
func (s *SubchainState) RequestBlocks(ctx context.Context) int {
	s.enter(PhaseAwaitingBlocks)

	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	gen := s.gen
	s.inFlight += len(queue)
	s.mu.Unlock()

	for _, hash := range queue {
		result := s.cfg.Blocks.RequestBlock(ctx, hash)

		s.wg.Add(1)
		go s.forward(gen, hash, result)
	}
	return len(queue)
}

// forward hands one request outcome to the arrival queue.
func (s *SubchainState) forward(gen uint64, hash chainhash.Hash,
	result <-chan chain.BlockResult) {

	defer s.wg.Done()

	a := arrival{gen: gen, hash: hash}
	select {
	case res, ok := <-result:
		if !ok {
			res = chain.BlockResult{Hash: hash, Err: errNoResult}
		}
		a.result = res

	case <-s.quit:
		return
	}

	select {
	case s.arrivals.ChanIn() <- a:
	case <-s.quit:
	}
}

// Process handles at most one arrived block.  It returns false when no
// block has arrived.
func (s *SubchainState) Process(ctx context.Context) (bool, error) {
	select {
	case a := <-s.arrivals.ChanOut():
		return true, s.handleArrival(ctx, a)
	default:
		return false, nil
	}
}

// ProcessWait is like Process but waits for a block when requests are in
// flight.
func (s *SubchainState) ProcessWait(ctx context.Context) (bool, error) {
	s.mu.Lock()
	inFlight := s.inFlight
	s.mu.Unlock()
	if inFlight == 0 {
		return s.Process(ctx)
	}

	select {
	case a := <-s.arrivals.ChanOut():
		return true, s.handleArrival(ctx, a)
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.quit:
		return false, ErrScanStopped
	}
}

// arrivalChan is read by the driver to wake on block arrivals.
func (s *SubchainState) arrivalChan() <-chan arrival {
	return s.arrivals.ChanOut()
}

func decodeArrival(a arrival) (*txcodec.Block, error) {
	if a.result.Err != nil {
		return nil, a.result.Err
	}
	block, err := txcodec.DecodeBlock(a.result.Raw)
	if err != nil {
		return nil, err
	}
	if block.Hash() != a.hash {
		return nil, fmt.Errorf("%w: got %v", errHashMismatch,
			block.Hash())
	}
	return block, nil
}

func (s *SubchainState) handleArrival(ctx context.Context, a arrival) error {
	s.mu.Lock()
	if a.gen != s.gen {
		s.mu.Unlock()
		log.Debugf("Subchain %s: dropping block %v requested before "+
			"a reorg", s.name, a.hash)
		return nil
	}
	s.inFlight--
	height, ok := s.pending[a.hash]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.enter(PhaseProcessing)

	block, err := decodeArrival(a)
	if err != nil {
		log.Warnf("Subchain %s: block %v (height %d) unusable, "+
			"retrying: %v", s.name, a.hash, height, err)

		s.mu.Lock()
		s.queue = append([]chainhash.Hash{a.hash}, s.queue...)
		s.mu.Unlock()

		s.cfg.Metrics.blockRetry(s.cfg.Subchain)
		return nil
	}

	s.mu.Lock()
	delete(s.pending, a.hash)
	s.mu.Unlock()

	stamp := keys.BlockStamp{Height: height, Hash: a.hash}
	return s.processBlock(stamp, block)
}

// owns selects the index records of this subchain.
func (s *SubchainState) owns(r utxoindex.Record) bool {
	return r.Key.Account == s.cfg.Account &&
		r.Key.Subchain == s.cfg.Subchain
}

// processBlock matches a fetched block exactly against the untested
// elements and the subchain's unspent outputs, then records what it
// finds.
func (s *SubchainState) processBlock(stamp keys.BlockStamp,
	block *txcodec.Block) error {

	targets, refs := s.watched.Targets()

	s.mu.Lock()
	tested := s.tested[stamp.Hash]
	var (
		scripts    [][]byte
		scriptRefs []ElementRef
	)
	for i, ref := range refs {
		if !tested.has(ref) {
			scripts = append(scripts, targets[i])
			scriptRefs = append(scriptRefs, ref)
		}
	}
	s.mu.Unlock()

	known := s.cfg.Index.Unspent(s.owns)
	outPoints := make([]wire.OutPoint, len(known))
	for i, r := range known {
		outPoints[i] = r.OutPoint
	}

	var (
		unspent []utxoindex.Record
		spent   []utxoindex.Record
		created = make(map[wire.OutPoint]struct{})
		spends  = make(map[wire.OutPoint]struct{})
		hits    = make(map[uint32]struct{})
	)
	spend := func(r utxoindex.Record) {
		if _, ok := spends[r.OutPoint]; ok {
			return
		}
		spends[r.OutPoint] = struct{}{}
		r.Block = stamp
		r.Received = time.Time{}
		spent = append(spent, r)
		hits[r.Key.Index] = struct{}{}
	}

	matches := chain.FindMatches(s.cfg.FilterType, outPoints, scripts,
		block)
	for _, m := range matches {
		switch m.Kind {
		case chain.ScriptMatch:
			ref := scriptRefs[m.Pattern]
			tx := block.Transactions[m.TxIndex]
			for i, out := range tx.TxOut {
				if !bytes.Equal(out.PkScript, scripts[m.Pattern]) {
					continue
				}
				op := wire.OutPoint{Hash: m.TxHash, Index: uint32(i)}
				if _, ok := created[op]; ok {
					continue
				}
				if out.Value <= 0 {
					log.Warnf("Subchain %s: ignoring output %v "+
						"with value %d", s.name, op,
						out.Value)
					continue
				}
				created[op] = struct{}{}
				unspent = append(unspent, utxoindex.Record{
					OutPoint: op,
					Key: keys.KeyRef{
						Account:  s.cfg.Account,
						Subchain: s.cfg.Subchain,
						Index:    ref.Index,
					},
					Amount: btcutil.Amount(out.Value),
					Block:  stamp,
				})
				hits[ref.Index] = struct{}{}
			}

		case chain.OutPointSpent:
			spend(known[m.Pattern])
		}
	}

	// Outputs received and spent within this block.
	if len(unspent) > 0 {
		newOutPoints := make([]wire.OutPoint, len(unspent))
		for i, r := range unspent {
			newOutPoints[i] = r.OutPoint
		}
		for _, m := range chain.FindMatches(s.cfg.FilterType,
			newOutPoints, nil, block) {

			if m.Kind == chain.OutPointSpent {
				spend(unspent[m.Pattern])
			}
		}
	}

	if err := s.cfg.Index.Associate(unspent, spent); err != nil {
		if utxoindex.IsRejected(err) {
			log.Criticalf("Subchain %s: block %v produced an invalid "+
				"index batch: %v", s.name, stamp.Hash, err)
		}
		return fmt.Errorf("associate block %v: %w", stamp.Hash, err)
	}

	s.markTested(stamp, scriptRefs)

	s.cfg.Metrics.blockProcessed(s.cfg.Subchain)
	if len(unspent) == 0 && len(spent) == 0 {
		s.cfg.Metrics.falsePositive(s.cfg.Subchain)
		log.Debugf("Subchain %s: block %v (height %d) was a filter "+
			"false positive", s.name, stamp.Hash, stamp.Height)
		return s.save(nil)
	}
	s.cfg.Metrics.outputs(s.cfg.Subchain, len(unspent), len(spent))

	if reporter, ok := s.cfg.Deriver.(keys.FoundReporter); ok {
		for index := range hits {
			reporter.ReportFound(s.cfg.Subchain, index)
		}
	}

	rescanFrom := s.scheduleRescan(stamp, hits)

	log.Infof("Subchain %s: block %v (height %d) received %d and spent "+
		"%d outputs, rescanning from height %d", s.name, stamp.Hash,
		stamp.Height, len(unspent), len(spent), rescanFrom)

	return s.save(nil)
}

// markTested records that refs were matched against a block.
func (s *SubchainState) markTested(stamp keys.BlockStamp, refs []ElementRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, ok := s.tested[stamp.Hash]
	if !ok {
		tb = &testedBlock{
			height: stamp.Height,
			elems:  make(map[ElementRef]struct{}, len(refs)),
		}
		s.tested[stamp.Hash] = tb
	}
	for _, ref := range refs {
		tb.elems[ref] = struct{}{}
	}
}

// scheduleRescan moves the cursor back RescanWindow blocks below a block
// with wallet activity and forgets which elements of the hit keys were
// tested above it, so later spends of the new outputs are found.  It
// returns the new last scanned height.
func (s *SubchainState) scheduleRescan(stamp keys.BlockStamp,
	hits map[uint32]struct{}) int32 {

	target := stamp.Height - s.cfg.RescanWindow
	if target < 0 {
		target = 0
	}

	rewind := fn.None[keys.BlockStamp]()
	if target > 0 {
		hash, err := s.cfg.Headers.HashAtHeight(target)
		if err != nil {
			log.Warnf("Subchain %s: no block at rescan height %d, "+
				"rescanning from genesis: %v", s.name, target,
				err)
			target = 0
		} else {
			rewind = fn.Some(keys.BlockStamp{
				Height: target,
				Hash:   hash,
			})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tb := range s.tested {
		if tb.height <= stamp.Height {
			continue
		}
		for ref := range tb.elems {
			if _, ok := hits[ref.Index]; ok {
				delete(tb.elems, ref)
			}
		}
	}

	current := s.cursor.LastScanned
	if current.IsNone() || current.UnsafeFromSome().Height <= target {
		return fn.MapOptionZ(current, func(bs keys.BlockStamp) int32 {
			return bs.Height
		})
	}
	s.cursor.LastScanned = rewind
	return target
}

// RequestRescan asks the next Index call to move the scan back to from, or
// to the start when from is None.  Keys derived before the request are
// indexed before the rewind takes effect.
func (s *SubchainState) RequestRescan(from fn.Option[keys.BlockStamp]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rescan && rescanHeight(s.rescanFrom) <= rescanHeight(from) {
		return
	}
	s.rescan = true
	s.rescanFrom = from
}

func rescanHeight(from fn.Option[keys.BlockStamp]) int32 {
	return fn.MapOption(func(bs keys.BlockStamp) int32 {
		return bs.Height
	})(from).UnwrapOr(-1)
}

// takeRescan returns and clears the pending rescan request.
func (s *SubchainState) takeRescan() (fn.Option[keys.BlockStamp], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.rescanFrom, s.rescan
	s.rescan = false
	s.rescanFrom = fn.None[keys.BlockStamp]()
	return from, ok
}

// applyRescan lowers the cursor to from if the scan is past it.
func (s *SubchainState) applyRescan(from fn.Option[keys.BlockStamp]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rescanHeight(s.cursor.LastScanned) <= rescanHeight(from) {
		return
	}
	s.cursor.LastScanned = from
	log.Infof("Subchain %s: rescanning, %v", s.name, s.cursor)
}

// Reorg rewinds the scan to branch, the last block shared with the new
// chain, or to the start when the branch point is unknown.  Queued and
// in-flight block requests are dropped.  Index records are left to the
// caller.
func (s *SubchainState) Reorg(branch fn.Option[keys.BlockStamp]) error {
	s.enter(PhaseReorg)

	s.mu.Lock()
	s.gen++
	s.inFlight = 0
	s.queue = nil
	s.pending = make(map[chainhash.Hash]int32)
	s.awaitingFilter = fn.None[int32]()

	cut := int32(-1)
	branch.WhenSome(func(bs keys.BlockStamp) {
		cut = bs.Height
	})
	for hash, tb := range s.tested {
		if tb.height > cut {
			delete(s.tested, hash)
		}
	}

	switch {
	case branch.IsNone():
		s.cursor.LastScanned = fn.None[keys.BlockStamp]()

	case s.cursor.LastScanned.IsSome() &&
		s.cursor.LastScanned.UnsafeFromSome().Height > cut:

		s.cursor.LastScanned = branch
	}
	cursor := s.cursor
	s.mu.Unlock()

	log.Infof("Subchain %s: reorg handled, %v", s.name, cursor)

	return s.save(nil)
}
