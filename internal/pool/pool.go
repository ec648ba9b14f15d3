package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/burst-apps-team/burstpool/internal/config"
	"github.com/burst-apps-team/burstpool/internal/miner"
	"github.com/burst-apps-team/burstpool/internal/poc"
	"github.com/burst-apps-team/burstpool/internal/rpc"
	"github.com/burst-apps-team/burstpool/internal/storage"
	"github.com/burst-apps-team/burstpool/internal/util"
)

var (
	// ErrRoundStarting is returned while a round reset is swapping in the
	// next round. Callers should retry rather than queue.
	ErrRoundStarting = errors.New("round starting, please submit again")

	// ErrNoRound is returned before the first mining info has arrived.
	ErrNoRound = errors.New("no active round")

	// ErrUnauthorized is returned for accounts whose reward recipient is
	// not this pool.
	ErrUnauthorized = errors.New("account's reward recipient is not set to the pool")
)

// Node is the subset of the wallet client the pool needs.
type Node interface {
	GetAccountsWithRewardRecipient(ctx context.Context, poolAccount uint64) ([]uint64, error)
	GetAccountName(ctx context.Context, account uint64) (string, error)
	SubmitNonce(ctx context.Context, passphrase string, nonce, account uint64) (uint64, error)
	GetBlock(ctx context.Context, height uint64) (*rpc.Block, error)
}

// PayoutTrigger is poked after a block has been settled and committed.
type PayoutTrigger interface {
	Trigger()
}

// Pool owns the active round and runs the block-processing cycle.
type Pool struct {
	cfg         *config.Config
	store       *storage.Client
	node        Node
	tracker     *miner.Tracker
	payout      PayoutTrigger
	poolAccount uint64

	round atomic.Pointer[Round]

	// barrier is the round barrier: submissions hold a read lock while
	// arbitrating, a reset takes the write lock so it drains them first.
	barrier sync.RWMutex

	// roundMu serializes best-submission updates and round swaps.
	roundMu sync.Mutex

	// processing is the single-flight permit for block processing. An
	// overlapping tick is skipped, never queued.
	processing sync.Mutex

	recipientsMu sync.RWMutex
	recipients   map[uint64]bool

	listenersMu sync.Mutex
	listeners   []chan *Round

	// onBlockWon fires after a won block has been committed.
	onBlockWon func(*storage.WonBlock)

	// taskMu guards the stopped flag so submission-path goroutines cannot
	// be added while Stop is already draining taskWg.
	taskMu  sync.Mutex
	taskWg  sync.WaitGroup
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool coordinator. poolAccount is the pool's own numeric
// account, used to resolve which miners assigned it as reward recipient.
func New(ctx context.Context, cfg *config.Config, store *storage.Client, node Node, tracker *miner.Tracker, poolAccount uint64) *Pool {
	poolCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		cfg:         cfg,
		store:       store,
		node:        node,
		tracker:     tracker,
		poolAccount: poolAccount,
		recipients:  make(map[uint64]bool),
		ctx:         poolCtx,
		cancel:      cancel,
	}
}

// SetPayoutTrigger wires the payout engine poked after settled commits.
func (p *Pool) SetPayoutTrigger(t PayoutTrigger) {
	p.payout = t
}

// SetBlockWonHandler wires a callback invoked after a won block commits.
func (p *Pool) SetBlockWonHandler(fn func(*storage.WonBlock)) {
	p.onBlockWon = fn
}

// Start launches the mining-info consumer and the block-processing tick.
func (p *Pool) Start(stream *rpc.MiningInfoStream) {
	p.wg.Add(2)
	go p.miningInfoLoop(stream)
	go p.processLoop()
}

// Stop shuts down the background loops and waits for in-flight
// submission-path tasks to drain.
func (p *Pool) Stop() {
	p.taskMu.Lock()
	p.stopped = true
	p.taskMu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.taskWg.Wait()
}

// spawnTask runs fn on a tracked goroutine, or not at all once shutdown
// has begun.
func (p *Pool) spawnTask(fn func()) {
	p.taskMu.Lock()
	defer p.taskMu.Unlock()
	if p.stopped {
		return
	}
	p.taskWg.Add(1)
	go func() {
		defer p.taskWg.Done()
		fn()
	}()
}

// CurrentRound returns the active round, nil before the first one.
func (p *Pool) CurrentRound() *Round {
	return p.round.Load()
}

// RoundStatus reports the active round for the status endpoint.
func (p *Pool) RoundStatus() *RoundStatus {
	round := p.round.Load()
	if round == nil {
		return &RoundStatus{}
	}

	status := &RoundStatus{
		RoundStart: round.StartTime.Unix(),
		MiningInfo: &MiningInfoStatus{
			GenerationSignature: round.GenerationSignature,
			BaseTarget:          round.BaseTarget,
			Height:              round.Height,
			TargetDeadline:      p.cfg.Rounds.TargetDeadline,
		},
	}
	if round.Best != nil {
		status.BestDeadline = &BestDeadlineStatus{
			MinerID:      round.Best.MinerID,
			MinerAddress: util.FormatAccountID(round.Best.MinerID),
			Nonce:        round.Best.Nonce,
			Deadline:     round.Best.Deadline,
		}
	}
	return status
}

// Subscribe registers a listener notified on every round change. The
// channel is buffered; slow listeners lose intermediate rounds.
func (p *Pool) Subscribe() <-chan *Round {
	ch := make(chan *Round, 4)
	p.listenersMu.Lock()
	p.listeners = append(p.listeners, ch)
	p.listenersMu.Unlock()
	return ch
}

func (p *Pool) notifyListeners(r *Round) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	for _, ch := range p.listeners {
		select {
		case ch <- r:
		default:
		}
	}
}

func (p *Pool) miningInfoLoop(stream *rpc.MiningInfoStream) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case info, ok := <-stream.Updates():
			if !ok {
				return
			}
			p.resetRound(info)
		}
	}
}

func (p *Pool) processLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Rounds.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.ProcessBlocks()
		}
	}
}

// resetRound drains in-flight submissions, then swaps in the round for
// the new mining info and refreshes the authorized-recipient set.
func (p *Pool) resetRound(info *rpc.MiningInfo) {
	genSig, err := util.HexToBytes(info.GenerationSignature)
	if err != nil {
		util.Errorf("Ignoring mining info with bad generation signature: %v", err)
		return
	}

	p.barrier.Lock()
	defer p.barrier.Unlock()

	p.roundMu.Lock()
	round := &Round{
		Height:              info.Height,
		GenerationSignature: info.GenerationSignature,
		BaseTarget:          info.BaseTarget,
		StartTime:           time.Now(),
		genSig:              genSig,
	}
	p.round.Store(round)
	p.roundMu.Unlock()

	p.refreshRecipients()

	util.Infof("New round: height=%d baseTarget=%d", info.Height, info.BaseTarget)
	p.notifyListeners(round)
}

func (p *Pool) refreshRecipients() {
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()

	accounts, err := p.node.GetAccountsWithRewardRecipient(ctx, p.poolAccount)
	if err != nil {
		// Keep the previous set so submissions stay up while the node
		// flaps.
		util.Errorf("Failed to refresh reward recipients: %v", err)
		return
	}

	recipients := make(map[uint64]bool, len(accounts))
	for _, id := range accounts {
		recipients[id] = true
	}

	p.recipientsMu.Lock()
	p.recipients = recipients
	p.recipientsMu.Unlock()

	util.Debugf("Refreshed reward recipients: %d accounts", len(recipients))
}

func (p *Pool) isAuthorized(account uint64) bool {
	p.recipientsMu.RLock()
	defer p.recipientsMu.RUnlock()
	return p.recipients[account]
}

// CheckSubmission arbitrates one nonce submission. blockHeight is the
// height the miner claims to be submitting for, 0 to skip the check.
// The computed deadline is returned on acceptance.
func (p *Pool) CheckSubmission(accountID, nonce, blockHeight uint64, userAgent string) (uint64, error) {
	if !p.barrier.TryRLock() {
		return 0, ErrRoundStarting
	}
	defer p.barrier.RUnlock()

	round := p.round.Load()
	if round == nil {
		return 0, ErrNoRound
	}
	if blockHeight != 0 && blockHeight != round.Height {
		return 0, fmt.Errorf("submission is for height %d, current round is %d", blockHeight, round.Height)
	}
	if !p.isAuthorized(accountID) {
		return 0, ErrUnauthorized
	}

	deadline, err := poc.CalculateDeadline(accountID, nonce, round.GenSigBytes(), round.BaseTarget, round.Height)
	if err != nil {
		return 0, err
	}
	if deadline >= p.cfg.Rounds.MaxDeadline {
		return 0, fmt.Errorf("deadline %d exceeds maximum %d", deadline, p.cfg.Rounds.MaxDeadline)
	}

	p.roundMu.Lock()
	current := p.round.Load()
	if current.Best == nil || deadline < current.Best.Deadline {
		best := &Submission{
			MinerID:   accountID,
			Nonce:     nonce,
			Deadline:  deadline,
			Height:    current.Height,
			UserAgent: userAgent,
		}
		p.round.Store(current.withBest(best))
		p.roundMu.Unlock()

		if err := p.store.SetBestSubmission(&storage.BestSubmission{
			Height:   best.Height,
			MinerID:  best.MinerID,
			Nonce:    best.Nonce,
			Deadline: best.Deadline,
		}); err != nil {
			util.Errorf("Failed to persist best submission for height %d: %v", best.Height, err)
		}

		p.forwardNonce(best)
	} else {
		p.roundMu.Unlock()
	}

	d := miner.Deadline{Height: round.Height, Value: deadline, BaseTarget: round.BaseTarget}
	if err := p.tracker.OnMinerSubmittedDeadline(p.store, accountID, d, userAgent); err != nil {
		util.Errorf("Failed to record deadline for %s: %v", util.FormatAccountID(accountID), err)
	}

	p.maybeRefreshName(accountID)

	return deadline, nil
}

// forwardNonce relays the new best nonce to the upstream node. The result
// does not affect the miner-facing response.
func (p *Pool) forwardNonce(best *Submission) {
	retries := p.cfg.Node.SubmitNonceRetryCount
	p.spawnTask(func() {
		err := rpc.Retry(retries, time.Second, func() error {
			ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
			defer cancel()
			nodeDeadline, err := p.node.SubmitNonce(ctx, p.cfg.Pool.Passphrase, best.Nonce, best.MinerID)
			if err != nil {
				return err
			}
			if nodeDeadline != best.Deadline {
				util.Warnf("Node reported deadline %d for height %d, pool computed %d", nodeDeadline, best.Height, best.Deadline)
			}
			return nil
		})
		if err != nil {
			util.Errorf("Failed to forward nonce for height %d upstream: %v", best.Height, err)
		}
	})
}

// maybeRefreshName fetches the miner's on-chain name once, asynchronously.
func (p *Pool) maybeRefreshName(accountID uint64) {
	m, err := p.store.GetMiner(accountID)
	if err != nil || m == nil || m.Name() != "" {
		return
	}

	p.spawnTask(func() {
		ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
		defer cancel()

		name, err := p.node.GetAccountName(ctx, accountID)
		if err != nil {
			util.Debugf("Failed to fetch account name for %s: %v", util.FormatAccountID(accountID), err)
			return
		}
		if name == "" {
			return
		}

		m, err := p.store.GetMiner(accountID)
		if err != nil || m == nil {
			return
		}
		m.SetName(name)
		if err := p.store.SaveMiner(m); err != nil {
			util.Errorf("Failed to save name for %s: %v", util.FormatAccountID(accountID), err)
		}
	})
}

// ProcessBlocks runs one block-processing attempt. Overlapping calls are
// dropped; each call re-derives its work from persisted state.
func (p *Pool) ProcessBlocks() {
	if !p.processing.TryLock() {
		return
	}
	defer p.processing.Unlock()

	round := p.round.Load()
	if round == nil {
		return
	}

	last, err := p.store.GetLastProcessedBlock()
	if err != nil {
		util.Errorf("Failed to read last processed block: %v", err)
		return
	}

	// Wait for the chain view to stabilize before settling a height.
	if round.Height < last+1+p.cfg.Rounds.ProcessLag {
		return
	}

	p.tracker.SetCurrentlyProcessingBlock(true)
	defer p.tracker.SetCurrentlyProcessingBlock(false)

	tx := p.store.Begin()
	settled, won, err := p.processNext(tx, last+1)
	if err != nil {
		tx.Rollback()
		util.Errorf("Block processing at height %d failed, will retry: %v", last+1, err)
		return
	}
	if err := tx.Commit(); err != nil {
		util.Errorf("Failed to commit block processing at height %d: %v", last+1, err)
		return
	}

	if won != nil && p.onBlockWon != nil {
		p.onBlockWon(won)
	}
	if settled && p.payout != nil {
		p.payout.Trigger()
	}
}

// processNext settles the block at height inside the given transaction.
// It reports whether anything was actually settled, as opposed to the
// pointer merely advancing past a height without submissions, and the
// won block when the pool forged it.
func (p *Pool) processNext(tx *storage.Tx, height uint64) (bool, *storage.WonBlock, error) {
	nAvg := uint64(p.cfg.Rounds.NAvg)

	var windowStart uint64
	if height > nAvg {
		windowStart = height - nAvg
	}

	window, err := tx.BestSubmissions(windowStart, height)
	if err != nil {
		return false, nil, err
	}

	fastBlocks := make(map[uint64]bool)
	for _, bs := range window {
		if bs.Deadline < p.cfg.Rounds.TMin {
			fastBlocks[bs.Height] = true
		}
	}

	// Drop best submissions that have aged out of the sample window.
	if windowStart > 0 {
		if err := p.pruneBestSubmissions(tx, windowStart); err != nil {
			return false, nil, err
		}
	}

	best, err := tx.GetBestSubmission(height)
	if err != nil {
		return false, nil, err
	}
	if best == nil {
		// Nothing submitted for this height; advance past it.
		return false, nil, tx.SetLastProcessedBlock(height)
	}

	var block *rpc.Block
	err = rpc.Retry(3, time.Second, func() error {
		ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
		defer cancel()
		var callErr error
		block, callErr = p.node.GetBlock(ctx, height)
		return callErr
	})
	if err != nil {
		return false, nil, err
	}

	var won *storage.WonBlock
	if block.Generator == best.MinerID && block.Nonce == best.Nonce {
		if err := p.tracker.OnBlockWon(tx, height, block.BlockID, block.Generator, block.Nonce, block.BlockReward, fastBlocks); err != nil {
			return false, nil, err
		}
		won = &storage.WonBlock{
			Height:      height,
			BlockID:     block.BlockID,
			GeneratorID: block.Generator,
			Nonce:       block.Nonce,
			FullReward:  block.BlockReward,
			Timestamp:   time.Now().Unix(),
		}
	} else {
		if err := p.tracker.OnBlockNotWon(tx, height, fastBlocks); err != nil {
			return false, nil, err
		}
		if p.isAuthorized(block.Generator) {
			util.Errorf("Consistency error: our miner %s generated block %d but the pool did not submit the winning nonce", util.FormatAccountID(block.Generator), height)
		}
	}

	return true, won, tx.SetLastProcessedBlock(height)
}

func (p *Pool) pruneBestSubmissions(tx *storage.Tx, before uint64) error {
	old, err := tx.BestSubmissions(0, before-1)
	if err != nil {
		return err
	}
	for _, bs := range old {
		if err := tx.RemoveBestSubmission(bs.Height); err != nil {
			return err
		}
	}
	return nil
}
