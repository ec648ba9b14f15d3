package payout

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/burst-apps-team/burstpool/internal/config"
	"github.com/burst-apps-team/burstpool/internal/miner"
	"github.com/burst-apps-team/burstpool/internal/rpc"
	"github.com/burst-apps-team/burstpool/internal/storage"
	"github.com/burst-apps-team/burstpool/internal/util"
)

// transactionDeadlineMinutes is how long the node keeps an unconfirmed
// payout transaction alive.
const transactionDeadlineMinutes = 1440

// Store is the persistence surface the engine needs.
type Store interface {
	miner.Store
	AddPayout(p *storage.Payout) error
}

// Node is the wallet surface the engine needs.
type Node interface {
	GenerateMultiOutTransaction(ctx context.Context, senderPublicKey []byte, fee int64, deadlineMinutes int, recipients map[uint64]int64) ([]byte, error)
	BroadcastTransaction(ctx context.Context, signedBytes []byte) (uint64, error)
}

// Engine evaluates pending balances and pays them out in multi-out
// batches. Evaluations are single-flight: a trigger while one is running
// is dropped, the next tick re-derives everything from storage.
type Engine struct {
	cfg     *config.Config
	store   Store
	node    Node
	tracker *miner.Tracker

	key    ed25519.PrivateKey
	pubKey []byte

	running sync.Mutex
	kick    chan struct{}

	// onPayout fires after a payout has been broadcast and recorded.
	onPayout func(*storage.Payout)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds a payout engine signing with the pool's passphrase.
func NewEngine(ctx context.Context, cfg *config.Config, store Store, node Node, tracker *miner.Tracker) *Engine {
	key := KeyFromPassphrase(cfg.Pool.Passphrase)
	engineCtx, cancel := context.WithCancel(ctx)
	return &Engine{
		cfg:     cfg,
		store:   store,
		node:    node,
		tracker: tracker,
		key:     key,
		pubKey:  key.Public().(ed25519.PublicKey),
		kick:    make(chan struct{}, 1),
		ctx:     engineCtx,
		cancel:  cancel,
	}
}

// PublicKey returns the pool's signing public key.
func (e *Engine) PublicKey() []byte {
	return e.pubKey
}

// SetPayoutHandler wires a callback invoked after every broadcast payout.
func (e *Engine) SetPayoutHandler(fn func(*storage.Payout)) {
	e.onPayout = fn
}

// Trigger requests an evaluation. Non-blocking; at most one request is
// kept pending.
func (e *Engine) Trigger() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Start launches the evaluation loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.loop()
}

// Stop shuts the evaluation loop down.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Payouts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.kick:
			e.Evaluate()
		case <-ticker.C:
			e.Evaluate()
		}
	}
}

// payee pairs a payable with the way it is persisted after debiting.
type payee struct {
	payable miner.Payable
	save    func() error
}

// Evaluate runs one payout attempt. It is safe to call concurrently;
// overlapping calls return immediately.
func (e *Engine) Evaluate() {
	if !e.running.TryLock() {
		return
	}
	defer e.running.Unlock()

	if err := e.evaluate(); err != nil {
		util.Errorf("Payout evaluation failed: %v", err)
	}
}

func (e *Engine) evaluate() error {
	qualified, err := e.collectQualified()
	if err != nil {
		return err
	}
	total := len(qualified)

	// A multi-out needs at least two recipients, and small batches wait
	// for more unless every known miner already qualifies.
	if total < 2 {
		return nil
	}
	if total < e.cfg.Payouts.MinPayoutsPerTransaction {
		minerCount, err := e.store.MinerCount()
		if err != nil {
			return err
		}
		if total < minerCount {
			return nil
		}
	}

	// Largest balances first, capped at what one transaction can carry.
	sort.Slice(qualified, func(i, j int) bool {
		return qualified[i].payable.Pending() > qualified[j].payable.Pending()
	})
	if len(qualified) > config.MaxPayeesPerTransaction {
		qualified = qualified[:config.MaxPayeesPerTransaction]
	}

	txFee := e.cfg.Payouts.TransactionFee
	feeShare := txFee / int64(len(qualified))

	recipients := make(map[uint64]int64, len(qualified))
	originals := make(map[uint64]int64, len(qualified))
	batch := make([]payee, 0, len(qualified))
	for _, q := range qualified {
		pending := q.payable.Pending()
		amount := pending - feeShare
		if amount <= 0 {
			continue
		}
		recipients[q.payable.ID()] = amount
		originals[q.payable.ID()] = pending
		batch = append(batch, q)
	}
	if len(batch) < 2 {
		return nil
	}

	txID, err := e.sendBatch(recipients, txFee)
	if err != nil {
		return err
	}

	// Debit only after the node confirmed the broadcast, and never while
	// a block-processing cycle could be crediting the same balances.
	e.tracker.WaitUntilNotProcessingBlock()

	for _, q := range batch {
		q.payable.DecreasePending(originals[q.payable.ID()])
		if err := q.save(); err != nil {
			util.Errorf("Failed to persist debit for %s: %v", util.FormatAccountID(q.payable.ID()), err)
		}
	}

	record := &storage.Payout{
		TransactionID:   txID,
		SenderPublicKey: hex.EncodeToString(e.pubKey),
		Fee:             txFee,
		Deadline:        transactionDeadlineMinutes,
		Recipients:      make(map[string]int64, len(recipients)),
		Timestamp:       time.Now().Unix(),
	}
	for id, amount := range recipients {
		record.Recipients[util.FormatAccountID(id)] = amount
	}
	if err := e.store.AddPayout(record); err != nil {
		util.Errorf("Failed to record payout %d: %v", txID, err)
	}
	if e.onPayout != nil {
		e.onPayout(record)
	}

	util.Infof("Paid out to %d recipients in transaction %s", len(recipients), util.FormatAccountID(txID))
	return nil
}

// collectQualified gathers every payable whose pending balance has
// reached its payout threshold. The fee recipient takes part under the
// same rules as any miner.
func (e *Engine) collectQualified() ([]payee, error) {
	miners, err := e.store.Miners()
	if err != nil {
		return nil, err
	}

	var qualified []payee
	for _, m := range miners {
		m := m
		if m.Pending() >= m.MinimumPayout() {
			qualified = append(qualified, payee{
				payable: m,
				save:    func() error { return e.store.SaveMiner(m) },
			})
		}
	}

	fee, err := e.store.FeeRecipient()
	if err != nil {
		return nil, err
	}
	if fee.Pending() >= fee.MinimumPayout() {
		qualified = append(qualified, payee{
			payable: fee,
			save:    func() error { return e.store.SaveFeeRecipient(fee) },
		})
	}

	return qualified, nil
}

// sendBatch builds, signs and broadcasts one multi-out transaction.
func (e *Engine) sendBatch(recipients map[uint64]int64, txFee int64) (uint64, error) {
	retries := e.cfg.Payouts.PayoutRetryCount

	var unsigned []byte
	err := rpc.Retry(retries, time.Second, func() error {
		ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
		defer cancel()
		var callErr error
		unsigned, callErr = e.node.GenerateMultiOutTransaction(ctx, e.pubKey, txFee, transactionDeadlineMinutes, recipients)
		return callErr
	})
	if err != nil {
		return 0, err
	}

	signed, err := SignTransaction(e.key, unsigned)
	if err != nil {
		return 0, err
	}

	var txID uint64
	err = rpc.Retry(retries, time.Second, func() error {
		ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
		defer cancel()
		var callErr error
		txID, callErr = e.node.BroadcastTransaction(ctx, signed)
		return callErr
	})
	if err != nil {
		return 0, err
	}

	return txID, nil
}
