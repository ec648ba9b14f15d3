package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/burst-apps-team/burstpool/internal/util"
)

// MiningInfoSource is the subset of the wallet client the stream polls.
type MiningInfoSource interface {
	GetMiningInfo(ctx context.Context) (*MiningInfo, error)
}

// MiningInfoStream polls the wallet for mining info and emits an update
// whenever the generation signature or height changes. Poll errors are
// logged and the loop keeps going; the stream only stops when its
// context is cancelled.
type MiningInfoStream struct {
	source   MiningInfoSource
	interval time.Duration
	updates  chan *MiningInfo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	current *MiningInfo
}

// NewMiningInfoStream creates a stream polling source every interval.
func NewMiningInfoStream(ctx context.Context, source MiningInfoSource, interval time.Duration) *MiningInfoStream {
	if interval <= 0 {
		interval = time.Second
	}
	streamCtx, cancel := context.WithCancel(ctx)
	return &MiningInfoStream{
		source:   source,
		interval: interval,
		updates:  make(chan *MiningInfo, 8),
		ctx:      streamCtx,
		cancel:   cancel,
	}
}

// Start begins the polling loop.
func (s *MiningInfoStream) Start() {
	s.wg.Add(1)
	go s.pollLoop()
}

// Stop shuts down the polling loop and closes the updates channel.
func (s *MiningInfoStream) Stop() {
	s.cancel()
	s.wg.Wait()
	close(s.updates)
}

// Updates returns the channel carrying new mining info. Consumers that
// fall behind lose intermediate updates rather than stalling the poller.
func (s *MiningInfoStream) Updates() <-chan *MiningInfo {
	return s.updates
}

// Current returns the most recently observed mining info, or nil if the
// wallet has not answered yet.
func (s *MiningInfoStream) Current() *MiningInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *MiningInfoStream) pollLoop() {
	defer s.wg.Done()

	// Poll once immediately so startup does not wait a full interval.
	s.poll()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *MiningInfoStream) poll() {
	ctx, cancel := context.WithTimeout(s.ctx, s.interval*2)
	defer cancel()

	info, err := s.source.GetMiningInfo(ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			util.Errorf("Failed to refresh mining info: %v", err)
		}
		return
	}

	s.mu.Lock()
	changed := s.current == nil ||
		s.current.Height != info.Height ||
		s.current.GenerationSignature != info.GenerationSignature
	if changed {
		s.current = info
	}
	s.mu.Unlock()

	if !changed {
		return
	}

	util.Infof("New mining info: height=%d baseTarget=%d", info.Height, info.BaseTarget)

	select {
	case s.updates <- info:
	default:
		// Drop the oldest buffered update to make room for the newest.
		select {
		case <-s.updates:
		default:
		}
		select {
		case s.updates <- info:
		default:
		}
	}
}
