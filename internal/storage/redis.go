package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/burst-apps-team/burstpool/internal/miner"
	"github.com/burst-apps-team/burstpool/internal/util"
)

const (
	keyPrefix = "burstpool:"

	// Key patterns
	keyMinerIDs       = keyPrefix + "miners"
	keyMiner          = keyPrefix + "miners:%s"
	keyMinerDeadlines = keyPrefix + "miners:%s:deadlines"
	keyFeeRecipient   = keyPrefix + "feeRecipient"
	keyBestIndex      = keyPrefix + "bestSubmissions"
	keyBestSubmission = keyPrefix + "bestSubmissions:%d"
	keyWonBlocks      = keyPrefix + "wonBlocks"
	keyPayouts        = keyPrefix + "payouts"
	keyPoolState      = keyPrefix + "poolState"
)

// Client wraps Redis for the pool. Miner records are cached in memory and
// shared by reference: the submission path, the block-processing
// transaction and the payout engine all see the same instances.
type Client struct {
	client *redis.Client
	ctx    context.Context

	feeRecipientID       uint64
	defaultMinimumPayout int64

	mu           sync.Mutex
	miners       map[uint64]*miner.Miner
	minersLoaded bool
	fee          *miner.FeeRecipient
}

// NewClient connects to Redis and prepares the miner cache.
func NewClient(url, password string, db int, feeRecipientID uint64, defaultMinimumPayout int64) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)
	return &Client{
		client:               client,
		ctx:                  ctx,
		feeRecipientID:       feeRecipientID,
		defaultMinimumPayout: defaultMinimumPayout,
		miners:               make(map[uint64]*miner.Miner),
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// GetMiner returns the miner with the given ID, or nil if unknown.
func (c *Client) GetMiner(id uint64) (*miner.Miner, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getMinerLocked(id)
}

func (c *Client) getMinerLocked(id uint64) (*miner.Miner, error) {
	if m, ok := c.miners[id]; ok {
		return m, nil
	}

	idStr := util.FormatAccountID(id)
	data, err := c.client.HGetAll(c.ctx, fmt.Sprintf(keyMiner, idStr)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	state := miner.State{ID: id}
	if v, ok := data["pending"]; ok {
		state.Pending, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := data["capacity"]; ok {
		state.Capacity, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := data["share"]; ok {
		state.Share, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := data["minimumPayout"]; ok {
		state.MinimumPayout, _ = strconv.ParseInt(v, 10, 64)
	}
	state.Name = data["name"]
	state.UserAgent = data["userAgent"]

	deadlines, err := c.client.HGetAll(c.ctx, fmt.Sprintf(keyMinerDeadlines, idStr)).Result()
	if err != nil {
		return nil, err
	}
	for heightStr, packed := range deadlines {
		height, err := strconv.ParseUint(heightStr, 10, 64)
		if err != nil {
			continue
		}
		parts := strings.SplitN(packed, ":", 2)
		if len(parts) != 2 {
			continue
		}
		value, err1 := strconv.ParseUint(parts[0], 10, 64)
		baseTarget, err2 := strconv.ParseUint(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		state.Deadlines = append(state.Deadlines, miner.Deadline{Height: height, Value: value, BaseTarget: baseTarget})
	}

	m := miner.RestoreMiner(state)
	c.miners[id] = m
	return m, nil
}

// GetOrCreateMiner returns the miner, creating and persisting an empty
// record on first contact.
func (c *Client) GetOrCreateMiner(id uint64) (*miner.Miner, error) {
	c.mu.Lock()
	m, err := c.getMinerLocked(id)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if m != nil {
		c.mu.Unlock()
		return m, nil
	}

	m = miner.NewMiner(id, c.defaultMinimumPayout)
	c.miners[id] = m
	c.mu.Unlock()

	if err := c.SaveMiner(m); err != nil {
		return nil, err
	}
	return m, nil
}

// adoptMiner inserts a transaction-created miner into the cache without
// touching Redis; the transaction commit persists it.
func (c *Client) adoptMiner(m *miner.Miner) {
	c.mu.Lock()
	c.miners[m.ID()] = m
	c.mu.Unlock()
}

// invalidateMiner drops a miner from the cache so the next read reloads
// the committed state from Redis.
func (c *Client) invalidateMiner(id uint64) {
	c.mu.Lock()
	delete(c.miners, id)
	c.mu.Unlock()
}

// Miners lists every known miner.
func (c *Client) Miners() ([]*miner.Miner, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.minersLoaded {
		ids, err := c.client.SMembers(c.ctx, keyMinerIDs).Result()
		if err != nil {
			return nil, err
		}
		for _, idStr := range ids {
			id, err := util.ParseAccountID(idStr)
			if err != nil {
				continue
			}
			if _, err := c.getMinerLocked(id); err != nil {
				return nil, err
			}
		}
		c.minersLoaded = true
	}

	miners := make([]*miner.Miner, 0, len(c.miners))
	for _, m := range c.miners {
		miners = append(miners, m)
	}
	return miners, nil
}

// MinerCount returns the number of known miners.
func (c *Client) MinerCount() (int, error) {
	miners, err := c.Miners()
	if err != nil {
		return 0, err
	}
	return len(miners), nil
}

// SaveMiner persists the miner's state immediately.
func (c *Client) SaveMiner(m *miner.Miner) error {
	pipe := c.client.TxPipeline()
	c.stageMiner(pipe, m)
	_, err := pipe.Exec(c.ctx)
	return err
}

// stageMiner queues the full rewrite of one miner onto a pipeline.
func (c *Client) stageMiner(pipe redis.Pipeliner, m *miner.Miner) {
	state := m.Snapshot()
	idStr := util.FormatAccountID(state.ID)

	pipe.SAdd(c.ctx, keyMinerIDs, idStr)
	pipe.HSet(c.ctx, fmt.Sprintf(keyMiner, idStr), map[string]interface{}{
		"pending":       state.Pending,
		"capacity":      state.Capacity,
		"share":         state.Share,
		"minimumPayout": state.MinimumPayout,
		"name":          state.Name,
		"userAgent":     state.UserAgent,
	})

	// Deadlines are rewritten wholesale so pruned heights disappear.
	deadlinesKey := fmt.Sprintf(keyMinerDeadlines, idStr)
	pipe.Del(c.ctx, deadlinesKey)
	if len(state.Deadlines) > 0 {
		fields := make(map[string]interface{}, len(state.Deadlines))
		for _, d := range state.Deadlines {
			fields[strconv.FormatUint(d.Height, 10)] = fmt.Sprintf("%d:%d", d.Value, d.BaseTarget)
		}
		pipe.HSet(c.ctx, deadlinesKey, fields)
	}
}

// FeeRecipient returns the pool fee recipient, loading its balance once.
func (c *Client) FeeRecipient() (*miner.FeeRecipient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fee != nil {
		return c.fee, nil
	}

	pending, err := c.client.HGet(c.ctx, keyFeeRecipient, "pending").Int64()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	c.fee = miner.NewFeeRecipient(c.feeRecipientID, pending, c.defaultMinimumPayout)
	return c.fee, nil
}

func (c *Client) invalidateFeeRecipient() {
	c.mu.Lock()
	c.fee = nil
	c.mu.Unlock()
}

// SaveFeeRecipient persists the fee recipient's balance immediately.
func (c *Client) SaveFeeRecipient(f *miner.FeeRecipient) error {
	return c.client.HSet(c.ctx, keyFeeRecipient, "pending", f.Pending()).Err()
}

func (c *Client) stageFeeRecipient(pipe redis.Pipeliner, f *miner.FeeRecipient) {
	pipe.HSet(c.ctx, keyFeeRecipient, "pending", f.Pending())
}

// GetBestSubmission returns the stored best submission for a height, or
// nil when none exists.
func (c *Client) GetBestSubmission(height uint64) (*BestSubmission, error) {
	data, err := c.client.HGetAll(c.ctx, fmt.Sprintf(keyBestSubmission, height)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	best := &BestSubmission{Height: height}
	best.MinerID, _ = strconv.ParseUint(data["minerId"], 10, 64)
	best.Nonce, _ = strconv.ParseUint(data["nonce"], 10, 64)
	best.Deadline, _ = strconv.ParseUint(data["deadline"], 10, 64)
	return best, nil
}

// SetBestSubmission stores the best submission for a height. A stored
// submission with a shorter or equal deadline wins and the write is
// skipped, so a restarted process cannot degrade the recorded best.
func (c *Client) SetBestSubmission(best *BestSubmission) error {
	key := fmt.Sprintf(keyBestSubmission, best.Height)

	cas := func(tx *redis.Tx) error {
		stored, err := tx.HGet(c.ctx, key, "deadline").Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			if deadline, perr := strconv.ParseUint(stored, 10, 64); perr == nil && deadline <= best.Deadline {
				return nil
			}
		}

		_, err = tx.TxPipelined(c.ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(c.ctx, keyBestIndex, &redis.Z{
				Score:  float64(best.Height),
				Member: strconv.FormatUint(best.Height, 10),
			})
			pipe.HSet(c.ctx, key, map[string]interface{}{
				"minerId":  best.MinerID,
				"nonce":    best.Nonce,
				"deadline": best.Deadline,
			})
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := c.client.Watch(c.ctx, cas, key)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return redis.TxFailedErr
}

// RemoveBestSubmission deletes the stored best submission for a height.
func (c *Client) RemoveBestSubmission(height uint64) error {
	pipe := c.client.TxPipeline()
	c.stageRemoveBestSubmission(pipe, height)
	_, err := pipe.Exec(c.ctx)
	return err
}

func (c *Client) stageRemoveBestSubmission(pipe redis.Pipeliner, height uint64) {
	pipe.ZRem(c.ctx, keyBestIndex, strconv.FormatUint(height, 10))
	pipe.Del(c.ctx, fmt.Sprintf(keyBestSubmission, height))
}

// BestSubmissions returns the stored best submissions for heights in
// [from, to], ascending.
func (c *Client) BestSubmissions(from, to uint64) ([]*BestSubmission, error) {
	heights, err := c.client.ZRangeByScore(c.ctx, keyBestIndex, &redis.ZRangeBy{
		Min: strconv.FormatUint(from, 10),
		Max: strconv.FormatUint(to, 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	submissions := make([]*BestSubmission, 0, len(heights))
	for _, heightStr := range heights {
		height, err := strconv.ParseUint(heightStr, 10, 64)
		if err != nil {
			continue
		}
		best, err := c.GetBestSubmission(height)
		if err != nil {
			return nil, err
		}
		if best != nil {
			submissions = append(submissions, best)
		}
	}
	return submissions, nil
}

// AddWonBlock appends a won-block audit record.
func (c *Client) AddWonBlock(height, blockID, generatorID, nonce uint64, fullReward int64) error {
	pipe := c.client.TxPipeline()
	c.stageWonBlock(pipe, WonBlock{
		Height:      height,
		BlockID:     blockID,
		GeneratorID: generatorID,
		Nonce:       nonce,
		FullReward:  fullReward,
		Timestamp:   time.Now().Unix(),
	})
	_, err := pipe.Exec(c.ctx)
	return err
}

func (c *Client) stageWonBlock(pipe redis.Pipeliner, wb WonBlock) {
	data, _ := json.Marshal(wb)
	pipe.ZAdd(c.ctx, keyWonBlocks, &redis.Z{
		Score:  float64(wb.Height),
		Member: string(data),
	})
}

// WonBlocks returns the most recent won blocks, newest first.
func (c *Client) WonBlocks(limit int64) ([]*WonBlock, error) {
	results, err := c.client.ZRevRange(c.ctx, keyWonBlocks, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	blocks := make([]*WonBlock, 0, len(results))
	for _, result := range results {
		var wb WonBlock
		if err := json.Unmarshal([]byte(result), &wb); err == nil {
			blocks = append(blocks, &wb)
		}
	}
	return blocks, nil
}

// AddPayout appends a payout audit record.
func (c *Client) AddPayout(p *Payout) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.LPush(c.ctx, keyPayouts, string(data)).Err()
}

// Payouts returns the most recent payouts, newest first.
func (c *Client) Payouts(limit int64) ([]*Payout, error) {
	results, err := c.client.LRange(c.ctx, keyPayouts, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	payouts := make([]*Payout, 0, len(results))
	for _, result := range results {
		var p Payout
		if err := json.Unmarshal([]byte(result), &p); err == nil {
			payouts = append(payouts, &p)
		}
	}
	return payouts, nil
}

// GetLastProcessedBlock returns the processed-height pointer, zero if unset.
func (c *Client) GetLastProcessedBlock() (uint64, error) {
	v, err := c.client.HGet(c.ctx, keyPoolState, "lastProcessedBlock").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// SetLastProcessedBlock advances the processed-height pointer.
func (c *Client) SetLastProcessedBlock(height uint64) error {
	return c.client.HSet(c.ctx, keyPoolState, "lastProcessedBlock", height).Err()
}

func (c *Client) stageLastProcessedBlock(pipe redis.Pipeliner, height uint64) {
	pipe.HSet(c.ctx, keyPoolState, "lastProcessedBlock", height)
}

// Begin opens a transaction handle for one block-processing cycle.
func (c *Client) Begin() *Tx {
	return &Tx{
		c:       c,
		touched: make(map[uint64]*miner.Miner),
	}
}
