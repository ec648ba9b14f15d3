// Package rpc provides communication with the upstream wallet node.
package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/burst-apps-team/burstpool/internal/util"
)

// Client talks to a wallet node over its HTTP API.
type Client struct {
	url     string
	timeout time.Duration
	client  *http.Client

	// Health tracking
	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewClient creates a wallet node client.
func NewClient(nodeURL string, timeout time.Duration) *Client {
	return &Client{
		url:     strings.TrimSuffix(nodeURL, "/"),
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

// apiError is the error object the wallet API embeds in responses.
type apiError struct {
	ErrorCode        int    `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("wallet error %d: %s", e.ErrorCode, e.ErrorDescription)
}

// MiningInfo is the current round as reported by the node.
type MiningInfo struct {
	GenerationSignature string `json:"generationSignature"`
	BaseTarget          uint64 `json:"baseTarget,string"`
	Height              uint64 `json:"height,string"`
}

// Block is the resolved chain block at one height.
type Block struct {
	BlockID     uint64
	Generator   uint64
	Nonce       uint64
	BlockReward int64 // full reward including fees, in planck
}

// call performs one API request. Mutating request types go out as POST
// form bodies, queries as GET.
func (c *Client) call(ctx context.Context, method string, params url.Values, out interface{}) error {
	var (
		resp *http.Response
		err  error
	)
	endpoint := c.url + "/burst"

	if method == http.MethodPost {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err = c.client.Do(req)
	} else {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
		if reqErr != nil {
			return reqErr
		}
		resp, err = c.client.Do(req)
	}
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("wallet request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return err
	}

	var walletErr apiError
	if err := json.Unmarshal(body, &walletErr); err == nil && walletErr.ErrorDescription != "" {
		c.recordSuccess()
		return &walletErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		c.recordFailure()
		return fmt.Errorf("invalid wallet response: %w", err)
	}

	c.recordSuccess()
	return nil
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.successCount++
	c.healthy = true
	c.lastCheck = time.Now()
	c.mu.Unlock()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.failCount++
	c.healthy = false
	c.lastCheck = time.Now()
	c.mu.Unlock()
}

// Healthy reports whether the last request succeeded.
func (c *Client) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// Stats returns request counters for monitoring.
func (c *Client) Stats() (success, fail int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.successCount, c.failCount
}

// GetMiningInfo fetches the active round parameters.
func (c *Client) GetMiningInfo(ctx context.Context) (*MiningInfo, error) {
	params := url.Values{"requestType": {"getMiningInfo"}}

	var info MiningInfo
	if err := c.call(ctx, http.MethodGet, params, &info); err != nil {
		return nil, err
	}
	if !util.ValidateGenerationSignature(info.GenerationSignature) {
		return nil, fmt.Errorf("invalid generation signature %q", info.GenerationSignature)
	}
	return &info, nil
}

// GetAccountsWithRewardRecipient lists the accounts whose on-chain reward
// recipient is the given pool account.
func (c *Client) GetAccountsWithRewardRecipient(ctx context.Context, poolAccount uint64) ([]uint64, error) {
	params := url.Values{
		"requestType": {"getAccountsWithRewardRecipient"},
		"account":     {util.FormatAccountID(poolAccount)},
	}

	var resp struct {
		Accounts []string `json:"accounts"`
	}
	if err := c.call(ctx, http.MethodGet, params, &resp); err != nil {
		return nil, err
	}

	accounts := make([]uint64, 0, len(resp.Accounts))
	for _, idStr := range resp.Accounts {
		id, err := util.ParseAccountID(idStr)
		if err != nil {
			continue
		}
		accounts = append(accounts, id)
	}
	return accounts, nil
}

// GetAccountName returns the on-chain name of an account, empty if unset.
func (c *Client) GetAccountName(ctx context.Context, account uint64) (string, error) {
	params := url.Values{
		"requestType": {"getAccount"},
		"account":     {util.FormatAccountID(account)},
	}

	var resp struct {
		Name string `json:"name"`
	}
	if err := c.call(ctx, http.MethodGet, params, &resp); err != nil {
		return "", err
	}
	return resp.Name, nil
}

// SubmitNonce forwards a nonce to the node on behalf of a miner and
// returns the deadline the node computed.
func (c *Client) SubmitNonce(ctx context.Context, passphrase string, nonce, account uint64) (uint64, error) {
	params := url.Values{
		"requestType":  {"submitNonce"},
		"secretPhrase": {passphrase},
		"nonce":        {strconv.FormatUint(nonce, 10)},
		"accountId":    {util.FormatAccountID(account)},
	}

	var resp struct {
		Result   string `json:"result"`
		Deadline uint64 `json:"deadline,string"`
	}
	if err := c.call(ctx, http.MethodPost, params, &resp); err != nil {
		return 0, err
	}
	if resp.Result != "success" {
		return 0, fmt.Errorf("nonce submission rejected: %s", resp.Result)
	}
	return resp.Deadline, nil
}

// GetBlock fetches the block at a height. The returned reward includes
// the block's transaction fees.
func (c *Client) GetBlock(ctx context.Context, height uint64) (*Block, error) {
	params := url.Values{
		"requestType": {"getBlock"},
		"height":      {strconv.FormatUint(height, 10)},
	}

	var resp struct {
		Block       string `json:"block"`
		Height      uint64 `json:"height"`
		Generator   string `json:"generator"`
		Nonce       string `json:"nonce"`
		BlockReward string `json:"blockReward"` // whole coins
		TotalFeeNQT string `json:"totalFeeNQT"` // planck
	}
	if err := c.call(ctx, http.MethodGet, params, &resp); err != nil {
		return nil, err
	}
	if resp.Height != height {
		return nil, fmt.Errorf("node returned block %d, requested %d", resp.Height, height)
	}

	blockID, err := util.ParseAccountID(resp.Block)
	if err != nil {
		return nil, fmt.Errorf("invalid block ID: %w", err)
	}
	generator, err := util.ParseAccountID(resp.Generator)
	if err != nil {
		return nil, fmt.Errorf("invalid generator: %w", err)
	}
	nonce, err := strconv.ParseUint(resp.Nonce, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}
	reward, err := strconv.ParseInt(resp.BlockReward, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid block reward: %w", err)
	}
	fees, err := strconv.ParseInt(resp.TotalFeeNQT, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid block fees: %w", err)
	}

	return &Block{
		BlockID:     blockID,
		Generator:   generator,
		Nonce:       nonce,
		BlockReward: reward*util.PlanckPerBurst + fees,
	}, nil
}

// GenerateMultiOutTransaction asks the node to build an unsigned
// multi-recipient payment.
func (c *Client) GenerateMultiOutTransaction(ctx context.Context, senderPublicKey []byte, fee int64, deadlineMinutes int, recipients map[uint64]int64) ([]byte, error) {
	if len(recipients) < 2 {
		return nil, fmt.Errorf("multi-out requires at least 2 recipients, got %d", len(recipients))
	}

	// Deterministic recipient order keeps the request reproducible.
	ids := make([]uint64, 0, len(recipients))
	for id := range recipients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	pairs := make([]string, 0, len(ids))
	for _, id := range ids {
		pairs = append(pairs, fmt.Sprintf("%s:%d", util.FormatAccountID(id), recipients[id]))
	}

	params := url.Values{
		"requestType": {"sendMoneyMulti"},
		"publicKey":   {hex.EncodeToString(senderPublicKey)},
		"feeNQT":      {strconv.FormatInt(fee, 10)},
		"deadline":    {strconv.Itoa(deadlineMinutes)},
		"recipients":  {strings.Join(pairs, ";")},
		"broadcast":   {"false"},
	}

	var resp struct {
		UnsignedTransactionBytes string `json:"unsignedTransactionBytes"`
	}
	if err := c.call(ctx, http.MethodPost, params, &resp); err != nil {
		return nil, err
	}

	unsigned, err := hex.DecodeString(resp.UnsignedTransactionBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid unsigned transaction bytes: %w", err)
	}
	return unsigned, nil
}

// BroadcastTransaction submits signed transaction bytes and returns the
// transaction ID.
func (c *Client) BroadcastTransaction(ctx context.Context, signedBytes []byte) (uint64, error) {
	params := url.Values{
		"requestType":      {"broadcastTransaction"},
		"transactionBytes": {hex.EncodeToString(signedBytes)},
	}

	var resp struct {
		Transaction string `json:"transaction"`
	}
	if err := c.call(ctx, http.MethodPost, params, &resp); err != nil {
		return 0, err
	}

	txID, err := util.ParseAccountID(resp.Transaction)
	if err != nil {
		return 0, fmt.Errorf("invalid transaction ID: %w", err)
	}
	return txID, nil
}
