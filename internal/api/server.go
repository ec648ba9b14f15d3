// Package api serves the miner-facing wallet endpoints and the pool's
// REST API.
package api

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/burst-apps-team/burstpool/internal/config"
	"github.com/burst-apps-team/burstpool/internal/miner"
	"github.com/burst-apps-team/burstpool/internal/monitor"
	"github.com/burst-apps-team/burstpool/internal/poc"
	"github.com/burst-apps-team/burstpool/internal/pool"
	"github.com/burst-apps-team/burstpool/internal/storage"
	"github.com/burst-apps-team/burstpool/internal/util"
)

// Server is the HTTP server miners and the web UI talk to.
type Server struct {
	cfg     *config.Config
	store   *storage.Client
	pool    *pool.Pool
	tracker *miner.Tracker
	agent   *monitor.Agent
	router  *gin.Engine
	server  *http.Server

	clients   sync.Map // clientID -> *wsClient
	clientSeq uint64

	// getMiners is the heaviest endpoint; its response is cached for
	// api.stats_cache.
	minersMu       sync.Mutex
	minersCache    *MinersResponse
	minersCachedAt time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

// SubmitNonceResponse is the miner-facing submitNonce reply. Deadline is
// absent on failure.
type SubmitNonceResponse struct {
	Result   string  `json:"result"`
	Deadline *uint64 `json:"deadline,omitempty"`
}

// MiningInfoResponse mirrors the wallet's getMiningInfo shape; numeric
// fields travel as strings like the upstream API.
type MiningInfoResponse struct {
	GenerationSignature string `json:"generationSignature"`
	BaseTarget          string `json:"baseTarget"`
	Height              string `json:"height"`
	TargetDeadline      uint64 `json:"targetDeadline,omitempty"`
}

// MinerResponse is one miner in the /api responses.
type MinerResponse struct {
	Address        string  `json:"address"`
	Name           string  `json:"name,omitempty"`
	UserAgent      string  `json:"userAgent,omitempty"`
	Pending        string  `json:"pending"`
	PendingPlanck  int64   `json:"pendingPlanck"`
	MinimumPayout  string  `json:"minimumPayout"`
	Capacity       float64 `json:"capacity"`
	Share          float64 `json:"share"`
	ConfirmedCount int     `json:"nConf"`
}

// MinersResponse is the /api/getMiners reply.
type MinersResponse struct {
	Miners       []MinerResponse `json:"miners"`
	PoolCapacity float64         `json:"poolCapacity"`
}

// ConfigResponse exposes the pool parameters miners care about.
type ConfigResponse struct {
	PoolName                 string  `json:"poolName"`
	PoolURL                  string  `json:"poolUrl,omitempty"`
	PoolFeePercentage        float64 `json:"poolFeePercentage"`
	WinnerRewardPercentage   float64 `json:"winnerRewardPercentage"`
	NAvg                     int     `json:"nAvg"`
	NMin                     int     `json:"nMin"`
	MaxDeadline              uint64  `json:"maxDeadline"`
	ProcessLag               uint64  `json:"processLag"`
	DefaultMinimumPayout     string  `json:"defaultMinimumPayout"`
	MinimumMinimumPayout     string  `json:"minimumMinimumPayout"`
	MinPayoutsPerTransaction int     `json:"minPayoutsPerTransaction"`
}

// NewServer builds the HTTP server and its routes.
func NewServer(cfg *config.Config, store *storage.Client, p *pool.Pool, tracker *miner.Tracker) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		store:   store,
		pool:    p,
		tracker: tracker,
		router:  router,
		quit:    make(chan struct{}),
	}

	s.setupRoutes()
	return s
}

// SetMonitor attaches an APM agent. HTTP transactions and submission
// events are recorded once set.
func (s *Server) SetMonitor(agent *monitor.Agent) {
	s.agent = agent
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		if s.agent == nil {
			c.Next()
			return
		}
		txn := s.agent.StartTransaction(c.Request.Method + " " + c.FullPath())
		if txn != nil {
			defer txn.End()
			txn.SetWebRequestHTTP(c.Request)
			c.Request = c.Request.WithContext(s.agent.NewContext(c.Request.Context(), txn))
		}
		c.Next()
	})

	s.router.Use(s.corsMiddleware())

	// The wallet-compatible endpoint miners point their software at.
	s.router.GET("/burst", s.handleBurst)
	s.router.POST("/burst", s.handleBurst)

	api := s.router.Group("/api")
	{
		api.GET("/getRoundStatus", s.handleRoundStatus)
		api.GET("/getMiners", s.handleMiners)
		api.GET("/getMiner/:address", s.handleMiner)
		api.GET("/getWonBlocks", s.handleWonBlocks)
		api.GET("/getConfig", s.handleConfig)
		api.POST("/setMinerMinimumPayout", s.handleSetMinimumPayout)
	}

	s.router.GET("/ws/rounds", s.handleRoundsWebsocket)

	s.router.GET("/health", func(c *gin.Context) {
		status := gin.H{"status": "ok"}
		if round := s.pool.CurrentRound(); round != nil {
			status["height"] = round.Height
		}
		c.JSON(200, status)
	})
}

// corsMiddleware answers cross-origin requests per api.cors_origins.
// A "*" entry allows any origin; otherwise the request origin is echoed
// back only when listed.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(s.cfg.API.CORSOrigins))
	for _, origin := range s.cfg.API.CORSOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		switch origin := c.GetHeader("Origin"); {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// Start begins serving and launches the round broadcaster.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	s.wg.Add(1)
	go s.broadcastRounds(s.pool.Subscribe())

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the server and all websocket clients.
func (s *Server) Stop() error {
	close(s.quit)

	var err error
	if s.server != nil {
		err = s.server.Close()
	}

	s.clients.Range(func(key, value interface{}) bool {
		value.(*wsClient).conn.Close()
		return true
	})

	s.wg.Wait()
	return err
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleBurst dispatches the wallet-style requestType API.
func (s *Server) handleBurst(c *gin.Context) {
	switch c.Query("requestType") {
	case "submitNonce":
		s.handleSubmitNonce(c)
	case "getMiningInfo":
		s.handleMiningInfo(c)
	default:
		c.JSON(400, gin.H{
			"errorCode":        4,
			"errorDescription": "Incorrect request",
		})
	}
}

func (s *Server) handleSubmitNonce(c *gin.Context) {
	accountStr := s.param(c, "accountId")
	nonceStr := s.param(c, "nonce")

	if accountStr == "" {
		c.JSON(400, SubmitNonceResponse{Result: "Missing accountId parameter"})
		return
	}
	if nonceStr == "" {
		c.JSON(400, SubmitNonceResponse{Result: "Missing nonce parameter"})
		return
	}

	accountID, err := util.ParseAccountID(accountStr)
	if err != nil {
		c.JSON(400, SubmitNonceResponse{Result: "Malformed accountId parameter"})
		return
	}

	nonce, err := poc.ParseNonce(nonceStr)
	if err != nil {
		c.JSON(400, SubmitNonceResponse{Result: "Malformed nonce parameter"})
		return
	}

	var blockHeight uint64
	if heightStr := s.param(c, "blockheight"); heightStr != "" {
		blockHeight, err = strconv.ParseUint(heightStr, 10, 64)
		if err != nil {
			c.JSON(400, SubmitNonceResponse{Result: "Malformed blockheight parameter"})
			return
		}
	}

	userAgent := c.GetHeader("X-Miner")
	if userAgent == "" {
		userAgent = c.GetHeader("User-Agent")
	}

	deadline, err := s.pool.CheckSubmission(accountID, nonce, blockHeight, userAgent)
	if s.agent != nil {
		s.agent.RecordNonceSubmission(accountID, blockHeight, deadline, err == nil)
	}
	if err != nil {
		c.JSON(200, SubmitNonceResponse{Result: err.Error()})
		return
	}

	c.JSON(200, SubmitNonceResponse{Result: "success", Deadline: &deadline})
}

func (s *Server) handleMiningInfo(c *gin.Context) {
	round := s.pool.CurrentRound()
	if round == nil {
		c.JSON(503, gin.H{
			"errorCode":        5,
			"errorDescription": "No mining info available yet",
		})
		return
	}

	c.JSON(200, MiningInfoResponse{
		GenerationSignature: round.GenerationSignature,
		BaseTarget:          strconv.FormatUint(round.BaseTarget, 10),
		Height:              strconv.FormatUint(round.Height, 10),
		TargetDeadline:      s.cfg.Rounds.TargetDeadline,
	})
}

// param reads a request parameter from the query string or form body.
func (s *Server) param(c *gin.Context, name string) string {
	if v := c.Query(name); v != "" {
		return v
	}
	return c.PostForm(name)
}

func (s *Server) handleRoundStatus(c *gin.Context) {
	c.JSON(200, s.pool.RoundStatus())
}

func minerResponse(m *miner.Miner) MinerResponse {
	return MinerResponse{
		Address:        util.FormatAccountID(m.ID()),
		Name:           m.Name(),
		UserAgent:      m.UserAgent(),
		Pending:        util.PlanckToCoin(m.Pending()),
		PendingPlanck:  m.Pending(),
		MinimumPayout:  util.PlanckToCoin(m.MinimumPayout()),
		Capacity:       m.Capacity(),
		Share:          m.Share(),
		ConfirmedCount: m.DeadlineCount(),
	}
}

func (s *Server) handleMiners(c *gin.Context) {
	s.minersMu.Lock()
	if s.minersCache != nil && time.Since(s.minersCachedAt) < s.cfg.API.StatsCache {
		cached := s.minersCache
		s.minersMu.Unlock()
		c.JSON(200, cached)
		return
	}
	s.minersMu.Unlock()

	miners, err := s.store.Miners()
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to load miners"})
		return
	}

	response := &MinersResponse{Miners: make([]MinerResponse, 0, len(miners))}
	for _, m := range miners {
		response.PoolCapacity += m.Capacity()
		response.Miners = append(response.Miners, minerResponse(m))
	}

	sort.Slice(response.Miners, func(i, j int) bool {
		return response.Miners[i].Capacity > response.Miners[j].Capacity
	})

	s.minersMu.Lock()
	s.minersCache = response
	s.minersCachedAt = time.Now()
	s.minersMu.Unlock()

	c.JSON(200, response)
}

func (s *Server) handleMiner(c *gin.Context) {
	accountID, err := util.ParseAccountID(c.Param("address"))
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid account"})
		return
	}

	m, err := s.store.GetMiner(accountID)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to load miner"})
		return
	}
	if m == nil {
		c.JSON(404, gin.H{"error": "Miner not found"})
		return
	}

	c.JSON(200, minerResponse(m))
}

func (s *Server) handleWonBlocks(c *gin.Context) {
	blocks, err := s.store.WonBlocks(50)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to load won blocks"})
		return
	}

	c.JSON(200, gin.H{"wonBlocks": blocks})
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(200, ConfigResponse{
		PoolName:                 s.cfg.Pool.Name,
		PoolURL:                  s.cfg.Pool.URL,
		PoolFeePercentage:        s.cfg.Payouts.PoolFeePercentage,
		WinnerRewardPercentage:   s.cfg.Payouts.WinnerRewardPercentage,
		NAvg:                     s.cfg.Rounds.NAvg,
		NMin:                     s.cfg.Rounds.NMin,
		MaxDeadline:              s.cfg.Rounds.MaxDeadline,
		ProcessLag:               s.cfg.Rounds.ProcessLag,
		DefaultMinimumPayout:     util.PlanckToCoin(s.cfg.Payouts.DefaultMinimumPayout),
		MinimumMinimumPayout:     util.PlanckToCoin(s.cfg.Payouts.MinimumMinimumPayout),
		MinPayoutsPerTransaction: s.cfg.Payouts.MinPayoutsPerTransaction,
	})
}

func (s *Server) handleSetMinimumPayout(c *gin.Context) {
	accountStr := s.param(c, "accountId")
	payoutStr := s.param(c, "minimumPayout")

	if accountStr == "" || payoutStr == "" {
		c.JSON(400, gin.H{"error": "accountId and minimumPayout are required"})
		return
	}

	accountID, err := util.ParseAccountID(accountStr)
	if err != nil {
		c.JSON(400, gin.H{"error": "Malformed accountId"})
		return
	}

	amount, err := strconv.ParseInt(payoutStr, 10, 64)
	if err != nil || amount <= 0 {
		c.JSON(400, gin.H{"error": "Malformed minimumPayout"})
		return
	}

	if err := s.tracker.SetMinerMinimumPayout(s.store, accountID, amount); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, gin.H{"status": "ok", "minimumPayout": amount})
}
