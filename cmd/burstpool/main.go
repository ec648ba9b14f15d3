// Burstpool - proof-of-capacity mining pool for the Burst network
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/burst-apps-team/burstpool/internal/api"
	"github.com/burst-apps-team/burstpool/internal/config"
	"github.com/burst-apps-team/burstpool/internal/miner"
	"github.com/burst-apps-team/burstpool/internal/monitor"
	"github.com/burst-apps-team/burstpool/internal/notify"
	"github.com/burst-apps-team/burstpool/internal/payout"
	"github.com/burst-apps-team/burstpool/internal/pool"
	"github.com/burst-apps-team/burstpool/internal/profiling"
	"github.com/burst-apps-team/burstpool/internal/rpc"
	"github.com/burst-apps-team/burstpool/internal/storage"
	"github.com/burst-apps-team/burstpool/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Burstpool v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("Burstpool v%s starting", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feeRecipient, err := util.ParseAccountID(cfg.Payouts.PoolFeeRecipient)
	if err != nil {
		util.Fatalf("Invalid payouts.pool_fee_recipient: %v", err)
	}

	store, err := storage.NewClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, feeRecipient, cfg.Payouts.DefaultMinimumPayout)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer store.Close()

	node := rpc.NewClient(cfg.Node.URL, cfg.Node.Timeout)

	maths := miner.NewMaths(cfg.Rounds.NAvg, cfg.Rounds.NMin)
	tracker := miner.NewTracker(maths, cfg.Payouts.PoolFeePercentage, cfg.Payouts.WinnerRewardPercentage,
		cfg.Payouts.DefaultMinimumPayout, cfg.Payouts.MinimumMinimumPayout)

	engine := payout.NewEngine(ctx, cfg, store, node, tracker)
	poolAccount := payout.AccountIDFromPublicKey(engine.PublicKey())
	util.Infof("Pool account: %s", util.FormatAccountID(poolAccount))

	agent := monitor.NewAgent(&cfg.Monitor)
	if err := agent.Start(); err != nil {
		util.Fatalf("Failed to start monitoring agent: %v", err)
	}

	notifier := notify.NewNotifier(&cfg.Notify, cfg.Pool.Name)

	p := pool.New(ctx, cfg, store, node, tracker, poolAccount)
	p.SetPayoutTrigger(engine)
	p.SetBlockWonHandler(func(b *storage.WonBlock) {
		agent.RecordBlockWon(b.Height, b.GeneratorID, b.FullReward)
		notifier.NotifyBlockWon(b)
	})
	engine.SetPayoutHandler(func(record *storage.Payout) {
		var total int64
		for _, amount := range record.Recipients {
			total += amount
		}
		agent.RecordPayout(record.TransactionID, total, len(record.Recipients))
		notifier.NotifyPayoutSent(record)
	})

	stream := rpc.NewMiningInfoStream(ctx, node, cfg.Rounds.MiningInfoRefreshInterval)
	stream.Start()

	go func() {
		for round := range p.Subscribe() {
			agent.UpdateNetworkMetrics(round.Height, round.BaseTarget)
		}
	}()

	engine.Start()
	p.Start(stream)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, store, p, tracker)
		apiServer.SetMonitor(agent)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	profiler := profiling.NewServer(&cfg.Profiling)
	if err := profiler.Start(); err != nil {
		util.Fatalf("Failed to start profiling server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Pool started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	if apiServer != nil {
		apiServer.Stop()
	}
	profiler.Stop()
	p.Stop()
	stream.Stop()
	engine.Stop()
	agent.Stop()

	util.Info("Pool stopped")
}
