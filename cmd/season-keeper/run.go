package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/devblac/season-keeper/internal/alert"
	"github.com/devblac/season-keeper/internal/broadcast"
	"github.com/devblac/season-keeper/internal/chain"
	"github.com/devblac/season-keeper/internal/config"
	"github.com/devblac/season-keeper/internal/contracts"
	"github.com/devblac/season-keeper/internal/cursor"
	"github.com/devblac/season-keeper/internal/engine"
	"github.com/devblac/season-keeper/internal/gasless"
	"github.com/devblac/season-keeper/internal/health"
	"github.com/devblac/season-keeper/internal/lifecycle"
	"github.com/devblac/season-keeper/internal/metrics"
	"github.com/devblac/season-keeper/internal/onchain"
	"github.com/devblac/season-keeper/internal/pipeline"
	"github.com/devblac/season-keeper/internal/sink"
	"github.com/devblac/season-keeper/internal/source/evm"
	"github.com/devblac/season-keeper/internal/storage"
	"github.com/devblac/season-keeper/internal/transport"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
)

var (
	flagOnce        bool
	flagNoLifecycle bool
	flagHealth      string
	flagMetrics     string
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Run a single lifecycle sweep and exit")
	runCmd.Flags().BoolVar(&flagNoLifecycle, "no-lifecycle", false, "Do not run the season lifecycle sweep")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

// chainConn is the dialed RPC stack shared by the commands.
type chainConn struct {
	failover *transport.Failover
	eth      *ethclient.Client
	chainID  *big.Int
}

func dialChain(ctx context.Context, cfg *config.Config, log *slog.Logger, mtr *metrics.Metrics) (*chainConn, error) {
	n := cfg.ActiveNetwork()
	f, err := transport.NewFailover(n.Endpoints(),
		transport.WithCooldown(cfg.Transport.DemotionCooldown),
		transport.WithResetInterval(cfg.Transport.ResetInterval),
		transport.WithRateLimit(n.RPS, n.Burst),
		transport.WithLogger(log),
		transport.WithMetrics(mtr),
	)
	if err != nil {
		return nil, err
	}
	eth, err := evm.Dial(ctx, f)
	if err != nil {
		return nil, err
	}
	chainID := new(big.Int).SetUint64(n.ChainID)
	if n.ChainID == 0 {
		if chainID, err = eth.ChainID(ctx); err != nil {
			eth.Close()
			return nil, fmt.Errorf("chain id: %w", err)
		}
	}
	return &chainConn{failover: f, eth: eth, chainID: chainID}, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		store, err := storage.Open(cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		conn, err := dialChain(ctx, cfg, log, mtr)
		if err != nil {
			return fmt.Errorf("dial rpc: %w", err)
		}
		defer conn.eth.Close()

		signer, from, err := chain.KeyedSigner(cfg.Wallet.PrivateKey, conn.chainID)
		if err != nil {
			return fmt.Errorf("wallet: %w", err)
		}
		writer := chain.NewClient(conn.eth, signer)
		sponsor := writer
		if cfg.Wallet.SponsorPrivateKey != cfg.Wallet.PrivateKey {
			sponsorSigner, sponsorFrom, err := chain.KeyedSigner(cfg.Wallet.SponsorPrivateKey, conn.chainID)
			if err != nil {
				return fmt.Errorf("sponsor wallet: %w", err)
			}
			sponsor = chain.NewClient(conn.eth, sponsorSigner)
			log.Info("sponsor wallet loaded", "address", sponsorFrom.Hex())
		}
		log.Info("wallet loaded", "address", from.Hex(), "chain_id", conn.chainID.String())

		abis, err := contracts.LoadABIs(cfg.ABIDirs)
		if err != nil {
			return fmt.Errorf("load abis: %w", err)
		}
		raffle, err := abis.Contract(contracts.Raffle, common.HexToAddress(cfg.Contracts.Raffle))
		if err != nil {
			return err
		}
		factory, err := abis.Contract(contracts.MarketFactory, common.HexToAddress(cfg.Contracts.MarketFactory))
		if err != nil {
			return err
		}
		oracle, err := abis.Contract(contracts.Oracle, common.HexToAddress(cfg.Contracts.Oracle))
		if err != nil {
			return err
		}
		views, err := contracts.NewViews(writer, abis, raffle.Address)
		if err != nil {
			return err
		}

		senders, err := sink.FromConfig(cfg.Alerts.Sinks)
		if err != nil {
			return fmt.Errorf("alert sinks: %w", err)
		}
		alerts := alert.New(
			alert.WithThreshold(cfg.Alerts.Threshold),
			alert.WithCooldown(cfg.Alerts.Cooldown),
			alert.WithSinks(senders),
			alert.WithLogger(log),
			alert.WithMetrics(mtr),
		)

		calls, err := onchain.New(onchain.Config{
			MaxRetries:     cfg.OnChain.MaxRetries,
			AlertAfter:     cfg.OnChain.AlertAfter,
			BaseDelay:      cfg.OnChain.BaseDelay,
			MaxDelay:       cfg.OnChain.MaxDelay,
			ReceiptTimeout: cfg.OnChain.ReceiptTimeout,
		}, onchain.Deps{
			Writer:  writer,
			Waiter:  writer,
			Store:   store,
			Alerts:  alerts,
			Targets: onchain.Targets{Oracle: oracle, MarketFactory: factory},
			Logger:  log,
			Metrics: mtr,
		})
		if err != nil {
			return err
		}

		lcCalls, err := onchain.New(onchain.Config{
			MaxRetries:     cfg.Lifecycle.MaxRetries,
			AlertAfter:     cfg.Lifecycle.MaxRetries,
			BaseDelay:      cfg.OnChain.BaseDelay,
			MaxDelay:       cfg.OnChain.MaxDelay,
			ReceiptTimeout: cfg.OnChain.ReceiptTimeout,
		}, onchain.Deps{Writer: writer, Waiter: writer, Store: store, Alerts: alerts, Logger: log, Metrics: mtr})
		if err != nil {
			return err
		}
		lc := lifecycle.New(views, lcCalls, raffle,
			lifecycle.WithInterval(cfg.Lifecycle.Interval),
			lifecycle.WithLogger(log),
			lifecycle.WithMetrics(mtr),
		)

		if flagOnce {
			rep, err := lc.Sweep(ctx)
			if err != nil {
				return err
			}
			log.Info("lifecycle sweep complete", "checked", rep.Checked, "transitions", len(rep.Transitions), "errors", len(rep.Errors))
			return errors.Join(rep.Errors...)
		}

		creator, err := gasless.New(gasless.Config{
			MaxAttempts:    cfg.Gasless.MaxAttempts,
			Delays:         cfg.Gasless.Delays,
			ReceiptTimeout: cfg.Gasless.ReceiptTimeout,
		}, gasless.Deps{
			Sponsor:  sponsor,
			Waiter:   writer,
			Factory:  factory,
			Failures: store,
			Txs:      store,
			Logger:   log,
			Metrics:  mtr,
		})
		if err != nil {
			return err
		}

		tiers := []cursor.Backend{}
		if cfg.Storage.RedisURL != "" {
			rc, client, err := cursor.DialRedis(ctx, cfg.Storage.RedisURL, cfg.Storage.RedisPrefix)
			if err != nil {
				log.Warn("redis cursor tier unavailable, continuing without it", "error", err)
			} else {
				defer client.Close()
				tiers = append(tiers, rc)
			}
		}
		tiers = append(tiers, cursor.NewSQL(store))
		cursors := cursor.NewTiered(log, tiers...)

		background := []func(context.Context) error{conn.failover.Run}
		if cfg.Lifecycle.IsEnabled() && !flagNoLifecycle {
			background = append(background, lc.Run)
		}

		runner, err := engine.NewRunner(engine.Config{
			Raffle:         raffle.Address,
			MarketFactory:  factory.Address,
			Interval:       cfg.Poller.Interval,
			MaxBlockRange:  cfg.Poller.MaxBlockRange,
			Lookback:       cfg.ActiveNetwork().LookbackBlocks,
			ThresholdBps:   pipeline.DefaultThresholdBps,
			MarketType:     cfg.Gasless.MarketType,
			MaxLogFailures: cfg.Poller.MaxLogFailures,
		}, engine.Deps{
			Client: conn.eth,
			Cursor: cursors,
			ABIs:   abis,
			Store:  store,
			Pipeline: pipeline.Deps{
				Views:    views,
				Oracle:   calls,
				Creator:  creator,
				Notifier: broadcast.LogNotifier{Logger: log},
			},
			Alerts:     alerts,
			Logger:     log,
			Metrics:    mtr,
			Background: background,
			Drain:      creator.Wait,
		})
		if err != nil {
			return err
		}

		if flagHealth != "" {
			rpcChecker := health.NewRPCChecker(map[string]health.HeadClient{"rpc": conn.eth})
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:     store.Ping,
				RPCPing:    rpcChecker.Ping,
				CursorPing: cursors.Healthy,
				Listeners:  func() int { return len(runner.Supervisor().Listeners()) },
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Shutdown(shutdownCtx, healthSrv)
			}()
		}

		if flagMetrics != "" {
			srv := &http.Server{Addr: flagMetrics, Handler: metricsMux(), ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		log.Info("engine starting", "network", cfg.Network, "raffle", raffle.Address.Hex(), "factory", factory.Address.Hex())
		if err := runner.Run(ctx); err != nil {
			mtr.Errors("engine")
			log.Error("engine stopped with error", "error", err)
			return err
		}
		return nil
	},
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
