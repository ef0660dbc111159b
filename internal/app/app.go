package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"collateral-keeper/internal/alerting"
	"collateral-keeper/internal/chain"
	"collateral-keeper/internal/collateral"
	"collateral-keeper/internal/config"
	"collateral-keeper/internal/metrics"
	"collateral-keeper/internal/oracle"
	"collateral-keeper/internal/peg"
	"collateral-keeper/internal/rewards"
	"collateral-keeper/internal/scheduler"
	"collateral-keeper/internal/service"
	"collateral-keeper/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// keeper is a fully wired collateral with the resources it owns.
type keeper struct {
	plugin  *collateral.Plugin
	client  *chain.Client
	store   *storage.Store
	metrics *metrics.Registry
	signer  *chain.Signer
	closers []func()
}

func (k *keeper) Close() {
	for i := len(k.closers) - 1; i >= 0; i-- {
		k.closers[i]()
	}
}

// buildKeeper dials the chain, loads pool metadata and wires the plugin.
func (a *App) buildKeeper(ctx context.Context) (*keeper, error) {
	cfg := a.Config
	if cfg.Ethereum.RPCURL == "" {
		return nil, errors.New("ethereum.rpc_url is required")
	}

	client, err := chain.Dial(ctx, chain.Options{
		RPCURL:          cfg.Ethereum.RPCURL,
		Timeout:         cfg.Ethereum.RequestTimeout,
		BreakerFailures: cfg.Ethereum.BreakerFailures,
		BreakerCooldown: cfg.Ethereum.BreakerCooldown,
		ReceiptPoll:     cfg.Ethereum.ReceiptPoll,
		ReceiptTimeout:  cfg.Ethereum.ReceiptTimeout,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	k := &keeper{client: client, closers: []func(){client.Close}}

	source, decimals, err := peg.NewSource(ctx, cfg.Collateral.PoolKind, config.Address(cfg.Collateral.PoolProxy), client)
	if err != nil {
		k.Close()
		return nil, fmt.Errorf("load pool %s: %w", cfg.Collateral.PoolProxy, err)
	}

	var sender chain.Sender
	if cfg.Rewards.KeeperPrivateKey != "" {
		signer, err := chain.NewSigner(client, cfg.Rewards.KeeperPrivateKey)
		if err != nil {
			k.Close()
			return nil, err
		}
		k.signer = signer
		sender = signer
	}

	var clock collateral.Clock = collateral.SystemClock{}
	if cfg.Ethereum.UseBlockTime {
		clock = chain.NewBlockClock(client)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		k.Close()
		return nil, err
	}
	var stateStore collateral.StateStore
	if store != nil {
		k.store = store
		k.closers = append(k.closers, closeStore)
		stateStore = store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; state will not survive restarts")
	}

	sinks, observers := a.newSinks()
	if cfg.Metrics.Enabled {
		k.metrics = metrics.NewRegistry()
		sinks = append(sinks, k.metrics)
		observers = append(observers, k.metrics)
	}

	plugin, err := collateral.New(a.params(decimals), collateral.Dependencies{
		Feed:        oracle.NewChainlinkFeed(config.Address(cfg.Collateral.PriceFeed), client),
		Rates:       source,
		Rewards:     rewards.NewRegistry(config.Address(cfg.Rewards.RewardsProxy), client, sender),
		Clock:       clock,
		Store:       stateStore,
		Sinks:       sinks,
		Observers:   observers,
		RewardToken: config.Address(cfg.Rewards.RewardToken),
	}, a.Logger)
	if err != nil {
		k.Close()
		return nil, err
	}
	k.plugin = plugin

	if _, err := plugin.Restore(ctx); err != nil {
		k.Close()
		return nil, err
	}
	return k, nil
}

// withLock runs fn under the advisory lock key, failing fast when a running
// keeper holds it. Without a database there is nothing to coordinate with.
func (a *App) withLock(ctx context.Context, k *keeper, key int64, job string, fn func() error) error {
	if k.store == nil || key == 0 {
		return fn()
	}
	unlock, acquired, err := k.store.TryAdvisoryLock(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire %s lock: %w", job, err)
	}
	if !acquired {
		return fmt.Errorf("%s lock %d is held by a running keeper; try again later", job, key)
	}
	defer unlock()
	return fn()
}

// params maps configuration onto plugin parameters. Token decimals read from
// the pool are used unless the config pins them.
func (a *App) params(decimals peg.Decimals) collateral.Params {
	c := a.Config.Collateral
	tokenDecimals := c.ERC20Decimals
	if tokenDecimals == 0 {
		tokenDecimals = decimals.Token
	}
	return collateral.Params{
		FallbackPrice:     c.FallbackPrice,
		PriceFeed:         config.Address(c.PriceFeed),
		ERC20:             a.collateralAddress(),
		ERC20Decimals:     tokenDecimals,
		MaxTradeVolume:    c.MaxTradeVolume,
		OracleTimeout:     c.OracleTimeout,
		TargetName:        c.TargetName,
		TargetPerRef:      c.TargetPerRef,
		PricePerTarget:    c.PricePerTarget,
		DefaultThreshold:  c.DefaultThreshold,
		DelayUntilDefault: c.DelayUntilDefault,
		PoolProxy:         config.Address(c.PoolProxy),
		RewardsProxy:      config.Address(a.Config.Rewards.RewardsProxy),
		AutoCompoundProxy: config.Address(a.Config.Rewards.AutoCompoundProxy),
	}
}

func (a *App) newSinks() ([]collateral.EventSink, []collateral.RefreshObserver) {
	sinks := []collateral.EventSink{alerting.NewLogSink(a.Logger)}
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		tg := a.Config.Alerting.Telegram
		sinks = append(sinks, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, a.Config.App.Name, 10*time.Second, a.Logger))
	}
	return sinks, nil
}

// Run executes the long-running keeper service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	k, err := a.buildKeeper(ctx)
	if err != nil {
		return err
	}
	defer k.Close()

	if k.metrics != nil {
		go func() {
			if err := k.metrics.Serve(ctx, a.Config.Metrics.Listen, a.Config.Metrics.Path, a.Logger); err != nil {
				a.Logger.Error().Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}

	opts := service.Options{
		Refresh: scheduler.New(scheduler.Options{
			Name:         "refresh",
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			Immediate:    true,
		}, a.Logger),
		LockKey:      a.Config.Scheduler.AdvisoryLockKey,
		ClaimLockKey: a.Config.Scheduler.ClaimLockKey,
		ClaimTimeout: a.Config.Rewards.ClaimTimeout,
	}
	if k.store != nil {
		opts.Locker = k.store
	}
	if a.Config.Rewards.ClaimInterval > 0 && k.signer != nil {
		opts.Claim = scheduler.New(scheduler.Options{
			Name:         "claim",
			Interval:     a.Config.Rewards.ClaimInterval,
			StartupDelay: a.Config.Scheduler.StartupDelay,
		}, a.Logger)
	} else {
		a.Logger.Warn().Msg("periodic reward claims disabled (no claim interval or keeper key)")
	}

	svc := service.New(k.plugin, opts, a.Logger)

	a.Logger.Info().
		Str("erc20", k.plugin.ERC20().Hex()).
		Str("status", k.plugin.Status().String()).
		Msg("starting collateral keeper")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("keeper terminated with error")
		return err
	}

	a.Logger.Info().Msg("collateral keeper stopped")
	return nil
}

// ExportOptions hold parameters for exporting refresh history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Events bool
}
