package app

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // postgres driver
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/account"
	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
	sponsordomain "github.com/R3E-Network/custody_ledger/internal/app/domain/sponsor"
	"github.com/R3E-Network/custody_ledger/internal/app/services/accounts"
	"github.com/R3E-Network/custody_ledger/internal/app/services/indexer"
	"github.com/R3E-Network/custody_ledger/internal/app/services/ledger"
	"github.com/R3E-Network/custody_ledger/internal/app/services/sponsor"
	"github.com/R3E-Network/custody_ledger/internal/app/services/transfers"
	"github.com/R3E-Network/custody_ledger/internal/app/services/withdrawal"
	"github.com/R3E-Network/custody_ledger/internal/app/storage"
	"github.com/R3E-Network/custody_ledger/internal/app/storage/memory"
	"github.com/R3E-Network/custody_ledger/internal/app/storage/postgres"
	"github.com/R3E-Network/custody_ledger/internal/app/system"
	"github.com/R3E-Network/custody_ledger/internal/chain"
	"github.com/R3E-Network/custody_ledger/internal/config"
	"github.com/R3E-Network/custody_ledger/internal/platform/migrations"
	"github.com/R3E-Network/custody_ledger/internal/resilience"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

// Dependencies are the external collaborators of the application. Open
// builds them from configuration; tests supply fakes.
type Dependencies struct {
	Store        storage.Store
	Client       chaintx.LedgerClient
	Signer       chaintx.Signer
	Assets       chain.Assets
	SponsorStore sponsor.Store
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	cfg     config.Config
	manager *system.Manager
	log     *logger.Logger
	store   storage.Store
	closers []func() error

	Assets      chain.Assets
	Ledger      *ledger.Service
	Accounts    *accounts.Service
	Sponsor     *sponsor.Guard
	Withdrawals *withdrawal.Pipeline
	Indexer     *indexer.Indexer
	Transfers   *transfers.Resolver
}

// New builds the application from explicit dependencies. A nil Store or
// SponsorStore defaults to the in-memory implementation.
func New(cfg config.Config, deps Dependencies, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("ledger client is required")
	}
	if deps.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if deps.Store == nil {
		deps.Store = memory.New()
	}
	if deps.SponsorStore == nil {
		deps.SponsorStore = sponsor.NewMemoryStore()
	}
	if deps.Assets == nil {
		deps.Assets = chain.DefaultAssets()
	}

	ledgerSvc := ledger.New(deps.Store, log.Component("ledger"))

	acctSvc, err := accounts.New(deps.Store, deps.Signer, 0, log.Component("accounts"))
	if err != nil {
		return nil, fmt.Errorf("accounts service: %w", err)
	}

	guard := sponsor.NewGuard(deps.SponsorStore, sponsor.Config{
		Limits: sponsordomain.Limits{
			DailyBudget:       cfg.Sponsor.DailyBudget,
			TotalBudget:       cfg.Sponsor.TotalBudget,
			PerUserDailyLimit: cfg.Sponsor.PerUserDailyLimit,
		},
		FeeEstimates: cfg.Sponsor.FeeEstimates,
		DefaultFee:   cfg.Sponsor.DefaultFee,
	}, log.Component("sponsor"))

	submit := resilience.DefaultPolicy()
	submit.MaxAttempts = cfg.Withdrawal.SubmitAttempts
	pipeline := withdrawal.New(deps.Store, ledgerSvc, deps.Signer, deps.Client, guard, withdrawal.Config{
		ConfirmationTimeout: cfg.Withdrawal.ConfirmationTimeout,
		BuildingTimeout:     cfg.Withdrawal.BuildingTimeout,
		RecheckDelay:        cfg.Withdrawal.RecheckDelay,
		Submit:              submit,
		FeeAsset:            cfg.Withdrawal.FeeAsset,
	}, log.Component("withdrawal"))

	ixCfg := indexer.DefaultConfig()
	if cfg.Indexer.Name != "" {
		ixCfg.Name = cfg.Indexer.Name
	}
	if cfg.Indexer.Interval > 0 {
		ixCfg.Interval = cfg.Indexer.Interval
	}
	if cfg.Indexer.CycleTimeout > 0 {
		ixCfg.CycleTimeout = cfg.Indexer.CycleTimeout
	}
	if cfg.Indexer.MaxBackoff > 0 {
		ixCfg.Backoff.MaxBackoff = cfg.Indexer.MaxBackoff
	}
	ixCfg.StartHeight = cfg.Indexer.StartHeight
	ixCfg.Addresses = cfg.Indexer.Addresses
	ix := indexer.New(deps.Store, ledgerSvc, deps.Client, pipeline, ixCfg, log.Component("indexer"))

	resolver := transfers.New(deps.Store, ledgerSvc, acctSvc, transfers.Config{
		Expiry:     cfg.Transfers.Expiry,
		SweepLimit: cfg.Transfers.SweepLimit,
	}, log.Component("transfers"))

	acctSvc.OnRegistered(func(_ context.Context, acct account.Account) error {
		ix.Watch(acct.DepositAddress)
		return nil
	})
	acctSvc.OnRegistered(func(ctx context.Context, acct account.Account) error {
		settled, err := resolver.ResolveForNewAccount(ctx, acct.ID, acct.Identifier)
		if len(settled) > 0 {
			log.WithFields(logrus.Fields{
				"account_id": acct.ID,
				"identifier": acct.Identifier,
				"settled":    len(settled),
			}).Info("pending transfers resolved for new account")
		}
		return err
	})

	manager := system.NewManager()
	services := []system.Service{
		withdrawal.NewExpirer(pipeline, cfg.Withdrawal.ExpiryInterval, log.Component("withdrawal-expirer")),
		transfers.NewSweeper(resolver, cfg.Transfers.SweepSchedule, log.Component("transfer-sweeper")),
	}
	if cfg.Indexer.Enabled {
		services = append(services, ix)
	}
	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		cfg:         cfg,
		manager:     manager,
		log:         log,
		store:       deps.Store,
		Assets:      deps.Assets,
		Ledger:      ledgerSvc,
		Accounts:    acctSvc,
		Sponsor:     guard,
		Withdrawals: pipeline,
		Indexer:     ix,
		Transfers:   resolver,
	}, nil
}

// Open builds the application and its external connections from
// configuration: Postgres when a DSN is set, the Neo RPC client, the
// keyring signer and, when configured, the shared Redis sponsor store.
func Open(ctx context.Context, cfg config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if cfg.Database.DSN == "" && !cfg.Database.AllowMemory {
		return nil, fmt.Errorf("database dsn is required; set database.allow_memory only for development")
	}
	var closers []func() error
	fail := func(err error) (*Application, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	assets, err := chain.BuildAssets(cfg.Chain.Assets)
	if err != nil {
		return fail(fmt.Errorf("chain assets: %w", err))
	}
	client, err := chain.NewClient(chain.Config{
		RPCURL:    cfg.Chain.RPCURL,
		NetworkID: cfg.Chain.NetworkID,
		Timeout:   cfg.Chain.Timeout,
		BatchSize: cfg.Chain.BatchSize,
		Assets:    assets,
	})
	if err != nil {
		return fail(fmt.Errorf("chain client: %w", err))
	}
	seed, err := cfg.Signer.Seed()
	if err != nil {
		return fail(err)
	}
	signer, err := chain.NewKeyringSigner(chain.SignerConfig{
		MasterSeed:  seed,
		NetworkID:   cfg.Chain.NetworkID,
		ValidBlocks: cfg.Signer.ValidBlocks,
		SponsorWIF:  cfg.Signer.SponsorWIF,
		Assets:      assets,
	}, client)
	if err != nil {
		return fail(fmt.Errorf("signer: %w", err))
	}

	deps := Dependencies{Client: client, Signer: signer, Assets: assets}

	if cfg.Database.DSN != "" {
		db, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, db.Close)
		if cfg.Database.Migrate {
			if err := migrations.Up(db); err != nil {
				return fail(err)
			}
			log.Info("database migrations applied")
		}
		deps.Store = postgres.New(db)
	} else {
		log.Warn("no database DSN configured; using the non-durable in-memory store, all balances are lost on exit (development only)")
	}

	if cfg.Sponsor.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Sponsor.RedisAddr,
			Password: cfg.Sponsor.RedisPassword,
			DB:       cfg.Sponsor.RedisDB,
		})
		closers = append(closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("connect redis: %w", err))
		}
		deps.SponsorStore = sponsor.NewRedisStore(rdb, cfg.Sponsor.RedisPrefix)
	}

	application, err := New(cfg, deps, log)
	if err != nil {
		return fail(err)
	}
	application.closers = closers
	return application, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Config returns the configuration the application was built with.
func (a *Application) Config() config.Config { return a.cfg }

// Services names the managed background services in start order.
func (a *Application) Services() []string { return a.manager.Services() }

// Start starts every registered background service.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Close releases external connections. Call it after Stop.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stderrors.Join(errs...)
}

// Ready reports whether storage answers a read.
func (a *Application) Ready(ctx context.Context) error {
	_, err := a.store.ListDepositAddresses(ctx)
	return err
}
