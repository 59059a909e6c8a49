// Package accounts is the account directory: registration, identifier and
// deposit address lookups, and the watch list the indexer scans.
package accounts

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/account"
	"github.com/R3E-Network/custody_ledger/internal/app/storage"
	"github.com/R3E-Network/custody_ledger/internal/errors"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

const defaultCacheSize = 4096

// AddressDeriver assigns the custodial deposit address of an account.
type AddressDeriver interface {
	AddressFor(accountID string) (string, error)
}

// RegisteredHook runs after every successful Register call, including
// replays, so hooks must be idempotent.
type RegisteredHook func(ctx context.Context, acct account.Account) error

// Service manages accounts.
type Service struct {
	store     storage.Store
	addresses AddressDeriver
	log       *logger.Logger
	now       func() time.Time

	byIdentifier *lru.Cache[string, account.Account]
	byAddress    *lru.Cache[string, account.Account]

	mu    sync.RWMutex
	hooks []RegisteredHook
}

// New creates the directory. cacheSize bounds each lookup cache.
func New(store storage.Store, addresses AddressDeriver, cacheSize int, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("accounts")
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	byIdentifier, err := lru.New[string, account.Account](cacheSize)
	if err != nil {
		return nil, err
	}
	byAddress, err := lru.New[string, account.Account](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:        store,
		addresses:    addresses,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
		byIdentifier: byIdentifier,
		byAddress:    byAddress,
	}, nil
}

// OnRegistered adds a hook run after registration.
func (s *Service) OnRegistered(hook RegisteredHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Register creates the account for identifier with a derived deposit
// address. Registering an existing identifier returns the existing account.
func (s *Service) Register(ctx context.Context, identifier string) (account.Account, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return account.Account{}, errors.InvalidArgument("identifier is required")
	}

	acct, err := s.store.GetAccountByIdentifier(ctx, identifier)
	switch {
	case err == nil:
	case storage.IsNotFound(err):
		acct, err = s.create(ctx, identifier)
		if err != nil {
			return account.Account{}, err
		}
	default:
		return account.Account{}, errors.Translate(err, "load account")
	}

	s.remember(acct)
	s.runHooks(ctx, acct)
	return acct, nil
}

func (s *Service) create(ctx context.Context, identifier string) (account.Account, error) {
	id := uuid.NewString()
	address, err := s.addresses.AddressFor(id)
	if err != nil {
		return account.Account{}, errors.Internal("derive deposit address", err)
	}

	now := s.now()
	var stored account.Account
	var inserted bool
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		stored, inserted, err = tx.InsertAccount(ctx, account.Account{
			ID:             id,
			Identifier:     identifier,
			DepositAddress: address,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		return err
	})
	if err != nil {
		return account.Account{}, errors.Translate(err, "create account")
	}
	if inserted {
		s.log.WithFields(logrus.Fields{
			"account_id": stored.ID,
			"identifier": stored.Identifier,
			"address":    stored.DepositAddress,
		}).Info("account registered")
	}
	return stored, nil
}

func (s *Service) runHooks(ctx context.Context, acct account.Account) {
	s.mu.RLock()
	hooks := append([]RegisteredHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, acct); err != nil {
			s.log.WithError(err).WithField("account_id", acct.ID).Warn("registration hook failed")
		}
	}
}

func (s *Service) remember(acct account.Account) {
	s.byIdentifier.Add(acct.Identifier, acct)
	if acct.DepositAddress != "" {
		s.byAddress.Add(acct.DepositAddress, acct)
	}
}

// Get loads an account by id.
func (s *Service) Get(ctx context.Context, id string) (account.Account, error) {
	acct, err := s.store.GetAccount(ctx, strings.TrimSpace(id))
	if storage.IsNotFound(err) {
		return account.Account{}, errors.NotFound("account", id)
	}
	return acct, errors.Translate(err, "load account")
}

// FindAccountByIdentifier returns the account id for identifier, or ok=false.
func (s *Service) FindAccountByIdentifier(ctx context.Context, identifier string) (string, bool, error) {
	identifier = strings.TrimSpace(identifier)
	if acct, ok := s.byIdentifier.Get(identifier); ok {
		return acct.ID, true, nil
	}
	acct, err := s.store.GetAccountByIdentifier(ctx, identifier)
	if storage.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Translate(err, "find account")
	}
	s.remember(acct)
	return acct.ID, true, nil
}

// AccountByAddress returns the account owning a deposit address.
func (s *Service) AccountByAddress(ctx context.Context, address string) (account.Account, error) {
	address = strings.TrimSpace(address)
	if acct, ok := s.byAddress.Get(address); ok {
		return acct, nil
	}
	acct, err := s.store.GetAccountByAddress(ctx, address)
	if storage.IsNotFound(err) {
		return account.Account{}, errors.NotFound("account address", address)
	}
	if err != nil {
		return account.Account{}, errors.Translate(err, "load account")
	}
	s.remember(acct)
	return acct, nil
}

// Addresses lists every deposit address.
func (s *Service) Addresses(ctx context.Context) ([]string, error) {
	result, err := s.store.ListDepositAddresses(ctx)
	return result, errors.Translate(err, "list deposit addresses")
}
