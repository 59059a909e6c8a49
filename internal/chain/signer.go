package chain

import (
	"context"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/smartcontract"
	"github.com/nspcc-dev/neo-go/pkg/vm/opcode"
	"golang.org/x/crypto/hkdf"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
)

var hkdfSalt = []byte("custody-ledger")

const sponsorLabel = "platform:sponsor"

// FeeEstimator prices transactions and supplies the height used for
// ValidUntilBlock. *Client implements it.
type FeeEstimator interface {
	Head(ctx context.Context) (uint64, error)
	SystemFee(ctx context.Context, script []byte, signers []transaction.Signer) (int64, error)
	NetworkFee(ctx context.Context, raw []byte) (int64, error)
}

// SignerConfig configures the keyring.
type SignerConfig struct {
	MasterSeed []byte
	NetworkID  uint32
	// ValidBlocks is how many blocks past the current head a transaction
	// stays valid.
	ValidBlocks uint32
	// SponsorWIF is the platform fee payer. Empty derives it from the seed.
	SponsorWIF string
	Assets     Assets
}

// KeyringSigner derives one custodial key per account from a master seed and
// builds signed NEP-17 transfers.
type KeyringSigner struct {
	seed        []byte
	networkID   uint32
	validBlocks uint32
	assets      Assets
	fees        FeeEstimator
	sponsor     *keys.PrivateKey

	mu    sync.Mutex
	cache map[string]*keys.PrivateKey
}

var _ chaintx.Signer = (*KeyringSigner)(nil)

// NewKeyringSigner creates a signer. fees may be nil for address-only use.
func NewKeyringSigner(cfg SignerConfig, fees FeeEstimator) (*KeyringSigner, error) {
	if len(cfg.MasterSeed) == 0 {
		return nil, fmt.Errorf("master seed is required")
	}
	s := &KeyringSigner{
		seed:        append([]byte(nil), cfg.MasterSeed...),
		networkID:   cfg.NetworkID,
		validBlocks: cfg.ValidBlocks,
		assets:      cfg.Assets,
		fees:        fees,
		cache:       make(map[string]*keys.PrivateKey),
	}
	if s.validBlocks == 0 {
		s.validBlocks = 100
	}
	if s.assets == nil {
		s.assets = DefaultAssets()
	}

	if wif := strings.TrimSpace(cfg.SponsorWIF); wif != "" {
		priv, err := keys.NewPrivateKeyFromWIF(wif)
		if err != nil {
			return nil, fmt.Errorf("sponsor key: %w", err)
		}
		s.sponsor = priv
	} else {
		priv, err := deriveKey(s.seed, sponsorLabel)
		if err != nil {
			return nil, fmt.Errorf("sponsor key: %w", err)
		}
		s.sponsor = priv
	}
	return s, nil
}

// AddressFor returns the custodial deposit address of an account.
func (s *KeyringSigner) AddressFor(accountID string) (string, error) {
	priv, err := s.keyFor(accountID)
	if err != nil {
		return "", err
	}
	return priv.Address(), nil
}

// SponsorAddress returns the address that pays sponsored fees.
func (s *KeyringSigner) SponsorAddress() string { return s.sponsor.Address() }

// ValidateAddress checks that addr is a well-formed address on this network.
func (s *KeyringSigner) ValidateAddress(addr string) error {
	return ValidateAddress(addr)
}

// ValidateAddress checks that addr is a well-formed Neo N3 address.
func ValidateAddress(addr string) error {
	if _, err := address.StringToUint160(strings.TrimSpace(addr)); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return nil
}

// Sign builds, prices and signs a NEP-17 transfer. When SponsorFees is set
// the sponsor key is the sender and pays both fees; the custodial key
// witnesses the transfer with CalledByEntry scope.
func (s *KeyringSigner) Sign(ctx context.Context, intent chaintx.TransferIntent) (chaintx.SignedTransaction, error) {
	if s.fees == nil {
		return chaintx.SignedTransaction{}, errors.New("signer has no fee estimator")
	}
	asset, ok := s.assets.Lookup(intent.Asset)
	if !ok {
		return chaintx.SignedTransaction{}, fmt.Errorf("unknown asset %q", intent.Asset)
	}
	owner, err := s.keyFor(intent.AccountID)
	if err != nil {
		return chaintx.SignedTransaction{}, err
	}
	if intent.FromAddress != "" && intent.FromAddress != owner.Address() {
		return chaintx.SignedTransaction{}, fmt.Errorf("address %s does not belong to account %s", intent.FromAddress, intent.AccountID)
	}
	to, err := address.StringToUint160(intent.ToAddress)
	if err != nil {
		return chaintx.SignedTransaction{}, fmt.Errorf("invalid destination %q: %w", intent.ToAddress, err)
	}

	script, err := smartcontract.CreateCallWithAssertScript(asset.Hash, "transfer",
		owner.GetScriptHash(), to, new(big.Int).SetUint64(intent.Amount), nil)
	if err != nil {
		return chaintx.SignedTransaction{}, fmt.Errorf("build transfer script: %w", err)
	}

	signingKeys := []*keys.PrivateKey{owner}
	signers := []transaction.Signer{{Account: owner.GetScriptHash(), Scopes: transaction.CalledByEntry}}
	if intent.SponsorFees {
		signingKeys = []*keys.PrivateKey{s.sponsor, owner}
		signers = []transaction.Signer{
			{Account: s.sponsor.GetScriptHash(), Scopes: transaction.None},
			{Account: owner.GetScriptHash(), Scopes: transaction.CalledByEntry},
		}
	}

	sysFee, err := s.fees.SystemFee(ctx, script, signers)
	if err != nil {
		return chaintx.SignedTransaction{}, fmt.Errorf("estimate system fee: %w", err)
	}
	head, err := s.fees.Head(ctx)
	if err != nil {
		return chaintx.SignedTransaction{}, fmt.Errorf("read head: %w", err)
	}
	validUntil := uint32(head) + s.validBlocks
	nonce, err := randomNonce()
	if err != nil {
		return chaintx.SignedTransaction{}, err
	}

	draft := assemble(script, sysFee, 0, validUntil, nonce, signers, signingKeys)
	netFee, err := s.fees.NetworkFee(ctx, draft.Bytes())
	if err != nil {
		return chaintx.SignedTransaction{}, fmt.Errorf("estimate network fee: %w", err)
	}

	tx := assemble(script, sysFee, netFee, validUntil, nonce, signers, signingKeys)
	for i, priv := range signingKeys {
		sig := priv.SignHashable(s.networkID, tx)
		tx.Scripts[i].InvocationScript = append([]byte{byte(opcode.PUSHDATA1), keys.SignatureLen}, sig...)
	}

	return chaintx.SignedTransaction{
		Hash:       "0x" + tx.Hash().StringLE(),
		Raw:        tx.Bytes(),
		SystemFee:  uint64(sysFee),
		NetworkFee: uint64(netFee),
		Sponsored:  intent.SponsorFees,
		ValidUntil: uint64(validUntil),
	}, nil
}

func assemble(script []byte, sysFee, netFee int64, validUntil, nonce uint32, signers []transaction.Signer, signingKeys []*keys.PrivateKey) *transaction.Transaction {
	tx := transaction.New(script, sysFee)
	tx.NetworkFee = netFee
	tx.ValidUntilBlock = validUntil
	tx.Nonce = nonce
	tx.Signers = append([]transaction.Signer(nil), signers...)
	tx.Scripts = make([]transaction.Witness, len(signingKeys))
	for i, priv := range signingKeys {
		tx.Scripts[i] = transaction.Witness{
			InvocationScript:   []byte{},
			VerificationScript: priv.PublicKey().GetVerificationScript(),
		}
	}
	return tx
}

func (s *KeyringSigner) keyFor(accountID string) (*keys.PrivateKey, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if priv, ok := s.cache[accountID]; ok {
		return priv, nil
	}
	priv, err := deriveKey(s.seed, "account:"+accountID)
	if err != nil {
		return nil, err
	}
	s.cache[accountID] = priv
	return priv, nil
}

// deriveKey maps HKDF output into [1, n-1] of the P-256 order.
func deriveKey(seed []byte, label string) (*keys.PrivateKey, error) {
	reader := hkdf.New(sha256.New, seed, hkdfSalt, []byte("neo-custody-"+label))
	okm := make([]byte, 32)
	if _, err := io.ReadFull(reader, okm); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	n := elliptic.P256().Params().N
	d := new(big.Int).SetBytes(okm)
	d.Mod(d, new(big.Int).Sub(n, big.NewInt(1)))
	d.Add(d, big.NewInt(1))

	priv, err := keys.NewPrivateKeyFromBytes(d.FillBytes(make([]byte, 32)))
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return priv, nil
}

func randomNonce() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("nonce: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
