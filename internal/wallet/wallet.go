// Package wallet derives the relayer's signing keys from a BIP39 mnemonic.
// One secp256k1 key is derived per chain at the BIP44 path
// m/44'/coin_type'/0'/0/0 and handed to the chain adapters as an
// *ecdsa.PrivateKey for transaction signing.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/lockswap-exchange/lockswap/internal/chain"
)

// BIP44 purpose field.
const purposeBIP44 = 44

// Wallet manages keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey

	mu    sync.Mutex
	cache map[uint32]*ecdsa.PrivateKey // coin type -> key
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (empty string for none).
func NewFromMnemonic(mnemonic, passphrase string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)

	// Network params only affect extended-key serialization, which this
	// wallet never emits; mainnet params are used throughout.
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		cache:     make(map[uint32]*ecdsa.PrivateKey),
	}, nil
}

// NewFromMnemonicFile loads the mnemonic from a file and builds the wallet.
func NewFromMnemonicFile(path, passphrase string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mnemonic file: %w", err)
	}
	return NewFromMnemonic(strings.TrimSpace(string(data)), passphrase)
}

// KeyForChain derives the signing key for a chain id.
func (w *Wallet) KeyForChain(chainID string) (*ecdsa.PrivateKey, error) {
	params, ok := chain.Get(chainID)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", chainID)
	}
	return w.deriveKey(params.CoinType)
}

// AddressForChain returns the relayer's hex address on a chain.
func (w *Wallet) AddressForChain(chainID string) (string, error) {
	key, err := w.KeyForChain(chainID)
	if err != nil {
		return "", err
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// deriveKey derives m/44'/coinType'/0'/0/0 and converts it to an
// *ecdsa.PrivateKey usable with go-ethereum transactors.
func (w *Wallet) deriveKey(coinType uint32) (*ecdsa.PrivateKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if key, ok := w.cache[coinType]; ok {
		return key, nil
	}

	key := w.masterKey
	var err error
	for _, step := range []uint32{
		hdkeychain.HardenedKeyStart + purposeBIP44,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart, // account 0'
		0,                           // change
		0,                           // index
	} {
		if key, err = key.Derive(step); err != nil {
			return nil, fmt.Errorf("failed to derive key: %w", err)
		}
	}

	ecPriv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %w", err)
	}

	priv := ecPriv.ToECDSA()
	w.cache[coinType] = priv
	return priv, nil
}
