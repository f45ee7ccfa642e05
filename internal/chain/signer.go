package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"

	"github.com/atlasvault/gotrader/pkg/config"
	"github.com/atlasvault/gotrader/pkg/secretstore"
)

// Signer 交易签名者（授权交易员身份）
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// LoadSigner 按优先级加载签名私钥：环境变量 > secretstore > 助记词派生
func LoadSigner(cfg config.SignerConfig, chainID *big.Int) (*Signer, error) {
	if raw := strings.TrimSpace(os.Getenv(cfg.PrivateKeyEnv)); raw != "" {
		return newSignerFromHex(raw, chainID)
	}

	if cfg.SecretStorePath != "" {
		encKey, err := secretstore.ParseKey(os.Getenv(cfg.SecretStoreKeyEnv))
		if err != nil {
			return nil, fmt.Errorf("signer: parse secretstore key: %w", err)
		}
		store, err := secretstore.Open(secretstore.OpenOptions{
			Path:          cfg.SecretStorePath,
			EncryptionKey: encKey,
			ReadOnly:      true,
		})
		if err != nil {
			return nil, fmt.Errorf("signer: open secretstore: %w", err)
		}
		defer store.Close()

		if raw, found, err := store.GetString(secretstore.KeySignerPrivateKey); err != nil {
			return nil, err
		} else if found && strings.TrimSpace(raw) != "" {
			return newSignerFromHex(raw, chainID)
		}
		if mnemonic, found, err := store.GetString(secretstore.KeySignerMnemonic); err != nil {
			return nil, err
		} else if found && strings.TrimSpace(mnemonic) != "" {
			return newSignerFromMnemonic(mnemonic, cfg.DerivationPath, chainID)
		}
	}

	if cfg.MnemonicEnv != "" {
		if mnemonic := strings.TrimSpace(os.Getenv(cfg.MnemonicEnv)); mnemonic != "" {
			return newSignerFromMnemonic(mnemonic, cfg.DerivationPath, chainID)
		}
	}

	return nil, errors.New("signer: no private key available (env / secretstore / mnemonic all empty)")
}

func newSignerFromHex(raw string, chainID *big.Int) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signer: invalid private key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

func newSignerFromMnemonic(mnemonic, derivationPath string, chainID *big.Int) (*Signer, error) {
	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid mnemonic: %w", err)
	}
	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid derivation path %q: %w", derivationPath, err)
	}
	account, err := wallet.Derive(path, false)
	if err != nil {
		return nil, fmt.Errorf("signer: derive account: %w", err)
	}
	key, err := wallet.PrivateKey(account)
	if err != nil {
		return nil, fmt.Errorf("signer: export private key: %w", err)
	}
	return &Signer{
		key:     key,
		address: account.Address,
		chainID: chainID,
	}, nil
}

// Address 签名者地址
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx 用 EIP-155 签名器签名交易
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
}
