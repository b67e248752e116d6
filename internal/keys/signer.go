package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoCredential = errors.New("no credential configured")

// Signer holds a relayer's private key. The key never leaves this type: it
// is redacted in logs and cannot be marshalled.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewSigner(key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, ErrNoCredential
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// FromHex parses a hex private key with or without the 0x prefix.
func FromHex(value string) (*Signer, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrNoCredential
	}
	value = strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	key, err := crypto.HexToECDSA(value)
	if err != nil {
		return nil, errors.New("invalid private key")
	}
	return NewSigner(key)
}

// FromEnv reads a hex private key from the named environment variable.
// An unset or empty variable yields ErrNoCredential.
func FromEnv(name string) (*Signer, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrNoCredential
	}
	s, err := FromHex(os.Getenv(name))
	if err != nil && !errors.Is(err, ErrNoCredential) {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return s, err
}

// FromKeystore decrypts a go-ethereum keystore JSON file.
func FromKeystore(path string, passphrase string) (*Signer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrNoCredential
	}
	if passphrase == "" {
		return nil, errors.New("keystore passphrase is empty")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore %s: %w", path, err)
	}
	if key.PrivateKey == nil {
		return nil, errors.New("private key not available")
	}
	return NewSigner(key.PrivateKey)
}

func (s *Signer) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}

func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, ErrNoCredential
	}
	if chainID == nil {
		return nil, errors.New("chainID is required")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

func (s *Signer) String() string {
	return s.Address().Hex()
}

func (s *Signer) LogValue() slog.Value {
	return slog.StringValue(s.Address().Hex())
}

func (s *Signer) MarshalJSON() ([]byte, error) {
	return nil, errors.New("signer cannot be serialized")
}
