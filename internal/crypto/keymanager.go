// Package crypto loads the wallet key, signs exit and entry orders with
// EIP-712, and derives the L2 HMAC headers the CLOB expects.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

const (
	keyfileVersion   = 2
	pbkdf2Iterations = 480_000
	saltLen          = 16
)

// keyfile is the on-disk wallet format. The address is stored in clear and
// bound to the ciphertext as GCM additional data, so a file whose address
// was edited fails to open.
type keyfile struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	Salt       []byte         `json:"salt"`
	Nonce      []byte         `json:"nonce"`
	Ciphertext []byte         `json:"ciphertext"`
}

// KeyConfig names where the wallet key comes from. A raw key wins over an
// encrypted file.
type KeyConfig struct {
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

// Configured reports whether cfg names any key source.
func (cfg KeyConfig) Configured() bool {
	return cfg.RawPrivateKey != "" || cfg.EncryptedKeyPath != ""
}

// EncryptKey seals a hex private key under password and returns the keyfile
// JSON.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto/keymanager: empty password")
	}
	raw, addr, err := parseKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	kf := keyfile{Version: keyfileVersion, Address: addr, Salt: make([]byte, saltLen)}
	if _, err := rand.Read(kf.Salt); err != nil {
		return nil, fmt.Errorf("crypto/keymanager: salt: %w", err)
	}
	gcm, err := sealer(password, kf.Salt)
	if err != nil {
		return nil, err
	}
	kf.Nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(kf.Nonce); err != nil {
		return nil, fmt.Errorf("crypto/keymanager: nonce: %w", err)
	}
	kf.Ciphertext = gcm.Seal(nil, kf.Nonce, raw, addr.Bytes())
	return json.MarshalIndent(kf, "", "  ")
}

// DecryptKey opens a keyfile and returns the hex key without 0x. The key is
// checked against the stored address.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto/keymanager: empty password")
	}
	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto/keymanager: parse keyfile: %w", err)
	}
	if kf.Version != keyfileVersion {
		return "", fmt.Errorf("crypto/keymanager: unsupported keyfile version %d", kf.Version)
	}

	gcm, err := sealer(password, kf.Salt)
	if err != nil {
		return "", err
	}
	if len(kf.Nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto/keymanager: nonce length %d", len(kf.Nonce))
	}
	raw, err := gcm.Open(nil, kf.Nonce, kf.Ciphertext, kf.Address.Bytes())
	if err != nil {
		return "", errors.New("crypto/keymanager: wrong password or corrupted keyfile")
	}

	key := hex.EncodeToString(raw)
	if _, addr, err := parseKey(key); err != nil || addr != kf.Address {
		return "", errors.New("crypto/keymanager: key does not match keyfile address")
	}
	return key, nil
}

// LoadKey resolves the wallet key. Every failure wraps domain.ErrConfiguration.
func LoadKey(cfg KeyConfig) (string, error) {
	switch {
	case cfg.RawPrivateKey != "":
		if _, _, err := parseKey(cfg.RawPrivateKey); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
		}
		return strings.TrimPrefix(cfg.RawPrivateKey, "0x"), nil

	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto/keymanager: %w: read keyfile: %v", domain.ErrConfiguration, err)
		}
		key, err := DecryptKey(data, cfg.KeyPassword)
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
		}
		return key, nil
	}
	return "", fmt.Errorf("crypto/keymanager: %w: no private key source configured", domain.ErrConfiguration)
}

func parseKey(privateKeyHex string) ([]byte, common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil || len(raw) != 32 {
		return nil, common.Address{}, errors.New("crypto/keymanager: private key must be 32 hex bytes")
	}
	pk, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("crypto/keymanager: invalid private key: %w", err)
	}
	return raw, ethcrypto.PubkeyToAddress(pk.PublicKey), nil
}

// sealer derives the AES-256-GCM cipher for password and salt.
func sealer(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto/keymanager: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
