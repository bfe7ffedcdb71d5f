package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func samplePayload(addr string) OrderPayload {
	return OrderPayload{
		Salt:        "1700000000000",
		Maker:       addr,
		Signer:      addr,
		Taker:       "0x0000000000000000000000000000000000000000",
		TokenID:     "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		MakerAmount: "10000000",
		TakerAmount: "6100000",
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
		Side:        1,
	}
}

func TestSignOrderRecoversSigner(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)
	addr := s.Address().Hex()

	sig, err := s.SignOrder(samplePayload(addr))
	require.NoError(t, err)
	assert.Len(t, sig, 2+130)

	got, err := s.RecoverOrderSigner(samplePayload(addr), sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)
}

func TestOrderDomainDependsOnExchange(t *testing.T) {
	binary, err := NewSigner(testKey, 137)
	require.NoError(t, err)
	negRisk, err := NewSigner(testKey, 137, NegRiskExchangePolygon)
	require.NoError(t, err)

	p := samplePayload(binary.Address().Hex())
	a, err := binary.SignOrder(p)
	require.NoError(t, err)
	b, err := negRisk.SignOrder(p)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = NewSigner(testKey, 137, "not-an-address")
	assert.Error(t, err)
}

func TestSignOrderRejectsBadNumbers(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)
	p := samplePayload(s.Address().Hex())
	p.MakerAmount = "1.5"
	_, err = s.SignOrder(p)
	assert.ErrorContains(t, err, "makerAmount")
}

func TestL2HeadersAt(t *testing.T) {
	secret := base64.URLEncoding.EncodeToString([]byte("shh"))
	h := &HMACAuth{Key: "k", Secret: secret, Passphrase: "p"}
	headers := h.L2HeadersAt("0xabc", "POST", "/order", `{"a":1}`, 1700000000)

	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write([]byte(`1700000000POST/order{"a":1}`))
	assert.Equal(t, base64.URLEncoding.EncodeToString(mac.Sum(nil)), headers["POLY_SIGNATURE"])
	assert.Equal(t, "1700000000", headers["POLY_TIMESTAMP"])
	assert.Equal(t, "0xabc", headers["POLY_ADDRESS"])
	assert.Equal(t, "k", headers["POLY_API_KEY"])
	assert.NotContains(t, h.String(), secret)
}

func TestLoadKey(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "hunter2")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	tests := []struct {
		name    string
		cfg     KeyConfig
		want    string
		wantErr bool
	}{
		{name: "raw", cfg: KeyConfig{RawPrivateKey: "0x" + testKey}, want: testKey},
		{name: "raw wins", cfg: KeyConfig{RawPrivateKey: testKey, EncryptedKeyPath: "/nope"}, want: testKey},
		{name: "short raw", cfg: KeyConfig{RawPrivateKey: "abcd"}, wantErr: true},
		{name: "encrypted", cfg: KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"}, want: testKey},
		{name: "wrong password", cfg: KeyConfig{EncryptedKeyPath: path, KeyPassword: "nope"}, wantErr: true},
		{name: "missing file", cfg: KeyConfig{EncryptedKeyPath: filepath.Join(t.TempDir(), "x")}, wantErr: true},
		{name: "nothing", cfg: KeyConfig{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadKey(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyfileBindsAddress(t *testing.T) {
	blob, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)

	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)
	var kf keyfile
	require.NoError(t, json.Unmarshal(blob, &kf))
	assert.Equal(t, s.Address(), kf.Address)

	kf.Address[0] ^= 0xff
	tampered, err := json.Marshal(kf)
	require.NoError(t, err)
	_, err = DecryptKey(tampered, "hunter2")
	assert.Error(t, err)

	_, err = EncryptKey(testKey, "")
	assert.Error(t, err)
}
