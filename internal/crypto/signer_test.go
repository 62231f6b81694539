package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testPayload(s *Signer) OrderPayload {
	return OrderPayload{
		Salt:          "12345",
		Maker:         s.Address().Hex(),
		Signer:        s.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		MakerAmount:   "4800000",
		TakerAmount:   "10000000",
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          0,
		SignatureType: 0,
	}
}

func recoverAddress(t *testing.T, digest []byte, sigHex string) string {
	t.Helper()
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	return ethcrypto.PubkeyToAddress(*pub).Hex()
}

func TestSigner_SignOrderRecoversToSigner(t *testing.T) {
	s, err := NewSigner("0x"+testKey, 137)
	require.NoError(t, err)

	p := testPayload(s)
	sig, err := s.SignOrder(p, false)
	require.NoError(t, err)

	structHash, err := orderStructHash(p)
	require.NoError(t, err)
	digest := typedDataHash(s.exchangeDomain, structHash)
	assert.Equal(t, s.Address().Hex(), recoverAddress(t, digest, sig))
}

func TestSigner_NegRiskUsesDifferentDomain(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)

	a, err := s.SignOrder(testPayload(s), false)
	require.NoError(t, err)
	b, err := s.SignOrder(testPayload(s), true)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSigner_RejectsBadNumbers(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)

	p := testPayload(s)
	p.MakerAmount = "4.8"
	_, err = s.SignOrder(p, false)
	assert.ErrorContains(t, err, "makerAmount")
}

func TestSigner_SignAuth(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)

	sig, err := s.SignAuth(1_700_000_000, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig, "0x"))
	assert.Len(t, sig, 2+130)
}

func TestAPICredentials_L2HeadersAt(t *testing.T) {
	c := APICredentials{Key: "k", Secret: "c2VjcmV0", Passphrase: "p"}
	h1 := c.L2HeadersAt("0xabc", "GET", "/data/orders", "", 1_700_000_000)
	h2 := c.L2HeadersAt("0xabc", "GET", "/data/orders", "", 1_700_000_000)
	h3 := c.L2HeadersAt("0xabc", "GET", "/data/orders", "", 1_700_000_001)

	assert.Equal(t, "1700000000", h1["POLY_TIMESTAMP"])
	assert.Equal(t, "k", h1["POLY_API_KEY"])
	assert.Equal(t, h1["POLY_SIGNATURE"], h2["POLY_SIGNATURE"])
	assert.NotEqual(t, h1["POLY_SIGNATURE"], h3["POLY_SIGNATURE"])
	assert.NotContains(t, c.String(), "c2VjcmV0")
}

func TestKeyFile_RoundTrip(t *testing.T) {
	data, err := EncryptKey("0x"+testKey, "pw")
	require.NoError(t, err)

	got, err := DecryptKey(data, "pw")
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = DecryptKey(data, "wrong")
	assert.Error(t, err)
}

func TestLoadKey_PrefersRaw(t *testing.T) {
	k, err := LoadKey(KeySource{RawPrivateKey: "0x" + testKey, EncryptedKeyPath: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, testKey, k)

	_, err = LoadKey(KeySource{})
	assert.Error(t, err)
}
