package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Exchange contracts on Polygon mainnet used as EIP-712 verifying contracts.
var (
	ExchangeAddress        = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	NegRiskExchangeAddress = common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a")
)

const clobAuthMessage = "This message attests that I control the given wallet"

var (
	authDomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	exchangeDomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	clobAuthTypeHash = ethcrypto.Keccak256(
		[]byte("ClobAuth(address address,string timestamp,uint256 nonce,string message)"),
	)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)
)

// OrderPayload is the unsigned CLOB order struct. Integer fields are decimal
// strings so they survive JSON untouched.
type OrderPayload struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          int    `json:"side"`          // 0 = BUY, 1 = SELL
	SignatureType int    `json:"signatureType"` // 0 = EOA, 1 = POLY_PROXY, 2 = POLY_GNOSIS_SAFE
}

// Signer is the wallet's signing capability.
type Signer struct {
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	authDomain     []byte
	exchangeDomain []byte
	negRiskDomain  []byte
}

// NewSigner creates a Signer from a hex secp256k1 key and chain id
// (137 for Polygon mainnet, 80002 for Amoy).
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	cid := big.NewInt(chainID)
	return &Signer{
		privateKey:     pk,
		address:        ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:        cid,
		authDomain:     authDomainSeparator("ClobAuthDomain", "1", cid),
		exchangeDomain: exchangeDomainSeparator(cid, ExchangeAddress),
		negRiskDomain:  exchangeDomainSeparator(cid, NegRiskExchangeAddress),
	}, nil
}

// Address returns the EOA derived from the key.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer was built for.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignAuth signs the ClobAuth message used for L1 (API key) requests.
func (s *Signer) SignAuth(timestamp, nonce int64) (string, error) {
	structHash := ethcrypto.Keccak256(
		clobAuthTypeHash,
		common.LeftPadBytes(s.address.Bytes(), 32),
		ethcrypto.Keccak256([]byte(fmt.Sprintf("%d", timestamp))),
		word(big.NewInt(nonce)),
		ethcrypto.Keccak256([]byte(clobAuthMessage)),
	)
	return s.signDigest(typedDataHash(s.authDomain, structHash))
}

// SignOrder signs an order for the standard or neg-risk exchange.
func (s *Signer) SignOrder(o OrderPayload, negRisk bool) (string, error) {
	structHash, err := orderStructHash(o)
	if err != nil {
		return "", err
	}
	domain := s.exchangeDomain
	if negRisk {
		domain = s.negRiskDomain
	}
	return s.signDigest(typedDataHash(domain, structHash))
}

// SignTx signs an EIP-155 / London transaction for on-chain redemption.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign tx: %w", err)
	}
	return signed, nil
}

func authDomainSeparator(name, version string, chainID *big.Int) []byte {
	return ethcrypto.Keccak256(
		authDomainTypeHash,
		ethcrypto.Keccak256([]byte(name)),
		ethcrypto.Keccak256([]byte(version)),
		word(chainID),
	)
}

func exchangeDomainSeparator(chainID *big.Int, verifying common.Address) []byte {
	return ethcrypto.Keccak256(
		exchangeDomainTypeHash,
		ethcrypto.Keccak256([]byte("Polymarket CTF Exchange")),
		ethcrypto.Keccak256([]byte("1")),
		word(chainID),
		common.LeftPadBytes(verifying.Bytes(), 32),
	)
}

// typedDataHash is keccak256("\x19\x01" || domainSeparator || structHash).
func typedDataHash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash)
}

// signDigest returns the 65-byte r||s||v signature as 0x-hex with v in {27,28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func orderStructHash(o OrderPayload) ([]byte, error) {
	nums := []struct {
		name, val string
	}{
		{"salt", o.Salt},
		{"tokenId", o.TokenID},
		{"makerAmount", o.MakerAmount},
		{"takerAmount", o.TakerAmount},
		{"expiration", o.Expiration},
		{"nonce", o.Nonce},
		{"feeRateBps", o.FeeRateBps},
	}
	words := make([][]byte, len(nums))
	for i, n := range nums {
		v, ok := new(big.Int).SetString(n.val, 10)
		if !ok {
			return nil, fmt.Errorf("crypto/signer: invalid %s %q", n.name, n.val)
		}
		words[i] = word(v)
	}

	return ethcrypto.Keccak256(
		orderTypeHash,
		words[0],
		common.LeftPadBytes(common.HexToAddress(o.Maker).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(o.Signer).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(o.Taker).Bytes(), 32),
		words[1],
		words[2],
		words[3],
		words[4],
		words[5],
		words[6],
		word(big.NewInt(int64(o.Side))),
		word(big.NewInt(int64(o.SignatureType))),
	), nil
}

// word left-pads n to a 32-byte ABI word.
func word(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}
