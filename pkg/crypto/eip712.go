package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain is the EIP-712 domain separator. Credentials signed for one domain
// do not verify in another.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // zero for off-chain signing
}

func DefaultDomain() Domain {
	return Domain{
		Name:    "GrowSwap",
		Version: "1",
		ChainID: big.NewInt(1337),
	}
}

// Login is the message an owner signs to obtain a bearer credential.
type Login struct {
	Owner    common.Address
	IssuedAt int64 // unix seconds
}

var loginTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Login": []apitypes.Type{
		{Name: "owner", Type: "address"},
		{Name: "issuedAt", Type: "uint256"},
	},
}

type EIP712Signer struct {
	domain Domain
}

func NewEIP712Signer(domain Domain) *EIP712Signer {
	if domain.ChainID == nil {
		domain.ChainID = new(big.Int)
	}
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) typedData(l *Login) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       loginTypes,
		PrimaryType: "Login",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"owner":    l.Owner.Hex(),
			"issuedAt": fmt.Sprintf("%d", l.IssuedAt),
		},
	}
}

// HashLogin returns the EIP-712 digest of l:
// keccak256("\x19\x01" || domainSeparator || hashStruct(l)).
func (e *EIP712Signer) HashLogin(l *Login) ([]byte, error) {
	if l.IssuedAt < 0 {
		return nil, fmt.Errorf("issued_at must not be negative: %d", l.IssuedAt)
	}
	td := e.typedData(l)
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	return crypto.Keccak256(rawData), nil
}

func (e *EIP712Signer) SignLogin(signer *Signer, l *Login) ([]byte, error) {
	hash, err := e.HashLogin(l)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// RecoverLoginSigner returns the address that signed l.
func (e *EIP712Signer) RecoverLoginSigner(l *Login, signature []byte) (common.Address, error) {
	hash, err := e.HashLogin(l)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// LoginToJSON renders l in the eth_signTypedData_v4 format wallets expect.
func (e *EIP712Signer) LoginToJSON(l *Login) (string, error) {
	td := e.typedData(l)
	out, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal typed data: %w", err)
	}
	return string(out), nil
}
