// Package auth turns a bearer credential into an owner id.
//
// A credential is "<address>.<issued_at_unix>.<0x signature>", where the
// signature is the owner's EIP-712 signature over Login{owner, issuedAt}.
// Credentials expire MaxAge after issue and may not be issued more than
// MaxSkew in the future.
package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
	"github.com/uhyunpark/growswap/pkg/crypto"
	"github.com/uhyunpark/growswap/pkg/util"
)

const DefaultMaxSkew = 30 * time.Second

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (common.Address, error)
}

type SignatureAuthenticator struct {
	signer  *crypto.EIP712Signer
	clock   util.Clock
	MaxAge  time.Duration
	MaxSkew time.Duration
}

func NewSignatureAuthenticator(domain crypto.Domain, maxAge time.Duration, clock util.Clock) *SignatureAuthenticator {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &SignatureAuthenticator{
		signer:  crypto.NewEIP712Signer(domain),
		clock:   clock,
		MaxAge:  maxAge,
		MaxSkew: DefaultMaxSkew,
	}
}

func (a *SignatureAuthenticator) Authenticate(_ context.Context, credential string) (common.Address, error) {
	login, sig, err := Parse(credential)
	if err != nil {
		return common.Address{}, err
	}

	now := a.clock.Now()
	issued := time.Unix(login.IssuedAt, 0)
	if issued.After(now.Add(a.MaxSkew)) {
		return common.Address{}, unauthenticated("credential issued in the future")
	}
	if a.MaxAge > 0 && now.Sub(issued) > a.MaxAge {
		return common.Address{}, unauthenticated("credential expired")
	}

	signer, err := a.signer.RecoverLoginSigner(login, sig)
	if err != nil {
		return common.Address{}, apperr.Wrap(apperr.CodeUnauthenticated, err, "bad signature")
	}
	if signer != login.Owner {
		return common.Address{}, unauthenticated("signature does not match owner")
	}
	return login.Owner, nil
}

// Issue builds a credential for s at issuedAt.
func Issue(domain crypto.Domain, s *crypto.Signer, issuedAt time.Time) (string, error) {
	login := &crypto.Login{Owner: s.Address(), IssuedAt: issuedAt.Unix()}
	sig, err := crypto.NewEIP712Signer(domain).SignLogin(s, login)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%d.%s", login.Owner.Hex(), login.IssuedAt, hexutil.Encode(sig)), nil
}

// Parse splits a credential without verifying it.
func Parse(credential string) (*crypto.Login, []byte, error) {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		return nil, nil, unauthenticated("malformed credential")
	}
	if !common.IsHexAddress(parts[0]) {
		return nil, nil, unauthenticated("malformed owner address")
	}
	issuedAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || issuedAt < 0 {
		return nil, nil, unauthenticated("malformed issued_at")
	}
	sig, err := hexutil.Decode(parts[2])
	if err != nil || len(sig) != 65 {
		return nil, nil, unauthenticated("malformed signature")
	}
	return &crypto.Login{Owner: common.HexToAddress(parts[0]), IssuedAt: issuedAt}, sig, nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func unauthenticated(msg string) *apperr.Error {
	return apperr.New(apperr.CodeUnauthenticated, "%s", msg)
}
