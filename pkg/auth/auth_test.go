package auth

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
	"github.com/uhyunpark/growswap/pkg/crypto"
	"github.com/uhyunpark/growswap/pkg/util"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*SignatureAuthenticator, *crypto.Signer) {
	t.Helper()
	s, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewSignatureAuthenticator(crypto.DefaultDomain(), time.Hour, util.NewManualClock(now)), s
}

func TestAuthenticateValidCredential(t *testing.T) {
	a, s := setup(t)
	cred, err := Issue(crypto.DefaultDomain(), s, now.Add(-time.Minute))
	require.NoError(t, err)

	owner, err := a.Authenticate(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), owner)
}

func TestAuthenticateRejects(t *testing.T) {
	a, s := setup(t)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	valid, err := Issue(crypto.DefaultDomain(), s, now)
	require.NoError(t, err)
	parts := strings.Split(valid, ".")

	otherChain := crypto.DefaultDomain()
	otherChain.ChainID = big.NewInt(1)
	wrongDomain, err := Issue(otherChain, s, now)
	require.NoError(t, err)

	stale, err := Issue(crypto.DefaultDomain(), s, now.Add(-2*time.Hour))
	require.NoError(t, err)
	future, err := Issue(crypto.DefaultDomain(), s, now.Add(time.Minute))
	require.NoError(t, err)
	otherSig, err := Issue(crypto.DefaultDomain(), other, now)
	require.NoError(t, err)
	stolen := parts[0] + "." + parts[1] + "." + strings.Split(otherSig, ".")[2]

	tests := []struct {
		name string
		cred string
	}{
		{"empty", ""},
		{"two parts", parts[0] + "." + parts[1]},
		{"bad address", "0xzz." + parts[1] + "." + parts[2]},
		{"bad issued_at", parts[0] + ".soon." + parts[2]},
		{"negative issued_at", parts[0] + ".-5." + parts[2]},
		{"short signature", parts[0] + "." + parts[1] + ".0x1234"},
		{"tampered time", fmt.Sprintf("%s.%d.%s", parts[0], now.Unix()-1, parts[2])},
		{"other domain", wrongDomain},
		{"expired", stale},
		{"from the future", future},
		{"signature of another owner", stolen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), tt.cred)
			assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
		})
	}
}

func TestSmallClockSkewIsTolerated(t *testing.T) {
	a, s := setup(t)
	cred, err := Issue(crypto.DefaultDomain(), s, now.Add(20*time.Second))
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), cred)
	assert.NoError(t, err)
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc.1.0x00")
	assert.True(t, ok)
	assert.Equal(t, "abc.1.0x00", tok)

	tok, ok = BearerToken("bearer xyz")
	assert.True(t, ok)
	assert.Equal(t, "xyz", tok)

	for _, h := range []string{"", "Bearer ", "Basic abc", "abc"} {
		_, ok := BearerToken(h)
		assert.False(t, ok, h)
	}
}
