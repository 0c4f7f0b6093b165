package asset

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
)

func TestBundleAccessors(t *testing.T) {
	b := Bundle{Item("x"), Tokens(30), Item("y"), Tokens(20)}
	assert.Equal(t, []string{"x", "y"}, b.Items())
	assert.Equal(t, int64(50), b.Tokens())
	assert.False(t, b.IsEmpty())
	assert.True(t, Bundle{}.IsEmpty())
}

func TestBundleValidate(t *testing.T) {
	tests := []struct {
		name   string
		bundle Bundle
		ok     bool
	}{
		{"items and tokens", Bundle{Item("x"), Tokens(5)}, true},
		{"empty", Bundle{}, true},
		{"duplicate item", Bundle{Item("x"), Item("x")}, false},
		{"zero tokens", Bundle{Tokens(0)}, false},
		{"negative tokens", Bundle{Tokens(-1)}, false},
		{"item without id", Bundle{{Kind: KindItem}}, false},
		{"unknown kind", Bundle{{Kind: "nft", ItemID: "x"}}, false},
		{"max tokens", Bundle{Tokens(math.MaxInt64)}, true},
		{"token total overflows", Bundle{Tokens(math.MaxInt64), Tokens(math.MaxInt64), Tokens(3)}, false},
		{"token total one past max", Bundle{Tokens(math.MaxInt64), Tokens(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bundle.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
		})
	}
}

func TestBundleEqualIgnoresOrderAndTokenSplits(t *testing.T) {
	a := Bundle{Item("y"), Tokens(10), Item("x"), Tokens(40)}
	b := Bundle{Tokens(50), Item("x"), Item("y")}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(Bundle{Item("x"), Tokens(50)}))
	assert.False(t, a.Equal(Bundle{Item("x"), Item("y"), Tokens(49)}))
}

func TestAssetJSONRejectsUnknownKind(t *testing.T) {
	var b Bundle
	require.NoError(t, json.Unmarshal([]byte(`[{"kind":"item","item_id":"p1"},{"kind":"tokens","amount":7}]`), &b))
	assert.Equal(t, Bundle{Item("p1"), Tokens(7)}, b)

	err := json.Unmarshal([]byte(`[{"kind":"nft","item_id":"p1"}]`), &b)
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

func TestItemKind(t *testing.T) {
	k, err := ParseItemKind("genetics")
	require.NoError(t, err)
	assert.Equal(t, GeneticsValue, k.Value())
	assert.Equal(t, PlantValue, ItemPlant.Value())

	_, err = ParseItemKind("seed")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)

	var decoded struct {
		Kind ItemKind `json:"kind"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"seed"}`), &decoded))
}
