package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	b, err := Marshal(map[string]any{
		"zeta":  1,
		"alpha": "x",
		"mid":   map[string]any{"b": 2, "a": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","mid":{"a":1,"b":2},"zeta":1}`, string(b))
}

func TestMarshalStableForStructs(t *testing.T) {
	type artifact struct {
		Name   string `json:"name"`
		Amount int64  `json:"amount"`
	}
	a, err := Marshal(artifact{Name: "dep-1", Amount: 100000})
	require.NoError(t, err)
	b, err := Marshal(artifact{Name: "dep-1", Amount: 100000})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	// Keys sorted regardless of struct field order.
	assert.Equal(t, `{"amount":100000,"name":"dep-1"}`, string(a))
}

func TestMarshalPreservesLargeNumbers(t *testing.T) {
	b, err := Marshal(map[string]any{"v": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"v":9007199254740993}`, string(b))
}

func TestSumObjectDiffersOnPayloadChange(t *testing.T) {
	h1, _, err := SumObject(map[string]any{"amount": 1})
	require.NoError(t, err)
	h2, _, err := SumObject(map[string]any{"amount": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Contains(t, h1, "sha256:")
}

func TestDeterministicID(t *testing.T) {
	a := DeterministicID("env", "offer-1", "provider-1")
	b := DeterministicID("env", "offer-1", "provider-1")
	c := DeterministicID("env", "offer-1", "provider-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "env_")
}

func TestSignAndVerify(t *testing.T) {
	signer, err := NewSigner("4f2b1c6a8d9e0f1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192")
	require.NoError(t, err)
	require.NotNil(t, signer)

	payload := []byte(`{"amount":100}`)
	sig := signer.Sign(payload)

	ok, err := VerifySignature(signer.PublicKey(), sig, payload)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySignature(signer.PublicKey(), sig, []byte(`{"amount":101}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewSignerEmptySeedDisablesSigning(t *testing.T) {
	signer, err := NewSigner("")
	require.NoError(t, err)
	assert.Nil(t, signer)
}
