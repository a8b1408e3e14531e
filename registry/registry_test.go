package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrdersByPriorityThenLabel(t *testing.T) {
	creds := []Credential{
		NewCredential("b", "secret-b", "", 1, false),
		NewCredential("a", "secret-a", "", 1, false),
		NewCredential("z", "secret-z", "", 5, false),
	}
	reg, err := New(creds)
	require.NoError(t, err)
	require.Equal(t, 3, reg.Len())

	assert.Equal(t, "z", reg.At(0).Label)
	assert.Equal(t, "a", reg.At(1).Label)
	assert.Equal(t, "b", reg.At(2).Label)
}

func TestNewRejectsDuplicateLabels(t *testing.T) {
	creds := []Credential{
		NewCredential("dup", "secret-1", "", 0, false),
		NewCredential("dup", "secret-2", "", 0, false),
	}
	_, err := New(creds)
	assert.ErrorIs(t, err, ErrDuplicateLabel)
}

func TestLookupAndIndexOf(t *testing.T) {
	creds := []Credential{
		NewCredential("alpha", "s1", "", 0, false),
		NewCredential("beta", "s2", "", 0, false),
	}
	reg, err := New(creds)
	require.NoError(t, err)

	cred, ok := reg.Lookup("beta")
	require.True(t, ok)
	assert.Equal(t, "s2", cred.Secret)

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, 0, reg.IndexOf("alpha"))
	assert.Equal(t, -1, reg.IndexOf("missing"))
}

func TestActiveKeyBounds(t *testing.T) {
	reg, err := New([]Credential{NewCredential("only", "s", "", 0, false)})
	require.NoError(t, err)

	cred, ok := reg.ActiveKey(0)
	require.True(t, ok)
	assert.Equal(t, "only", cred.Label)

	_, ok = reg.ActiveKey(-1)
	assert.False(t, ok)
	_, ok = reg.ActiveKey(1)
	assert.False(t, ok)
}

func TestMaskKeyShortAndLong(t *testing.T) {
	assert.Equal(t, "***", MaskKey("short"))
	assert.Equal(t, "sk-ab***wxyz", MaskKey("sk-abcdefghijklmnopqrstuvwxyz"))
}

func TestSecretHashIsStableAndShort(t *testing.T) {
	c := NewCredential("l", "my-secret", "", 0, false)
	h1 := c.SecretHash()
	h2 := NewCredential("l2", "my-secret", "", 0, false).SecretHash()
	assert.Len(t, h1, 12)
	assert.Equal(t, h1, h2)
}
