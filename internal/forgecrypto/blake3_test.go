package forgecrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_IsDeterministic(t *testing.T) {
	a := Hash([]byte("same input"))
	b := Hash([]byte("same input"))
	assert.Equal(t, a, b)
}

func TestHash_DifferentInputsDiffer(t *testing.T) {
	a := Hash([]byte("one"))
	b := Hash([]byte("two"))
	assert.NotEqual(t, a, b)
}

func TestDigest_StringRoundTripsThroughParseDigest(t *testing.T) {
	d := Hash([]byte("round trip me"))
	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestParseDigest_RejectsWrongLength(t *testing.T) {
	_, err := ParseDigest("deadbeef")
	assert.Error(t, err)
}

func TestParseDigest_RejectsNonHex(t *testing.T) {
	bad := make([]byte, Size*2)
	for i := range bad {
		bad[i] = 'z'
	}
	_, err := ParseDigest(string(bad))
	assert.Error(t, err)
}

func TestDigest_IsZero(t *testing.T) {
	var d Digest
	assert.True(t, d.IsZero())
	assert.False(t, Hash([]byte("x")).IsZero())
}

func TestSignVerify_RoundTrips(t *testing.T) {
	key := []byte("a key of arbitrary length")
	data := []byte("payload to authenticate")

	sig := Sign(key, data)
	assert.True(t, Verify(key, data, sig))
	assert.False(t, Verify(key, []byte("tampered payload"), sig))
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	data := []byte("payload")
	sig := Sign([]byte("key-a"), data)
	assert.False(t, Verify([]byte("key-b"), data, sig))
}

func TestKeyedHash_NormalizesShortAndLongKeys(t *testing.T) {
	short := KeyedHash([]byte("short"), []byte("data"))
	long := KeyedHash([]byte("a very long key that exceeds the digest size considerably"), []byte("data"))
	assert.NotEqual(t, short, long)

	// A key of exactly Size bytes is used as-is, so hashing with it twice
	// must be stable.
	exact := make([]byte, Size)
	for i := range exact {
		exact[i] = byte(i)
	}
	h1 := KeyedHash(exact, []byte("data"))
	h2 := KeyedHash(exact, []byte("data"))
	assert.Equal(t, h1, h2)
}

func TestConstantTimeEqual(t *testing.T) {
	a := Hash([]byte("x"))
	b := Hash([]byte("x"))
	c := Hash([]byte("y"))
	assert.True(t, ConstantTimeEqual(a, b))
	assert.False(t, ConstantTimeEqual(a, c))
}

func TestDeriveWorkspaceKey_IsDeterministicPerWorkspaceAndMachine(t *testing.T) {
	k1 := DeriveWorkspaceKey("/workspace/a", "machine-1")
	k2 := DeriveWorkspaceKey("/workspace/a", "machine-1")
	k3 := DeriveWorkspaceKey("/workspace/b", "machine-1")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestActivePath_ReportsASelectedPath(t *testing.T) {
	assert.NotEmpty(t, ActivePath())
}
