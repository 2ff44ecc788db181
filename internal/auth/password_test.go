package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashAndVerify(t *testing.T) {
	hasher := NewPasswordHasher()

	digest, err := hasher.Hash("S3cret!")
	require.NoError(t, err)
	assert.NotEqual(t, "S3cret!", digest)

	assert.True(t, hasher.Verify("S3cret!", digest))
	assert.False(t, hasher.Verify("s3cret!", digest))
	assert.False(t, hasher.Verify("", digest))
}

func TestPasswordVerifyMalformedDigest(t *testing.T) {
	hasher := NewPasswordHasher()

	assert.False(t, hasher.Verify("anything", ""))
	assert.False(t, hasher.Verify("anything", "not-a-bcrypt-digest"))
	assert.False(t, hasher.Verify("anything", "$2a$zz$garbage"))
}

func TestPasswordHashesAreSalted(t *testing.T) {
	hasher := NewPasswordHasher()

	first, err := hasher.Hash("S3cret!")
	require.NoError(t, err)
	second, err := hasher.Hash("S3cret!")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, hasher.Verify("S3cret!", first))
	assert.True(t, hasher.Verify("S3cret!", second))
}
