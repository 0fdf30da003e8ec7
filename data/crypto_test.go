package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joe-zxh/shardbft/config"
)

func authPair(t *testing.T) (*ECDSAAuth, *ECDSAAuth) {
	t.Helper()
	k1, err := GeneratePrivateKey()
	require.NoError(t, err)
	k2, err := GeneratePrivateKey()
	require.NoError(t, err)

	pubs := map[config.ReplicaID]*config.ReplicaInfo{
		1: {ID: 1, PubKey: &k1.PublicKey},
		2: {ID: 2, PubKey: &k2.PublicKey},
	}
	c1 := config.NewConfig(1, k1)
	c1.Replicas = pubs
	c2 := config.NewConfig(2, k2)
	c2.Replicas = pubs
	return NewECDSAAuth(c1), NewECDSAAuth(c2)
}

func TestSignVerifyAcrossReplicas(t *testing.T) {
	a1, a2 := authPair(t)
	digest := HashOf([]byte("payload")).ToSlice()

	token, err := a1.Sign(digest)
	require.NoError(t, err)

	// The token names its signer, so any replica with the key set can
	// check it.
	assert.True(t, a1.Verify(digest, token))
	assert.True(t, a2.Verify(digest, token))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	a1, _ := authPair(t)
	digest := HashOf([]byte("payload")).ToSlice()
	token, err := a1.Sign(digest)
	require.NoError(t, err)

	other := HashOf([]byte("other payload")).ToSlice()
	assert.False(t, a1.Verify(other, token))
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	a1, _ := authPair(t)
	digest := HashOf([]byte("payload")).ToSlice()
	token, err := a1.Sign(digest)
	require.NoError(t, err)

	assert.False(t, a1.Verify(digest, nil))
	assert.False(t, a1.Verify(digest, token[:4]))

	// Unknown signer id.
	forged := append([]byte(nil), token...)
	forged[0] = 99
	assert.False(t, a1.Verify(digest, forged))
}
