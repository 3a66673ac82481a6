package identity

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Misty4119/nds-api/internal/ir"
)

func fixedNow() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func testKeys(t *testing.T) *KeySet {
	t.Helper()
	ks, err := KeySetFromSeed("k1", bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return ks
}

func TestIssueAndVerify(t *testing.T) {
	ks := testKeys(t)
	issuer := NewTokenIssuer(ks, fixedNow)
	verifier := NewJWTVerifier(ks, fixedNow)

	token, err := issuer.Issue(Identity{Subject: "alice", Origin: "server-1", Type: ir.IdentityPlayer, Roles: []string{"trader"}}, time.Hour)
	require.NoError(t, err)

	id, err := verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
	assert.Equal(t, ir.OriginID("server-1"), id.Origin)
	assert.Equal(t, ir.IdentityPlayer, id.Type)
	assert.True(t, id.HasRole("trader"))
	assert.True(t, id.Authorizes("server-1"))
	assert.False(t, id.Authorizes("server-2"))
}

func TestVerifySharedSeedAcrossNodes(t *testing.T) {
	token, err := NewTokenIssuer(testKeys(t), fixedNow).Issue(Identity{Subject: "node-a", Origin: "a", Type: ir.IdentitySystem}, time.Hour)
	require.NoError(t, err)

	id, err := NewJWTVerifier(testKeys(t), fixedNow).Verify(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, id.Authorizes("anything"), "SYSTEM identities act for any origin")
}

func TestVerifyRejects(t *testing.T) {
	ks := testKeys(t)
	token, err := NewTokenIssuer(ks, fixedNow).Issue(Identity{Subject: "alice", Origin: "a"}, time.Minute)
	require.NoError(t, err)

	later := func() time.Time { return fixedNow().Add(2 * time.Minute) }
	_, err = NewJWTVerifier(ks, later).Verify(context.Background(), token)
	require.Error(t, err)
	assert.True(t, IsPermissionDenied(err))
	assert.Equal(t, ir.CodePermissionDenied, ir.CodeOf(err))
	assert.Contains(t, err.Error(), "expired")

	other := NewKeySet()
	require.NoError(t, other.Rotate("k1"))
	_, err = NewJWTVerifier(other, fixedNow).Verify(context.Background(), token)
	require.Error(t, err, "signature from another key")

	_, err = NewJWTVerifier(ks, fixedNow).Verify(context.Background(), "")
	require.Error(t, err)

	_, err = NewJWTVerifier(ks, fixedNow).Verify(context.Background(), "not.a.jwt")
	require.Error(t, err)
}

func TestKeyRotationKeepsOldTokensValid(t *testing.T) {
	ks := testKeys(t)
	issuer := NewTokenIssuer(ks, fixedNow)
	old, err := issuer.Issue(Identity{Subject: "alice", Origin: "a"}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, ks.Rotate("k2"))
	fresh, err := issuer.Issue(Identity{Subject: "bob", Origin: "a"}, time.Hour)
	require.NoError(t, err)

	v := NewJWTVerifier(ks, fixedNow)
	_, err = v.Verify(context.Background(), old)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), fresh)
	require.NoError(t, err)
}

func TestKeySetFromSeedValidatesLength(t *testing.T) {
	_, err := KeySetFromSeed("k", []byte("short"))
	require.Error(t, err)
}

func TestStaticAndFixed(t *testing.T) {
	s := Static{"t1": {Subject: "alice", Origin: "a"}}
	id, err := s.Verify(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)

	_, err = s.Verify(context.Background(), "nope")
	assert.True(t, IsPermissionDenied(err))

	f := Fixed{Subject: "local", Origin: "a", Type: ir.IdentitySystem}
	id, err = f.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "local", id.Subject)
}
