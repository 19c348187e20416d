package security

import (
	"testing"
	"time"

	"RandChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateVerify(t *testing.T) {
	opts := DefaultOptions([]byte("s3cret"))
	tok, exp, err := Generate(opts, "42", nil)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	uid, err := NewVerifier(opts).VerifyUser(tok)
	require.NoError(t, err)
	assert.Equal(t, "42", uid)
	assert.Contains(t, HashToken(tok), "sha256:")
}

func TestVerifyRejects(t *testing.T) {
	opts := DefaultOptions([]byte("s3cret"))
	tok, _, err := Generate(opts, "42", nil)
	require.NoError(t, err)

	_, err = NewVerifier(DefaultOptions([]byte("other"))).VerifyUser(tok)
	assert.Equal(t, errs.TokenInvalidError, errs.Code(err))

	_, err = Verify(opts, "not.a.token")
	assert.Error(t, err)

	_, _, err = Generate(Options{Secret: []byte("x"), Alg: "RS256"}, "1", nil)
	assert.Error(t, err)
}
