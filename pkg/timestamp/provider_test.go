package timestamp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tip = "0x4ec8c164a63e56bd6a36c37a9fd4f99f74d1f6b7a8e9c0d1e2f3a4b5c6d7e8f9"

func TestMockCreateVerify(t *testing.T) {
	p := MockProvider{}
	tok, err := p.Create(tip)
	require.NoError(t, err)

	assert.Equal(t, "mock", tok.Kind)
	assert.Equal(t, tip, tok.AuditTipHex)
	assert.True(t, p.Verify(tip, tok))
}

func TestMockVerifyRejectsWrongTip(t *testing.T) {
	p := MockProvider{}
	tok, err := p.Create(tip)
	require.NoError(t, err)

	other := "0x" + "00" + tip[4:]
	assert.False(t, p.Verify(other, tok))
}

func TestMockVerifyRejectsTamperedToken(t *testing.T) {
	p := MockProvider{}
	tok, err := p.Create(tip)
	require.NoError(t, err)

	tampered := *tok
	tampered.Nonce = "deadbeefdeadbeefdeadbeefdeadbeef"
	assert.False(t, p.Verify(tip, &tampered))
}

func TestMockCreateRejectsEmptyTip(t *testing.T) {
	_, err := MockProvider{}.Create("")
	assert.Error(t, err)
}

func TestMockNonceVariesPerToken(t *testing.T) {
	p := MockProvider{}
	a, err := p.Create(tip)
	require.NoError(t, err)
	b, err := p.Create(tip)
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
}
