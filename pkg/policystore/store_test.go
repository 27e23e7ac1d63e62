package policystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capassure/capcore/pkg/policy"
)

func compileFixture(t *testing.T, yamlSrc string) policy.IR {
	t.Helper()
	res, err := policy.Compile([]byte(yamlSrc), policy.LintStrict)
	require.NoError(t, err)
	return res.IR
}

const fixtureA = `
rules:
  - rule_id: r1
    op: eq
    lhs: x
    rhs: 1
`

const fixtureB = `
rules:
  - rule_id: r1
    op: eq
    lhs: x
    rhs: 2
`

func TestPut_IdempotentOnSameHash(t *testing.T) {
	s, err := New(8)
	require.NoError(t, err)

	ir := compileFixture(t, fixtureA)
	id1, err := s.Put(ir)
	require.NoError(t, err)
	id2, err := s.Put(ir)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestGet_ByIDAndHash(t *testing.T) {
	s, err := New(8)
	require.NoError(t, err)

	ir := compileFixture(t, fixtureA)
	id, err := s.Put(ir)
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, ir.IRHash, got.IRHash)

	got, err = s.Get(ir.PolicyHash)
	require.NoError(t, err)
	assert.Equal(t, ir.IRHash, got.IRHash)
}

func TestGetWithETag_ReturnsIRHash(t *testing.T) {
	s, err := New(8)
	require.NoError(t, err)

	ir := compileFixture(t, fixtureA)
	id, err := s.Put(ir)
	require.NoError(t, err)

	_, etag, err := s.GetWithETag(id)
	require.NoError(t, err)
	assert.Equal(t, ir.IRHash, etag)
}

func TestGet_Miss(t *testing.T) {
	s, err := New(8)
	require.NoError(t, err)
	_, err = s.Get("pol-doesnotexist")
	assert.Error(t, err)
}

func TestPut_HashConflictOnDifferingBodySamePolicyID(t *testing.T) {
	s, err := New(8)
	require.NoError(t, err)

	irA := compileFixture(t, fixtureA)
	_, err = s.Put(irA)
	require.NoError(t, err)

	// Force a collision: same policy_id, different policy_hash/body.
	irB := compileFixture(t, fixtureB)
	irB.PolicyID = irA.PolicyID

	_, err = s.Put(irB)
	assert.Error(t, err)
}
