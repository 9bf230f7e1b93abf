package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyAllows(t *testing.T) {
	p, err := CompilePolicy(`trusted && authority in ["acme", "example"]`)
	require.NoError(t, err)
	assert.Equal(t, `trusted && authority in ["acme", "example"]`, p.String())

	ok, err := p.Allows(PolicyInput{Authority: "acme", Trusted: true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Allows(PolicyInput{Authority: "acme", Trusted: false})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.Allows(PolicyInput{Authority: "other", Trusted: true})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPolicyUsesName(t *testing.T) {
	p, err := CompilePolicy(`name.startsWith("core-") && verdict == "trusted"`)
	require.NoError(t, err)

	ok, err := p.Allows(PolicyInput{Name: "core-fmt", Verdict: "trusted"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompilePolicyRejects(t *testing.T) {
	_, err := CompilePolicy(`authority`)
	assert.Error(t, err, "non-bool result")

	_, err = CompilePolicy(`trusted &&`)
	assert.Error(t, err, "syntax error")

	_, err = CompilePolicy(`owner == "x"`)
	assert.Error(t, err, "undeclared variable")
}

func TestNilPolicyAllowsNothing(t *testing.T) {
	var p *Policy
	ok, err := p.Allows(PolicyInput{Trusted: true})
	require.NoError(t, err)
	assert.False(t, ok)
}
