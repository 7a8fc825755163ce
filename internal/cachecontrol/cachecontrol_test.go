package cachecontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uint64Ptr(v uint64) *uint64 { return &v }

func TestParseCombinedDirectives(t *testing.T) {
	d, errE := Parse(`public, max-age=3600, must-revalidate, s-maxage=7200`)
	require.NoError(t, errE)
	assert.True(t, d.Public)
	assert.True(t, d.MustRevalidate)
	assert.Equal(t, uint64Ptr(3600), d.MaxAge)
	assert.Equal(t, uint64Ptr(7200), d.SMaxAge)
}

func TestParseNoStoreNoCache(t *testing.T) {
	d, errE := Parse(`no-store, no-cache`)
	require.NoError(t, errE)
	assert.True(t, d.NoStore)
	assert.True(t, d.NoCache)
}

func TestParseEmptyHeader(t *testing.T) {
	d, errE := Parse("")
	require.NoError(t, errE)
	assert.Equal(t, Directives{}, d)
}

func TestParseUnknownTokenTolerated(t *testing.T) {
	d, errE := Parse(`some-unknown-directive, public`)
	require.NoError(t, errE)
	assert.True(t, d.Public)
}

func TestParseTrailingCommaMalformed(t *testing.T) {
	_, errE := Parse(`public,`)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, ErrMalformed)
}

func TestParseUnclosedQuotedString(t *testing.T) {
	_, errE := Parse(`foo="bar`)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, ErrUnclosedString)
}

func TestParseQuotedValueWithEscape(t *testing.T) {
	d, errE := Parse(`foo="ba\"r", public`)
	require.NoError(t, errE)
	assert.True(t, d.Public)
}

func TestParseMaxAgeNonDecimalMalformed(t *testing.T) {
	_, errE := Parse(`max-age=abc`)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, ErrMalformed)
}

func TestParseDirectiveWithNoValueAfterEquals(t *testing.T) {
	_, errE := Parse(`max-age=`)
	require.Error(t, errE)
	assert.ErrorIs(t, errE, ErrMalformed)
}

func TestParseWhitespaceTolerant(t *testing.T) {
	d, errE := Parse(`  public ,  max-age = 60  `)
	require.NoError(t, errE)
	assert.True(t, d.Public)
	assert.Equal(t, uint64Ptr(60), d.MaxAge)
}
