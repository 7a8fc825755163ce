package trie

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/tozd/imagedex/internal/phash"
)

func sortedHashes(hs []phash.Fingerprint) []phash.Fingerprint {
	out := append([]phash.Fingerprint(nil), hs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestInsertAndContains(t *testing.T) {
	tr := New()
	assert.False(t, tr.Contains(0b1010))

	wasPresent := tr.Insert(0b1010)
	assert.False(t, wasPresent)
	assert.True(t, tr.Contains(0b1010))

	wasPresent = tr.Insert(0b1010)
	assert.True(t, wasPresent)
}

func TestLenAndHashes(t *testing.T) {
	tr := New()
	values := []phash.Fingerprint{0, 1, 0b1010, 0xFF, 0xFFFFFFFFFFFFFFFF}
	for _, v := range values {
		tr.Insert(v)
	}
	assert.Equal(t, len(values), tr.Len())
	assert.ElementsMatch(t, values, tr.Hashes())
}

func TestFromHashesDeduplicates(t *testing.T) {
	tr := FromHashes([]phash.Fingerprint{5, 5, 5, 7})
	assert.Equal(t, 2, tr.Len())
}

// TestSimilarFixedPointExample reproduces the nine-hash worked example:
// 0b1001, 0b0100, 0b0010, 0b0101, 0b0110, 0b0001, 0b0000, 0b1111, 0b0011.
// similar(0b0010, 1) must return exactly the hashes within Hamming
// distance 1 of the needle: 0b0010 itself, 0b0000, 0b0011, 0b0110.
func TestSimilarFixedPointExample(t *testing.T) {
	tr := New()
	hashes := []phash.Fingerprint{
		0b1001, 0b0100, 0b0010, 0b0101, 0b0110, 0b0001, 0b0000, 0b1111, 0b0011,
	}
	for _, h := range hashes {
		tr.Insert(h)
	}

	got := tr.Similar(0b0010, 1)
	want := []phash.Fingerprint{0b0000, 0b0010, 0b0011, 0b0110}
	assert.ElementsMatch(t, want, got)
}

func TestSimilarZeroDistanceIsExactMatch(t *testing.T) {
	tr := New()
	tr.Insert(0b1010)
	tr.Insert(0b1011)

	got := tr.Similar(0b1010, 0)
	assert.Equal(t, []phash.Fingerprint{0b1010}, got)
}

func TestSimilarNoMatches(t *testing.T) {
	tr := New()
	tr.Insert(0xFFFFFFFFFFFFFFFF)

	got := tr.Similar(0, 2)
	assert.Empty(t, got)
}

func TestWriteToReadFromRoundTrip(t *testing.T) {
	tr := New()
	for _, h := range []phash.Fingerprint{0, 1, 0b1010, 0xDEADBEEF, 0xFFFFFFFFFFFFFFFF} {
		tr.Insert(h)
	}

	var buf bytes.Buffer
	n, errE := tr.WriteTo(&buf)
	require.NoError(t, errE)
	assert.Equal(t, int64(buf.Len()), n)

	got, errE := ReadFrom(&buf)
	require.NoError(t, errE)
	assert.Equal(t, sortedHashes(tr.Hashes()), sortedHashes(got.Hashes()))
	assert.Equal(t, tr.nodes, got.nodes)
}

func TestReadFromEmpty(t *testing.T) {
	got, errE := ReadFrom(bytes.NewReader(nil))
	require.NoError(t, errE)
	assert.Equal(t, 0, got.Len())
}

func TestReadFromTruncated(t *testing.T) {
	_, errE := ReadFrom(bytes.NewReader(make([]byte, 10)))
	require.Error(t, errE)
}
