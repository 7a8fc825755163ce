package trie

import (
	"encoding/binary"
	"io"

	"gitlab.com/tozd/go/errors"
)

const recordSize = 16 // two little-endian uint64s: zero child, one child

// WriteTo serializes the trie as a sequence of 16-byte little-endian
// (zero, one) records, one per node, in index order. A zero value encodes
// "no child"; since index 0 is reserved for the root, no node legitimately
// points back to it, so 0 is an unambiguous sentinel.
func (t *Trie) WriteTo(w io.Writer) (int64, errors.E) {
	buf := make([]byte, recordSize*writeBatch)
	var written int64
	i := 0
	for i < len(t.nodes) {
		n := 0
		for n < writeBatch && i < len(t.nodes) {
			nd := t.nodes[i]
			binary.LittleEndian.PutUint64(buf[n*recordSize:], diskIndex(nd.zero))
			binary.LittleEndian.PutUint64(buf[n*recordSize+8:], diskIndex(nd.one))
			n++
			i++
		}
		nw, err := w.Write(buf[:n*recordSize])
		written += int64(nw)
		if err != nil {
			return written, errors.WithStack(err)
		}
	}
	return written, nil
}

const writeBatch = 4096

// ErrTruncated is returned by ReadFrom when the input length is not a
// multiple of the 16-byte record size.
var ErrTruncated = errors.Base("trie file length is not a multiple of 16 bytes")

// ReadFrom deserializes a trie previously written by WriteTo. The result
// is bit-identical to the original node array.
func ReadFrom(r io.Reader) (*Trie, errors.E) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(data)%recordSize != 0 {
		return nil, errors.WithStack(ErrTruncated)
	}
	count := len(data) / recordSize
	if count == 0 {
		return New(), nil
	}
	nodes := make([]node, count)
	for i := 0; i < count; i++ {
		off := i * recordSize
		nodes[i] = node{
			zero: memIndex(binary.LittleEndian.Uint64(data[off : off+8])),
			one:  memIndex(binary.LittleEndian.Uint64(data[off+8 : off+16])),
		}
	}
	return &Trie{nodes: nodes}, nil
}

// diskIndex maps an in-memory 1-based child reference to the on-disk node index.
func diskIndex(v int32) uint64 {
	if v == 0 {
		return 0
	}
	return uint64(v - 1) //nolint:gosec
}

// memIndex maps an on-disk node index back to the in-memory 1-based reference.
func memIndex(v uint64) int32 {
	if v == 0 {
		return 0
	}
	return int32(v) + 1 //nolint:gosec
}
