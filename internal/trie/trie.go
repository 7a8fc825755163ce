// Package trie implements a bitwise trie over 64-bit perceptual hashes,
// supporting insertion, in-order enumeration, and a bounded-Hamming-
// distance similarity iterator with branch pruning.
//
// A Trie is not safe for concurrent use. Callers must externally
// synchronize mutation, or treat a Trie as single-writer / many-reader
// only after all writes have completed.
package trie

import (
	"gitlab.com/tozd/imagedex/internal/phash"
)

const depth = 64

// node is an ordered pair of optional child indices. A node with both
// children unset is a terminal: the root-to-node path spells a complete
// stored fingerprint.
type node struct {
	zero, one int32 // 0 means "no child"; node indices are 1-based internally
}

// Trie is a dense array of nodes; index 0 (root) always exists.
type Trie struct {
	nodes []node
}

// New returns an empty Trie with only its root node.
func New() *Trie {
	return &Trie{nodes: []node{{}}}
}

// FromHashes builds a Trie containing exactly the distinct hashes in hs.
func FromHashes(hs []phash.Fingerprint) *Trie {
	t := New()
	for _, h := range hs {
		t.Insert(h)
	}
	return t
}

// Insert adds h to the trie. It returns true if h was already present.
func (t *Trie) Insert(h phash.Fingerprint) bool {
	cur := int32(0)
	for pos := 0; pos < depth; pos++ {
		bit := (h >> uint(pos)) & 1
		n := &t.nodes[cur]
		var next int32
		if bit == 0 {
			next = n.zero
		} else {
			next = n.one
		}
		if next != 0 {
			cur = next - 1
			continue
		}
		// Absent: append fresh nodes for every remaining bit, including
		// this one, and link them in.
		parent := cur
		parentBit := bit
		for p := pos; p < depth; p++ {
			t.nodes = append(t.nodes, node{})
			newIdx := int32(len(t.nodes)) // 1-based
			if parentBit == 0 {
				t.nodes[parent].zero = newIdx
			} else {
				t.nodes[parent].one = newIdx
			}
			parent = newIdx - 1
			if p+1 < depth {
				parentBit = (h >> uint(p+1)) & 1
			}
		}
		return false
	}
	// Descended all 64 bits without ever creating a node: h was already
	// present.
	return true
}

// Contains reports whether h has been inserted, without mutating the trie.
func (t *Trie) Contains(h phash.Fingerprint) bool {
	cur := int32(0)
	for pos := 0; pos < depth; pos++ {
		bit := (h >> uint(pos)) & 1
		n := t.nodes[cur]
		var next int32
		if bit == 0 {
			next = n.zero
		} else {
			next = n.one
		}
		if next == 0 {
			return false
		}
		cur = next - 1
	}
	return true
}

// Hashes returns every stored hash, each exactly once, in an order
// determined by the internal branch stack (not sorted, not insertion
// order).
func (t *Trie) Hashes() []phash.Fingerprint {
	return t.Similar(0, depth)
}

// frame is a pending branch to resume during depth-first enumeration.
type frame struct {
	node  int32
	pos   int
	hash  phash.Fingerprint
	dist  int
}

// Similar returns every stored hash whose Hamming distance to needle is at
// most maxDist. Order is unspecified; callers comparing results must treat
// them as a set.
func (t *Trie) Similar(needle phash.Fingerprint, maxDist int) []phash.Fingerprint {
	var out []phash.Fingerprint
	if len(t.nodes) == 0 {
		return out
	}

	stack := []frame{{node: 0, pos: 0, hash: 0, dist: 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.pos == depth {
			out = append(out, f.hash)
			continue
		}

		n := t.nodes[f.node]
		b := (needle >> uint(f.pos)) & 1

		var matchChild, otherChild int32
		if b == 0 {
			matchChild, otherChild = n.zero, n.one
		} else {
			matchChild, otherChild = n.one, n.zero
		}

		if matchChild != 0 {
			stack = append(stack, frame{
				node: matchChild - 1,
				pos:  f.pos + 1,
				hash: setBit(f.hash, f.pos, b),
				dist: f.dist,
			})
			if otherChild != 0 && f.dist < maxDist {
				stack = append(stack, frame{
					node: otherChild - 1,
					pos:  f.pos + 1,
					hash: setBit(f.hash, f.pos, 1-b),
					dist: f.dist + 1,
				})
			}
		} else if otherChild != 0 {
			if f.dist+1 <= maxDist {
				stack = append(stack, frame{
					node: otherChild - 1,
					pos:  f.pos + 1,
					hash: setBit(f.hash, f.pos, 1-b),
					dist: f.dist + 1,
				})
			}
			// else: pruned, neither bound is satisfiable on this branch.
		}
		// Neither child: only reachable for pos < depth if this is a
		// terminal created before reaching depth, which Insert never
		// does; defensively, nothing to do.
	}
	return out
}

func setBit(h phash.Fingerprint, pos int, bit phash.Fingerprint) phash.Fingerprint {
	if bit == 0 {
		return h &^ (1 << uint(pos))
	}
	return h | (1 << uint(pos))
}

// Len returns the number of stored hashes. It walks the trie, so it is
// O(n) rather than cached.
func (t *Trie) Len() int {
	return len(t.Hashes())
}
