// Package itree implements a session's "already captured" interval tree: a
// balanced, augmented binary search tree of half-open sector ranges with a
// subset-cover query. It is the authoritative answer to "has this entire
// write already been captured" - the companion Bitmap32 only dedups within
// a single in-flight capture job.
//
// The augmentation (subtreeMaxEnd) lets Covers skip subtrees that cannot
// possibly contain a node extending far enough to cover the query, turning
// an O(n) scan into an O(log n) walk the way the kernel's augmented
// rbtree-backed interval tree does.
package itree

import (
	"sync"

	"github.com/blocksnap/blocksnap/internal/sector"
)

type color bool

const (
	red   color = true
	black color = false
)

type node struct {
	start, end    sector.Sector
	subtreeMaxEnd sector.Sector
	color         color
	left, right   *node
	parent        *node
}

// Tree is a concurrency-safe augmented red-black tree of half-open sector
// ranges. The zero value is not usable; use New.
type Tree struct {
	mu   sync.Mutex
	root *node
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{}
}

// Insert adds [start, end) to the tree. Duplicates are permitted and are
// never merged, matching the reference design: each captured write appends
// its own node.
func (t *Tree) Insert(start, end sector.Sector) {
	if end <= start {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insert(&node{start: start, end: end, subtreeMaxEnd: end})
}

// Covers reports whether some single inserted range [s, e) satisfies
// s <= start and end <= e. This is a strict subset test, not a union
// cover: a query split across two adjacent inserted ranges returns false.
func (t *Tree) Covers(start, end sector.Sector) bool {
	if end <= start {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return covers(t.root, start, end)
}

func covers(n *node, start, end sector.Sector) bool {
	if n == nil || n.subtreeMaxEnd < end {
		return false
	}
	if n.left != nil && n.left.subtreeMaxEnd >= end {
		if covers(n.left, start, end) {
			return true
		}
	}
	if n.start <= start && end <= n.end {
		return true
	}
	if n.right != nil && n.right.subtreeMaxEnd >= end {
		return covers(n.right, start, end)
	}
	return false
}

// --- red-black insertion with max-end augmentation ---

func (t *Tree) insert(z *node) {
	var y *node
	x := t.root
	for x != nil {
		y = x
		if z.start < x.start {
			x = x.left
		} else {
			x = x.right
		}
	}
	z.parent = y
	if y == nil {
		t.root = z
	} else if z.start < y.start {
		y.left = z
	} else {
		y.right = z
	}
	z.color = red
	propagateMaxEnd(z)
	t.fixupInsert(z)
}

func propagateMaxEnd(n *node) {
	for p := n; p != nil; p = p.parent {
		m := p.end
		if p.left != nil && p.left.subtreeMaxEnd > m {
			m = p.left.subtreeMaxEnd
		}
		if p.right != nil && p.right.subtreeMaxEnd > m {
			m = p.right.subtreeMaxEnd
		}
		p.subtreeMaxEnd = m
	}
}

func nodeColor(n *node) color {
	if n == nil {
		return black
	}
	return n.color
}

func (t *Tree) leftRotate(x *node) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
	updateMaxEnd(x)
	updateMaxEnd(y)
}

func (t *Tree) rightRotate(x *node) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y
	updateMaxEnd(x)
	updateMaxEnd(y)
}

func updateMaxEnd(n *node) {
	m := n.end
	if n.left != nil && n.left.subtreeMaxEnd > m {
		m = n.left.subtreeMaxEnd
	}
	if n.right != nil && n.right.subtreeMaxEnd > m {
		m = n.right.subtreeMaxEnd
	}
	n.subtreeMaxEnd = m
}

func (t *Tree) fixupInsert(z *node) {
	for nodeColor(z.parent) == red {
		gp := z.parent.parent
		if gp == nil {
			break
		}
		if z.parent == gp.left {
			u := gp.right
			if nodeColor(u) == red {
				z.parent.color = black
				u.color = black
				gp.color = red
				z = gp
				continue
			}
			if z == z.parent.right {
				z = z.parent
				t.leftRotate(z)
			}
			z.parent.color = black
			gp.color = red
			t.rightRotate(gp)
		} else {
			u := gp.left
			if nodeColor(u) == red {
				z.parent.color = black
				u.color = black
				gp.color = red
				z = gp
				continue
			}
			if z == z.parent.left {
				z = z.parent
				t.rightRotate(z)
			}
			z.parent.color = black
			gp.color = red
			t.leftRotate(gp)
		}
	}
	t.root.color = black
}
