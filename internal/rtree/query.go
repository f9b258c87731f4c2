/*
Copyright (C) 2024  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package rtree

// Overlap visits every entry whose range intersects r. The callback may
// return false to abort traversal early.
func (t *Tree) Overlap(r Range, cb func(Entry) bool) {
	t.overlap(t.root, r, cb)
}

func (t *Tree) overlap(id nodeID, r Range, cb func(Entry) bool) bool {
	n := t.node(id)
	if !n.rng.overlaps(r) {
		return true
	}
	if n.isLeaf {
		for i := int8(0); i < n.count; i++ {
			e := n.entries[i]
			if e.Range.overlaps(r) {
				if !cb(e) {
					return false
				}
			}
		}
		return true
	}
	for i := int8(0); i < n.count; i++ {
		if !t.overlap(n.children[i], r, cb) {
			return false
		}
	}
	return true
}

// Walk visits every entry in key (start-offset) ascending order. Children
// and leaf entries are kept sorted by start at every node, so a depth-first
// traversal in child order yields ascending output.
func (t *Tree) Walk(cb func(Entry) bool) {
	t.walk(t.root, cb)
}

func (t *Tree) walk(id nodeID, cb func(Entry) bool) bool {
	n := t.node(id)
	if n.isLeaf {
		for i := int8(0); i < n.count; i++ {
			if !cb(n.entries[i]) {
				return false
			}
		}
		return true
	}
	for i := int8(0); i < n.count; i++ {
		if !t.walk(n.children[i], cb) {
			return false
		}
	}
	return true
}

// Find performs an exact-match lookup.
func (t *Tree) Find(r Range) (Entry, bool) {
	id, idx, ok := t.findExact(t.root, r)
	if !ok {
		return Entry{}, false
	}
	return t.node(id).entries[idx], true
}

func (t *Tree) findExact(id nodeID, r Range) (nodeID, int, bool) {
	n := t.node(id)
	if n.isLeaf {
		for i := int8(0); i < n.count; i++ {
			if n.entries[i].Range == r {
				return id, int(i), true
			}
		}
		return nilNode, -1, false
	}
	for i := int8(0); i < n.count; i++ {
		child := n.children[i]
		if t.node(child).rng.overlaps(r) || rangeContains(t.node(child).rng, r) {
			if cid, idx, ok := t.findExact(child, r); ok {
				return cid, idx, ok
			}
		}
	}
	return nilNode, -1, false
}

func rangeContains(outer, inner Range) bool {
	return inner.Start >= outer.Start && inner.Stop <= outer.Stop
}

// findExactPath is like findExact but also returns the root-to-leaf path, for
// use by Remove's condense step.
func (t *Tree) findExactPath(id nodeID, r Range, path []nodeID) ([]nodeID, nodeID, int, bool) {
	path = append(path, id)
	n := t.node(id)
	if n.isLeaf {
		for i := int8(0); i < n.count; i++ {
			if n.entries[i].Range == r {
				return path, id, int(i), true
			}
		}
		return path, nilNode, -1, false
	}
	for i := int8(0); i < n.count; i++ {
		child := n.children[i]
		if t.node(child).rng.overlaps(r) || rangeContains(t.node(child).rng, r) {
			if p, cid, idx, ok := t.findExactPath(child, r, append([]nodeID{}, path...)); ok {
				return p, cid, idx, ok
			}
		}
	}
	return path, nilNode, -1, false
}

// Copy returns a deep clone of the tree. If dataCopy is non-nil, it is
// applied to every entry's DataLogOffset in the clone.
func (t *Tree) Copy(dataCopy func(int64) int64) *Tree {
	clone := &Tree{
		arena:     make([]node, len(t.arena)),
		root:      t.root,
		depth:     t.depth,
		count:     t.count,
		rangesize: t.rangesize,
	}
	copy(clone.arena, t.arena)
	if dataCopy != nil {
		for i := range clone.arena {
			n := &clone.arena[i]
			if n.isLeaf {
				for j := int8(0); j < n.count; j++ {
					n.entries[j].DataLogOffset = dataCopy(n.entries[j].DataLogOffset)
				}
			}
		}
	}
	return clone
}

// Clear empties the tree back to a single empty root leaf.
func (t *Tree) Clear() {
	t.arena = t.arena[:0]
	t.free = t.free[:0]
	t.depth = 0
	t.count = 0
	t.rangesize = 0
	t.root = t.alloc(node{isLeaf: true, parent: nilNode})
}
