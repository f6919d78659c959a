// Copyright © 2023-2025 The HYMET Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"io"
	"strconv"
	"strings"

	"github.com/shenwei356/xopen"
)

// rankOrder is the fixed enumeration of taxonomic ranks, most general
// first. Nodes with other ranks ("no rank", "clade", ...) are unranked
// internal nodes, skippable during ancestor walks.
var rankOrder = []string{
	"superkingdom", "phylum", "class", "order",
	"family", "genus", "species", "strain",
}

var rankIndex = func() map[string]int {
	m := make(map[string]int, len(rankOrder))
	for i, r := range rankOrder {
		m[r] = i
	}
	return m
}()

const unclassifiedLabel = "unclassified"

// loadTaxonomyMap reads the accession-to-taxid map: a TSV with header
// `TaxID<tab>Identifiers`, where many `;`-separated sequence identifiers
// map to one taxid bucket.
func loadTaxonomyMap(file string) (map[string]uint32, error) {
	fh, err := xopen.Ropen(file)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	mapping := make(map[string]uint32, mapInitSize)
	var line string
	var first = true
	items := make([]string, 3)
	for {
		line, err = fh.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if line != "" {
				if first && strings.HasPrefix(line, "TaxID\t") {
					first = false
				} else {
					first = false
					items = items[:cap(items)]
					stringSplitNByByte(line, '\t', 3, &items)
					if len(items) >= 2 {
						taxid, err2 := strconv.ParseUint(items[0], 10, 32)
						if err2 == nil {
							for _, id := range strings.Split(items[1], ";") {
								id = strings.TrimSpace(id)
								if id != "" {
									mapping[id] = uint32(taxid)
								}
							}
						}
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}

	if len(mapping) == 0 {
		return nil, inputError("no taxonomy mappings found in %s", file)
	}
	return mapping, nil
}

// HierarchyNode is one node of the taxonomy tree.
type HierarchyNode struct {
	Taxid  uint32
	Rank   string
	Parent uint32
	Name   string
}

// Hierarchy is the taxonomy tree, constructed once and read-only
// afterwards; it is shared by reference across all classification workers.
type Hierarchy struct {
	Nodes map[uint32]*HierarchyNode
}

// loadHierarchy reads the hierarchy TSV
// (`TaxID Name Rank ParentTaxID Lineage`) and validates the tree:
// a cycle or an orphan parent taxid is a fatal data integrity error.
func loadHierarchy(file string) (*Hierarchy, error) {
	fh, err := xopen.Ropen(file)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	nodes := make(map[uint32]*HierarchyNode, mapInitSize)
	var line string
	first := true
	items := make([]string, 6)
	for {
		line, err = fh.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if line != "" {
				if first && strings.HasPrefix(line, "TaxID\t") {
					first = false
				} else {
					first = false
					items = items[:cap(items)]
					stringSplitNByByte(line, '\t', 6, &items)
					if len(items) >= 4 {
						taxid, err1 := strconv.ParseUint(items[0], 10, 32)
						parent, err2 := strconv.ParseUint(items[3], 10, 32)
						if err1 == nil && err2 == nil {
							nodes[uint32(taxid)] = &HierarchyNode{
								Taxid:  uint32(taxid),
								Name:   items[1],
								Rank:   strings.ToLower(strings.TrimSpace(items[2])),
								Parent: uint32(parent),
							}
						}
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}

	if len(nodes) == 0 {
		return nil, inputError("no hierarchy nodes found in %s", file)
	}

	h := &Hierarchy{Nodes: nodes}
	if err = h.validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Hierarchy) isRoot(n *HierarchyNode) bool {
	return n.Parent == n.Taxid || n.Taxid == 1
}

// validate walks every node to a root, rejecting cycles and parents
// missing from the table.
func (h *Hierarchy) validate() error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current walk
		black = 2 // known good
	)
	color := make(map[uint32]uint8, len(h.Nodes))

	path := make([]uint32, 0, 64)
	for taxid := range h.Nodes {
		path = path[:0]
		cur := taxid
		for {
			switch color[cur] {
			case black:
			case gray:
				return dataIntegrityError("hierarchy cycle involving taxid %d", cur)
			default:
				color[cur] = gray
				path = append(path, cur)
				n := h.Nodes[cur]
				if !h.isRoot(n) {
					parent, ok := h.Nodes[n.Parent]
					if !ok {
						return dataIntegrityError("orphan taxid %d: parent %d not in hierarchy", cur, n.Parent)
					}
					cur = parent.Taxid
					continue
				}
			}
			break
		}
		for _, t := range path {
			color[t] = black
		}
	}
	return nil
}

// Chain returns the root-to-taxid ancestor chain, nil for unknown taxids.
func (h *Hierarchy) Chain(taxid uint32) []uint32 {
	n, ok := h.Nodes[taxid]
	if !ok {
		return nil
	}

	rev := make([]uint32, 0, 16)
	for {
		rev = append(rev, n.Taxid)
		if h.isRoot(n) {
			break
		}
		n = h.Nodes[n.Parent]
	}

	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

// Depth is the length of the root-to-taxid chain; 0 for unknown taxids.
func (h *Hierarchy) Depth(taxid uint32) int {
	return len(h.Chain(taxid))
}

// LCA returns the lowest common ancestor of two taxids, 0 when either is
// unknown.
func (h *Hierarchy) LCA(a, b uint32) uint32 {
	ca, cb := h.Chain(a), h.Chain(b)
	if ca == nil || cb == nil {
		return 0
	}
	n := minInt(len(ca), len(cb))
	var lca uint32
	for i := 0; i < n; i++ {
		if ca[i] != cb[i] {
			break
		}
		lca = ca[i]
	}
	return lca
}

// LCASet folds LCA over a taxid set.
func (h *Hierarchy) LCASet(taxids []uint32) uint32 {
	if len(taxids) == 0 {
		return 0
	}
	lca := taxids[0]
	for _, t := range taxids[1:] {
		lca = h.LCA(lca, t)
		if lca == 0 {
			return 0
		}
	}
	return lca
}

// LineageString renders the root-to-taxid lineage as `rank:name` tokens,
// keeping only nodes whose rank belongs to the fixed enumeration.
func (h *Hierarchy) LineageString(taxid uint32, sep string) string {
	chain := h.Chain(taxid)
	if chain == nil {
		return unclassifiedLabel
	}
	tokens := make([]string, 0, len(chain))
	for _, t := range chain {
		n := h.Nodes[t]
		if _, ok := rankIndex[n.Rank]; ok {
			tokens = append(tokens, n.Rank+":"+n.Name)
		}
	}
	if len(tokens) == 0 {
		return unclassifiedLabel
	}
	return strings.Join(tokens, sep)
}

// TaxonomicLevel is the deepest enumerated rank on the lineage of a taxid,
// "root" when no ancestor carries an enumerated rank.
func (h *Hierarchy) TaxonomicLevel(taxid uint32) string {
	chain := h.Chain(taxid)
	for i := len(chain) - 1; i >= 0; i-- {
		if _, ok := rankIndex[h.Nodes[chain[i]].Rank]; ok {
			return h.Nodes[chain[i]].Rank
		}
	}
	return "root"
}

// AncestorAtRank walks up from taxid to the node of the given enumerated
// rank, 0 when the lineage does not reach it.
func (h *Hierarchy) AncestorAtRank(taxid uint32, rank string) uint32 {
	for _, t := range h.Chain(taxid) {
		if h.Nodes[t].Rank == rank {
			return t
		}
	}
	return 0
}
