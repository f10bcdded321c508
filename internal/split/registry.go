// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package split

import "github.com/google/btree"

const btreeDegree = 16

// Registry is the ordered mapping from data-frame physical address to
// split context. Contexts are owned exclusively by the registry; the
// engine mutates them in place under its lock.
type Registry struct {
	tree *btree.BTreeG[*Context]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tree: btree.NewG(btreeDegree, func(a, b *Context) bool {
			return a.DPA < b.DPA
		}),
	}
}

// Lookup returns the context for dpa, if any.
func (r *Registry) Lookup(dpa uint64) (*Context, bool) {
	return r.tree.Get(&Context{DPA: dpa})
}

// Insert adds a context. The key is ctx.DPA.
func (r *Registry) Insert(ctx *Context) {
	r.tree.ReplaceOrInsert(ctx)
}

// Delete removes the context for dpa.
func (r *Registry) Delete(dpa uint64) {
	r.tree.Delete(&Context{DPA: dpa})
}

// Min returns the context with the smallest key, if any.
func (r *Registry) Min() (*Context, bool) {
	return r.tree.Min()
}

// Next returns the first context whose key is >= dpa. Used to probe for
// adjacent splits.
func (r *Registry) Next(dpa uint64) (*Context, bool) {
	var found *Context

	r.tree.AscendGreaterOrEqual(&Context{DPA: dpa}, func(ctx *Context) bool {
		found = ctx

		return false
	})

	return found, found != nil
}

// Len returns the number of contexts.
func (r *Registry) Len() int {
	return r.tree.Len()
}

// Ascend visits every context in key order while fn returns true.
func (r *Registry) Ascend(fn func(ctx *Context) bool) {
	r.tree.Ascend(fn)
}
