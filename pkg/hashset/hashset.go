// Package hashset is a small generic set built on a map.
package hashset

import (
	"cmp"
	"slices"
)

func NewSet[T comparable]() Set[T] {
	return map[T]struct{}{}
}

type Set[T comparable] map[T]struct{}

func SetFromSlice[T comparable](vals []T) Set[T] {
	set := NewSet[T]()
	for _, v := range vals {
		set.Set(v)
	}
	return set
}

func (vs Set[T]) Set(v T) {
	vs[v] = struct{}{}
}

func (vs Set[T]) Has(v T) bool {
	_, ok := vs[v]
	return ok
}

// Delete removes v and reports whether it was present.
func (vs Set[T]) Delete(v T) bool {
	if !vs.Has(v) {
		return false
	}
	delete(vs, v)
	return true
}

func (vs Set[T]) Len() int {
	return len(vs)
}

func (vs Set[T]) AsSlice() []T {
	slice := make([]T, 0, len(vs))
	for s := range vs {
		slice = append(slice, s)
	}
	return slice
}

// Sorted returns the values in ascending order, for stable wire encodings.
func Sorted[T cmp.Ordered](vs Set[T]) []T {
	s := vs.AsSlice()
	slices.Sort(s)
	return s
}
