package slices

import (
	"fmt"

	goslices "golang.org/x/exp/slices"
)

// Map returns a new slice holding f applied to every element of s.
func Map[S ~[]E, E any, V any](s S, f func(E) V) []V {
	if s == nil {
		return nil
	}
	rv := make([]V, len(s))
	for i, e := range s {
		rv[i] = f(e)
	}
	return rv
}

// Filter returns the elements of s for which keep returns true, preserving order.
func Filter[S ~[]E, E any](s S, keep func(E) bool) S {
	if s == nil {
		return nil
	}
	rv := make(S, 0, len(s))
	for _, e := range s {
		if keep(e) {
			rv = append(rv, e)
		}
	}
	return rv
}

// Chunk splits s into consecutive slices of at most size elements.
func Chunk[S ~[]E, E any](s S, size int) []S {
	if size < 1 {
		panic(fmt.Sprintf("size is %d but must be at least 1", size))
	}
	rv := make([]S, 0, (len(s)+size-1)/size)
	for i := 0; i < len(s); i += size {
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		rv = append(rv, goslices.Clone(s[i:end]))
	}
	return rv
}

// Unique returns a copy of s with duplicate elements removed, keeping only the first occurrence.
func Unique[S ~[]E, E comparable](s S) S {
	if s == nil {
		return nil
	}
	rv := make(S, 0, len(s))
	seen := make(map[E]bool, len(s))
	for _, v := range s {
		if !seen[v] {
			rv = append(rv, v)
			seen[v] = true
		}
	}
	return rv
}

// GroupByFunc groups the elements e_1, ..., e_n of s into separate slices by keyFunc(e).
func GroupByFunc[S ~[]E, E any, K comparable](s S, keyFunc func(E) K) map[K]S {
	rv := make(map[K]S)
	for _, e := range s {
		k := keyFunc(e)
		rv[k] = append(rv[k], e)
	}
	return rv
}

// Subtract returns the elements of list not present in toRemove.
func Subtract[T comparable](list []T, toRemove []T) []T {
	if list == nil {
		return nil
	}
	toRemoveMap := make(map[T]bool, len(toRemove))
	for _, val := range toRemove {
		toRemoveMap[val] = true
	}
	return Filter(list, func(val T) bool { return !toRemoveMap[val] })
}
