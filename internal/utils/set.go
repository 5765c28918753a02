package utils

// Set implements a simple set on top of a map.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set of the given type, with reserved space for size elements.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// SetWith returns a Set with the given elements inserted.
func SetWith[T comparable](elements ...T) Set[T] {
	s := MakeSet[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has returns whether the set contains the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Sub returns a new Set with the elements of s that are not in s2.
func (s Set[T]) Sub(s2 Set[T]) Set[T] {
	result := MakeSet[T](len(s))
	for key := range s {
		if !s2.Has(key) {
			result.Insert(key)
		}
	}
	return result
}

// Equal returns whether both sets hold exactly the same elements.
func (s Set[T]) Equal(s2 Set[T]) bool {
	if len(s) != len(s2) {
		return false
	}
	for key := range s {
		if !s2.Has(key) {
			return false
		}
	}
	return true
}
