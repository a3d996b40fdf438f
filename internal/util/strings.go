package util

import "strings"

// UCase upper-cases a string typed value such as a request method.
func UCase[T ~string](s T) T { return T(strings.ToUpper(string(s))) }

// LCase lower-cases a string typed value such as a Via host or branch.
func LCase[T ~string](s T) T { return T(strings.ToLower(string(s))) }

// EqFold compares two string typed values case-insensitively.
func EqFold[T1, T2 ~string](s1 T1, s2 T2) bool {
	return strings.EqualFold(string(s1), string(s2))
}
