// Package util provides common helpers shared by the transaction layer packages.
package util

//go:generate errtrace -w .
