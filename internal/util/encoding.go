package util

import (
	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFKC form of s so that visually identical
// passphrases typed on different keyboards hash the same.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}
