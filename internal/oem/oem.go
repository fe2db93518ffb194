// Package oem folds Unicode short-name characters down to the single-byte
// OEM/ANSI code page FAT32 short directory entries are defined over,
// replacing what _examples/soypat-fat/tables.go does with embedded
// cp*_uni2oem_le.tbl lookup tables with golang.org/x/text's code-page
// transcoders.
package oem

import (
	"golang.org/x/text/encoding/charmap"
)

// CP437 folds r into its IBM code page 437 byte, the default OEM code page
// FAT32 short names are historically encoded in. Characters with no CP437
// representation fold to '_', mirroring the teacher's ff_uni2oem() falling
// back to 0 (here treated as "unrepresentable, substitute").
func CP437(r rune) byte {
	b, ok := charmap.CodePage437.EncodeRune(r)
	if !ok {
		return '_'
	}
	return b
}

// FoldShortName uppercases ASCII letters (other runes keep their case) and
// CP437-folds s, the canonicalization step
// spec.md's short-name generation applies before truncation/padding.
func FoldShortName(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = append(out, CP437(upperASCII(r)))
	}
	return out
}

func upperASCII(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - ('a' - 'A')
	}
	return r
}
