// Package pathx implements the path conventions used throughout relink.
//
// The helpers follow Windows conventions regardless of the host OS:
// backslash separators, case-insensitive comparison, drive letter and UNC
// roots. The database compares keys case-insensitively through the fold
// helpers; key names and mirrored paths otherwise keep the host's native
// separators, and fsio does no separator conversion.
package pathx

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxPath is the longest path relink handles anywhere.
const MaxPath = 4096

const shortPathPrefix = `\\?\`

// ConvertSlashToBackslash replaces every forward slash with a backslash.
// Idempotent.
func ConvertSlashToBackslash(p string) string {
	return strings.ReplaceAll(p, "/", `\`)
}

// DefaultCleanStart returns the index where CleanPath should begin
// collapsing separators: past a two-character drive prefix or past the
// leading pair of a UNC root.
func DefaultCleanStart(p string) int {
	if len(p) >= 2 && p[1] == ':' {
		return 2
	}
	if len(p) >= 2 && p[0] == '\\' && p[1] == '\\' {
		return 2
	}
	return 0
}

// CleanPath collapses runs of backslashes starting at startIndex. The
// prefix before startIndex is preserved verbatim so UNC roots survive.
func CleanPath(p string, startIndex int) string {
	if startIndex < 0 {
		startIndex = 0
	}
	if startIndex > len(p) {
		return p
	}
	var b strings.Builder
	b.Grow(len(p))
	b.WriteString(p[:startIndex])
	lastWasSep := false
	for i := startIndex; i < len(p); i++ {
		c := p[i]
		if c == '\\' {
			if lastWasSep {
				continue
			}
			lastWasSep = true
		} else {
			lastWasSep = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

// IsAbsolute reports whether p has a drive-letter prefix or a UNC root.
func IsAbsolute(p string) bool {
	if len(p) < 3 {
		return false
	}
	if p[1] == ':' && isDriveLetter(p[0]) {
		return true
	}
	return p[0] == '\\' && p[1] == '\\'
}

// IsLocal reports whether p refers to a local volume rather than a UNC
// share.
func IsLocal(p string) bool {
	return !(len(p) >= 2 && p[0] == '\\' && p[1] == '\\')
}

// ToShortPath returns a form of p acceptable on platforms with a native
// path length limit. Paths below the limit pass through untouched;
// absolute paths at or over it get the extended-length prefix.
func ToShortPath(p string) string {
	if len(p) < MaxPath {
		return p
	}
	if strings.HasPrefix(p, shortPathPrefix) || !IsAbsolute(p) {
		return p
	}
	return shortPathPrefix + p
}

// IsDotOrDotDot reports whether name is "." or "..".
func IsDotOrDotDot(name string) bool {
	return name == "." || name == ".."
}

// BaseName returns the last path component of p, accepting both
// separator styles.
func BaseName(p string) string {
	i := strings.LastIndexAny(p, `\/`)
	return p[i+1:]
}

// EqualFold reports whether a and b are equal under case folding.
func EqualFold(a, b string) bool {
	return strings.EqualFold(a, b)
}

// CompareFold compares a and b case-insensitively, returning -1, 0 or 1.
// It is the ordering used by FileKey.
func CompareFold(a, b string) int {
	for len(a) > 0 && len(b) > 0 {
		ar, an := utf8.DecodeRuneInString(a)
		br, bn := utf8.DecodeRuneInString(b)
		ar = unicode.ToLower(ar)
		br = unicode.ToLower(br)
		if ar != br {
			if ar < br {
				return -1
			}
			return 1
		}
		a = a[an:]
		b = b[bn:]
	}
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return -1
	default:
		return 1
	}
}

// LessFold reports whether a orders before b case-insensitively.
func LessFold(a, b string) bool {
	return CompareFold(a, b) < 0
}

// Fold lowercases s for use as a case-insensitive map key.
func Fold(s string) string {
	return strings.ToLower(s)
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
