package pkginfo

import (
	"strings"
	"unicode"

	"github.com/Masterminds/semver/v3"
)

// CompareVersions is the single canonical version comparator; every
// Satisfies call goes through it. It tries strict semantic-version
// comparison first and falls back to an rpm/deb-style segment
// comparison for the many bundle versions in the wild that are not
// semver-clean (trailing build tags, missing patch numbers, and so
// on). Returns <0, 0, >0 as a.Compare(b) would.
func CompareVersions(a, b string) int {
	if a == b {
		return 0
	}

	av, aerr := semver.NewVersion(a)
	bv, berr := semver.NewVersion(b)
	if aerr == nil && berr == nil {
		return av.Compare(bv)
	}

	return compareSegments(a, b)
}

// compareSegments implements rpm/deb-style comparison: split each
// string into alternating runs of digits and non-digits, compare
// digit runs numerically (stripping leading zeros) and non-digit runs
// lexicographically, segment by segment. A version with extra trailing
// segments sorts higher ("1.0.1" > "1.0"), matching the historical
// `li_compare_versions` behavior this repo can't observe directly (the
// original never calls it during matching, per spec.md's Open
// Question) but which follows the same convention as rpm's
// rpmvercmp.
func compareSegments(a, b string) int {
	as := splitSegments(a)
	bs := splitSegments(b)

	for i := 0; i < len(as) || i < len(bs); i++ {
		if i >= len(as) {
			return -1
		}
		if i >= len(bs) {
			return 1
		}

		sa, sb := as[i], bs[i]
		aDigit := isDigitRun(sa)
		bDigit := isDigitRun(sb)

		switch {
		case aDigit && bDigit:
			if c := compareNumeric(sa, sb); c != 0 {
				return c
			}
		case !aDigit && !bDigit:
			if c := strings.Compare(sa, sb); c != 0 {
				return c
			}
		case aDigit && !bDigit:
			// A numeric segment sorts higher than an alphabetic one at
			// the same position (rpm convention).
			return 1
		default:
			return -1
		}
	}

	return 0
}

func splitSegments(s string) []string {
	var segments []string
	var cur strings.Builder
	var curIsDigit bool
	started := false

	flush := func() {
		if cur.Len() > 0 {
			segments = append(segments, cur.String())
			cur.Reset()
		}
	}

	for _, r := range s {
		if r == '.' || r == '-' || r == '~' || r == '_' || r == '+' {
			flush()
			started = false
			continue
		}
		d := unicode.IsDigit(r)
		if started && d != curIsDigit {
			flush()
		}
		cur.WriteRune(r)
		curIsDigit = d
		started = true
	}
	flush()

	return segments
}

func isDigitRun(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(s) > 0
}

func compareNumeric(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
