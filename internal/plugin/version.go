package plugin

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// canonical turns "1.2", "v1.2.3" or "=1.2.3" into a semver string with a
// leading v, or "" when it is not a version.
func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if v[0] != 'v' {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// ValidVersion reports whether v is a semantic version (the v prefix is optional).
func ValidVersion(v string) bool {
	return canonical(v) != ""
}

// Satisfies reports whether version meets constraint. A constraint is a list
// of alternatives separated by "||"; each alternative is a list of comparisons
// separated by spaces or commas that must all hold. Comparisons use
// >=, <=, >, <, =, ^ (same major, or same minor below 1.0) and ~ (same minor).
// "*" and "x" match everything.
func Satisfies(version, constraint string) (bool, error) {
	v := canonical(version)
	if v == "" {
		return false, fmt.Errorf("invalid version %q", version)
	}
	constraint = strings.TrimSpace(constraint)
	if constraint == "" {
		return false, fmt.Errorf("empty version constraint")
	}

	for _, alt := range strings.Split(constraint, "||") {
		terms := strings.FieldsFunc(alt, func(r rune) bool { return r == ' ' || r == ',' })
		if len(terms) == 0 {
			return false, fmt.Errorf("invalid version constraint %q", constraint)
		}
		all := true
		for _, term := range terms {
			ok, err := satisfiesTerm(v, term)
			if err != nil {
				return false, fmt.Errorf("invalid version constraint %q: %w", constraint, err)
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

func satisfiesTerm(v, term string) (bool, error) {
	if term == "*" || term == "x" || term == "X" {
		return true, nil
	}

	op := ""
	for _, p := range []string{">=", "<=", "==", ">", "<", "=", "^", "~"} {
		if strings.HasPrefix(term, p) {
			op = p
			term = term[len(p):]
			break
		}
	}
	want := canonical(term)
	if want == "" {
		return false, fmt.Errorf("bad version %q", term)
	}
	cmp := semver.Compare(v, want)

	switch op {
	case "", "=", "==":
		return cmp == 0, nil
	case ">=":
		return cmp >= 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case "<":
		return cmp < 0, nil
	case "^":
		upper := nextMajor(want)
		if semver.Major(want) == "v0" {
			upper = nextMinor(want)
		}
		return cmp >= 0 && semver.Compare(v, upper) < 0, nil
	case "~":
		upper := nextMinor(want)
		if parts := strings.Count(strings.TrimPrefix(term, "v"), "."); parts == 0 {
			upper = nextMajor(want)
		}
		return cmp >= 0 && semver.Compare(v, upper) < 0, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func versionParts(v string) (major, minor int) {
	parts := strings.SplitN(strings.TrimPrefix(semver.MajorMinor(v), "v"), ".", 2)
	major, _ = strconv.Atoi(parts[0])
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}

func nextMajor(v string) string {
	major, _ := versionParts(v)
	return fmt.Sprintf("v%d.0.0", major+1)
}

func nextMinor(v string) string {
	major, minor := versionParts(v)
	return fmt.Sprintf("v%d.%d.0", major, minor+1)
}
