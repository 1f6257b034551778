package script

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CompareVersion returns -1, 0 or 1. Semver strings compare as semver;
// anything else (userscripts often use four or more parts) compares part
// by part, numerically when both parts are numbers.
func CompareVersion(a, b string) int {
	if va, err := semver.StrictNewVersion(strings.TrimPrefix(a, "v")); err == nil {
		if vb, err := semver.StrictNewVersion(strings.TrimPrefix(b, "v")); err == nil {
			return va.Compare(vb)
		}
	}
	return compareDotted(a, b)
}

func compareDotted(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < max(len(pa), len(pb)); i++ {
		var x, y string
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if c := comparePart(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func comparePart(x, y string) int {
	nx, errX := strconv.Atoi(orZero(x))
	ny, errY := strconv.Atoi(orZero(y))
	if errX == nil && errY == nil {
		switch {
		case nx < ny:
			return -1
		case nx > ny:
			return 1
		}
		return 0
	}
	return strings.Compare(x, y)
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
