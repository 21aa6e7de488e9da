package engine

import (
	"regexp"
	"strconv"
)

var digitRun = regexp.MustCompile(`[0-9]+`)

// CompareLabels orders dotted-numeric version labels. Each label is reduced
// to its runs of digits, the shorter component list is zero-padded to the
// longer one, and components compare numerically. Non-numeric runs act as
// separators and carry no weight, so "1.0", "1.00" and "v1_0" all compare
// equal. Returns -1, 0 or 1.
func CompareLabels(a, b string) int {
	ac := labelComponents(a)
	bc := labelComponents(b)

	n := len(ac)
	if len(bc) > n {
		n = len(bc)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(ac) {
			av = ac[i]
		}
		if i < len(bc) {
			bv = bc[i]
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}

func labelComponents(label string) []int {
	runs := digitRun.FindAllString(label, -1)
	components := make([]int, 0, len(runs))
	for _, r := range runs {
		n, err := strconv.Atoi(r)
		if err != nil {
			continue
		}
		components = append(components, n)
	}
	return components
}
