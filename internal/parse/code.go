package parse

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	codeRe  = regexp.MustCompile(`^([A-Z]{1,3})\s*[-_ ]?\s*(\d{1,4})$`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// ParseCode normalizes a hand-typed gaiola code such as " a1", "A - 01" or
// "b_12" into its canonical "LETTERS-NUMBER" form ("A-1", "B-12").
func ParseCode(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = spaceRe.ReplaceAllString(s, " ")

	m := codeRe.FindStringSubmatch(s)
	if m == nil {
		return "", fmt.Errorf("unable to parse gaiola code: %q", raw)
	}

	// leading zeros are not significant: "A-01" and "A-1" are the same cage
	num := strings.TrimLeft(m[2], "0")
	if num == "" {
		num = "0"
	}
	return m[1] + "-" + num, nil
}
