package upstream

import (
	"fmt"
	"strconv"
	"strings"
)

// StatusCodeMatcher checks whether an upstream status code is acceptable
type StatusCodeMatcher struct {
	ranges [][2]int // [min, max] inclusive
}

// ParseStatusCodes parses a specification like "200-299" or "200,204,301-399"
func ParseStatusCodes(spec string) (*StatusCodeMatcher, error) {
	matcher := &StatusCodeMatcher{}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			lo, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid status code: %s", bounds[0])
			}
			hi, err := strconv.Atoi(strings.TrimSpace(bounds[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid status code: %s", bounds[1])
			}
			if lo > hi {
				return nil, fmt.Errorf("invalid range: min > max in %s", part)
			}
			matcher.ranges = append(matcher.ranges, [2]int{lo, hi})
			continue
		}

		code, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid status code: %s", part)
		}
		matcher.ranges = append(matcher.ranges, [2]int{code, code})
	}

	if len(matcher.ranges) == 0 {
		return nil, fmt.Errorf("no valid status codes in spec: %q", spec)
	}

	return matcher, nil
}

// Matches returns true if the status code is acceptable
func (m *StatusCodeMatcher) Matches(code int) bool {
	for _, r := range m.ranges {
		if code >= r[0] && code <= r[1] {
			return true
		}
	}
	return false
}
