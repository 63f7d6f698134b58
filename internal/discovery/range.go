package discovery

import (
	"sort"
	"strconv"
	"strings"
)

// Host octet bounds.
const (
	minOctet = 0
	maxOctet = 255
)

// ParseRange parses a host-range spec into sorted, distinct last-octet values.
//
// Tokens are separated by ',', ';' or ' '. A token is either a single value
// ("20") or an inclusive range ("10-12"); a reversed range ("12-10") is
// normalised. Values outside 0..255 and unparseable tokens are skipped.
// An empty spec means the whole usable subnet, 1..254.
//
// Example:
//
//	ParseRange("10-12,20") // [10 11 12 20]
func ParseRange(spec string) []int {
	tokens := strings.FieldsFunc(spec, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})

	if len(tokens) == 0 {
		all := make([]int, 0, 254)
		for v := 1; v <= 254; v++ {
			all = append(all, v)
		}
		return all
	}

	seen := make(map[int]struct{})
	add := func(v int) {
		if v >= minOctet && v <= maxOctet {
			seen[v] = struct{}{}
		}
	}

	for _, token := range tokens {
		parts := nonEmpty(strings.Split(token, "-"))
		switch len(parts) {
		case 1:
			if v, err := strconv.Atoi(parts[0]); err == nil {
				add(v)
			}
		case 2:
			start, err1 := strconv.Atoi(parts[0])
			end, err2 := strconv.Atoi(parts[1])
			if err1 != nil || err2 != nil {
				continue
			}
			if start > end {
				start, end = end, start
			}
			// Clip before iterating so "0-99999999" stays cheap.
			start = max(start, minOctet)
			end = min(end, maxOctet)
			for v := start; v <= end; v++ {
				add(v)
			}
		}
	}

	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func nonEmpty(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
