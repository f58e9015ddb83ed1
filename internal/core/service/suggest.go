package service

import "sort"

// suggestVerbs returns up to three known verbs close to input, preferring
// prefix matches, then edit distance at most two.
func suggestVerbs(input string, known []string) []string {
	type scored struct {
		verb string
		dist int
	}
	var candidates []scored
	for _, v := range known {
		if hasPrefixEither(input, v) {
			candidates = append(candidates, scored{verb: v, dist: 0})
			continue
		}
		if d := editDistance(input, v); d <= 2 {
			candidates = append(candidates, scored{verb: v, dist: d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].verb < candidates[j].verb
	})
	out := make([]string, 0, 3)
	for _, c := range candidates {
		out = append(out, c.verb)
		if len(out) == 3 {
			break
		}
	}
	return out
}

func hasPrefixEither(a, b string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return b[:len(a)] == a
}

// editDistance is plain Levenshtein over bytes; verbs are ASCII.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
