package chunker

// cutFunc returns byte positions at which s may be split. Each position sits
// just after a separator and its trailing whitespace, so pieces stay
// contiguous and whitespace travels with the preceding piece.
type cutFunc func(s string) []int

func paragraphCuts(s string) []int {
	return cutsAfter(s, func(s string, i int) int {
		if s[i] == '\n' && i+1 < len(s) && s[i+1] == '\n' {
			return 2
		}
		return 0
	})
}

func lineCuts(s string) []int {
	return cutsAfter(s, func(s string, i int) int {
		if s[i] == '\n' {
			return 1
		}
		return 0
	})
}

func sentenceCuts(s string) []int {
	return cutsAfter(s, func(s string, i int) int {
		switch s[i] {
		case '.', '!', '?':
			if i+1 < len(s) && isSpace(s[i+1]) {
				return 1
			}
		}
		return 0
	})
}

func wordCuts(s string) []int {
	return cutsAfter(s, func(s string, i int) int {
		if isSpace(s[i]) {
			return 1
		}
		return 0
	})
}

func cutsAfter(s string, match func(s string, i int) int) []int {
	var cuts []int
	for i := 0; i < len(s); {
		w := match(s, i)
		if w == 0 {
			i++
			continue
		}
		end := i + w
		for end < len(s) && isSpace(s[end]) {
			end++
		}
		if end > 0 && end < len(s) {
			cuts = append(cuts, end)
		}
		i = end
	}
	return cuts
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}
