package chainloom

// chooseSpan picks the `want`-block window with the thinnest coverage:
// counts[b] is how many peers currently serve block b, and the window
// minimizing the total is where one more server does the most good.
// Ties resolve to the earliest start so identical views agree.
func chooseSpan(want, numBlocks int, counts []int) Span {
	if want >= numBlocks {
		return Span{Start: 0, End: numBlocks}
	}

	total := 0
	for b := 0; b < want; b++ {
		total += counts[b]
	}
	best, bestStart := total, 0

	for start := 1; start+want <= numBlocks; start++ {
		total += counts[start+want-1] - counts[start-1]
		if total < best {
			best, bestStart = total, start
		}
	}
	return Span{Start: bestStart, End: bestStart + want}
}
