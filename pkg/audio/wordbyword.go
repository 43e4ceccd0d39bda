package audio

// WordGroups batches words two at a time for word-by-word playback. A
// trailing odd word forms its own group.
func WordGroups(words []string) []string {
	groups := make([]string, 0, (len(words)+1)/2)
	for i := 0; i < len(words); i += 2 {
		if i+1 < len(words) {
			groups = append(groups, words[i]+" "+words[i+1])
		} else {
			groups = append(groups, words[i])
		}
	}
	return groups
}
