package broker

import "strings"

const channelSeparator = "."

// IsPattern reports whether a subscription channel contains wildcards.
func IsPattern(channel string) bool {
	for _, part := range strings.Split(channel, channelSeparator) {
		if part == "*" || part == "#" {
			return true
		}
	}
	return false
}

// MatchChannel matches a dot-separated channel against a pattern where "*"
// stands for exactly one segment and "#" for zero or more segments.
func MatchChannel(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	patternParts := strings.Split(pattern, channelSeparator)
	channelParts := strings.Split(channel, channelSeparator)

	pLen, cLen := len(patternParts), len(channelParts)
	prev := make([]bool, cLen+1)
	cur := make([]bool, cLen+1)
	prev[0] = true

	for i := 1; i <= pLen; i++ {
		part := patternParts[i-1]
		cur[0] = part == "#" && prev[0]

		for j := 1; j <= cLen; j++ {
			switch part {
			case "#":
				cur[j] = prev[j] || cur[j-1]
			case "*":
				cur[j] = prev[j-1]
			default:
				cur[j] = prev[j-1] && part == channelParts[j-1]
			}
		}
		copy(prev, cur)
	}
	return prev[cLen]
}
