package topic

import (
	"regexp"
	"strings"
)

// Matcher is a compiled form of a topic filter: `+` becomes `[^/]*`, a
// standalone `#` becomes `.*`, a trailing `/#` becomes the optional suffix
// `(?:/.*)?` (so the parent topic itself also matches), and the whole
// expression is anchored at both ends. Matching a literal topic against it is then a
// single regexp.MatchString call.
type Matcher struct {
	filter     string
	re         *regexp.Regexp
	dollarSafe bool // true if the filter's first level is a wildcard
}

// CompileMatcher compiles a topic filter (assumed already validated by
// ValidateTopicFilter) into a Matcher.
func CompileMatcher(filter string) *Matcher {
	levels := splitTopicLevels(filter)

	var pattern string
	switch {
	case len(levels) == 1 && levels[0] == "#":
		// A bare "#" matches every topic, including one with zero levels.
		pattern = "^.*$"
	case len(levels) > 0 && levels[len(levels)-1] == "#":
		// "#" matches zero or more trailing levels, so the slash that would
		// otherwise separate the parent from it has to be optional too:
		// "home/#" must match the bare parent topic "home" as well as
		// "home/anything".
		parts := make([]string, 0, len(levels)-1)
		for _, level := range levels[:len(levels)-1] {
			parts = append(parts, levelPattern(level))
		}
		pattern = "^" + strings.Join(parts, "/") + "(?:/.*)?$"
	default:
		parts := make([]string, 0, len(levels))
		for _, level := range levels {
			parts = append(parts, levelPattern(level))
		}
		pattern = "^" + strings.Join(parts, "/") + "$"
	}

	re := regexp.MustCompile(pattern)

	firstLevelIsWildcard := len(levels) > 0 && (levels[0] == "+" || levels[0] == "#")

	return &Matcher{filter: filter, re: re, dollarSafe: firstLevelIsWildcard}
}

func levelPattern(level string) string {
	if level == "+" {
		return "[^/]*"
	}
	return regexp.QuoteMeta(level)
}

// Match reports whether topic matches this compiled filter. Per the MQTT 5
// wildcard rules, a filter whose first level is a wildcard never matches a
// topic beginning with `$` (system topics are opaque to broad wildcards).
func (m *Matcher) Match(topic string) bool {
	if m.dollarSafe && strings.HasPrefix(topic, "$") {
		return false
	}
	return m.re.MatchString(topic)
}

// Filter returns the original, uncompiled topic filter string.
func (m *Matcher) Filter() string {
	return m.filter
}
