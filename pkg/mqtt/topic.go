package mqtt

import (
	"errors"
	"strings"
)

const sharePrefix = "$share/"

// SplitShared splits a shared subscription "$share/<group>/<filter>" into
// its group and filter. ok is false for ordinary filters.
func SplitShared(filter string) (group, rest string, ok bool) {
	if !strings.HasPrefix(filter, sharePrefix) {
		return "", filter, false
	}
	group, rest, _ = strings.Cut(filter[len(sharePrefix):], "/")
	return group, rest, true
}

// ValidateFilter checks a subscription topic filter. '+' must occupy a
// whole level and '#' must occupy the last level. Shared subscriptions
// need a wildcard-free group name followed by a filter.
func ValidateFilter(filter string) error {
	if filter == "" {
		return errors.New("empty topic filter")
	}
	if strings.ContainsRune(filter, 0) {
		return errors.New("topic filter contains NUL")
	}
	if group, rest, ok := SplitShared(filter); ok {
		if group == "" || strings.ContainsAny(group, "+#") {
			return errors.New("invalid share name, filter: " + filter)
		}
		if rest == "" {
			return errors.New("shared subscription without topic filter: " + filter)
		}
		filter = rest
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") {
			if level != "#" {
				return errors.New("'#' must occupy a whole level, filter: " + filter)
			}
			if i != len(levels)-1 {
				return errors.New("'#' must be the last level, filter: " + filter)
			}
		}
		if strings.Contains(level, "+") && level != "+" {
			return errors.New("'+' must occupy a whole level, filter: " + filter)
		}
	}
	return nil
}

// ValidateTopic checks a topic name used for publishing.
func ValidateTopic(topic string) error {
	switch {
	case topic == "":
		return errors.New("empty topic name")
	case strings.ContainsAny(topic, "+#"):
		return errors.New("topic name contains wildcard: " + topic)
	case strings.ContainsRune(topic, 0):
		return errors.New("topic name contains NUL")
	}
	return nil
}

// MatchFilter reports whether topic is matched by filter. Topics starting
// with '$' are not matched by a leading wildcard. A shared subscription
// matches what its inner filter matches.
func MatchFilter(filter, topic string) bool {
	_, filter, _ = SplitShared(filter)
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, level := range fl {
		if level == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if level != "+" && level != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
