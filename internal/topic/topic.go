// Package topic validates MQTT-style topic patterns and manages the topic
// permission roles that reference them.
package topic

import (
	"errors"
	"regexp"
	"strings"
)

const (
	SingleLevelWildcard = "+"
	MultiLevelWildcard  = "#"
	Separator           = "/"
)

// ErrInvalidTopic is wrapped by every rejected topic pattern.
var ErrInvalidTopic = errors.New("invalid topic pattern")

var topicChars = regexp.MustCompile(`^[a-zA-Z0-9/#+\-_]+$`)

// ValidateTopic reports whether topic is an acceptable pattern. Wildcards must
// occupy a whole level and "#" may only be the last level.
func ValidateTopic(topic string) bool {
	if topic == "" || !topicChars.MatchString(topic) {
		return false
	}

	levels := strings.Split(topic, Separator)
	for i, level := range levels {
		if strings.Contains(level, MultiLevelWildcard) {
			if level != MultiLevelWildcard || i != len(levels)-1 {
				return false
			}
		}
		if strings.Contains(level, SingleLevelWildcard) && level != SingleLevelWildcard {
			return false
		}
	}
	return true
}

// Matches reports whether a concrete topic is covered by pattern.
func Matches(pattern, topic string) bool {
	p := strings.Split(pattern, Separator)
	t := strings.Split(topic, Separator)

	for i, level := range p {
		if level == MultiLevelWildcard {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != SingleLevelWildcard && level != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}
