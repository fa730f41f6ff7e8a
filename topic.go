package a2abus

import "strings"

// MatchTopic reports whether a subscriber filter selects topic.
//
// The match is a literal byte prefix with no separator boundary: "block" selects
// "block.created" and also "blockade.x". An empty filter selects every topic.
// Peers filtering with socket-level prefix subscriptions rely on exactly this rule.
func MatchTopic(filter, topic string) bool {
	return strings.HasPrefix(topic, filter)
}
