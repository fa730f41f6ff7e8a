package redis

// Stream entry fields of a queued request.
const (
	fieldReplyTo = "reply_to"
	fieldBody    = "body"
)

// Key segments under the namespace.
const (
	segPub   = "pub"
	segQuery = "query"
	segReply = "reply"
)
