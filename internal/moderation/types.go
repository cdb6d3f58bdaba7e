package moderation

import "context"

// Decision actions.
const (
	ActionOK   = "OK"
	ActionWarn = "WARN"
)

// Context carries the facts about a send that a classifier may weigh beyond
// the raw content.
type Context struct {
	UserID      int64
	ChannelID   int64
	ChannelType string
}

// Decision is a classifier's verdict on one piece of content. Term names the
// rule or token that triggered a WARN, for logging and strike reasons.
type Decision struct {
	Action string
	Reason string
	Term   string
}

// Classifier is the pluggable content-evaluation capability. The engine
// depends only on this interface; a rule table and an AI-backed reviewer are
// interchangeable implementations.
type Classifier interface {
	Classify(ctx context.Context, content string, mctx Context) Decision
}
