package relay

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// ConversationStatus is the lifecycle state of a tracked request.
// Transitions are monotonic: waiting → active → completed|timeout.
type ConversationStatus string

const (
	StatusWaiting   ConversationStatus = "waiting"
	StatusActive    ConversationStatus = "active"
	StatusCompleted ConversationStatus = "completed"
	StatusTimeout   ConversationStatus = "timeout"
)

// terminal reports whether a status permits no further transitions.
func (s ConversationStatus) terminal() bool {
	return s == StatusCompleted || s == StatusTimeout
}

// ConversationMessage is one entry in a conversation's append-only history.
type ConversationMessage struct {
	Timestamp time.Time
	Role      string
	Text      string
	Raw       json.RawMessage
}

// Result is the structured outcome extracted from a completed conversation.
type Result struct {
	// Text is the raw concatenated message text, always populated.
	Text string
	// JSON holds the first fenced ```json block when one parses, else nil.
	JSON json.RawMessage
	// Artifacts lists generated artifact filenames mentioned in the text.
	Artifacts []string
	// MessageCount is the number of agent messages that fed the result.
	MessageCount int
}

type outcome struct {
	result Result
	err    error
}

// Conversation is one outstanding request-in-flight and its matched inbound
// traffic. All fields are owned by the Correlator and mutated only under
// its lock; timers re-acquire the lock before touching state.
type Conversation struct {
	id             string
	status         ConversationStatus
	createdAt      time.Time
	lastActivityAt time.Time
	timeout        time.Duration
	permissionMode string

	messages           []ConversationMessage
	waitingForSkill    bool
	streamEndedEmitted bool

	onProgress func(Progress)

	// done is fulfilled exactly once; resolved guards the race between the
	// ready path and the timeout path.
	done     chan outcome
	resolved bool

	timeoutTimer *time.Timer
	silenceTimer *time.Timer
}

// ID returns the conversation's send-side identifier.
func (c *Conversation) ID() string { return c.id }

// Status returns the current lifecycle state.
func (c *Conversation) Status() ConversationStatus { return c.status }

// MessageCount returns the number of buffered messages.
func (c *Conversation) MessageCount() int { return len(c.messages) }

// claims reports whether this conversation's correlation window contains t.
// The network buffer absorbs clock skew between the relay's timestamp and
// the locally recorded send time.
func (c *Conversation) claims(t time.Time, networkBuffer time.Duration) bool {
	if c.status.terminal() {
		return false
	}
	start := c.createdAt.Add(-networkBuffer)
	end := c.createdAt.Add(c.timeout)
	return !t.Before(start) && t.Before(end)
}

// resolve fulfills the outcome exactly once.
func (c *Conversation) resolve(out outcome) {
	if c.resolved {
		return
	}
	c.resolved = true
	c.done <- out
}

// stopTimers cancels both the timeout timer and any pending silence check
// so no callback fires against removed state.
func (c *Conversation) stopTimers() {
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
		c.timeoutTimer = nil
	}
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
}

// lastMessageText returns the text of the most recent message, if any.
func (c *Conversation) lastMessageText() string {
	if len(c.messages) == 0 {
		return ""
	}
	return c.messages[len(c.messages)-1].Text
}

// waitingForSkillPattern matches the agent's "tool invocation in progress"
// marker lines. A conversation showing one is still mid-turn no matter how
// final the text looks.
var waitingForSkillPattern = regexp.MustCompile(`(?i)^\s*(?:🔧\s*)?(?:executing|running)\s+(?:skill|tool)\b`)

// fencedJSONPattern captures the body of the first ```json fence.
var fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// artifactNamePattern matches generated artifact filenames. Artifacts the
// agent writes for the caller follow the <name>.generated.<ext> convention.
var artifactNamePattern = regexp.MustCompile(`\b[\w/-]+\.generated\.(?:md|txt|json|js)\b`)

// extractResult builds the structured outcome from a conversation's
// buffered messages: a fenced JSON block when present, otherwise generated
// artifact filenames, otherwise just the concatenated text.
func extractResult(messages []ConversationMessage) Result {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Text)
	}
	full := strings.Join(parts, "\n")

	res := Result{Text: full, MessageCount: len(messages)}

	if m := fencedJSONPattern.FindStringSubmatch(full); m != nil {
		candidate := strings.TrimSpace(m[1])
		if json.Valid([]byte(candidate)) {
			res.JSON = json.RawMessage(candidate)
			return res
		}
	}

	if names := artifactNamePattern.FindAllString(full, -1); len(names) > 0 {
		seen := make(map[string]bool, len(names))
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				res.Artifacts = append(res.Artifacts, n)
			}
		}
	}
	return res
}
