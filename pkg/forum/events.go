package forum

import "time"

// Kind discriminates event payload types.
type Kind string

// Event kinds, one per watch family.
const (
	KindReply      Kind = "thread_reply"
	KindNewThread  Kind = "new_thread"
	KindUserThread Kind = "user_thread"
	KindUserPost   Kind = "user_post"
	KindKeyword    Kind = "keyword_match"
	KindCredit     Kind = "credit_received"
	KindUnread     Kind = "unread_change"
)

// Event is one observed occurrence on the platform. Concrete types
// carry the identifiers needed to locate the source; there is no
// generic field bag.
type Event interface {
	Kind() Kind
	// Occurred is the timestamp of the underlying occurrence, or the
	// observation time for counter events that have none.
	Occurred() time.Time
}

// ReplyEvent is a new post in a watched thread. PID and UID are zero
// when the thread moved forward but the post rows could not be
// fetched; the event still marks the advance.
type ReplyEvent struct {
	TID      int64  `json:"tid"`
	PID      int64  `json:"pid"`
	UID      int64  `json:"uid"`
	Subject  string `json:"subject"`
	Snippet  string `json:"snippet"`
	Dateline int64  `json:"dateline"`
}

func (ReplyEvent) Kind() Kind            { return KindReply }
func (e ReplyEvent) Occurred() time.Time { return time.Unix(e.Dateline, 0) }

// NewThreadEvent is a thread that appeared in a watched forum.
type NewThreadEvent struct {
	FID      int64  `json:"fid"`
	TID      int64  `json:"tid"`
	UID      int64  `json:"uid"`
	Subject  string `json:"subject"`
	Dateline int64  `json:"dateline"`
}

func (NewThreadEvent) Kind() Kind            { return KindNewThread }
func (e NewThreadEvent) Occurred() time.Time { return time.Unix(e.Dateline, 0) }

// UserThreadEvent is a thread started by a watched user.
type UserThreadEvent struct {
	UID      int64  `json:"uid"`
	TID      int64  `json:"tid"`
	Subject  string `json:"subject"`
	Dateline int64  `json:"dateline"`
}

func (UserThreadEvent) Kind() Kind            { return KindUserThread }
func (e UserThreadEvent) Occurred() time.Time { return time.Unix(e.Dateline, 0) }

// UserPostEvent is a post written by a watched user.
type UserPostEvent struct {
	UID      int64  `json:"uid"`
	TID      int64  `json:"tid"`
	PID      int64  `json:"pid"`
	Subject  string `json:"subject"`
	Snippet  string `json:"snippet"`
	Dateline int64  `json:"dateline"`
}

func (UserPostEvent) Kind() Kind            { return KindUserPost }
func (e UserPostEvent) Occurred() time.Time { return time.Unix(e.Dateline, 0) }

// KeywordEvent is a pattern hit in a watched forum. PID is zero for a
// match on a thread subject and set for a match inside a post body.
type KeywordEvent struct {
	Keyword  string `json:"keyword"`
	FID      int64  `json:"fid"`
	TID      int64  `json:"tid"`
	PID      int64  `json:"pid"`
	Subject  string `json:"subject"`
	Snippet  string `json:"snippet"`
	Dateline int64  `json:"dateline"`
}

func (KeywordEvent) Kind() Kind            { return KindKeyword }
func (e KeywordEvent) Occurred() time.Time { return time.Unix(e.Dateline, 0) }

// CreditEvent is a credit transfer received by the authenticated
// account.
type CreditEvent struct {
	ID       int64   `json:"id"`
	Amount   float64 `json:"amount"`
	Reason   string  `json:"reason"`
	FromUser string  `json:"from_user"`
	Dateline int64   `json:"dateline"`
}

func (CreditEvent) Kind() Kind            { return KindCredit }
func (e CreditEvent) Occurred() time.Time { return time.Unix(e.Dateline, 0) }

// UnreadEvent reports that the unread message count grew. Shrinking
// counts are absorbed silently.
type UnreadEvent struct {
	UnreadCount  int64 `json:"unread_count"`
	NewSinceLast int64 `json:"new_since_last"`
	Observed     int64 `json:"observed"` // unix seconds at poll time
}

func (UnreadEvent) Kind() Kind            { return KindUnread }
func (e UnreadEvent) Occurred() time.Time { return time.Unix(e.Observed, 0) }
