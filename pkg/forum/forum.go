// Package forum contains the core domain types for the forum activity watcher.
package forum

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Int is an int64 that decodes from either a JSON number or a quoted
// numeric string. The platform API emits both interchangeably.
type Int int64

// UnmarshalJSON accepts 123, "123", null and the empty string (zero).
func (n *Int) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*n = Int(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = Int(v)
	return nil
}

// Int64 returns the value as a plain int64.
func (n Int) Int64() int64 { return int64(n) }

// Float is a float64 with the same string-or-number tolerance as Int.
// Credit amounts arrive as strings on some endpoints.
type Float float64

func (f *Float) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = Float(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Float64 returns the value as a plain float64.
func (f Float) Float64() float64 { return float64(f) }

// Thread is a forum thread as returned by the threads resource. Not
// every field is populated by every ask; absent fields decode to zero.
type Thread struct {
	TID        Int    `json:"tid"`
	FID        Int    `json:"fid"`
	UID        Int    `json:"uid"` // thread author
	Subject    string `json:"subject"`
	Dateline   Int    `json:"dateline"`   // creation time, unix seconds
	LastPost   Int    `json:"lastpost"`   // time of the newest post
	NumReplies Int    `json:"numreplies"` // replies, excluding the opening post
	Closed     Int    `json:"closed"`
}

// Post is a single post in a thread.
type Post struct {
	PID      Int    `json:"pid"`
	TID      Int    `json:"tid"`
	UID      Int    `json:"uid"`
	Subject  string `json:"subject"`
	Message  string `json:"message"` // raw body, may contain []-style markup
	Dateline Int    `json:"dateline"`
}

// User is a forum account.
type User struct {
	UID        Int    `json:"uid"`
	Username   string `json:"username"`
	UserGroup  Int    `json:"usergroup"`
	PostCount  Int    `json:"postnum"`
	Reputation Int    `json:"reputation"`
	LastActive Int    `json:"lastactive"`
	Credits    Float  `json:"credits"`
}

// Forum is a board section.
type Forum struct {
	FID         Int    `json:"fid"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Party identifies one side of a credit transfer.
type Party struct {
	UID      Int    `json:"uid"`
	Username string `json:"username"`
}

// CreditTx is a single credit transfer between accounts.
type CreditTx struct {
	ID       Int    `json:"id"`
	Amount   Float  `json:"amount"`
	Reason   string `json:"reason"`
	Dateline Int    `json:"dateline"`
	From     Party  `json:"from"`
	To       Party  `json:"to"`
}

// Contract is a marketplace agreement between two accounts, optionally
// overseen by a middleman.
type Contract struct {
	CID      Int    `json:"cid"`
	UID      Int    `json:"uid"`
	OtherUID Int    `json:"ouid"`
	MUID     Int    `json:"muid"` // middleman, 0 when none
	Status   string `json:"status"`
	Terms    string `json:"terms"`
	Amount   Float  `json:"amount"`
	Dateline Int    `json:"dateline"`
}

// Rating is feedback left on a completed contract.
type Rating struct {
	RID      Int    `json:"rid"`
	CID      Int    `json:"cid"`
	FromUID  Int    `json:"fromuid"`
	ToUID    Int    `json:"touid"`
	Value    Int    `json:"value"` // -1, 0 or 1
	Message  string `json:"message"`
	Dateline Int    `json:"dateline"`
}

// Dispute is an open disagreement on a contract.
type Dispute struct {
	DID          Int    `json:"did"`
	CID          Int    `json:"cid"`
	ClaimantUID  Int    `json:"claimantuid"`
	DefendantUID Int    `json:"defendantuid"`
	Status       string `json:"status"`
	Dateline     Int    `json:"dateline"`
}

// Me describes the authenticated account.
type Me struct {
	UID      Int    `json:"uid"`
	Username string `json:"username"`
	Unread   Int    `json:"unread"` // unread private messages
	Credits  Float  `json:"credits"`
}
