// Package batch folds any mix of resource requests into a single API
// call. A Request accumulates asks; Fetch issues exactly one read and
// splits the response back into typed sections. A Request with no asks
// fetches nothing and performs no I/O.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"forumwatch/pkg/forum"
)

// Caller is the read side of the API client.
type Caller interface {
	Read(ctx context.Context, asks map[string]any) (map[string]json.RawMessage, error)
}

// Default page sizes per resource, matching the platform's limits.
const (
	DefaultPerPage     = 20
	ThreadPostsPerPage = 10
	ScanPostsPerPage   = 5
)

// Field selections requested for each resource.
var (
	meFields       = []string{"uid", "username", "unread", "credits"}
	userFields     = []string{"uid", "username", "usergroup", "reputation"}
	threadFields   = []string{"tid", "fid", "uid", "subject", "dateline", "lastpost", "numreplies"}
	postFields     = []string{"pid", "tid", "uid", "subject", "message", "dateline"}
	forumFields    = []string{"fid", "name", "description"}
	creditFields   = []string{"id", "amount", "reason", "dateline", "from", "to"}
	contractFields = []string{"cid", "uid", "ouid", "muid", "status", "terms", "amount", "dateline"}
	ratingFields   = []string{"rid", "cid", "fromuid", "touid", "value", "message", "dateline"}
	disputeFields  = []string{"did", "cid", "claimantuid", "defendantuid", "status", "dateline"}
)

// Request accumulates asks for one batch call. Methods return the
// receiver for chaining; builder misuse surfaces as an error from
// Fetch. Not safe for concurrent use.
type Request struct {
	caller Caller
	asks   map[string]any
	err    error
}

// NewRequest returns an empty builder bound to caller.
func NewRequest(caller Caller) *Request {
	return &Request{caller: caller, asks: make(map[string]any)}
}

// Empty reports whether nothing has been asked for yet.
func (r *Request) Empty() bool { return len(r.asks) == 0 }

// Size returns the number of resource sections accumulated.
func (r *Request) Size() int { return len(r.asks) }

func (r *Request) section(name string, fields []string) map[string]any {
	s, ok := r.asks[name].(map[string]any)
	if !ok {
		s = make(map[string]any)
		for _, f := range fields {
			s[f] = true
		}
		r.asks[name] = s
	}
	return s
}

// appendIDs merges ids into the named filter list of a section.
func appendIDs(s map[string]any, filter string, ids ...int64) {
	list, _ := s[filter].([]int64)
	s[filter] = append(list, ids...)
}

// Me asks for the authenticated account.
func (r *Request) Me() *Request {
	r.section("me", meFields)
	return r
}

// User asks for one account by id. Repeated calls merge.
func (r *Request) User(uid int64) *Request {
	return r.Users(uid)
}

// Users asks for several accounts by id.
func (r *Request) Users(uids ...int64) *Request {
	s := r.section("users", userFields)
	appendIDs(s, "_uid", uids...)
	return r
}

// Threads asks for threads by id.
func (r *Request) Threads(tids ...int64) *Request {
	s := r.section("threads", threadFields)
	appendIDs(s, "_tid", tids...)
	return r
}

// ThreadsByForum asks for the recent threads of a forum.
func (r *Request) ThreadsByForum(fid int64) *Request {
	s := r.section("threads", threadFields)
	appendIDs(s, "_fid", fid)
	return r
}

// ThreadsByUser asks for one page of a user's threads.
func (r *Request) ThreadsByUser(uid int64, page, perPage int) *Request {
	s := r.section("threads", threadFields)
	appendIDs(s, "_uid", uid)
	s["_page"] = page
	s["_perpage"] = perPage
	return r
}

// Posts asks for posts by id.
func (r *Request) Posts(pids ...int64) *Request {
	s := r.section("posts", postFields)
	appendIDs(s, "_pid", pids...)
	return r
}

// PostsByThread asks for one page of a thread's posts.
func (r *Request) PostsByThread(tid int64, page, perPage int) *Request {
	s := r.section("posts", postFields)
	s["_tid"] = tid
	s["_page"] = page
	s["_perpage"] = perPage
	return r
}

// PostsByUser asks for one page of a user's posts.
func (r *Request) PostsByUser(uid int64, page, perPage int) *Request {
	s := r.section("posts", postFields)
	s["_uid"] = uid
	s["_page"] = page
	s["_perpage"] = perPage
	return r
}

// Forums asks for forums by id.
func (r *Request) Forums(fids ...int64) *Request {
	s := r.section("forums", forumFields)
	appendIDs(s, "_fid", fids...)
	return r
}

// CreditsReceived asks for transfers into uid's account. A batch can
// carry one transfer direction only; mixing directions is an error.
func (r *Request) CreditsReceived(uid int64, perPage int) *Request {
	return r.credits("_to", uid, perPage)
}

// CreditsSent asks for transfers out of uid's account.
func (r *Request) CreditsSent(uid int64, perPage int) *Request {
	return r.credits("_from", uid, perPage)
}

func (r *Request) credits(direction string, uid int64, perPage int) *Request {
	s := r.section("credits", creditFields)
	for _, other := range []string{"_to", "_from"} {
		if other != direction {
			if _, clash := s[other]; clash {
				r.fail(errors.New("one batch cannot mix sent and received credits"))
				return r
			}
		}
	}
	appendIDs(s, direction, uid)
	if perPage > 0 {
		s["_perpage"] = perPage
	}
	return r
}

// Contracts asks for contracts by id.
func (r *Request) Contracts(cids ...int64) *Request {
	s := r.section("contracts", contractFields)
	appendIDs(s, "_cid", cids...)
	return r
}

// ContractsByUser asks for all contracts involving uid.
func (r *Request) ContractsByUser(uid int64) *Request {
	s := r.section("contracts", contractFields)
	appendIDs(s, "_uid", uid)
	return r
}

// RatingsByContract asks for the ratings left on contracts.
func (r *Request) RatingsByContract(cids ...int64) *Request {
	s := r.section("ratings", ratingFields)
	appendIDs(s, "_cid", cids...)
	return r
}

// RatingsReceived asks for ratings given to uid.
func (r *Request) RatingsReceived(uid int64) *Request {
	s := r.section("ratings", ratingFields)
	appendIDs(s, "_touid", uid)
	return r
}

// RatingsGiven asks for ratings written by uid.
func (r *Request) RatingsGiven(uid int64) *Request {
	s := r.section("ratings", ratingFields)
	appendIDs(s, "_fromuid", uid)
	return r
}

// Disputes asks for disputes by id.
func (r *Request) Disputes(dids ...int64) *Request {
	s := r.section("disputes", disputeFields)
	appendIDs(s, "_did", dids...)
	return r
}

// DisputesByContract asks for the disputes on contracts.
func (r *Request) DisputesByContract(cids ...int64) *Request {
	s := r.section("disputes", disputeFields)
	appendIDs(s, "_cid", cids...)
	return r
}

func (r *Request) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Fetch issues the accumulated asks as one read call and resets the
// builder. The reset happens before the call, so the builder is clean
// for reuse whether the call succeeds or fails. An empty builder
// returns an empty Result without any I/O.
func (r *Request) Fetch(ctx context.Context) (*Result, error) {
	asks := r.asks
	err := r.err
	r.asks = make(map[string]any)
	r.err = nil

	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	if len(asks) == 0 {
		return &Result{}, nil
	}

	raw, err := r.caller.Read(ctx, asks)
	if err != nil {
		return nil, fmt.Errorf("batch fetch: %w", err)
	}
	return parseResult(raw)
}

// Result is one batch response split into typed sections. A section
// missing from the response leaves its slice nil; Has tells absence
// apart from emptiness.
type Result struct {
	Users     []forum.User
	Threads   []forum.Thread
	Posts     []forum.Post
	Forums    []forum.Forum
	Credits   []forum.CreditTx
	Contracts []forum.Contract
	Ratings   []forum.Rating
	Disputes  []forum.Dispute

	me      *forum.Me
	present map[string]bool
}

// Me returns the authenticated account section, if asked for.
func (res *Result) Me() (forum.Me, bool) {
	if res.me == nil {
		return forum.Me{}, false
	}
	return *res.me, true
}

// Has reports whether the response contained the named section.
func (res *Result) Has(resource string) bool { return res.present[resource] }

func parseResult(raw map[string]json.RawMessage) (*Result, error) {
	res := &Result{present: make(map[string]bool, len(raw))}
	for name := range raw {
		res.present[name] = true
	}

	var err error
	if res.Users, err = decodeList[forum.User](raw["users"]); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	if res.Threads, err = decodeList[forum.Thread](raw["threads"]); err != nil {
		return nil, fmt.Errorf("decode threads: %w", err)
	}
	if res.Posts, err = decodeList[forum.Post](raw["posts"]); err != nil {
		return nil, fmt.Errorf("decode posts: %w", err)
	}
	if res.Forums, err = decodeList[forum.Forum](raw["forums"]); err != nil {
		return nil, fmt.Errorf("decode forums: %w", err)
	}
	if res.Credits, err = decodeList[forum.CreditTx](raw["credits"]); err != nil {
		return nil, fmt.Errorf("decode credits: %w", err)
	}
	if res.Contracts, err = decodeList[forum.Contract](raw["contracts"]); err != nil {
		return nil, fmt.Errorf("decode contracts: %w", err)
	}
	if res.Ratings, err = decodeList[forum.Rating](raw["ratings"]); err != nil {
		return nil, fmt.Errorf("decode ratings: %w", err)
	}
	if res.Disputes, err = decodeList[forum.Dispute](raw["disputes"]); err != nil {
		return nil, fmt.Errorf("decode disputes: %w", err)
	}

	if meRaw, ok := raw["me"]; ok {
		mes, err := decodeList[forum.Me](meRaw)
		if err != nil {
			return nil, fmt.Errorf("decode me: %w", err)
		}
		if len(mes) > 0 {
			res.me = &mes[0]
		}
	}
	return res, nil
}

// decodeList accepts an array, a single object (wrapped into a
// one-element slice) or any scalar the API uses to mean "nothing".
func decodeList[T any](raw json.RawMessage) ([]T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch raw[0] {
	case '[':
		var list []T
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	case '{':
		var one T
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, err
		}
		return []T{one}, nil
	default:
		// false, null or an empty string all mean an empty section.
		return nil, nil
	}
}
