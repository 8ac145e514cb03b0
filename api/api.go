// Package api wraps the batch endpoints in typed per-resource calls.
// Every method costs at most one API call; the multi-id and paginated
// helpers say how many in their doc comments.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"forumwatch/batch"
	"forumwatch/cache"
	"forumwatch/client"
	"forumwatch/pkg/forum"
)

// Caller is the client surface the wrappers need.
type Caller interface {
	Read(ctx context.Context, asks map[string]any) (map[string]json.RawMessage, error)
	Write(ctx context.Context, asks map[string]any) (map[string]json.RawMessage, error)
}

// Cache lifetimes per resource. Accounts change rarely, forum metadata
// almost never.
const (
	userCacheTTL  = 5 * time.Minute
	forumCacheTTL = time.Hour
	cacheSize     = 1000
)

// API exposes the platform resources. Safe for concurrent use.
type API struct {
	caller Caller
	logger *slog.Logger

	users  *cache.Cache[int64, forum.User]
	forums *cache.Cache[int64, forum.Forum]

	// pageDelay spaces paginated calls out; tests set it to zero.
	pageDelay time.Duration
}

// New returns an API over caller.
func New(caller Caller, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &API{
		caller:    caller,
		logger:    logger,
		users:     cache.New[int64, forum.User](userCacheTTL, cacheSize),
		forums:    cache.New[int64, forum.Forum](forumCacheTTL, cacheSize),
		pageDelay: pageDelay,
	}
}

func (a *API) request() *batch.Request { return batch.NewRequest(a.caller) }

// Identity returns the authenticated account. A response without an
// identity section is reported as a server fault so callers retry.
func (a *API) Identity(ctx context.Context) (forum.Me, error) {
	res, err := a.request().Me().Fetch(ctx)
	if err != nil {
		return forum.Me{}, err
	}
	me, ok := res.Me()
	if !ok || me.UID.Int64() == 0 {
		return forum.Me{}, &client.APIError{Kind: client.ErrServer, Msg: "identity missing from response"}
	}
	return me, nil
}

// ThreadStatus returns one thread's current metadata.
func (a *API) ThreadStatus(ctx context.Context, tid int64) (forum.Thread, error) {
	res, err := a.request().Threads(tid).Fetch(ctx)
	if err != nil {
		return forum.Thread{}, err
	}
	for _, th := range res.Threads {
		if th.TID.Int64() == tid {
			return th, nil
		}
	}
	return forum.Thread{}, &client.APIError{Kind: client.ErrNotFound, Msg: fmt.Sprintf("thread %d not found", tid)}
}

// ThreadsMany returns several threads by id in one call. Missing ids
// are simply absent from the result.
func (a *API) ThreadsMany(ctx context.Context, tids []int64) ([]forum.Thread, error) {
	if len(tids) == 0 {
		return nil, nil
	}
	res, err := a.request().Threads(tids...).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return res.Threads, nil
}

// ThreadPosts returns one page of a thread's posts.
func (a *API) ThreadPosts(ctx context.Context, tid int64, page, perPage int) ([]forum.Post, error) {
	res, err := a.request().PostsByThread(tid, page, perPage).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return res.Posts, nil
}

// ForumThreads returns the recent threads of a forum.
func (a *API) ForumThreads(ctx context.Context, fid int64) ([]forum.Thread, error) {
	res, err := a.request().ThreadsByForum(fid).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return res.Threads, nil
}

// UserThreads returns one page of threads started by uid.
func (a *API) UserThreads(ctx context.Context, uid int64, page, perPage int) ([]forum.Thread, error) {
	res, err := a.request().ThreadsByUser(uid, page, perPage).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return res.Threads, nil
}

// UserPosts returns one page of posts written by uid.
func (a *API) UserPosts(ctx context.Context, uid int64, page, perPage int) ([]forum.Post, error) {
	res, err := a.request().PostsByUser(uid, page, perPage).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return res.Posts, nil
}

// CreditsReceived returns the most recent transfers into uid's
// account.
func (a *API) CreditsReceived(ctx context.Context, uid int64, perPage int) ([]forum.CreditTx, error) {
	res, err := a.request().CreditsReceived(uid, perPage).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return res.Credits, nil
}

// CreditsSent returns the most recent transfers out of uid's account.
func (a *API) CreditsSent(ctx context.Context, uid int64, perPage int) ([]forum.CreditTx, error) {
	res, err := a.request().CreditsSent(uid, perPage).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return res.Credits, nil
}
