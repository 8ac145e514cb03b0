package api

import (
	"context"
	"time"

	"forumwatch/batch"
	"forumwatch/pkg/forum"
)

// DefaultMaxPages caps how deep the All* helpers walk.
const DefaultMaxPages = 50

// pageDelay spaces paginated calls so a deep walk does not burst the
// quota.
const pageDelay = 300 * time.Millisecond

// paginate walks pages until a short page, maxPages, or stop says so.
// A page shorter than perPage is the last one; the helpers rely on
// that instead of a total count, which the API does not provide.
func paginate[T any](ctx context.Context, perPage, maxPages int, delay time.Duration,
	fetch func(page int) ([]T, error), stop func(T) bool,
) ([]T, error) {
	if perPage <= 0 {
		perPage = batch.DefaultPerPage
	}
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	var all []T
	for page := 1; page <= maxPages; page++ {
		if page > 1 && delay > 0 {
			select {
			case <-ctx.Done():
				return all, ctx.Err()
			case <-time.After(delay):
			}
		}

		items, err := fetch(page)
		if err != nil {
			return all, err
		}
		for _, item := range items {
			if stop != nil && stop(item) {
				return all, nil
			}
			all = append(all, item)
		}
		if len(items) < perPage {
			break
		}
	}
	return all, nil
}

// AllUserPosts walks every page of uid's posts, newest first. stop may
// be nil; when it returns true the walk ends before that item. Costs
// one call per page.
func (a *API) AllUserPosts(ctx context.Context, uid int64, stop func(forum.Post) bool) ([]forum.Post, error) {
	return paginate(ctx, batch.DefaultPerPage, DefaultMaxPages, a.pageDelay,
		func(page int) ([]forum.Post, error) {
			return a.UserPosts(ctx, uid, page, batch.DefaultPerPage)
		}, stop)
}

// AllUserThreads walks every page of threads started by uid.
func (a *API) AllUserThreads(ctx context.Context, uid int64, stop func(forum.Thread) bool) ([]forum.Thread, error) {
	return paginate(ctx, batch.DefaultPerPage, DefaultMaxPages, a.pageDelay,
		func(page int) ([]forum.Thread, error) {
			return a.UserThreads(ctx, uid, page, batch.DefaultPerPage)
		}, stop)
}

// AllThreadPosts walks every page of a thread's posts in page order.
func (a *API) AllThreadPosts(ctx context.Context, tid int64, stop func(forum.Post) bool) ([]forum.Post, error) {
	return paginate(ctx, batch.ThreadPostsPerPage, DefaultMaxPages, a.pageDelay,
		func(page int) ([]forum.Post, error) {
			return a.ThreadPosts(ctx, tid, page, batch.ThreadPostsPerPage)
		}, stop)
}
