package watch

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"forumwatch/batch"
	"forumwatch/markup"
	"forumwatch/pkg/forum"
)

// WatchUser follows an account. UserThreadsOnly reports threads the
// user starts; UserAll also reports their posts.
func (w *Watcher) WatchUser(uid int64, mode UserMode, h Handler, opts ...Option) *Watcher {
	if uid <= 0 {
		w.rejectRegistration(forum.KindUserThread, fmt.Errorf("user watch: invalid user id %d", uid))
		return w
	}
	if h == nil {
		w.rejectRegistration(forum.KindUserThread, fmt.Errorf("user watch %d: handler is required", uid))
		return w
	}
	reg := &registration{
		kind:     forum.KindUserThread,
		target:   fmt.Sprintf("uid_%d", uid),
		interval: DefaultUserInterval,
		handler:  h,
	}
	reg.poller = &userPoll{w: w, reg: reg, uid: uid, includePosts: mode == UserAll}
	w.register(reg, opts...)
	return w
}

type userPoll struct {
	w            *Watcher
	reg          *registration
	uid          int64
	includePosts bool

	seeded bool
}

func (p *userPoll) poll(ctx context.Context) error {
	threads, err := p.w.source.UserThreads(ctx, p.uid, 1, batch.DefaultPerPage)
	if err != nil {
		return fmt.Errorf("user %d threads: %w", p.uid, err)
	}
	var posts []forum.Post
	if p.includePosts {
		posts, err = p.w.source.UserPosts(ctx, p.uid, 1, batch.DefaultPerPage)
		if err != nil {
			return fmt.Errorf("user %d posts: %w", p.uid, err)
		}
	}
	scope := fmt.Sprintf("uid_%d", p.uid)

	if !p.seeded {
		tids := make([]string, 0, len(threads))
		for _, th := range threads {
			tids = append(tids, strconv.FormatInt(th.TID.Int64(), 10))
		}
		if _, err := p.w.store.AddMany(nsUserThreads, scope, tids); err != nil {
			return fmt.Errorf("user %d seed threads: %w", p.uid, err)
		}
		pids := make([]string, 0, len(posts))
		for _, post := range posts {
			pids = append(pids, strconv.FormatInt(post.PID.Int64(), 10))
		}
		if _, err := p.w.store.AddMany(nsUserPosts, scope, pids); err != nil {
			return fmt.Errorf("user %d seed posts: %w", p.uid, err)
		}
		p.seeded = true
		p.w.logger.Info("user watch seeded", "user_id", p.uid, "threads", len(tids), "posts", len(pids))
		return nil
	}

	if err := p.deliverThreads(ctx, scope, threads); err != nil {
		return err
	}
	if p.includePosts {
		return p.deliverPosts(ctx, scope, posts)
	}
	return nil
}

func (p *userPoll) deliverThreads(ctx context.Context, scope string, threads []forum.Thread) error {
	sort.Slice(threads, func(i, j int) bool { return threads[i].TID.Int64() < threads[j].TID.Int64() })
	ids := make([]string, 0, len(threads))
	for _, th := range threads {
		ids = append(ids, strconv.FormatInt(th.TID.Int64(), 10))
	}
	fresh, err := p.w.store.FilterNew(nsUserThreads, scope, ids)
	if err != nil {
		return fmt.Errorf("user %d filter threads: %w", p.uid, err)
	}
	freshSet := make(map[string]bool, len(fresh))
	for _, id := range fresh {
		freshSet[id] = true
	}

	delivered := 0
	for _, th := range threads {
		id := strconv.FormatInt(th.TID.Int64(), 10)
		if !freshSet[id] {
			continue
		}
		ev := forum.UserThreadEvent{
			UID:      p.uid,
			TID:      th.TID.Int64(),
			Subject:  th.Subject,
			Dateline: th.Dateline.Int64(),
		}
		if !p.w.deliver(ctx, p.reg, nsUserThreads, scope, id, ev) {
			return nil
		}
		delivered++
	}
	if delivered > 0 {
		p.w.pruneScope(nsUserThreads, scope)
	}
	return nil
}

func (p *userPoll) deliverPosts(ctx context.Context, scope string, posts []forum.Post) error {
	sort.Slice(posts, func(i, j int) bool { return posts[i].PID.Int64() < posts[j].PID.Int64() })
	ids := make([]string, 0, len(posts))
	for _, post := range posts {
		ids = append(ids, strconv.FormatInt(post.PID.Int64(), 10))
	}
	fresh, err := p.w.store.FilterNew(nsUserPosts, scope, ids)
	if err != nil {
		return fmt.Errorf("user %d filter posts: %w", p.uid, err)
	}
	freshSet := make(map[string]bool, len(fresh))
	for _, id := range fresh {
		freshSet[id] = true
	}

	delivered := 0
	for _, post := range posts {
		id := strconv.FormatInt(post.PID.Int64(), 10)
		if !freshSet[id] {
			continue
		}
		ev := forum.UserPostEvent{
			UID:      p.uid,
			TID:      post.TID.Int64(),
			PID:      post.PID.Int64(),
			Subject:  post.Subject,
			Snippet:  markup.Snippet(post.Message),
			Dateline: post.Dateline.Int64(),
		}
		if !p.w.deliver(ctx, p.reg, nsUserPosts, scope, id, ev) {
			return nil
		}
		delivered++
	}
	if delivered > 0 {
		p.w.pruneScope(nsUserPosts, scope)
	}
	return nil
}
