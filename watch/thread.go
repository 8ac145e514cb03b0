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

// WatchThread follows one thread and emits a ReplyEvent per new post.
func (w *Watcher) WatchThread(tid int64, h Handler, opts ...Option) *Watcher {
	if tid <= 0 {
		w.rejectRegistration(forum.KindReply, fmt.Errorf("thread watch: invalid thread id %d", tid))
		return w
	}
	if h == nil {
		w.rejectRegistration(forum.KindReply, fmt.Errorf("thread watch %d: handler is required", tid))
		return w
	}
	reg := &registration{
		kind:     forum.KindReply,
		target:   fmt.Sprintf("tid_%d", tid),
		interval: DefaultThreadInterval,
		handler:  h,
	}
	reg.poller = &threadPoll{w: w, reg: reg, tid: tid}
	w.register(reg, opts...)
	return w
}

// threadPoll tracks one thread by its lastpost watermark. The
// watermark lives in memory only; after a restart the first poll
// re-seeds it silently while the store still blocks re-delivery.
type threadPoll struct {
	w   *Watcher
	reg *registration
	tid int64

	lastPost int64
}

func (p *threadPoll) poll(ctx context.Context) error {
	th, err := p.w.source.ThreadStatus(ctx, p.tid)
	if err != nil {
		return fmt.Errorf("thread %d status: %w", p.tid, err)
	}
	lastPost := th.LastPost.Int64()

	if p.lastPost == 0 {
		p.lastPost = lastPost
		p.w.logger.Debug("thread watch seeded", "thread_id", p.tid, "lastpost", lastPost)
		return nil
	}
	if lastPost <= p.lastPost {
		return nil
	}

	// Replies plus the opening post, at the thread page size.
	perPage := batch.ThreadPostsPerPage
	lastPage := int((th.NumReplies.Int64() + 1 + int64(perPage) - 1) / int64(perPage))
	if lastPage < 1 {
		lastPage = 1
	}
	posts, err := p.w.source.ThreadPosts(ctx, p.tid, lastPage, perPage)
	if err != nil {
		return fmt.Errorf("thread %d posts page %d: %w", p.tid, lastPage, err)
	}

	scope := fmt.Sprintf("tid_%d", p.tid)
	if len(posts) == 0 {
		// The thread moved but its posts are not readable. Mark the
		// advance with a detail-less event so it is not lost.
		ev := forum.ReplyEvent{TID: p.tid, Subject: th.Subject, Dateline: lastPost}
		if p.w.deliver(ctx, p.reg, nsThreadReplies, scope, "", ev) {
			p.lastPost = lastPost
		}
		return nil
	}

	sort.Slice(posts, func(i, j int) bool { return posts[i].PID.Int64() < posts[j].PID.Int64() })

	candidates := make([]forum.Post, 0, len(posts))
	ids := make([]string, 0, len(posts))
	for _, post := range posts {
		if post.Dateline.Int64() <= p.lastPost {
			continue
		}
		candidates = append(candidates, post)
		ids = append(ids, strconv.FormatInt(post.PID.Int64(), 10))
	}
	fresh, err := p.w.store.FilterNew(nsThreadReplies, scope, ids)
	if err != nil {
		return fmt.Errorf("thread %d filter: %w", p.tid, err)
	}
	freshSet := make(map[string]bool, len(fresh))
	for _, id := range fresh {
		freshSet[id] = true
	}

	delivered := 0
	for _, post := range candidates {
		id := strconv.FormatInt(post.PID.Int64(), 10)
		if !freshSet[id] {
			continue
		}
		ev := forum.ReplyEvent{
			TID:      p.tid,
			PID:      post.PID.Int64(),
			UID:      post.UID.Int64(),
			Subject:  th.Subject,
			Snippet:  markup.Snippet(post.Message),
			Dateline: post.Dateline.Int64(),
		}
		if !p.w.deliver(ctx, p.reg, nsThreadReplies, scope, id, ev) {
			// Watermark stays put; the undelivered tail retries next
			// poll ahead of anything newer.
			return nil
		}
		delivered++
	}

	p.lastPost = lastPost
	if delivered > 0 {
		p.w.logger.Info("thread replies delivered", "thread_id", p.tid, "count", delivered)
		p.w.pruneScope(nsThreadReplies, scope)
	}
	return nil
}
