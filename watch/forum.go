package watch

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"forumwatch/pkg/forum"
)

// WatchForum follows a forum and emits a NewThreadEvent per thread
// that appears in it.
func (w *Watcher) WatchForum(fid int64, h Handler, opts ...Option) *Watcher {
	if fid <= 0 {
		w.rejectRegistration(forum.KindNewThread, fmt.Errorf("forum watch: invalid forum id %d", fid))
		return w
	}
	if h == nil {
		w.rejectRegistration(forum.KindNewThread, fmt.Errorf("forum watch %d: handler is required", fid))
		return w
	}
	reg := &registration{
		kind:     forum.KindNewThread,
		target:   fmt.Sprintf("fid_%d", fid),
		interval: DefaultForumInterval,
		handler:  h,
	}
	reg.poller = &forumPoll{w: w, reg: reg, fid: fid}
	w.register(reg, opts...)
	return w
}

type forumPoll struct {
	w   *Watcher
	reg *registration
	fid int64

	seeded bool
}

func (p *forumPoll) poll(ctx context.Context) error {
	threads, err := p.w.source.ForumThreads(ctx, p.fid)
	if err != nil {
		return fmt.Errorf("forum %d threads: %w", p.fid, err)
	}
	scope := fmt.Sprintf("fid_%d", p.fid)

	if !p.seeded {
		ids := make([]string, 0, len(threads))
		for _, th := range threads {
			ids = append(ids, strconv.FormatInt(th.TID.Int64(), 10))
		}
		if _, err := p.w.store.AddMany(nsForumThreads, scope, ids); err != nil {
			return fmt.Errorf("forum %d seed: %w", p.fid, err)
		}
		p.seeded = true
		p.w.logger.Info("forum watch seeded", "forum_id", p.fid, "threads", len(ids))
		return nil
	}

	sort.Slice(threads, func(i, j int) bool { return threads[i].TID.Int64() < threads[j].TID.Int64() })
	ids := make([]string, 0, len(threads))
	for _, th := range threads {
		ids = append(ids, strconv.FormatInt(th.TID.Int64(), 10))
	}
	fresh, err := p.w.store.FilterNew(nsForumThreads, scope, ids)
	if err != nil {
		return fmt.Errorf("forum %d filter: %w", p.fid, err)
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
		ev := forum.NewThreadEvent{
			FID:      p.fid,
			TID:      th.TID.Int64(),
			UID:      th.UID.Int64(),
			Subject:  th.Subject,
			Dateline: th.Dateline.Int64(),
		}
		if !p.w.deliver(ctx, p.reg, nsForumThreads, scope, id, ev) {
			return nil
		}
		delivered++
	}

	if delivered > 0 {
		p.w.logger.Info("new threads delivered", "forum_id", p.fid, "count", delivered)
		p.w.pruneScope(nsForumThreads, scope)
	}
	return nil
}
