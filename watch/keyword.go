package watch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"forumwatch/batch"
	"forumwatch/markup"
	"forumwatch/pkg/forum"
)

// scanMaxAge bounds content scanning: threads older than this are
// marked seen without fetching their posts.
const scanMaxAge = time.Hour

// WatchKeyword matches pattern against new activity in the given
// forums. The pattern is tried as a regular expression first and falls
// back to a literal substring; both match case-insensitively. At least
// one forum id is required: an unscoped keyword watch would have to
// sweep the whole platform, which the quota cannot afford.
func (w *Watcher) WatchKeyword(pattern string, fids []int64, h Handler, opts ...Option) *Watcher {
	if strings.TrimSpace(pattern) == "" {
		w.rejectRegistration(forum.KindKeyword, errors.New("keyword watch: empty pattern"))
		return w
	}
	if len(fids) == 0 {
		w.rejectRegistration(forum.KindKeyword, fmt.Errorf("keyword watch %q: at least one forum id is required", pattern))
		return w
	}
	if h == nil {
		w.rejectRegistration(forum.KindKeyword, fmt.Errorf("keyword watch %q: handler is required", pattern))
		return w
	}
	reg := &registration{
		kind:     forum.KindKeyword,
		target:   pattern,
		interval: DefaultKeywordInterval,
		handler:  h,
	}
	reg.poller = &keywordPoll{
		w:       w,
		reg:     reg,
		pattern: pattern,
		match:   buildMatcher(pattern),
		fids:    append([]int64(nil), fids...),
	}
	w.register(reg, opts...)
	return w
}

// buildMatcher compiles pattern case-insensitively, degrading to a
// literal substring when it is not a valid regular expression.
func buildMatcher(pattern string) func(string) bool {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		needle := strings.ToLower(pattern)
		return func(s string) bool {
			return strings.Contains(strings.ToLower(s), needle)
		}
	}
	return re.MatchString
}

type keywordPoll struct {
	w       *Watcher
	reg     *registration
	pattern string
	match   func(string) bool
	fids    []int64

	seeded bool
}

type forumThread struct {
	fid    int64
	thread forum.Thread
}

func (p *keywordPoll) poll(ctx context.Context) error {
	var all []forumThread
	for _, fid := range p.fids {
		threads, err := p.w.source.ForumThreads(ctx, fid)
		if err != nil {
			return fmt.Errorf("keyword %q forum %d: %w", p.pattern, fid, err)
		}
		for _, th := range threads {
			all = append(all, forumThread{fid: fid, thread: th})
		}
	}
	scope := p.pattern

	if !p.seeded {
		ids := make([]string, 0, len(all))
		for _, ft := range all {
			ids = append(ids, strconv.FormatInt(ft.thread.TID.Int64(), 10))
		}
		if _, err := p.w.store.AddMany(nsKeywordThreads, scope, ids); err != nil {
			return fmt.Errorf("keyword %q seed: %w", p.pattern, err)
		}
		p.seeded = true
		p.w.logger.Info("keyword watch seeded", "pattern", p.pattern, "forums", len(p.fids), "threads", len(ids))
		return nil
	}

	sort.Slice(all, func(i, j int) bool { return all[i].thread.TID.Int64() < all[j].thread.TID.Int64() })
	ids := make([]string, 0, len(all))
	for _, ft := range all {
		ids = append(ids, strconv.FormatInt(ft.thread.TID.Int64(), 10))
	}
	fresh, err := p.w.store.FilterNew(nsKeywordThreads, scope, ids)
	if err != nil {
		return fmt.Errorf("keyword %q filter: %w", p.pattern, err)
	}
	freshSet := make(map[string]bool, len(fresh))
	for _, id := range fresh {
		freshSet[id] = true
	}

	delivered := 0
	for _, ft := range all {
		th := ft.thread
		tid := th.TID.Int64()
		id := strconv.FormatInt(tid, 10)
		if !freshSet[id] {
			continue
		}

		if p.match(th.Subject) {
			ev := forum.KeywordEvent{
				Keyword:  p.pattern,
				FID:      ft.fid,
				TID:      tid,
				Subject:  th.Subject,
				Snippet:  th.Subject,
				Dateline: th.Dateline.Int64(),
			}
			if !p.w.deliver(ctx, p.reg, nsKeywordThreads, scope, id, ev) {
				return nil
			}
			delivered++
			continue
		}

		if p.w.now().Unix()-th.Dateline.Int64() > int64(scanMaxAge.Seconds()) {
			// Too old to be worth a content scan; never look again.
			if _, err := p.w.store.AddIfNew(nsKeywordThreads, scope, id); err != nil {
				return fmt.Errorf("keyword %q mark %s: %w", p.pattern, id, err)
			}
			continue
		}

		n, err := p.scanThread(ctx, scope, ft)
		if err != nil {
			return err
		}
		if n < 0 {
			// Delivery stopped mid-thread; the thread stays unmarked
			// so the remaining posts retry next poll.
			return nil
		}
		delivered += n
		if _, err := p.w.store.AddIfNew(nsKeywordThreads, scope, id); err != nil {
			return fmt.Errorf("keyword %q mark %s: %w", p.pattern, id, err)
		}
	}

	if delivered > 0 {
		p.w.logger.Info("keyword matches delivered", "pattern", p.pattern, "count", delivered)
		p.w.pruneScope(nsKeywordThreads, scope)
		p.w.pruneScope(nsKeywordPosts, scope)
	}
	return nil
}

// scanThread matches the first posts of one thread. Returns the
// number delivered, or -1 when a delivery failed and the burst must
// stop.
func (p *keywordPoll) scanThread(ctx context.Context, scope string, ft forumThread) (int, error) {
	tid := ft.thread.TID.Int64()
	posts, err := p.w.source.ThreadPosts(ctx, tid, 1, batch.ScanPostsPerPage)
	if err != nil {
		return 0, fmt.Errorf("keyword %q scan thread %d: %w", p.pattern, tid, err)
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].PID.Int64() < posts[j].PID.Int64() })

	ids := make([]string, 0, len(posts))
	for _, post := range posts {
		ids = append(ids, strconv.FormatInt(post.PID.Int64(), 10))
	}
	fresh, err := p.w.store.FilterNew(nsKeywordPosts, scope, ids)
	if err != nil {
		return 0, fmt.Errorf("keyword %q filter posts: %w", p.pattern, err)
	}
	freshSet := make(map[string]bool, len(fresh))
	for _, id := range fresh {
		freshSet[id] = true
	}

	delivered := 0
	for _, post := range posts {
		id := strconv.FormatInt(post.PID.Int64(), 10)
		if !freshSet[id] || !p.match(post.Message) {
			continue
		}
		ev := forum.KeywordEvent{
			Keyword:  p.pattern,
			FID:      ft.fid,
			TID:      tid,
			PID:      post.PID.Int64(),
			Subject:  ft.thread.Subject,
			Snippet:  markup.Snippet(post.Message),
			Dateline: post.Dateline.Int64(),
		}
		if !p.w.deliver(ctx, p.reg, nsKeywordPosts, scope, id, ev) {
			return -1, nil
		}
		delivered++
	}
	return delivered, nil
}
