package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"forumwatch/pkg/forum"
	"forumwatch/store"
)

// testInterval keeps the loops spinning fast enough that every test
// sees several polls inside its deadline.
const testInterval = 15 * time.Millisecond

const waitFor = 3 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSource is an in-memory Source. State is mutated mid-test to
// simulate remote activity; every method signals calls so tests can
// wait for a poll instead of guessing with sleeps.
type fakeSource struct {
	mu           sync.Mutex
	me           forum.Me
	meErr        error
	threads      map[int64]forum.Thread
	threadErr    map[int64]error
	threadPosts  map[int64][]forum.Post
	forumThreads map[int64][]forum.Thread
	forumErr     map[int64]error
	userThreads  map[int64][]forum.Thread
	userPosts    map[int64][]forum.Post
	credits      []forum.CreditTx

	lastPostsPage map[int64]int

	calls    chan string
	block    chan struct{} // when set, ThreadStatus for blockTID parks here
	blockTID int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		threads:       make(map[int64]forum.Thread),
		threadErr:     make(map[int64]error),
		threadPosts:   make(map[int64][]forum.Post),
		forumThreads:  make(map[int64][]forum.Thread),
		forumErr:      make(map[int64]error),
		userThreads:   make(map[int64][]forum.Thread),
		userPosts:     make(map[int64][]forum.Post),
		lastPostsPage: make(map[int64]int),
		calls:         make(chan string, 4096),
	}
}

func (f *fakeSource) mark(s string) {
	select {
	case f.calls <- s:
	default:
	}
}

func (f *fakeSource) Identity(_ context.Context) (forum.Me, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mark("me")
	if f.meErr != nil {
		return forum.Me{}, f.meErr
	}
	return f.me, nil
}

func (f *fakeSource) ThreadStatus(_ context.Context, tid int64) (forum.Thread, error) {
	f.mu.Lock()
	block := f.block
	blocked := block != nil && tid == f.blockTID
	f.mark(fmt.Sprintf("thread:%d", tid))
	err := f.threadErr[tid]
	th := f.threads[tid]
	f.mu.Unlock()

	if blocked {
		<-block
	}
	if err != nil {
		return forum.Thread{}, err
	}
	return th, nil
}

func (f *fakeSource) ThreadPosts(_ context.Context, tid int64, page, _ int) ([]forum.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mark(fmt.Sprintf("posts:%d", tid))
	f.lastPostsPage[tid] = page
	return append([]forum.Post(nil), f.threadPosts[tid]...), nil
}

func (f *fakeSource) ForumThreads(_ context.Context, fid int64) ([]forum.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mark(fmt.Sprintf("forum:%d", fid))
	if err := f.forumErr[fid]; err != nil {
		return nil, err
	}
	return append([]forum.Thread(nil), f.forumThreads[fid]...), nil
}

func (f *fakeSource) UserThreads(_ context.Context, uid int64, _, _ int) ([]forum.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mark(fmt.Sprintf("uthreads:%d", uid))
	return append([]forum.Thread(nil), f.userThreads[uid]...), nil
}

func (f *fakeSource) UserPosts(_ context.Context, uid int64, _, _ int) ([]forum.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mark(fmt.Sprintf("uposts:%d", uid))
	return append([]forum.Post(nil), f.userPosts[uid]...), nil
}

func (f *fakeSource) CreditsReceived(_ context.Context, uid int64, _ int) ([]forum.CreditTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mark(fmt.Sprintf("credits:%d", uid))
	return append([]forum.CreditTx(nil), f.credits...), nil
}

func (f *fakeSource) set(change func(*fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	change(f)
}

// drain discards buffered call marks so later waits only see fresh
// polls.
func (f *fakeSource) drain() {
	for {
		select {
		case <-f.calls:
		default:
			return
		}
	}
}

// waitCall blocks until the source has served want, counting from now.
func (f *fakeSource) waitCall(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case got := <-f.calls:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("no %q call within %v", want, waitFor)
		}
	}
}

// waitCalls blocks until the source has served want n times.
func (f *fakeSource) waitCalls(t *testing.T, want string, n int) {
	t.Helper()
	for range n {
		f.waitCall(t, want)
	}
}

// collector gathers delivered events and signals each arrival.
type collector struct {
	mu     sync.Mutex
	events []forum.Event
	arrive chan forum.Event
	fail   error // returned by the handler while set
}

func newCollector() *collector {
	return &collector{arrive: make(chan forum.Event, 256)}
}

func (c *collector) handler(_ context.Context, ev forum.Event) error {
	c.mu.Lock()
	fail := c.fail
	if fail == nil {
		c.events = append(c.events, ev)
	}
	c.mu.Unlock()
	if fail != nil {
		return fail
	}
	c.arrive <- ev
	return nil
}

func (c *collector) setFail(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

func (c *collector) snapshot() []forum.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]forum.Event(nil), c.events...)
}

func (c *collector) wait(t *testing.T, n int) []forum.Event {
	t.Helper()
	got := make([]forum.Event, 0, n)
	deadline := time.After(waitFor)
	for len(got) < n {
		select {
		case ev := <-c.arrive:
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("received %d events within %v, want %d", len(got), waitFor, n)
		}
	}
	return got
}

// expectNone asserts that no event arrives for a few poll intervals.
func (c *collector) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-c.arrive:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(5 * testInterval):
	}
}

// errCollector gathers error-handler invocations.
type errCollector struct {
	mu     sync.Mutex
	errs   []error
	arrive chan error
}

func newErrCollector() *errCollector {
	return &errCollector{arrive: make(chan error, 256)}
}

func (c *errCollector) handle(_ forum.Kind, err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
	select {
	case c.arrive <- err:
	default:
	}
}

func (c *errCollector) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.arrive:
		return err
	case <-time.After(waitFor):
		t.Fatal("no error routed to the handler in time")
		return nil
	}
}

func newTestWatcher(t *testing.T, src Source, st Store) *Watcher {
	t.Helper()
	w, err := New(Config{Source: src, Store: st, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
}

func post(pid, tid, uid, dateline int64, msg string) forum.Post {
	return forum.Post{
		PID:      forum.Int(pid),
		TID:      forum.Int(tid),
		UID:      forum.Int(uid),
		Message:  msg,
		Dateline: forum.Int(dateline),
	}
}

func thread(tid, fid, uid, dateline int64, subject string) forum.Thread {
	return forum.Thread{
		TID:      forum.Int(tid),
		FID:      forum.Int(fid),
		UID:      forum.Int(uid),
		Subject:  subject,
		Dateline: forum.Int(dateline),
	}
}

func TestThreadWatchSeedsThenDeliversInOrder(t *testing.T) {
	src := newFakeSource()
	src.threads[42] = forum.Thread{
		TID: 42, Subject: "Group buy", LastPost: 103, NumReplies: 2,
	}
	src.threadPosts[42] = []forum.Post{
		post(1, 42, 7, 101, "first"),
		post(2, 42, 8, 102, "second"),
		post(3, 42, 9, 103, "third"),
	}

	events := newCollector()
	w := newTestWatcher(t, src, store.OpenMemory(t))
	w.WatchThread(42, events.handler, Every(testInterval))
	startWatcher(t, w)

	// The first poll seeds the watermark without emitting.
	src.waitCalls(t, "thread:42", 2)
	if got := events.snapshot(); len(got) != 0 {
		t.Fatalf("events after seeding = %d, want 0", len(got))
	}

	// Two replies arrive.
	src.set(func(f *fakeSource) {
		f.threads[42] = forum.Thread{TID: 42, Subject: "Group buy", LastPost: 105, NumReplies: 4}
		f.threadPosts[42] = []forum.Post{
			post(1, 42, 7, 101, "first"),
			post(2, 42, 8, 102, "second"),
			post(3, 42, 9, 103, "third"),
			post(4, 42, 7, 104, "[b]fourth[/b]"),
			post(5, 42, 8, 105, "fifth"),
		}
	})

	got := events.wait(t, 2)
	first, ok := got[0].(forum.ReplyEvent)
	if !ok {
		t.Fatalf("event type = %T, want ReplyEvent", got[0])
	}
	second := got[1].(forum.ReplyEvent)
	if first.PID != 4 || second.PID != 5 {
		t.Errorf("delivered pids = %d, %d, want 4 then 5", first.PID, second.PID)
	}
	if first.TID != 42 || first.Subject != "Group buy" {
		t.Errorf("event = %+v, want tid 42 and thread subject", first)
	}
	if first.Snippet != "fourth" {
		t.Errorf("snippet = %q, want markup stripped %q", first.Snippet, "fourth")
	}
	events.expectNone(t)

	if n := w.Delivered(); n != 2 {
		t.Errorf("Delivered = %d, want 2", n)
	}
}

func TestThreadWatchFetchesLastPage(t *testing.T) {
	src := newFakeSource()
	src.threads[9] = forum.Thread{TID: 9, Subject: "Long one", LastPost: 200, NumReplies: 24}

	events := newCollector()
	w := newTestWatcher(t, src, store.OpenMemory(t))
	w.WatchThread(9, events.handler, Every(testInterval))
	startWatcher(t, w)

	src.waitCall(t, "thread:9")
	src.set(func(f *fakeSource) {
		// 25 replies + opening post = 26 posts = 3 pages of 10.
		f.threads[9] = forum.Thread{TID: 9, Subject: "Long one", LastPost: 201, NumReplies: 25}
		f.threadPosts[9] = []forum.Post{post(260, 9, 3, 201, "latest")}
	})
	src.waitCall(t, "posts:9")

	src.mu.Lock()
	page := src.lastPostsPage[9]
	src.mu.Unlock()
	if page != 3 {
		t.Errorf("posts fetched from page %d, want 3", page)
	}
}

func TestForumWatchDeliversNewThreads(t *testing.T) {
	src := newFakeSource()
	src.forumThreads[25] = []forum.Thread{
		thread(10, 25, 1, 100, "old a"),
		thread(11, 25, 2, 110, "old b"),
	}

	events := newCollector()
	w := newTestWatcher(t, src, store.OpenMemory(t))
	w.WatchForum(25, events.handler, Every(testInterval))
	startWatcher(t, w)

	src.waitCalls(t, "forum:25", 2)
	if got := events.snapshot(); len(got) != 0 {
		t.Fatalf("events after seeding = %d, want 0", len(got))
	}

	// Two new threads, listed newest-first as the platform does.
	src.set(func(f *fakeSource) {
		f.forumThreads[25] = []forum.Thread{
			thread(13, 25, 4, 130, "new d"),
			thread(12, 25, 3, 120, "new c"),
			thread(11, 25, 2, 110, "old b"),
			thread(10, 25, 1, 100, "old a"),
		}
	})

	got := events.wait(t, 2)
	a := got[0].(forum.NewThreadEvent)
	b := got[1].(forum.NewThreadEvent)
	if a.TID != 12 || b.TID != 13 {
		t.Errorf("delivered tids = %d, %d, want ascending 12 then 13", a.TID, b.TID)
	}
	if a.FID != 25 {
		t.Errorf("event fid = %d, want 25", a.FID)
	}
	events.expectNone(t)
}

func TestUserWatchThreadsOnlyIgnoresPosts(t *testing.T) {
	src := newFakeSource()
	src.userThreads[7] = []forum.Thread{thread(50, 2, 7, 100, "by user")}
	src.userPosts[7] = []forum.Post{post(500, 60, 7, 100, "a post")}

	events := newCollector()
	w := newTestWatcher(t, src, store.OpenMemory(t))
	w.WatchUser(7, UserThreadsOnly, events.handler, Every(testInterval))
	startWatcher(t, w)

	src.waitCalls(t, "uthreads:7", 2)
	src.set(func(f *fakeSource) {
		f.userThreads[7] = []forum.Thread{
			thread(51, 2, 7, 120, "fresh thread"),
			thread(50, 2, 7, 100, "by user"),
		}
		f.userPosts[7] = append(f.userPosts[7], post(501, 60, 7, 121, "another post"))
	})

	got := events.wait(t, 1)
	ev, ok := got[0].(forum.UserThreadEvent)
	if !ok {
		t.Fatalf("event type = %T, want UserThreadEvent", got[0])
	}
	if ev.TID != 51 || ev.UID != 7 {
		t.Errorf("event = %+v, want tid 51 uid 7", ev)
	}
	events.expectNone(t)
}

func TestUserWatchAllModeDeliversPosts(t *testing.T) {
	src := newFakeSource()
	src.userThreads[7] = []forum.Thread{thread(50, 2, 7, 100, "by user")}
	src.userPosts[7] = []forum.Post{post(500, 60, 7, 100, "a post")}

	events := newCollector()
	w := newTestWatcher(t, src, store.OpenMemory(t))
	w.WatchUser(7, UserAll, events.handler, Every(testInterval))
	startWatcher(t, w)

	src.waitCalls(t, "uposts:7", 2)
	src.set(func(f *fakeSource) {
		f.userPosts[7] = []forum.Post{
			post(501, 61, 7, 130, "[b]reply text[/b]"),
			post(500, 60, 7, 100, "a post"),
		}
	})

	got := events.wait(t, 1)
	ev, ok := got[0].(forum.UserPostEvent)
	if !ok {
		t.Fatalf("event type = %T, want UserPostEvent", got[0])
	}
	if ev.PID != 501 || ev.Snippet != "reply text" {
		t.Errorf("event = %+v, want pid 501 with stripped snippet", ev)
	}
}

func TestInboxWatchEmitsOnlyOnIncrease(t *testing.T) {
	src := newFakeSource()
	src.me = forum.Me{UID: 3, Unread: 3}

	events := newCollector()
	w := newTestWatcher(t, src, store.OpenMemory(t))
	w.WatchInbox(events.handler, Every(testInterval))
	startWatcher(t, w)

	src.waitCalls(t, "me", 2)
	if got := events.snapshot(); len(got) != 0 {
		t.Fatalf("events after seeding = %d, want 0", len(got))
	}

	src.set(func(f *fakeSource) { f.me.Unread = 5 })
	got := events.wait(t, 1)
	ev := got[0].(forum.UnreadEvent)
	if ev.UnreadCount != 5 || ev.NewSinceLast != 2 {
		t.Errorf("event = %+v, want count 5 delta 2", ev)
	}

	// A drop is absorbed silently and becomes the new baseline. Drain
	// stale marks so the next one proves a poll observed the drop.
	src.set(func(f *fakeSource) { f.me.Unread = 1 })
	src.drain()
	src.waitCall(t, "me")
	events.expectNone(t)

	src.set(func(f *fakeSource) { f.me.Unread = 4 })
	got = events.wait(t, 1)
	ev = got[0].(forum.UnreadEvent)
	if ev.UnreadCount != 4 || ev.NewSinceLast != 3 {
		t.Errorf("after drop event = %+v, want count 4 delta 3", ev)
	}
}

func TestCreditsWatchRetriesEmptyIdentity(t *testing.T) {
	src := newFakeSource()
	src.me = forum.Me{UID: 0} // uid missing from the response at first
	src.credits = []forum.CreditTx{{ID: 900, Amount: 10, From: forum.Party{Username: "alice"}}}

	events := newCollector()
	errs := newErrCollector()
	w := newTestWatcher(t, src, store.OpenMemory(t))
	w.WatchCredits(events.handler, Every(testInterval), OnError(errs.handle))
	startWatcher(t, w)

	if err := errs.wait(t); err == nil {
		t.Fatal("empty uid should surface as a poll error")
	}

	// No transfer lookup may happen while the uid is unknown.
	for drained := false; !drained; {
		select {
		case got := <-src.calls:
			if got == "credits:0" {
				t.Fatal("credits queried for uid 0")
			}
		default:
			drained = true
		}
	}

	src.set(func(f *fakeSource) { f.me = forum.Me{UID: 3} })
	src.waitCalls(t, "credits:3", 2)
	if got := events.snapshot(); len(got) != 0 {
		t.Fatalf("events after seeding = %d, want 0", len(got))
	}

	src.set(func(f *fakeSource) {
		f.credits = append([]forum.CreditTx{
			{ID: 901, Amount: 2.5, Reason: "thanks", From: forum.Party{UID: 8, Username: "bob"}, Dateline: 200},
		}, f.credits...)
	})
	got := events.wait(t, 1)
	ev := got[0].(forum.CreditEvent)
	if ev.ID != 901 || ev.Amount != 2.5 || ev.FromUser != "bob" {
		t.Errorf("event = %+v, want tx 901 from bob", ev)
	}
}

func TestKeywordWatchMatchesSubjectsAndPosts(t *testing.T) {
	src := newFakeSource()
	now := time.Unix(1700000000, 0)
	src.forumThreads[2] = []forum.Thread{thread(10, 2, 1, now.Unix()-7200, "old news")}

	events := newCollector()
	w := newTestWatcher(t, src, store.OpenMemory(t))
	w.now = func() time.Time { return now }
	w.WatchKeyword("golang", []int64{2}, events.handler, Every(testInterval))
	startWatcher(t, w)

	src.waitCalls(t, "forum:2", 2)

	src.set(func(f *fakeSource) {
		f.forumThreads[2] = []forum.Thread{
			// Subject match, delivered without a post scan.
			thread(11, 2, 5, now.Unix()-60, "Golang question"),
			// No subject match but young: first posts get scanned.
			thread(12, 2, 6, now.Unix()-120, "unrelated subject"),
			// No subject match and old: marked without scanning.
			thread(13, 2, 7, now.Unix()-7200, "also unrelated"),
			thread(10, 2, 1, now.Unix()-7200, "old news"),
		}
		f.threadPosts[12] = []forum.Post{post(120, 12, 6, now.Unix()-110, "anyone tried [i]golang[/i] here?")}
		f.threadPosts[13] = []forum.Post{post(130, 13, 7, now.Unix()-7100, "golang would match if scanned")}
	})

	got := events.wait(t, 2)
	subj := got[0].(forum.KeywordEvent)
	if subj.TID != 11 || subj.PID != 0 {
		t.Errorf("subject match = %+v, want tid 11 with pid 0", subj)
	}
	body := got[1].(forum.KeywordEvent)
	if body.TID != 12 || body.PID != 120 {
		t.Errorf("content match = %+v, want tid 12 pid 120", body)
	}
	events.expectNone(t)

	// The old thread was never scanned.
	src.mu.Lock()
	scanned := src.lastPostsPage[13]
	src.mu.Unlock()
	if scanned != 0 {
		t.Error("posts of an old thread were fetched")
	}
}

func TestBuildMatcher(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		input   string
		want    bool
	}{
		{name: "literal hit", pattern: "rust", input: "Rust question", want: true},
		{name: "literal miss", pattern: "rust", input: "go question", want: false},
		{name: "regex alternation", pattern: "cheap|free", input: "FREE stuff inside", want: true},
		{name: "regex anchors", pattern: "^\\[WTB\\]", input: "[WTB] gpu time", want: true},
		{name: "invalid regex falls back to literal", pattern: "c++ (", input: "selling C++ (modern) course", want: true},
		{name: "invalid regex literal miss", pattern: "c++ (", input: "selling java course", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match := buildMatcher(tt.pattern)
			if got := match(tt.input); got != tt.want {
				t.Errorf("buildMatcher(%q)(%q) = %v, want %v", tt.pattern, tt.input, got, tt.want)
			}
		})
	}
}

func TestRegistrationValidation(t *testing.T) {
	handler := func(context.Context, forum.Event) error { return nil }
	tests := []struct {
		name     string
		register func(w *Watcher)
	}{
		{name: "thread id zero", register: func(w *Watcher) { w.WatchThread(0, handler) }},
		{name: "thread nil handler", register: func(w *Watcher) { w.WatchThread(1, nil) }},
		{name: "forum id negative", register: func(w *Watcher) { w.WatchForum(-3, handler) }},
		{name: "user id zero", register: func(w *Watcher) { w.WatchUser(0, UserAll, handler) }},
		{name: "keyword empty pattern", register: func(w *Watcher) { w.WatchKeyword("  ", []int64{1}, handler) }},
		{name: "keyword unscoped", register: func(w *Watcher) { w.WatchKeyword("rust", nil, handler) }},
		{name: "credits nil handler", register: func(w *Watcher) { w.WatchCredits(nil) }},
		{name: "inbox nil handler", register: func(w *Watcher) { w.WatchInbox(nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWatcher(t, newFakeSource(), store.OpenMemory(t))
			tt.register(w)
			if w.Count() != 0 {
				t.Error("rejected registration was added")
			}
			if err := w.Start(context.Background()); err == nil {
				w.Stop()
				t.Error("Start() error = nil, want rejection error")
			}
		})
	}
}

func TestHandlerFailureLeavesEventUnmarked(t *testing.T) {
	src := newFakeSource()
	src.forumThreads[4] = []forum.Thread{thread(20, 4, 1, 100, "seeded")}

	events := newCollector()
	errs := newErrCollector()
	w := newTestWatcher(t, src, store.OpenMemory(t))
	w.WatchForum(4, events.handler, Every(testInterval), OnError(errs.handle))
	startWatcher(t, w)

	src.waitCalls(t, "forum:4", 2)
	events.setFail(errors.New("webhook down"))
	src.set(func(f *fakeSource) {
		f.forumThreads[4] = []forum.Thread{
			thread(22, 4, 3, 120, "second new"),
			thread(21, 4, 2, 110, "first new"),
			thread(20, 4, 1, 100, "seeded"),
		}
	})

	if err := errs.wait(t); err == nil {
		t.Fatal("handler failure not routed to the error handler")
	}
	if got := events.snapshot(); len(got) != 0 {
		t.Fatalf("events delivered despite failing handler: %d", len(got))
	}

	// Handler recovers: both events arrive, still in ascending order,
	// exactly once.
	events.setFail(nil)
	got := events.wait(t, 2)
	a := got[0].(forum.NewThreadEvent)
	b := got[1].(forum.NewThreadEvent)
	if a.TID != 21 || b.TID != 22 {
		t.Errorf("delivered tids = %d, %d, want 21 then 22", a.TID, b.TID)
	}
	events.expectNone(t)
}

func TestPollErrorsAreIsolated(t *testing.T) {
	src := newFakeSource()
	src.forumErr[1] = errors.New("server exploded")
	src.forumThreads[2] = []forum.Thread{thread(30, 2, 1, 100, "fine")}

	events := newCollector()
	errs := newErrCollector()
	w, err := New(Config{Source: src, Store: store.OpenMemory(t), Logger: testLogger(), OnError: errs.handle})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.WatchForum(1, events.handler, Every(testInterval))
	w.WatchForum(2, events.handler, Every(testInterval))
	startWatcher(t, w)
	src.waitCall(t, "forum:2") // healthy loop has seeded

	// The broken loop reports through the watcher-level handler and
	// keeps retrying on its cadence.
	if err := errs.wait(t); err == nil {
		t.Fatal("poll failure not routed to watcher error handler")
	}
	if err := errs.wait(t); err == nil {
		t.Fatal("failing loop stopped retrying")
	}

	// The sibling keeps delivering.
	src.set(func(f *fakeSource) {
		f.forumThreads[2] = []forum.Thread{
			thread(31, 2, 2, 130, "new in healthy forum"),
			thread(30, 2, 1, 100, "fine"),
		}
	})
	got := events.wait(t, 1)
	if ev := got[0].(forum.NewThreadEvent); ev.TID != 31 {
		t.Errorf("healthy sibling delivered tid %d, want 31", ev.TID)
	}
}

func TestRestartDoesNotRedeliver(t *testing.T) {
	path := t.TempDir() + "/dedup.db"
	src := newFakeSource()
	src.forumThreads[8] = []forum.Thread{
		thread(80, 8, 1, 100, "a"),
		thread(81, 8, 2, 110, "b"),
	}

	open := func() *store.Store {
		st, err := store.Open(path, testLogger())
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		return st
	}

	st := open()
	events := newCollector()
	w := newTestWatcher(t, src, st)
	w.WatchForum(8, events.handler, Every(testInterval))
	startWatcher(t, w)

	src.waitCalls(t, "forum:8", 2)
	src.set(func(f *fakeSource) {
		f.forumThreads[8] = append([]forum.Thread{thread(82, 8, 3, 120, "c")}, f.forumThreads[8]...)
	})
	events.wait(t, 1)
	w.Stop()
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	src.drain()

	// Same backing file, fresh process: an unchanged remote emits
	// nothing, one genuinely new thread emits exactly one event.
	st2 := open()
	defer st2.Close()
	events2 := newCollector()
	w2 := newTestWatcher(t, src, st2)
	w2.WatchForum(8, events2.handler, Every(testInterval))
	startWatcher(t, w2)

	src.waitCalls(t, "forum:8", 3)
	if got := events2.snapshot(); len(got) != 0 {
		t.Fatalf("restart re-delivered %d events", len(got))
	}

	src.set(func(f *fakeSource) {
		f.forumThreads[8] = append([]forum.Thread{thread(83, 8, 4, 130, "d")}, f.forumThreads[8]...)
	})
	got := events2.wait(t, 1)
	if ev := got[0].(forum.NewThreadEvent); ev.TID != 83 {
		t.Errorf("after restart delivered tid %d, want 83", ev.TID)
	}
	events2.expectNone(t)
	w2.Stop() // before the deferred store close
}

// recordingStore wraps a Store and remembers Prune calls.
type recordingStore struct {
	Store
	mu     sync.Mutex
	prunes []string
}

func (r *recordingStore) Prune(namespace, scope string, keep int) (int64, error) {
	r.mu.Lock()
	r.prunes = append(r.prunes, fmt.Sprintf("%s/%s/%d", namespace, scope, keep))
	r.mu.Unlock()
	return r.Store.Prune(namespace, scope, keep)
}

func TestDeliveryBurstPrunesItsScope(t *testing.T) {
	src := newFakeSource()
	src.forumThreads[6] = []forum.Thread{thread(60, 6, 1, 100, "seed")}

	rec := &recordingStore{Store: store.OpenMemory(t)}
	events := newCollector()
	w, err := New(Config{Source: src, Store: rec, Logger: testLogger(), PruneKeep: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.WatchForum(6, events.handler, Every(testInterval))
	startWatcher(t, w)

	src.waitCalls(t, "forum:6", 2)
	rec.mu.Lock()
	before := len(rec.prunes)
	rec.mu.Unlock()
	if before != 0 {
		t.Fatalf("prune ran before any delivery: %v", rec.prunes)
	}

	src.set(func(f *fakeSource) {
		f.forumThreads[6] = append([]forum.Thread{thread(61, 6, 2, 110, "new")}, f.forumThreads[6]...)
	})
	events.wait(t, 1)

	deadline := time.After(waitFor)
	for {
		rec.mu.Lock()
		prunes := append([]string(nil), rec.prunes...)
		rec.mu.Unlock()
		if len(prunes) > 0 {
			if prunes[0] != "forum_threads/fid_6/100" {
				t.Errorf("prune call = %q, want forum_threads/fid_6/100", prunes[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no prune after a delivery burst")
		case <-time.After(testInterval):
		}
	}
}

func TestFastLoopsNotBlockedBySlowOne(t *testing.T) {
	src := newFakeSource()
	release := make(chan struct{})
	src.block = release
	src.blockTID = 50
	defer close(release)

	const fast = 49
	for tid := int64(1); tid <= fast+1; tid++ {
		src.threads[tid] = forum.Thread{TID: forum.Int(tid), LastPost: 100, NumReplies: 1}
	}

	events := newCollector()
	w := newTestWatcher(t, src, store.OpenMemory(t))
	for tid := int64(1); tid <= fast; tid++ {
		w.WatchThread(tid, events.handler, Every(time.Duration(tid)*time.Millisecond))
	}
	w.WatchThread(50, events.handler, Every(10*time.Second))
	startWatcher(t, w)

	// Every fast loop must complete its first poll while the slow one
	// is still stuck in its fetch.
	seen := make(map[string]bool)
	deadline := time.After(waitFor)
	for len(seen) < fast {
		select {
		case got := <-src.calls:
			if got != "thread:50" {
				seen[got] = true
			}
		case <-deadline:
			t.Fatalf("only %d of %d fast polls completed while one loop is stuck", len(seen), fast)
		}
	}
}

func TestRegisterWhileRunning(t *testing.T) {
	src := newFakeSource()
	src.forumThreads[1] = []forum.Thread{thread(10, 1, 1, 100, "a")}
	src.forumThreads[2] = []forum.Thread{thread(20, 2, 1, 100, "b")}

	events := newCollector()
	w := newTestWatcher(t, src, store.OpenMemory(t))
	w.WatchForum(1, events.handler, Every(testInterval))
	startWatcher(t, w)
	src.waitCall(t, "forum:1")

	w.WatchForum(2, events.handler, Every(testInterval))
	src.waitCall(t, "forum:2")
	if got := w.Count(); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
}

func TestLifecycle(t *testing.T) {
	src := newFakeSource()
	src.me = forum.Me{UID: 1, Unread: 0}
	events := newCollector()

	w := newTestWatcher(t, src, store.OpenMemory(t))
	w.WatchInbox(events.handler, Every(time.Hour))

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !w.Running() {
		t.Error("Running = false after Start")
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	// With an hour-long interval the loop is mid-sleep; Stop must not
	// wait for the tick.
	src.waitCall(t, "me")
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Stop did not return while loops were sleeping")
	}
	if w.Running() {
		t.Error("Running = true after Stop")
	}

	if err := w.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
	w.Stop() // safe to repeat
}
