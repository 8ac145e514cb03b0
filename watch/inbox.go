package watch

import (
	"context"
	"errors"
	"fmt"

	"forumwatch/pkg/forum"
)

// WatchInbox emits an UnreadEvent whenever the authenticated account's
// unread message count rises. The count lives in the identity record,
// so each poll costs one me ask and no dedup rows.
func (w *Watcher) WatchInbox(h Handler, opts ...Option) *Watcher {
	if h == nil {
		w.rejectRegistration(forum.KindUnread, errors.New("inbox watch: handler is required"))
		return w
	}
	reg := &registration{
		kind:     forum.KindUnread,
		target:   "inbox",
		interval: DefaultInboxInterval,
		handler:  h,
	}
	reg.poller = &inboxPoll{w: w, reg: reg, last: -1}
	w.register(reg, opts...)
	return w
}

// inboxPoll tracks the unread counter. The cursor is the count itself;
// there is no per-message id to dedup, so the store stays out of it and
// a restart re-seeds silently.
type inboxPoll struct {
	w   *Watcher
	reg *registration

	last int64 // -1 until the first successful poll
}

func (p *inboxPoll) poll(ctx context.Context) error {
	me, err := p.w.source.Identity(ctx)
	if err != nil {
		return fmt.Errorf("inbox watch identity: %w", err)
	}
	current := me.Unread.Int64()

	if p.last < 0 {
		p.last = current
		p.w.logger.Debug("inbox watch seeded", "unread", current)
		return nil
	}
	if current <= p.last {
		// Reading messages shrinks the count; nothing to announce.
		p.last = current
		return nil
	}

	ev := forum.UnreadEvent{
		UnreadCount:  current,
		NewSinceLast: current - p.last,
		Observed:     p.w.now().Unix(),
	}
	if p.w.deliver(ctx, p.reg, "", "", "", ev) {
		p.last = current
		p.w.logger.Info("unread count rose", "unread", current, "new", ev.NewSinceLast)
	}
	return nil
}
