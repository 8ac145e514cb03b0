package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"forumwatch/batch"
	"forumwatch/pkg/forum"
)

// WatchCredits emits a CreditEvent for every transfer received by the
// authenticated account.
func (w *Watcher) WatchCredits(h Handler, opts ...Option) *Watcher {
	if h == nil {
		w.rejectRegistration(forum.KindCredit, errors.New("credit watch: handler is required"))
		return w
	}
	reg := &registration{
		kind:     forum.KindCredit,
		target:   "self",
		interval: DefaultCreditInterval,
		handler:  h,
	}
	reg.poller = &creditPoll{w: w, reg: reg}
	w.register(reg, opts...)
	return w
}

type creditPoll struct {
	w   *Watcher
	reg *registration

	uid    int64 // resolved lazily; 0 until the identity read succeeds
	seeded bool
}

func (p *creditPoll) poll(ctx context.Context) error {
	if p.uid == 0 {
		me, err := p.w.source.Identity(ctx)
		if err != nil {
			// Identity hiccups are routine; the next poll tries again
			// rather than killing the watch.
			return fmt.Errorf("credit watch identity: %w", err)
		}
		if me.UID.Int64() == 0 {
			// An empty uid field is a transient glitch, not a reason to
			// query transfers for account 0.
			return errors.New("credit watch identity: empty uid")
		}
		p.uid = me.UID.Int64()
		p.w.logger.Debug("credit watch resolved identity", "user_id", p.uid)
	}

	txs, err := p.w.source.CreditsReceived(ctx, p.uid, batch.DefaultPerPage)
	if err != nil {
		return fmt.Errorf("credits received: %w", err)
	}
	scope := fmt.Sprintf("uid_%d", p.uid)

	if !p.seeded {
		ids := make([]string, 0, len(txs))
		for _, tx := range txs {
			ids = append(ids, strconv.FormatInt(tx.ID.Int64(), 10))
		}
		if _, err := p.w.store.AddMany(nsCredits, scope, ids); err != nil {
			return fmt.Errorf("credit watch seed: %w", err)
		}
		p.seeded = true
		p.w.logger.Info("credit watch seeded", "user_id", p.uid, "transfers", len(ids))
		return nil
	}

	sort.Slice(txs, func(i, j int) bool { return txs[i].ID.Int64() < txs[j].ID.Int64() })
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, strconv.FormatInt(tx.ID.Int64(), 10))
	}
	fresh, err := p.w.store.FilterNew(nsCredits, scope, ids)
	if err != nil {
		return fmt.Errorf("credit watch filter: %w", err)
	}
	freshSet := make(map[string]bool, len(fresh))
	for _, id := range fresh {
		freshSet[id] = true
	}

	delivered := 0
	for _, tx := range txs {
		id := strconv.FormatInt(tx.ID.Int64(), 10)
		if !freshSet[id] {
			continue
		}
		ev := forum.CreditEvent{
			ID:       tx.ID.Int64(),
			Amount:   tx.Amount.Float64(),
			Reason:   tx.Reason,
			FromUser: tx.From.Username,
			Dateline: tx.Dateline.Int64(),
		}
		if !p.w.deliver(ctx, p.reg, nsCredits, scope, id, ev) {
			return nil
		}
		delivered++
	}

	if delivered > 0 {
		p.w.logger.Info("credit transfers delivered", "user_id", p.uid, "count", delivered)
		p.w.pruneScope(nsCredits, scope)
	}
	return nil
}
