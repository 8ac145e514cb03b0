package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"forumwatch/cache"
	"forumwatch/client"
	"forumwatch/pkg/forum"
)

// maxUsersPerCall is the platform's cap on ids per users ask.
const maxUsersPerCall = 20

// User returns one account, from cache when possible. found is false
// for ids the platform does not know; that answer is cached briefly.
func (a *API) User(ctx context.Context, uid int64) (forum.User, bool, error) {
	return a.users.GetOrFetch(uid, cache.DefaultNegativeTTL, func() (forum.User, bool, error) {
		res, err := a.request().Users(uid).Fetch(ctx)
		if err != nil {
			return forum.User{}, false, err
		}
		for _, u := range res.Users {
			if u.UID.Int64() == uid {
				return u, true, nil
			}
		}
		return forum.User{}, false, nil
	})
}

// UsersMany resolves many accounts, serving cache hits for free and
// chunking the remainder at maxUsersPerCall ids per call. Unknown ids
// are left out of the result and negative-cached.
func (a *API) UsersMany(ctx context.Context, uids []int64) (map[int64]forum.User, error) {
	out := make(map[int64]forum.User, len(uids))
	var missing []int64
	requested := make(map[int64]bool, len(uids))

	for _, uid := range uids {
		if requested[uid] {
			continue
		}
		requested[uid] = true
		if u, ok := a.users.Get(uid); ok {
			out[uid] = u
			continue
		}
		missing = append(missing, uid)
	}

	for start := 0; start < len(missing); start += maxUsersPerCall {
		end := min(start+maxUsersPerCall, len(missing))
		chunk := missing[start:end]

		res, err := a.request().Users(chunk...).Fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch users: %w", err)
		}
		returned := make(map[int64]bool, len(res.Users))
		for _, u := range res.Users {
			uid := u.UID.Int64()
			returned[uid] = true
			out[uid] = u
			a.users.Set(uid, u)
		}
		for _, uid := range chunk {
			if !returned[uid] {
				a.users.SetNegative(uid, cache.DefaultNegativeTTL)
			}
		}
	}
	return out, nil
}

// Username resolves uid to a display name, or "" when unknown.
func (a *API) Username(ctx context.Context, uid int64) (string, error) {
	u, ok, err := a.User(ctx, uid)
	if err != nil || !ok {
		return "", err
	}
	return u.Username, nil
}

// Forum returns one forum's metadata, cached for an hour.
func (a *API) Forum(ctx context.Context, fid int64) (forum.Forum, bool, error) {
	return a.forums.GetOrFetch(fid, cache.DefaultNegativeTTL, func() (forum.Forum, bool, error) {
		res, err := a.request().Forums(fid).Fetch(ctx)
		if err != nil {
			return forum.Forum{}, false, err
		}
		for _, f := range res.Forums {
			if f.FID.Int64() == fid {
				return f, true, nil
			}
		}
		return forum.Forum{}, false, nil
	})
}

// CacheStats reports the user and forum cache counters, keyed by
// resource name.
func (a *API) CacheStats() map[string]cache.Stats {
	return map[string]cache.Stats{
		"users":  a.users.Stats(),
		"forums": a.forums.Stats(),
	}
}

// Contract returns one contract by id.
func (a *API) Contract(ctx context.Context, cid int64) (forum.Contract, error) {
	res, err := a.request().Contracts(cid).Fetch(ctx)
	if err != nil {
		return forum.Contract{}, err
	}
	for _, ct := range res.Contracts {
		if ct.CID.Int64() == cid {
			return ct, nil
		}
	}
	return forum.Contract{}, &client.APIError{Kind: client.ErrNotFound, Msg: fmt.Sprintf("contract %d not found", cid)}
}

// ContractsByUser returns every contract involving uid.
func (a *API) ContractsByUser(ctx context.Context, uid int64) ([]forum.Contract, error) {
	res, err := a.request().ContractsByUser(uid).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return res.Contracts, nil
}

// ContractsByStatus returns uid's contracts filtered to one status.
func (a *API) ContractsByStatus(ctx context.Context, uid int64, status string) ([]forum.Contract, error) {
	all, err := a.ContractsByUser(ctx, uid)
	if err != nil {
		return nil, err
	}
	var matched []forum.Contract
	for _, ct := range all {
		if ct.Status == status {
			matched = append(matched, ct)
		}
	}
	return matched, nil
}

// RatingsReceived returns the ratings given to uid.
func (a *API) RatingsReceived(ctx context.Context, uid int64) ([]forum.Rating, error) {
	res, err := a.request().RatingsReceived(uid).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return res.Ratings, nil
}

// RatingsGiven returns the ratings written by uid.
func (a *API) RatingsGiven(ctx context.Context, uid int64) ([]forum.Rating, error) {
	res, err := a.request().RatingsGiven(uid).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return res.Ratings, nil
}

// RatingsByContract returns the ratings on one contract.
func (a *API) RatingsByContract(ctx context.Context, cid int64) ([]forum.Rating, error) {
	res, err := a.request().RatingsByContract(cid).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return res.Ratings, nil
}

// RatingScore summarizes the ratings received by an account.
type RatingScore struct {
	Positive int `json:"positive"`
	Negative int `json:"negative"`
	Neutral  int `json:"neutral"`
	Total    int `json:"total"`
}

// Score tallies uid's received ratings. One call.
func (a *API) Score(ctx context.Context, uid int64) (RatingScore, error) {
	ratings, err := a.RatingsReceived(ctx, uid)
	if err != nil {
		return RatingScore{}, err
	}
	var score RatingScore
	for _, r := range ratings {
		switch {
		case r.Value.Int64() > 0:
			score.Positive++
		case r.Value.Int64() < 0:
			score.Negative++
		default:
			score.Neutral++
		}
	}
	score.Total = len(ratings)
	return score, nil
}

// DisputesByContract returns the disputes on the given contracts.
func (a *API) DisputesByContract(ctx context.Context, cids ...int64) ([]forum.Dispute, error) {
	if len(cids) == 0 {
		return nil, nil
	}
	res, err := a.request().DisputesByContract(cids...).Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return res.Disputes, nil
}

// ReplyToThread posts a reply and returns the new post id.
func (a *API) ReplyToThread(ctx context.Context, tid int64, message string) (int64, error) {
	raw, err := a.caller.Write(ctx, map[string]any{
		"posts": map[string]any{"_tid": tid, "message": message},
	})
	if err != nil {
		return 0, fmt.Errorf("reply to thread %d: %w", tid, err)
	}
	var created struct {
		PID forum.Int `json:"pid"`
	}
	if err := decodeWriteResult(raw["posts"], &created); err != nil {
		return 0, fmt.Errorf("reply to thread %d: %w", tid, err)
	}
	return created.PID.Int64(), nil
}

// CreateThread opens a thread and returns its id.
func (a *API) CreateThread(ctx context.Context, fid int64, subject, message string) (int64, error) {
	raw, err := a.caller.Write(ctx, map[string]any{
		"threads": map[string]any{"_fid": fid, "subject": subject, "message": message},
	})
	if err != nil {
		return 0, fmt.Errorf("create thread in forum %d: %w", fid, err)
	}
	var created struct {
		TID forum.Int `json:"tid"`
	}
	if err := decodeWriteResult(raw["threads"], &created); err != nil {
		return 0, fmt.Errorf("create thread in forum %d: %w", fid, err)
	}
	return created.TID.Int64(), nil
}

// SendCredits transfers credits to another account.
func (a *API) SendCredits(ctx context.Context, toUID int64, amount float64, reason string) error {
	_, err := a.caller.Write(ctx, map[string]any{
		"credits": map[string]any{"_to": toUID, "amount": amount, "reason": reason},
	})
	if err != nil {
		return fmt.Errorf("send %.2f credits to %d: %w", amount, toUID, err)
	}
	return nil
}

// decodeWriteResult unpacks a write acknowledgement, which arrives as
// either an object or a one-element array.
func decodeWriteResult(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return errors.New("write acknowledged without a result section")
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			return errors.New("write acknowledged with an empty result")
		}
		raw = list[0]
	}
	return json.Unmarshal(raw, target)
}
