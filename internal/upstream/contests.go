package upstream

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/canislupaster/arugobot-improved-sub003/internal/contests"
)

type apiContest struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Phase            string `json:"phase"`
	DurationSeconds  int64  `json:"durationSeconds"`
	StartTimeSeconds *int64 `json:"startTimeSeconds"`
}

// ContestList fetches contest.list for the official (gym=false) or gym side.
func (c *Client) ContestList(ctx context.Context, gym bool) ([]contests.Contest, error) {
	params := url.Values{}
	params.Set("gym", strconv.FormatBool(gym))

	var raw []apiContest
	if err := c.Do(ctx, "contest.list", params, &raw); err != nil {
		return nil, err
	}

	scope := contests.ScopeOfficial
	if gym {
		scope = contests.ScopeGym
	}
	out := make([]contests.Contest, 0, len(raw))
	for _, rc := range raw {
		ct := contests.Contest{
			ID:       rc.ID,
			Name:     rc.Name,
			Phase:    contests.Phase(rc.Phase),
			Duration: time.Duration(rc.DurationSeconds) * time.Second,
			Scope:    scope,
		}
		if rc.StartTimeSeconds != nil {
			ct.StartTime = time.Unix(*rc.StartTimeSeconds, 0).UTC()
		}
		out = append(out, ct)
	}
	return out, nil
}
