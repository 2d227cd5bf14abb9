package dispatch

import (
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/canislupaster/arugobot-improved-sub003/internal/contests"
	"github.com/canislupaster/arugobot-improved-sub003/internal/storage"
	"github.com/canislupaster/arugobot-improved-sub003/pkg/tgui"
)

func renderNotification(cfg Config, sub storage.Subscription, ct contests.Contest, now time.Time) string {
	if sub.Kind == storage.KindFinished {
		return renderFinished(cfg, ct, now)
	}
	return renderReminder(cfg, ct, now)
}

func renderReminder(cfg Config, ct contests.Contest, now time.Time) string {
	c := tgui.NewCard().
		Title("Contest reminder: "+ct.Name).
		Line("Starts "+humanize.RelTime(ct.StartTime, now, "ago", "from now")).
		KV("Start", ct.StartTime.In(cfg.Location).Format("Mon 02 Jan 15:04 MST")).
		KV("Duration", formatDuration(ct.Duration))
	if ct.Scope == contests.ScopeGym {
		c.KV("Section", "gym")
	}
	c.HTML(tgui.Link("Open contest", contestURL(cfg, ct)))
	return c.String()
}

func renderFinished(cfg Config, ct contests.Contest, now time.Time) string {
	return tgui.NewCard().
		Title("Contest finished: "+ct.Name).
		Line("Ended "+humanize.RelTime(ct.EndTime(), now, "ago", "from now")).
		HTML(tgui.Link("Standings", contestURL(cfg, ct)+"/standings")).
		String()
}

func contestURL(cfg Config, ct contests.Contest) string {
	base := strings.TrimRight(cfg.ContestURL, "/")
	section := "contest"
	if ct.Scope == contests.ScopeGym {
		section = "gym"
	}
	return base + "/" + section + "/" + strconv.FormatInt(ct.ID, 10)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "unknown"
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	switch {
	case h == 0:
		return strconv.Itoa(m) + "m"
	case m == 0:
		return strconv.Itoa(h) + "h"
	default:
		return strconv.Itoa(h) + "h " + strconv.Itoa(m) + "m"
	}
}
