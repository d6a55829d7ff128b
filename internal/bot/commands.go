package bot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"cdbot/internal/cooldown"
	kit "cdbot/internal/transport"
	"cdbot/internal/transport/telegram/router"
	"cdbot/pkg/chatui"
	logx "cdbot/pkg/logx"
)

// Handlers binds chat commands to the cooldown engine.
type Handlers struct {
	log       logx.Logger
	engine    *cooldown.Engine
	store     *cooldown.Store
	catalog   *cooldown.Catalog
	startedAt time.Time
}

func NewHandlers(log logx.Logger, engine *cooldown.Engine, store *cooldown.Store, catalog *cooldown.Catalog) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{
		log:       log,
		engine:    engine,
		store:     store,
		catalog:   catalog,
		startedAt: time.Now(),
	}
}

// Observer returns the hook that feeds every inbound message to the
// reconciliation engine.
func (h *Handlers) Observer() router.Observer {
	return func(ctx context.Context, msg *kit.Message) {
		h.engine.HandleExternal(ctx, msg)
	}
}

// Commands builds the full command registry: a generic /track, one root
// command per activity (with its short alias), the dashboard, admin
// subcommands, and /ping.
func (h *Handlers) Commands() []router.Command {
	cmds := []router.Command{
		{
			Route:       "track",
			Aliases:     []string{"t"},
			Description: "start tracking an activity cooldown",
			Usage:       "/track <activity>",
			Timeout:     10 * time.Second,
			Handle:      h.handleTrack,
		},
		{
			Route:       "cd",
			Aliases:     []string{"dashboard", "status"},
			Description: "show cooldown status",
			Usage:       "/cd [user_id]",
			Timeout:     10 * time.Second,
			Handle:      h.handleDashboard,
		},
		{
			Route:       "cd list",
			Description: "list all tracked cooldowns",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      h.handleList,
		},
		{
			Route:       "cd clear",
			Description: "clear tracked cooldowns for a user",
			Usage:       "/cd clear <user_id> [activity]",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      h.handleClear,
		},
		{
			Route:       "ping",
			Description: "liveness check",
			Timeout:     5 * time.Second,
			Handle:      h.handlePing,
		},
	}

	// Each activity gets its own root command: "/mission", "/m", ...
	for _, act := range h.catalog.Activities() {
		a := act
		cmds = append(cmds, router.Command{
			Route:       a.Name,
			Aliases:     a.Aliases,
			Description: fmt.Sprintf("track %s (%s)", a.Label, chatui.FormatRemaining(a.Duration)),
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				return h.track(ctx, req, a.Name)
			},
		})
	}
	return cmds
}

func (h *Handlers) handleTrack(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return h.reply(ctx, req, chatui.JoinH("\n",
			chatui.Esc("Which activity?"),
			chatui.Raw("Usage: <code>/track &lt;activity&gt;</code>"),
			chatui.Esc("Activities: "+strings.Join(h.catalog.Names(), ", ")),
		).String())
	}
	return h.track(ctx, req, req.Args[0])
}

func (h *Handlers) track(ctx context.Context, req *router.Request, activity string) error {
	res, err := h.engine.Track(ctx, cooldown.TrackRequest{
		UserID:    req.FromID,
		Username:  req.FromUsername,
		ChannelID: req.Chat.ChatID,
		ThreadID:  req.Chat.ThreadID,
		Activity:  activity,
	})
	if err != nil {
		if sugg := h.catalog.Suggest(activity, 3); len(sugg) > 0 {
			return h.reply(ctx, req, chatui.JoinH("\n",
				chatui.Esc(fmt.Sprintf("Unknown activity %q.", activity)),
				chatui.Esc("Did you mean: "+strings.Join(sugg, ", ")+"?"),
			).String())
		}
		return h.reply(ctx, req, chatui.JoinH("\n",
			chatui.Esc(fmt.Sprintf("Unknown activity %q.", activity)),
			chatui.Esc("Activities: "+strings.Join(h.catalog.Names(), ", ")),
		).String())
	}

	act := res.Activity
	if res.AlreadyActive {
		line := chatui.JoinH(" ",
			chatui.Raw(act.Emoji),
			chatui.B(act.Label),
			chatui.Esc("is on cooldown: "+chatui.FormatRemaining(res.Remaining)),
		)
		if act.ProgressBar {
			line = chatui.JoinH("\n", line,
				chatui.Code(chatui.Bar(act.Duration-res.Remaining, act.Duration)))
		}
		return h.reply(ctx, req, line.String())
	}

	return h.reply(ctx, req, chatui.JoinH(" ",
		chatui.Raw(act.Emoji),
		chatui.Esc("Tracking"),
		chatui.B(act.Label),
		chatui.Esc("…"),
	).String())
}

func (h *Handlers) handleDashboard(ctx context.Context, req *router.Request) error {
	target := req.FromID
	who := "Your"
	if uid, ok := dashboardTarget(req); ok {
		if uid != req.FromID {
			who = fmt.Sprintf("User %d", uid)
		}
		target = uid
	} else if len(req.Args) > 0 {
		return h.reply(ctx, req,
			"Usage: <code>/cd [user_id]</code> (or mention the user)")
	}

	lines := []chatui.H{chatui.JoinH(" ", chatui.B(who), chatui.Esc("cooldowns"))}
	for _, act := range h.catalog.Activities() {
		rem := h.store.Remaining(target, act.Name)
		line := chatui.JoinH(" ",
			chatui.Raw(act.Emoji),
			chatui.B(act.Label+":"),
			chatui.Esc(chatui.FormatRemaining(rem)),
		)
		lines = append(lines, line)
		if act.ProgressBar && rem > 0 {
			lines = append(lines, chatui.Code(chatui.Bar(act.Duration-rem, act.Duration)))
		}
	}
	if n := h.engine.PendingCount(); n > 0 {
		lines = append(lines, chatui.I(fmt.Sprintf("%d confirmation(s) pending", n)))
	}
	return h.reply(ctx, req, chatui.JoinH("\n", lines...).String())
}

// dashboardTarget picks the subject: an explicit mention wins, then a
// numeric id argument, then the requester themselves.
func dashboardTarget(req *router.Request) (int64, bool) {
	if msg := req.Update.Message; msg != nil && len(msg.Mentions) == 1 {
		return msg.Mentions[0], true
	}
	if len(req.Args) > 0 {
		if uid, err := strconv.ParseInt(req.Args[0], 10, 64); err == nil && uid > 0 {
			return uid, true
		}
		return 0, false
	}
	return req.FromID, true
}

func (h *Handlers) handleList(ctx context.Context, req *router.Request) error {
	all := h.store.AllRecords()
	if len(all) == 0 {
		return h.reply(ctx, req, "No tracked cooldowns.")
	}

	uids := make([]int64, 0, len(all))
	for uid := range all {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	lines := []chatui.H{chatui.B(fmt.Sprintf("Tracked cooldowns (%d users)", len(uids)))}
	for _, uid := range uids {
		acts := all[uid]
		names := make([]string, 0, len(acts))
		for name := range acts {
			names = append(names, name)
		}
		sort.Strings(names)

		lines = append(lines, chatui.JoinH(" ", chatui.Code(strconv.FormatInt(uid, 10))))
		for _, name := range names {
			rem := h.store.Remaining(uid, name)
			state := chatui.FormatRemaining(rem)
			if rem <= 0 && acts[name].Notified {
				state = "Ready! (notified)"
			}
			lines = append(lines, chatui.JoinH(" ",
				chatui.Raw("  •"),
				chatui.Esc(name+":"),
				chatui.Esc(state),
			))
		}
	}
	return h.reply(ctx, req, chatui.JoinH("\n", lines...).String())
}

func (h *Handlers) handleClear(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return h.reply(ctx, req,
			"Usage: <code>/cd clear &lt;user_id&gt; [activity]</code>")
	}
	uid, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil || uid <= 0 {
		return h.reply(ctx, req, "First argument must be a numeric user id.")
	}
	activity := ""
	if len(req.Args) > 1 {
		activity = req.Args[1]
	}

	removed, err := h.engine.Clear(ctx, req.FromID, uid, activity)
	if err != nil {
		return h.reply(ctx, req, chatui.Esc(err.Error()).String())
	}
	if !removed {
		return h.reply(ctx, req, "Nothing to clear.")
	}
	what := "all cooldowns"
	if activity != "" {
		what = activity
	}
	h.log.Info("cooldowns cleared by admin",
		logx.Int64("admin", req.FromID), logx.Int64("user", uid),
		logx.String("activity", activity))
	return h.reply(ctx, req,
		chatui.JoinH(" ", chatui.Esc("Cleared"), chatui.B(what),
			chatui.Esc(fmt.Sprintf("for user %d.", uid))).String())
}

func (h *Handlers) handlePing(ctx context.Context, req *router.Request) error {
	up := time.Since(h.startedAt).Round(time.Second)
	return h.reply(ctx, req, chatui.JoinH(" ",
		chatui.Raw("🏓"),
		chatui.B("pong"),
		chatui.Esc("(up "+up.String()+")"),
	).String())
}

func (h *Handlers) reply(ctx context.Context, req *router.Request, html string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, html,
		&kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}
