package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/coachpo/fundwatch/internal/quote"
	"github.com/coachpo/fundwatch/internal/refresh"
)

type refreshCmd struct {
	app    *App
	window int
	wait   bool
}

func (*refreshCmd) Name() string     { return "refresh" }
func (*refreshCmd) Synopsis() string { return "refresh live estimates" }
func (*refreshCmd) Usage() string {
	return `refresh [-window <n>] [-wait=false] [code...]

  Without codes every tracked fund is refreshed in windows of -window
  concurrent requests (the server default when 0). With codes only those
  funds are refreshed, one after another.
`
}

func (c *refreshCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.window, "window", 0, "Concurrent requests per window for a full refresh")
	f.BoolVar(&c.wait, "wait", true, "Wait for a full refresh to finish")
}

func (c *refreshCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.window < 0 {
		return c.app.usage("-window must not be negative")
	}
	client := c.app.client()
	if f.NArg() == 0 {
		st, err := client.RefreshAll(ctx, c.window, c.wait)
		if err != nil {
			return c.app.fail("%v", err)
		}
		if !c.wait {
			fmt.Fprintln(c.app.out(), "refresh started")
			return subcommands.ExitSuccess
		}
		writeSummary(c.app, st)
		return subcommands.ExitSuccess
	}

	status := subcommands.ExitSuccess
	for _, code := range f.Args() {
		tracked, err := client.FundByCode(ctx, code)
		if err == nil {
			tracked, err = client.RefreshOne(ctx, tracked.ID)
		}
		if err != nil {
			fmt.Fprintf(c.app.errOut(), "Error: refresh %s: %v\n", code, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Fprintf(c.app.out(), "%s %s %s %s\n",
			tracked.Code, tracked.CurrentValue.StringFixed(4), quote.FormatChange(tracked.ChangeRate), orDash(tracked.UpdateTime))
	}
	return status
}

func writeSummary(app *App, st refresh.Status) {
	if st.LastRun == nil {
		fmt.Fprintln(app.out(), "no refresh has completed")
		return
	}
	run := st.LastRun
	fmt.Fprintf(app.out(), "requests=%d succeeded=%d failed=%d cancelled=%d discarded=%d duration=%s\n",
		run.Requests, run.Succeeded, run.Failed, run.Cancelled, run.Discarded, run.Duration)
}

type statusCmd struct {
	app *App
}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "show refresh engine status" }
func (*statusCmd) Usage() string {
	return `status

  Shows whether a full refresh is running, the pending requests and the
  summary of the last completed run.
`
}

func (*statusCmd) SetFlags(*flag.FlagSet) {}

func (c *statusCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	st, err := c.app.client().Status(ctx)
	if err != nil {
		return c.app.fail("%v", err)
	}
	fmt.Fprintf(c.app.out(), "refreshing=%t pending=%d orphans=%d\n", st.Refreshing, len(st.Pending), len(st.Orphans))
	for _, p := range st.Pending {
		fmt.Fprintf(c.app.out(), "  %s %s since %s\n", p.Code, p.RequestID, p.RegisteredAt.Format("15:04:05.000"))
	}
	writeSummary(c.app, st)
	return subcommands.ExitSuccess
}

type cancelCmd struct {
	app *App
}

func (*cancelCmd) Name() string     { return "cancel" }
func (*cancelCmd) Synopsis() string { return "cancel the running refresh" }
func (*cancelCmd) Usage() string {
	return `cancel

  Aborts the running full refresh and rejects every pending request.
`
}

func (*cancelCmd) SetFlags(*flag.FlagSet) {}

func (c *cancelCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	rejected, err := c.app.client().Cancel(ctx)
	if err != nil {
		return c.app.fail("%v", err)
	}
	fmt.Fprintf(c.app.out(), "cancelled, %d pending requests rejected\n", rejected)
	return subcommands.ExitSuccess
}
