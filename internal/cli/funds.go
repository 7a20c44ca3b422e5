package cli

import (
	"context"
	"flag"
	"fmt"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/coachpo/fundwatch/internal/fund"
	"github.com/coachpo/fundwatch/internal/quote"
)

type listCmd struct {
	app   *App
	group string
}

func (*listCmd) Name() string     { return "list" }
func (*listCmd) Synopsis() string { return "list tracked funds with their latest estimates" }
func (*listCmd) Usage() string {
	return `list [-group <name>]

  Prints every tracked fund. With -group only the funds of that group are shown.
`
}

func (c *listCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.group, "group", "", "Only list funds in this group")
}

func (c *listCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		return c.app.usage("list takes no arguments")
	}
	client := c.app.client()
	groups, err := client.ListGroups(ctx)
	if err != nil {
		return c.app.fail("%v", err)
	}
	names := make(map[string]string, len(groups))
	groupID := ""
	for _, g := range groups {
		names[g.ID] = g.Name
		if c.group != "" && g.Name == c.group {
			groupID = g.ID
		}
	}
	if c.group != "" && groupID == "" {
		return c.app.fail("group %q not found", c.group)
	}
	funds, err := client.ListFunds(ctx, groupID)
	if err != nil {
		return c.app.fail("%v", err)
	}
	writeFunds(c.app, funds, names)
	return subcommands.ExitSuccess
}

func writeFunds(app *App, funds []fund.Fund, groupNames map[string]string) {
	tw := tabwriter.NewWriter(app.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tNAME\tESTIMATE\tCHANGE\tNAV\tNAV DATE\tUPDATED\tGROUP\tSTATE")
	for _, f := range funds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			f.Code, f.Name,
			f.CurrentValue.StringFixed(4),
			quote.FormatChange(f.ChangeRate),
			f.NetValue.StringFixed(4),
			orDash(f.NetValueDate),
			orDash(f.UpdateTime),
			orDash(groupNames[f.GroupID]),
			fundState(f))
	}
	_ = tw.Flush()
}

func fundState(f fund.Fund) string {
	switch {
	case f.IsUpdating:
		return "updating"
	case f.LastError != "":
		return "error: " + f.LastError
	default:
		return "ok"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type addCmd struct {
	app   *App
	group string
}

func (*addCmd) Name() string     { return "add" }
func (*addCmd) Synopsis() string { return "start tracking one or more funds" }
func (*addCmd) Usage() string {
	return `add [-group <name>] <code>...

  Tracks each 6 digit fund code. The first quote is fetched before the fund
  is stored, so unknown codes are rejected.
`
}

func (c *addCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.group, "group", "", "Put the new funds in this group")
}

func (c *addCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		return c.app.usage("at least one fund code is required")
	}
	client := c.app.client()
	groupID := ""
	if c.group != "" {
		g, err := client.GroupByName(ctx, c.group)
		if err != nil {
			return c.app.fail("%v", err)
		}
		groupID = g.ID
	}
	status := subcommands.ExitSuccess
	for _, code := range f.Args() {
		created, err := client.Track(ctx, code, groupID)
		if err != nil {
			fmt.Fprintf(c.app.errOut(), "Error: add %s: %v\n", code, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Fprintf(c.app.out(), "added %s %s\n", created.Code, created.Name)
	}
	return status
}

type removeCmd struct {
	app *App
}

func (*removeCmd) Name() string     { return "remove" }
func (*removeCmd) Synopsis() string { return "stop tracking funds" }
func (*removeCmd) Usage() string {
	return `remove <code>...

  Stops tracking each fund code. Any refresh running for it is cancelled.
`
}

func (*removeCmd) SetFlags(*flag.FlagSet) {}

func (c *removeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		return c.app.usage("at least one fund code is required")
	}
	client := c.app.client()
	status := subcommands.ExitSuccess
	for _, code := range f.Args() {
		tracked, err := client.FundByCode(ctx, code)
		if err == nil {
			err = client.Untrack(ctx, tracked.ID)
		}
		if err != nil {
			fmt.Fprintf(c.app.errOut(), "Error: remove %s: %v\n", code, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Fprintf(c.app.out(), "removed %s\n", code)
	}
	return status
}

type moveCmd struct {
	app *App
}

func (*moveCmd) Name() string     { return "move" }
func (*moveCmd) Synopsis() string { return "move a fund into a group" }
func (*moveCmd) Usage() string {
	return `move <code> [group]

  Moves the fund into the named group. Without a group the fund is ungrouped.
`
}

func (*moveCmd) SetFlags(*flag.FlagSet) {}

func (c *moveCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 || f.NArg() > 2 {
		return c.app.usage("move takes a fund code and an optional group name")
	}
	client := c.app.client()
	tracked, err := client.FundByCode(ctx, f.Arg(0))
	if err != nil {
		return c.app.fail("%v", err)
	}
	groupID, target := "", "no group"
	if f.NArg() == 2 {
		g, err := client.GroupByName(ctx, f.Arg(1))
		if err != nil {
			return c.app.fail("%v", err)
		}
		groupID, target = g.ID, g.Name
	}
	if _, err := client.Assign(ctx, tracked.ID, groupID); err != nil {
		return c.app.fail("%v", err)
	}
	fmt.Fprintf(c.app.out(), "moved %s to %s\n", tracked.Code, target)
	return subcommands.ExitSuccess
}
