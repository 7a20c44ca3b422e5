package cli

import (
	"context"
	"flag"
	"fmt"
	"text/tabwriter"

	"github.com/google/subcommands"
)

type groupsCmd struct {
	app *App
}

func (*groupsCmd) Name() string     { return "groups" }
func (*groupsCmd) Synopsis() string { return "list fund groups" }
func (*groupsCmd) Usage() string {
	return `groups

  Lists every group with the number of funds in it.
`
}

func (*groupsCmd) SetFlags(*flag.FlagSet) {}

func (c *groupsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	groups, err := c.app.client().ListGroups(ctx)
	if err != nil {
		return c.app.fail("%v", err)
	}
	tw := tabwriter.NewWriter(c.app.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tFUNDS\tID")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", g.Name, g.FundCount, g.ID)
	}
	_ = tw.Flush()
	return subcommands.ExitSuccess
}

type groupAddCmd struct {
	app *App
}

func (*groupAddCmd) Name() string     { return "group-add" }
func (*groupAddCmd) Synopsis() string { return "create a group" }
func (*groupAddCmd) Usage() string {
	return `group-add <name>

  Creates a group. Names are trimmed and must be unique.
`
}

func (*groupAddCmd) SetFlags(*flag.FlagSet) {}

func (c *groupAddCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return c.app.usage("group-add takes exactly one name")
	}
	g, err := c.app.client().CreateGroup(ctx, f.Arg(0))
	if err != nil {
		return c.app.fail("%v", err)
	}
	fmt.Fprintf(c.app.out(), "created group %s\n", g.Name)
	return subcommands.ExitSuccess
}

type groupRenameCmd struct {
	app *App
}

func (*groupRenameCmd) Name() string     { return "group-rename" }
func (*groupRenameCmd) Synopsis() string { return "rename a group" }
func (*groupRenameCmd) Usage() string {
	return `group-rename <old> <new>
`
}

func (*groupRenameCmd) SetFlags(*flag.FlagSet) {}

func (c *groupRenameCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		return c.app.usage("group-rename takes the current and the new name")
	}
	client := c.app.client()
	g, err := client.GroupByName(ctx, f.Arg(0))
	if err != nil {
		return c.app.fail("%v", err)
	}
	renamed, err := client.RenameGroup(ctx, g.ID, f.Arg(1))
	if err != nil {
		return c.app.fail("%v", err)
	}
	fmt.Fprintf(c.app.out(), "renamed group %s to %s\n", g.Name, renamed.Name)
	return subcommands.ExitSuccess
}

type groupRemoveCmd struct {
	app *App
}

func (*groupRemoveCmd) Name() string     { return "group-remove" }
func (*groupRemoveCmd) Synopsis() string { return "delete a group" }
func (*groupRemoveCmd) Usage() string {
	return `group-remove <name>

  Deletes the group. Its funds stay tracked without a group.
`
}

func (*groupRemoveCmd) SetFlags(*flag.FlagSet) {}

func (c *groupRemoveCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return c.app.usage("group-remove takes exactly one name")
	}
	client := c.app.client()
	g, err := client.GroupByName(ctx, f.Arg(0))
	if err != nil {
		return c.app.fail("%v", err)
	}
	if err := client.DeleteGroup(ctx, g.ID); err != nil {
		return c.app.fail("%v", err)
	}
	fmt.Fprintf(c.app.out(), "removed group %s\n", g.Name)
	return subcommands.ExitSuccess
}
