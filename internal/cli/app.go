package cli

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/google/subcommands"
)

// DefaultAddr is the control API address used when -addr is not given.
const DefaultAddr = "http://localhost:8880"

// App carries what every command shares.
type App struct {
	Addr       string
	Out        io.Writer
	Err        io.Writer
	HTTPClient *http.Client
}

// Register adds every fundctl command to c.
func Register(c *subcommands.Commander, app *App) {
	c.Register(&listCmd{app: app}, "funds")
	c.Register(&addCmd{app: app}, "funds")
	c.Register(&removeCmd{app: app}, "funds")
	c.Register(&moveCmd{app: app}, "funds")

	c.Register(&refreshCmd{app: app}, "refresh")
	c.Register(&statusCmd{app: app}, "refresh")
	c.Register(&cancelCmd{app: app}, "refresh")

	c.Register(&groupsCmd{app: app}, "groups")
	c.Register(&groupAddCmd{app: app}, "groups")
	c.Register(&groupRenameCmd{app: app}, "groups")
	c.Register(&groupRemoveCmd{app: app}, "groups")
}

func (a *App) client() *Client {
	addr := a.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	return NewClient(addr, a.HTTPClient)
}

func (a *App) out() io.Writer {
	if a.Out == nil {
		return os.Stdout
	}
	return a.Out
}

func (a *App) errOut() io.Writer {
	if a.Err == nil {
		return os.Stderr
	}
	return a.Err
}

func (a *App) fail(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(a.errOut(), "Error: "+format+"\n", args...)
	return subcommands.ExitFailure
}

func (a *App) usage(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(a.errOut(), "Error: "+format+"\n", args...)
	return subcommands.ExitUsageError
}
