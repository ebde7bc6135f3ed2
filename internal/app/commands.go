package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/petervdpas/huddle/internal/roster"
)

// command runs one line of user input on the loop.
func (c *client) command(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if !strings.HasPrefix(line, "/") {
		go func() {
			if _, err := c.composer.SendText(c.ctx, line); err != nil {
				c.notifyErr(err)
			}
		}()
		return
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(cmd) {
	case "image", "img":
		c.shareImage(arg)
	case "call":
		c.callByName(arg)
	case "hangup":
		switch {
		case !c.coord.Busy():
			c.term.Notify("no call to end")
		case c.coord.Pending():
			c.coord.Hangup()
			c.term.printf("~ call cancelled")
		default:
			c.coord.Hangup()
		}
	case "accept":
		if err := c.coord.Accept(); err != nil {
			c.term.Notify(err.Error())
		}
	case "who":
		c.term.who(c.roster.Entries(), c.status())
	case "help":
		c.term.printf("%s", helpText)
	case "quit", "exit":
		c.quit()
	default:
		c.term.Notify(fmt.Sprintf("unknown command /%s, try /help", cmd))
	}
}

func (c *client) shareImage(path string) {
	if path == "" {
		c.term.Notify("usage: /image <path>")
		return
	}
	go func() {
		data, err := os.ReadFile(path)
		if err != nil {
			c.notifyErr(err)
			return
		}
		if _, err := c.composer.SendImage(c.ctx, data); err != nil {
			c.notifyErr(err)
		}
	}()
}

// callByName invokes the call action bound to the named roster entry.
func (c *client) callByName(name string) {
	if name == "" {
		c.term.Notify("usage: /call <name>")
		return
	}
	e, ok := c.roster.FindByName(name)
	switch {
	case !ok:
		c.term.Notify(fmt.Sprintf("nobody online matches %q", name))
	case e.Self:
		c.term.Notify("you cannot call yourself")
	case e.Affordance == roster.EndCall:
		c.term.Notify(fmt.Sprintf("already in a call with %s, /hangup to end it", e.User.Name))
	case e.Affordance == roster.None:
		c.term.Notify(fmt.Sprintf("%s cannot take calls right now", e.User.Name))
	default:
		e.Action().Invoke()
	}
}
