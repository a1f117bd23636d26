package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"parloir/internal/core"
)

// Console is the interactive operator surface read from stdin. Every
// moderation and inspection command of the broker is reachable from here;
// the loop returns when the operator types shutdown or the input closes.
type Console struct {
	reg *core.Registry
	in  io.Reader
	out io.Writer

	ok   *color.Color
	warn *color.Color
	fail *color.Color
}

// NewConsole builds a console over the given streams. Tests drive it with a
// strings.Reader and a bytes.Buffer.
func NewConsole(reg *core.Registry, in io.Reader, out io.Writer) *Console {
	return &Console{
		reg:  reg,
		in:   in,
		out:  out,
		ok:   color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		fail: color.New(color.FgRed),
	}
}

const consoleHelp = `commands:
  help                                     show this help
  users                                    list accounts and last-seen addresses
  rooms                                    list public rooms
  add room <name>[,<name>...]              create public rooms
  pending rooms <user>                     list a user's pending room requests
  accept pending <user> <room>[,...]|all   approve pending room requests
  messages <duration>                      show message history for the window
  kick [ip] <target> <duration> <reason>   kick a user or address until expiry
  unkick [ip] <target>                     lift a kick early
  ban [ip] <target> <reason>               ban a user or address permanently
  unban [ip] <target>                      lift a ban
  kill <user> <reason>                     drop a live session without sanction
  shutdown                                 stop the server
durations: <n>s|m|h|d|y  (e.g. 30s, 15m, 2h, 7d, 1y)`

// Run reads commands until shutdown or EOF.
func (c *Console) Run() {
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "shutdown" {
			c.ok.Fprintln(c.out, "shutting down")
			return
		}
		c.exec(line)
	}
}

func (c *Console) exec(line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	case "users":
		c.cmdUsers()
	case "rooms":
		c.cmdRooms()
	case "add":
		if len(fields) >= 3 && fields[1] == "room" {
			c.cmdAddRooms(strings.Join(fields[2:], " "))
			return
		}
		c.usage("add room <name>[,<name>...]")
	case "pending":
		if len(fields) == 3 && fields[1] == "rooms" {
			c.cmdPendingRooms(fields[2])
			return
		}
		c.usage("pending rooms <user>")
	case "accept":
		if len(fields) == 4 && fields[1] == "pending" {
			c.cmdAcceptPending(fields[2], fields[3])
			return
		}
		c.usage("accept pending <user> <room>[,<room>...]|all")
	case "messages":
		if len(fields) == 2 {
			c.cmdMessages(fields[1])
			return
		}
		c.usage("messages <duration>")
	case "kick":
		c.cmdKick(fields[1:])
	case "unkick":
		c.cmdUnkick(fields[1:])
	case "ban":
		c.cmdBan(fields[1:])
	case "unban":
		c.cmdUnban(fields[1:])
	case "kill":
		if len(fields) >= 3 {
			c.cmdKill(fields[1], strings.Join(fields[2:], " "))
			return
		}
		c.usage("kill <user> <reason>")
	default:
		c.fail.Fprintf(c.out, "unknown command %q, try help\n", fields[0])
	}
}

func (c *Console) usage(u string) {
	c.warn.Fprintf(c.out, "usage: %s\n", u)
}

func (c *Console) cmdUsers() {
	users, err := c.reg.Store().Users()
	if err != nil {
		c.fail.Fprintf(c.out, "list users: %v\n", err)
		return
	}
	if len(users) == 0 {
		fmt.Fprintln(c.out, "no accounts")
		return
	}
	for _, u := range users {
		fmt.Fprintf(c.out, "  %s\t%s\n", u.Name, u.IP)
	}
}

func (c *Console) cmdRooms() {
	for _, r := range c.reg.Rooms() {
		fmt.Fprintf(c.out, "  %s\n", r)
	}
}

func (c *Console) cmdAddRooms(csv string) {
	for _, name := range splitCSV(csv) {
		if err := c.reg.AddRoom(name); err != nil {
			c.fail.Fprintf(c.out, "add room %s: %v\n", name, err)
			continue
		}
		c.ok.Fprintf(c.out, "room %s created\n", name)
	}
}

func (c *Console) cmdPendingRooms(user string) {
	pending, err := c.reg.Store().PendingRoomsFor(user)
	if err != nil {
		c.fail.Fprintf(c.out, "pending rooms for %s: %v\n", user, err)
		return
	}
	if len(pending) == 0 {
		fmt.Fprintf(c.out, "no pending rooms for %s\n", user)
		return
	}
	fmt.Fprintf(c.out, "  %s\n", strings.Join(pending, ", "))
}

func (c *Console) cmdAcceptPending(user, arg string) {
	var (
		approved []string
		err      error
	)
	if arg == "all" {
		approved, err = c.reg.AcceptPending(user, nil, true)
	} else {
		approved, err = c.reg.AcceptPending(user, splitCSV(arg), false)
	}
	if err != nil {
		c.fail.Fprintf(c.out, "accept pending for %s: %v\n", user, err)
		return
	}
	if len(approved) == 0 {
		c.warn.Fprintf(c.out, "nothing approved for %s\n", user)
		return
	}
	c.ok.Fprintf(c.out, "approved for %s: %s\n", user, strings.Join(approved, ", "))
}

func (c *Console) cmdMessages(arg string) {
	window, err := parseDuration(arg)
	if err != nil {
		c.fail.Fprintf(c.out, "%v\n", err)
		return
	}
	msgs, err := c.reg.Store().MessagesSince(time.Now().Add(-window))
	if err != nil {
		c.fail.Fprintf(c.out, "load messages: %v\n", err)
		return
	}
	if len(msgs) == 0 {
		fmt.Fprintln(c.out, "no messages in window")
		return
	}
	for _, m := range msgs {
		fmt.Fprintf(c.out, "  %s [%s] %s: %s\n",
			m.Date.Format("2006-01-02 15:04:05"), m.Room, m.User, m.Body)
	}
}

func (c *Console) cmdKick(args []string) {
	if len(args) >= 4 && args[0] == "ip" {
		window, err := parseDuration(args[2])
		if err != nil {
			c.fail.Fprintf(c.out, "%v\n", err)
			return
		}
		n, err := c.reg.KickIP(args[1], time.Now().Add(window), strings.Join(args[3:], " "))
		if err != nil {
			c.fail.Fprintf(c.out, "%v\n", err)
			return
		}
		c.ok.Fprintf(c.out, "kicked %d account(s) at %s for %s\n", n, args[1], args[2])
		return
	}
	if len(args) >= 3 {
		window, err := parseDuration(args[1])
		if err != nil {
			c.fail.Fprintf(c.out, "%v\n", err)
			return
		}
		if err := c.reg.KickUser(args[0], time.Now().Add(window), strings.Join(args[2:], " ")); err != nil {
			c.fail.Fprintf(c.out, "%v\n", err)
			return
		}
		c.ok.Fprintf(c.out, "kicked %s for %s\n", args[0], args[1])
		return
	}
	c.usage("kick [ip] <target> <duration> <reason>")
}

func (c *Console) cmdUnkick(args []string) {
	if len(args) == 2 && args[0] == "ip" {
		n, err := c.reg.UnkickIP(args[1])
		if err != nil {
			c.fail.Fprintf(c.out, "%v\n", err)
			return
		}
		c.ok.Fprintf(c.out, "unkicked %d account(s) at %s\n", n, args[1])
		return
	}
	if len(args) == 1 {
		if err := c.reg.UnkickUser(args[0]); err != nil {
			c.fail.Fprintf(c.out, "%v\n", err)
			return
		}
		c.ok.Fprintf(c.out, "unkicked %s\n", args[0])
		return
	}
	c.usage("unkick [ip] <target>")
}

func (c *Console) cmdBan(args []string) {
	if len(args) >= 3 && args[0] == "ip" {
		n, err := c.reg.BanIP(args[1], strings.Join(args[2:], " "))
		if err != nil {
			c.fail.Fprintf(c.out, "%v\n", err)
			return
		}
		c.ok.Fprintf(c.out, "banned %d account(s) at %s\n", n, args[1])
		return
	}
	if len(args) >= 2 {
		if err := c.reg.BanUser(args[0], strings.Join(args[1:], " ")); err != nil {
			c.fail.Fprintf(c.out, "%v\n", err)
			return
		}
		c.ok.Fprintf(c.out, "banned %s\n", args[0])
		return
	}
	c.usage("ban [ip] <target> <reason>")
}

func (c *Console) cmdUnban(args []string) {
	if len(args) == 2 && args[0] == "ip" {
		n, err := c.reg.UnbanIP(args[1])
		if err != nil {
			c.fail.Fprintf(c.out, "%v\n", err)
			return
		}
		c.ok.Fprintf(c.out, "unbanned %d account(s) at %s\n", n, args[1])
		return
	}
	if len(args) == 1 {
		if err := c.reg.UnbanUser(args[0]); err != nil {
			c.fail.Fprintf(c.out, "%v\n", err)
			return
		}
		c.ok.Fprintf(c.out, "unbanned %s\n", args[0])
		return
	}
	c.usage("unban [ip] <target>")
}

func (c *Console) cmdKill(user, reason string) {
	if err := c.reg.Kill(user, reason); err != nil {
		c.fail.Fprintf(c.out, "%v\n", err)
		return
	}
	c.ok.Fprintf(c.out, "killed session of %s\n", user)
}

// parseDuration decodes the console's compact duration grammar: an integer
// followed by one of s, m, h, d, y.
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q, want <n>s|m|h|d|y", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration %q, want <n>s|m|h|d|y", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'y':
		unit = 365 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid duration unit %q, want s|m|h|d|y", s[len(s)-1:])
	}
	return time.Duration(n) * unit, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
