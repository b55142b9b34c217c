package kestrel

import (
	"context"
	"sort"
	"strings"
)

// Command handles one SMTP verb. Execute writes its own reply through the
// session. A returned *RejectError is written by the session and the loop
// continues; any other error ends the session.
type Command interface {
	Name() string
	Help() HelpMessage
	Execute(ctx context.Context, args string, s *Session) error
}

// HelpMessage is the HELP text for one verb.
type HelpMessage struct {
	Verb string
	Args string
	Text string
}

func (h HelpMessage) lines() []string {
	syntax := h.Verb
	if h.Args != "" {
		syntax += " " + h.Args
	}
	return []string{syntax, "    " + h.Text, "End of " + h.Verb + " info"}
}

// CommandRegistry maps uppercase verbs to commands. It is built once by
// NewServer and shared read-only by every session.
type CommandRegistry struct {
	commands map[string]Command
}

func newCommandRegistry(cmds ...Command) *CommandRegistry {
	r := &CommandRegistry{commands: make(map[string]Command, len(cmds))}
	for _, c := range cmds {
		r.commands[strings.ToUpper(c.Name())] = c
	}
	return r
}

// Lookup finds the command for verb, case-insensitively.
func (r *CommandRegistry) Lookup(verb string) (Command, bool) {
	c, ok := r.commands[strings.ToUpper(verb)]
	return c, ok
}

// Verbs lists registered verbs in sorted order.
func (r *CommandRegistry) Verbs() []string {
	verbs := make([]string, 0, len(r.commands))
	for v := range r.commands {
		verbs = append(verbs, v)
	}
	sort.Strings(verbs)
	return verbs
}

// parseCommand splits a command line into an uppercase verb and trimmed
// arguments. The verb ends at the first space or tab.
func parseCommand(line string) (verb, args string) {
	line = strings.TrimLeft(line, " \t")
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
	}
	return strings.ToUpper(line), ""
}
