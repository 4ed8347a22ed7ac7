package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/aristath/conductor/internal/escalation"
	"github.com/aristath/conductor/internal/gate"
	"github.com/aristath/conductor/internal/scheduler"
)

var (
	heading = color.New(color.Bold)
	good    = color.New(color.FgGreen)
	warn    = color.New(color.FgYellow)
	bad     = color.New(color.FgRed)
	faint   = color.New(color.Faint)
)

func taskColor(s scheduler.Status) *color.Color {
	switch s {
	case scheduler.StatusCompleted:
		return good
	case scheduler.StatusFailed:
		return bad
	case scheduler.StatusRunning:
		return warn
	default:
		return faint
	}
}

func gateColor(s gate.Status) *color.Color {
	switch s {
	case gate.StatusPassed:
		return good
	case gate.StatusFailed:
		return bad
	default:
		return warn
	}
}

func printTasks(w io.Writer, tasks []*scheduler.Task) {
	heading.Fprintln(w, "Tasks")
	for _, t := range tasks {
		fmt.Fprintf(w, "  %s %-32s %-26s %-4s %s\n",
			taskColor(t.Status).Sprintf("%-10s", t.Status), t.ID, t.Role, t.Team, t.Title)
		if t.Failure != nil {
			fmt.Fprintf(w, "             %s\n", bad.Sprint(t.Failure.Reason))
		}
	}
}

func printGates(w io.Writer, gates []*gate.Gate) {
	if len(gates) == 0 {
		return
	}
	heading.Fprintln(w, "Gates")
	for _, g := range gates {
		fmt.Fprintf(w, "  %s %-20s %-16s round %d  %s\n",
			gateColor(g.Status).Sprintf("%-8s", g.Status), g.ID, g.Checkpoint, g.Round, strings.Join(g.Required, ", "))
		if g.Override != nil {
			fmt.Fprintf(w, "           overridden by %s: %s\n", g.Override.Actor, g.Override.Reason)
		}
	}
}

func printTickets(w io.Writer, tickets []escalation.Ticket) {
	if len(tickets) == 0 {
		return
	}
	heading.Fprintln(w, "Escalations")
	for _, t := range tickets {
		state := warn.Sprint("open")
		if t.Resolved {
			state = good.Sprint("resolved")
		}
		fmt.Fprintf(w, "  %-8s %s %s %s -> %s: %s\n", state, t.ID, t.Level, t.Anchor, t.Owner, t.Reason)
	}
}
