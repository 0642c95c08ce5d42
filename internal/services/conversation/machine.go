// Package conversation drives multi-step bot dialogs. The Machine is a pure
// transition table; the Service persists sessions around it.
package conversation

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/NordCoder/Herald/internal/domain/conversation"
	"github.com/NordCoder/Herald/internal/domain/notification"
)

const (
	StateIdle                 = conversation.StateIdle
	StateAwaitingTitle        = "awaiting_title"
	StateAwaitingBody         = "awaiting_body"
	StateAwaitingConfirmation = "awaiting_confirmation"
)

// CategoryConversation tags notifications created from a dialog.
const CategoryConversation = "conversation"

const (
	msgUsage     = "Commands:\n/send_notification create a notification\n/cancel abort the current step\n/help show this message"
	msgTitle     = "Send the notification title."
	msgBody      = "Send the notification text."
	msgConfirm   = "Send this notification? Answer yes or no.\n\n%s\n%s"
	msgYesNo     = "Please answer yes or no."
	msgEmpty     = "The text cannot be empty."
	msgCancelled = "Cancelled."
	msgQueued    = "Notification queued."
)

// Outgoing is a message the transition asks to send back to the sender.
type Outgoing struct {
	Title    string
	Body     string
	Category string
	Priority notification.Priority
}

type Result struct {
	State         string
	Context       map[string]any
	Notifications []Outgoing
	Diagnostic    string
	// Handled is false when no transition matched and the input was a no-op.
	Handled bool
}

type input struct {
	state string
	ctx   map[string]any
	event conversation.Event
	now   time.Time
}

type handler func(in input) Result

type table struct {
	commands map[string]handler
	events   map[conversation.EventKind]handler
}

func (t table) lookup(ev conversation.Event) (handler, bool) {
	if ev.Kind == conversation.EventCommand {
		if h, ok := t.commands[commandName(ev.Command)]; ok {
			return h, true
		}
	}
	h, ok := t.events[ev.Kind]
	return h, ok
}

type Machine struct {
	states map[string]table
	// any is consulted when the current state has no matching entry.
	any table
}

// NewMachine returns the default bot flow.
func NewMachine() *Machine {
	return &Machine{
		states: map[string]table{
			StateIdle: {
				commands: map[string]handler{
					"send_notification": startCompose,
				},
			},
			StateAwaitingTitle: {
				events: map[conversation.EventKind]handler{
					conversation.EventMessage: takeTitle,
				},
			},
			StateAwaitingBody: {
				events: map[conversation.EventKind]handler{
					conversation.EventMessage: takeBody,
				},
			},
			StateAwaitingConfirmation: {
				events: map[conversation.EventKind]handler{
					conversation.EventMessage:  confirm,
					conversation.EventCallback: confirm,
				},
			},
		},
		any: table{
			commands: map[string]handler{
				"start":  start,
				"help":   help,
				"cancel": cancel,
			},
			events: map[conversation.EventKind]handler{
				conversation.EventCallback: ack,
			},
		},
	}
}

// Transition is a pure function of state, context and event. It never
// mutates ctx.
func (m *Machine) Transition(state string, ctx map[string]any, ev conversation.Event, now time.Time) Result {
	if state == "" {
		state = StateIdle
	}
	in := input{state: state, ctx: maps.Clone(ctx), event: ev, now: now}
	if in.ctx == nil {
		in.ctx = map[string]any{}
	}

	if h, ok := m.states[state].lookup(ev); ok {
		if res := h(in); res.Handled {
			return res
		}
	}
	if h, ok := m.any.lookup(ev); ok {
		if res := h(in); res.Handled {
			return res
		}
	}
	return noop(in)
}

func noop(in input) Result {
	return Result{
		State:      in.state,
		Context:    in.ctx,
		Diagnostic: fmt.Sprintf("no transition from %q on %s", in.state, describe(in.event)),
	}
}

func commandName(cmd string) string {
	cmd = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(cmd)), "/")
	// /cmd@botname
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd
}

func describe(ev conversation.Event) string {
	switch ev.Kind {
	case conversation.EventCommand:
		return "command /" + commandName(ev.Command)
	case conversation.EventCallback:
		return fmt.Sprintf("callback %q", ev.Data)
	}
	return string(ev.Kind)
}

func reply(text string) Outgoing {
	return Outgoing{Body: text, Category: CategoryConversation, Priority: notification.PriorityUrgent}
}

func to(state string, ctx map[string]any, out ...Outgoing) Result {
	return Result{State: state, Context: ctx, Notifications: out, Handled: true}
}

func start(in input) Result { return to(StateIdle, map[string]any{}, reply(msgUsage)) }

func help(in input) Result { return to(in.state, in.ctx, reply(msgUsage)) }

func cancel(in input) Result { return to(StateIdle, map[string]any{}, reply(msgCancelled)) }

func startCompose(in input) Result {
	return to(StateAwaitingTitle, map[string]any{}, reply(msgTitle))
}

func takeTitle(in input) Result {
	title := strings.TrimSpace(in.event.Text)
	if title == "" {
		return to(in.state, in.ctx, reply(msgEmpty))
	}
	in.ctx["title"] = title
	return to(StateAwaitingBody, in.ctx, reply(msgBody))
}

func takeBody(in input) Result {
	body := strings.TrimSpace(in.event.Text)
	if body == "" {
		return to(in.state, in.ctx, reply(msgEmpty))
	}
	in.ctx["body"] = body
	title, _ := in.ctx["title"].(string)
	return to(StateAwaitingConfirmation, in.ctx, reply(fmt.Sprintf(msgConfirm, title, body)))
}

func confirm(in input) Result {
	answer := in.event.Text
	if in.event.Kind == conversation.EventCallback {
		answer = in.event.Data
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "yes", "y", "confirm":
		title, _ := in.ctx["title"].(string)
		body, _ := in.ctx["body"].(string)
		created := Outgoing{
			Title:    title,
			Body:     body,
			Category: CategoryConversation,
			Priority: notification.PriorityUrgent,
		}
		return to(StateIdle, map[string]any{}, created, reply(msgQueued))
	case "no", "n", "cancel":
		return to(StateIdle, map[string]any{}, reply(msgCancelled))
	}
	if in.event.Kind == conversation.EventCallback {
		// let the ack handler see foreign callbacks
		return Result{}
	}
	return to(in.state, in.ctx, reply(msgYesNo))
}

// ack records "ack:<notification_id>" callbacks without changing state.
func ack(in input) Result {
	id, ok := strings.CutPrefix(in.event.Data, "ack:")
	if !ok || id == "" {
		return Result{}
	}
	in.ctx["last_ack"] = id
	in.ctx["last_ack_at"] = in.now.UTC().Format(time.RFC3339)
	return to(in.state, in.ctx)
}
