// Package render turns a notification and an optional stored template into
// channel content.
package render

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"maps"
	texttemplate "text/template"

	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/domain/template"
)

var ErrTemplateNotFound = errors.New("template not found")

// Error is a failed render. It is never worth retrying.
type Error struct {
	Template string
	Err      error
}

func (e *Error) Error() string {
	if e.Template == "" {
		return fmt.Sprintf("render inline content: %v", e.Err)
	}
	return fmt.Sprintf("render template %q: %v", e.Template, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Select picks the active template whose affinity matches the channel type,
// falling back to one without affinity. Earlier entries win ties.
func Select(templates []*template.Template, ct channel.Type) (*template.Template, error) {
	var generic *template.Template
	for _, t := range templates {
		if t == nil || !t.Active {
			continue
		}
		if t.ChannelType == ct {
			return t, nil
		}
		if t.ChannelType == "" && generic == nil {
			generic = t
		}
	}
	if generic == nil {
		return nil, ErrTemplateNotFound
	}
	return generic, nil
}

// Vars is the data a template sees: the notification vars plus title.
// Render replaces title with the rendered subject for the body.
func Vars(n *notification.Notification) map[string]any {
	out := make(map[string]any, len(n.Vars)+1)
	maps.Copy(out, n.Vars)
	if _, ok := out["title"]; !ok {
		out["title"] = n.Title
	}
	return out
}

// Render produces content for one channel type. Email renders HTML with
// escaping; everything else renders plain text. A nil template renders the
// notification's inline title and body.
func Render(tmpl *template.Template, n *notification.Notification, ct channel.Type) (channel.Content, error) {
	subject, body, name := n.Title, n.Body, ""
	if tmpl != nil {
		subject, body, name = tmpl.Subject, tmpl.Body, tmpl.Name
		if subject == "" {
			subject = n.Title
		}
	}
	vars := Vars(n)

	renderedSubject, err := execText(name+".subject", subject, vars)
	if err != nil {
		return channel.Content{}, &Error{Template: name, Err: err}
	}
	if _, ok := n.Vars["title"]; !ok {
		vars["title"] = renderedSubject
	}

	if ct == channel.TypeEmail {
		renderedBody, err := execHTML(name+".body", body, vars)
		if err != nil {
			return channel.Content{}, &Error{Template: name, Err: err}
		}
		return channel.Content{Subject: renderedSubject, Body: renderedBody, Format: channel.FormatHTML}, nil
	}

	renderedBody, err := execText(name+".body", body, vars)
	if err != nil {
		return channel.Content{}, &Error{Template: name, Err: err}
	}
	return channel.Content{Subject: renderedSubject, Body: renderedBody, Format: channel.FormatText}, nil
}

func execText(name, src string, vars map[string]any) (string, error) {
	t, err := texttemplate.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func execHTML(name, src string, vars map[string]any) (string, error) {
	t, err := htmltemplate.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
