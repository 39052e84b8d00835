// Package compose renders per-recipient messages from templates.
package compose

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrTemplateNotFound     = errors.New("template not found")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrUnknownShape         = errors.New("unknown message shape")
)

// FieldError names the placeholder that had no value.
type FieldError struct {
	TemplateID string
	Field      string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("template %s: missing required field %q", e.TemplateID, e.Field)
}

func (e *FieldError) Unwrap() error { return ErrMissingRequiredField }

// Message shapes
const (
	ShapeText    = "text"
	ShapeButtons = "buttons"
	ShapeImage   = "image"
)

// Button is a channel-native action. Exactly one of URL or Data is set.
type Button struct {
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
	Data  string `json:"data,omitempty"`
}

// Message is a rendered, channel-neutral message.
type Message struct {
	Shape    string   `json:"shape"`
	Text     string   `json:"text"`
	Link     string   `json:"link,omitempty"`
	Buttons  []Button `json:"buttons,omitempty"`
	ImageURL string   `json:"imageUrl,omitempty"`
}

// Template is a stored message layout. Body, ImageURL, button labels and
// button URLs may contain {{name}} (required) or {{name?}} (optional).
type Template struct {
	ID       string
	Kind     string
	Body     string
	ImageURL string
	Buttons  []Button
}

// Recipient carries per-guest values.
type Recipient struct {
	ID   string
	Name string
}

// Event carries per-event values.
type Event struct {
	Name         string
	StartsAt     time.Time
	Venue        string
	RSVPDeadline *time.Time
}

type Composer struct {
	templates       map[string]Template
	responseBaseURL string
	location        *time.Location
}

// New builds a composer over a template catalog. Response links are
// responseBaseURL + "/rsvp/{recipient id}".
func New(templates []Template, responseBaseURL string, loc *time.Location) *Composer {
	if loc == nil {
		loc = time.UTC
	}
	m := make(map[string]Template, len(templates))
	for _, t := range templates {
		m[t.ID] = t
	}
	return &Composer{
		templates:       m,
		responseBaseURL: strings.TrimRight(responseBaseURL, "/"),
		location:        loc,
	}
}

// Has reports whether templateID is in the catalog.
func (c *Composer) Has(templateID string) bool {
	_, ok := c.templates[templateID]
	return ok
}

// Supports checks, before any recipient is known, that templateID can be
// rendered in shape with the given overrides. Image sources never come from
// guest or event data, so an image that only overrides could fill but that
// none do fails here instead of once per recipient.
func (c *Composer) Supports(templateID, shape string, overrides map[string]string) error {
	tmpl, ok := c.templates[templateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}

	switch shape {
	case "", ShapeText, ShapeButtons:
		return nil
	case ShapeImage:
		img := tmpl.ImageURL
		if v := overrides["image_url"]; v != "" {
			img = v
		}
		r := renderer{templateID: templateID, vars: overrides}
		if r.fill(img) == "" {
			return &FieldError{TemplateID: templateID, Field: "image_url"}
		}
		return r.err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownShape, shape)
	}
}

var placeholder = regexp.MustCompile(`\{\{\s*([a-z_][a-z0-9_]*)(\?)?\s*\}\}`)

// Compose renders templateID for one recipient. It performs no I/O.
func (c *Composer) Compose(templateID, shape string, rcpt Recipient, ev Event, overrides map[string]string) (*Message, error) {
	tmpl, ok := c.templates[templateID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	if shape == "" {
		shape = ShapeText
	}

	vars := c.variables(rcpt, ev)
	for k, v := range overrides {
		vars[k] = v
	}

	r := renderer{templateID: templateID, vars: vars}
	msg := &Message{Shape: shape, Text: r.fill(tmpl.Body)}

	switch shape {
	case ShapeText:
		msg.Link = vars["response_link"]
	case ShapeButtons:
		buttons := tmpl.Buttons
		if len(buttons) == 0 {
			buttons = defaultButtons
		}
		for _, b := range buttons {
			btn := Button{
				Label: r.fill(b.Label),
				URL:   r.fill(b.URL),
				Data:  r.fill(b.Data),
			}
			// An optional URL that rendered empty drops the button.
			if btn.URL == "" && btn.Data == "" {
				continue
			}
			msg.Buttons = append(msg.Buttons, btn)
		}
	case ShapeImage:
		img := tmpl.ImageURL
		if v := overrides["image_url"]; v != "" {
			img = v
		}
		msg.ImageURL = r.fill(img)
		msg.Link = vars["response_link"]
		if msg.ImageURL == "" && r.err == nil {
			r.err = &FieldError{TemplateID: templateID, Field: "image_url"}
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownShape, shape)
	}

	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

func (c *Composer) variables(rcpt Recipient, ev Event) map[string]string {
	vars := map[string]string{
		"guest_name": rcpt.Name,
		"event_name": ev.Name,
		"venue":      ev.Venue,
	}
	if !ev.StartsAt.IsZero() {
		local := ev.StartsAt.In(c.location)
		vars["event_date"] = local.Format("Monday, January 2, 2006")
		vars["event_time"] = local.Format("3:04 PM")
	}
	if ev.Venue != "" {
		vars["venue_suffix"] = ", " + ev.Venue
	}
	if ev.RSVPDeadline != nil {
		vars["rsvp_deadline"] = ev.RSVPDeadline.In(c.location).Format("January 2, 2006")
		vars["rsvp_deadline_suffix"] = " by " + vars["rsvp_deadline"]
	}
	if c.responseBaseURL != "" && rcpt.ID != "" {
		vars["response_link"] = c.responseBaseURL + "/rsvp/" + rcpt.ID
	}
	return vars
}

// renderer keeps the first missing-field error across several fills.
type renderer struct {
	templateID string
	vars       map[string]string
	err        error
}

func (r *renderer) fill(s string) string {
	if s == "" {
		return ""
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		name, optional := parts[1], parts[2] == "?"
		v := r.vars[name]
		if v == "" && !optional && r.err == nil {
			r.err = &FieldError{TemplateID: r.templateID, Field: name}
		}
		return v
	})
}
