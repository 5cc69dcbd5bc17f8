package delivery

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Attachment is a file sent alongside a delivery.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Delivery is a scheduled report email. It is removed from the queue after
// one send attempt, successful or not.
type Delivery struct {
	ID          string       `json:"id"`
	UID         string       `json:"uid"`
	DueAt       time.Time    `json:"due_at"`
	Title       string       `json:"title"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Recipients  []string     `json:"recipients"`
	CreatedAt   time.Time    `json:"created_at"`
}

// New builds a delivery with a fresh id.
func New(uid string, due time.Time, title, body string, recipients []string, attachments []Attachment) (*Delivery, error) {
	d := &Delivery{
		ID:          ulid.Make().String(),
		UID:         strings.TrimSpace(uid),
		DueAt:       due.UTC(),
		Title:       strings.TrimSpace(title),
		Body:        body,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	}
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			d.Recipients = append(d.Recipients, r)
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks the fields a sender depends on.
func (d *Delivery) Validate() error {
	if d == nil {
		return fmt.Errorf("delivery is nil")
	}
	if d.ID == "" {
		return fmt.Errorf("delivery id is required")
	}
	if d.UID == "" {
		return fmt.Errorf("delivery uid is required")
	}
	if d.DueAt.IsZero() {
		return fmt.Errorf("delivery due time is required")
	}
	if len(d.Recipients) == 0 {
		return fmt.Errorf("delivery needs at least one recipient")
	}
	for _, r := range d.Recipients {
		if _, err := mail.ParseAddress(r); err != nil {
			return fmt.Errorf("invalid recipient %q: %w", r, err)
		}
	}
	for _, a := range d.Attachments {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("attachment name is required")
		}
	}
	return nil
}

// Subject is the email subject line for the delivery.
func (d *Delivery) Subject() string {
	if d.Title == "" {
		return "Insights Report"
	}
	return d.Title
}
