package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/iago/inbox-triage-back/internal/domain"
)

// emailRow is the column layout shared by the SQL backends. Todos and
// events are stored as JSON documents.
type emailRow struct {
	Position   int       `db:"position"`
	ID         string    `db:"id"`
	MessageID  string    `db:"message_id"`
	FromAddr   string    `db:"from_addr"`
	Subject    string    `db:"subject"`
	ReceivedAt time.Time `db:"received_at"`
	Preview    string    `db:"preview"`
	BodyHTML   string    `db:"body_html"`
	Summary    string    `db:"summary"`
	Category   string    `db:"category"`
	Todos      []byte    `db:"todos"`
	Events     []byte    `db:"events"`
}

func newEmailRow(position int, email domain.ProcessedEmail) (emailRow, error) {
	email = cloneEmail(email)
	todos, err := json.Marshal(email.Todos)
	if err != nil {
		return emailRow{}, fmt.Errorf("encode todos for %s: %w", email.ID, err)
	}
	events, err := json.Marshal(email.Events)
	if err != nil {
		return emailRow{}, fmt.Errorf("encode events for %s: %w", email.ID, err)
	}
	return emailRow{
		Position:   position,
		ID:         email.ID,
		MessageID:  email.MessageID,
		FromAddr:   email.From,
		Subject:    email.Subject,
		ReceivedAt: email.Date,
		Preview:    email.Preview,
		BodyHTML:   email.BodyHTML,
		Summary:    email.Summary,
		Category:   email.Category,
		Todos:      todos,
		Events:     events,
	}, nil
}

func (row emailRow) toDomain() (domain.ProcessedEmail, error) {
	email := domain.ProcessedEmail{
		ID:        row.ID,
		MessageID: row.MessageID,
		From:      row.FromAddr,
		Subject:   row.Subject,
		Date:      row.ReceivedAt,
		Preview:   row.Preview,
		BodyHTML:  row.BodyHTML,
		Summary:   row.Summary,
		Category:  row.Category,
	}
	if len(row.Todos) > 0 {
		if err := json.Unmarshal(row.Todos, &email.Todos); err != nil {
			return domain.ProcessedEmail{}, fmt.Errorf("decode todos for %s: %w", row.ID, err)
		}
	}
	if len(row.Events) > 0 {
		if err := json.Unmarshal(row.Events, &email.Events); err != nil {
			return domain.ProcessedEmail{}, fmt.Errorf("decode events for %s: %w", row.ID, err)
		}
	}
	return cloneEmail(email), nil
}
