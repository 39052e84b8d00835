package db

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/quota"
)

// ErrNotFound is returned when a row does not exist (or is soft-deleted).
var ErrNotFound = errors.New("not found")

// ErrCursorMoved means another invocation advanced the job first.
var ErrCursorMoved = errors.New("job cursor moved")

// BulkJob is one bulk send operation over a fixed recipient snapshot.
type BulkJob struct {
	ID               uuid.UUID         `json:"id"`
	AccountID        uuid.UUID         `json:"accountId"`
	EventID          uuid.UUID         `json:"eventId"`
	FlowID           *uuid.UUID        `json:"flowId,omitempty"`
	MessageKind      string            `json:"messageKind"`
	RequestedChannel string            `json:"requestedChannel"`
	Channel          string            `json:"channel"`
	TemplateID       string            `json:"templateId"`
	Shape            string            `json:"shape"`
	Overrides        map[string]string `json:"overrides,omitempty"`
	TotalRecipients  int               `json:"totalRecipients"`
	ProcessedCount   int               `json:"processedCount"`
	SuccessCount     int               `json:"successCount"`
	FailedCount      int               `json:"failedCount"`
	SkippedCount     int               `json:"skippedCount"`
	Status           string            `json:"status"`
	RecipientCursor  int               `json:"recipientCursor"`
	ErrorMessage     *string           `json:"errorMessage,omitempty"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Recipient is one entry of a job's snapshot, in dispatch order.
type Recipient struct {
	JobID    uuid.UUID `json:"jobId"`
	Position int       `json:"position"`
	GuestID  uuid.UUID `json:"guestId"`
	Name     string    `json:"name"`
	Phone    string    `json:"phone,omitempty"`
	ChatID   string    `json:"chatId,omitempty"`
}

// Address returns the deliverable address for channel, or "".
func (r Recipient) Address(channel string) string {
	switch channel {
	case ChannelChat:
		return r.ChatID
	case ChannelText:
		return r.Phone
	}
	return ""
}

// DeliveryLogEntry records the outcome for one recipient of one job.
type DeliveryLogEntry struct {
	ID                uuid.UUID `json:"id"`
	JobID             uuid.UUID `json:"jobId"`
	RecipientID       uuid.UUID `json:"recipientId"`
	Channel           string    `json:"channel"`
	Status            string    `json:"status"`
	ErrorKind         *string   `json:"errorKind,omitempty"`
	ProviderMessageID *string   `json:"providerMessageId,omitempty"`
	ProviderResponse  string    `json:"providerResponse,omitempty"`
	AttemptedAt       time.Time `json:"attemptedAt"`
}

// ChunkRecord is everything one Continue call persists atomically.
type ChunkRecord struct {
	JobID      uuid.UUID
	FromCursor int
	NewCursor  int
	Entries    []DeliveryLogEntry
	Success    int
	Failed     int
	Skipped    int
	Complete   bool
	Now        time.Time
	// Charge is applied only when the cursor guard passes.
	Charge *quota.Charge
}

// AutomationFlow is a persisted trigger → action rule.
type AutomationFlow struct {
	ID          uuid.UUID `json:"id"`
	AccountID   uuid.UUID `json:"accountId"`
	EventID     uuid.UUID `json:"eventId"`
	Name        string    `json:"name"`
	TriggerType string    `json:"triggerType"`
	OffsetHours int       `json:"offsetHours"`
	MessageKind string    `json:"messageKind"`
	Channel     string    `json:"channel"`
	Shape       string    `json:"shape"`
	TemplateID  string    `json:"templateId"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Account is the owner of events and quota. Soft-deleted accounts are
// reported as ErrNotFound.
type Account struct {
	ID       uuid.UUID `json:"id"`
	PlanTier string    `json:"planTier"`
	Email    string    `json:"email"`
}

type Event struct {
	ID           uuid.UUID  `json:"id"`
	AccountID    uuid.UUID  `json:"accountId"`
	Name         string     `json:"name"`
	StartsAt     time.Time  `json:"startsAt"`
	Venue        string     `json:"venue"`
	RSVPDeadline *time.Time `json:"rsvpDeadline,omitempty"`
}

type Guest struct {
	ID          uuid.UUID  `json:"id"`
	EventID     uuid.UUID  `json:"eventId"`
	Name        string     `json:"name"`
	Phone       string     `json:"phone,omitempty"`
	ChatID      string     `json:"chatId,omitempty"`
	RSVPStatus  string     `json:"rsvpStatus"`
	InvitedAt   *time.Time `json:"invitedAt,omitempty"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// RecipientFilter narrows an event's guest list. Empty fields match everything.
type RecipientFilter struct {
	RSVPStatuses []string    `json:"rsvpStatuses,omitempty"`
	GuestIDs     []uuid.UUID `json:"guestIds,omitempty"`
}

// Job statuses
const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusCancelled  = "CANCELLED"
	JobStatusFailed     = "FAILED"
)

// Delivery statuses
const (
	DeliverySent    = "SENT"
	DeliveryFailed  = "FAILED"
	DeliverySkipped = "SKIPPED"
)

// Channels
const (
	ChannelChat = "chat"
	ChannelText = "text"
	ChannelAuto = "auto"
)

// Message kinds
const (
	KindInvite   = "invite"
	KindReminder = "reminder"
	KindEventDay = "event-day"
	KindThankYou = "thank-you"
)

// Flow statuses
const (
	FlowStatusDraft    = "DRAFT"
	FlowStatusActive   = "ACTIVE"
	FlowStatusPaused   = "PAUSED"
	FlowStatusArchived = "ARCHIVED"
)

// RSVP statuses
const (
	RSVPPending   = "pending"
	RSVPAttending = "attending"
	RSVPDeclined  = "declined"
)
