package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate key")
	ErrClosed    = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values: "memory" (default), "sqlite", "postgres".
type Config struct {
	Driver      string
	Path        string        // sqlite file
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only
}

// Store is the persistence API the orchestrator consumes.
type Store interface {
	GetAccount(ctx context.Context, id string) (model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	UpsertAccount(ctx context.Context, a model.Account) error
	UpdateAccountStatus(ctx context.Context, id string, status model.AccountStatus, floodUntil time.Time) error

	GetCampaign(ctx context.Context, id string) (model.Campaign, error)
	ListCampaigns(ctx context.Context, statuses ...model.CampaignStatus) ([]model.Campaign, error)
	UpsertCampaign(ctx context.Context, c model.Campaign) error

	GetSequence(ctx context.Context, id string) (model.Sequence, error)
	UpsertSequence(ctx context.Context, s model.Sequence) error

	// ActiveEnrollment returns the lead's active enrollment, if any.
	ActiveEnrollment(ctx context.Context, leadID string) (model.Enrollment, bool, error)
	GetEnrollment(ctx context.Context, leadID, sequenceID string) (model.Enrollment, error)
	UpsertEnrollment(ctx context.Context, e model.Enrollment) error
	ListEnrollments(ctx context.Context, status model.EnrollmentStatus) ([]model.Enrollment, error)

	GetLead(ctx context.Context, id string) (model.Lead, error)
	GetLeadByTgUser(ctx context.Context, tgUserID int64) (model.Lead, error)
	FindLeads(ctx context.Context, f model.GroupFilter) ([]model.Lead, error)
	// UpsertLead fails with ErrDuplicate when another lead owns the tg_user_id.
	UpsertLead(ctx context.Context, l model.Lead) error

	GetTemplate(ctx context.Context, id string) (model.Template, error)
	UpsertTemplate(ctx context.Context, t model.Template) error

	GetMessage(ctx context.Context, id string) (model.Message, error)
	AppendMessage(ctx context.Context, m model.Message) error
	UpdateDelivery(ctx context.Context, id string, d model.Delivery, errText string) error
	ListMessages(ctx context.Context, leadID string) ([]model.Message, error)
	// HasCampaignMessage reports whether the campaign already sent to the
	// lead or failed to permanently. Either way the lead is not queued again.
	HasCampaignMessage(ctx context.Context, campaignID, leadID string) (bool, error)
	CountCampaignMessages(ctx context.Context, campaignID string) (int, error)

	// RecordOutbound atomically inserts a sent message, bumps the lead's send
	// bookkeeping and the account's daily counter for day.
	RecordOutbound(ctx context.Context, m model.Message, day string) error
	// ResetDailyCounters zeroes counters that belong to a day other than day.
	ResetDailyCounters(ctx context.Context, day string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, model.ErrNotFound)
}

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, ErrDuplicate) || errors.Is(err, model.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, model.ErrPersistence, err)
}

// matchFilter applies the parts of f a backend did not push down.
func matchFilter(l model.Lead, f model.GroupFilter) bool {
	if len(f.GroupIDs) > 0 && !contains(f.GroupIDs, l.GroupID) {
		return false
	}
	if len(f.LeadStatuses) > 0 && !contains(f.LeadStatuses, l.Status) {
		return false
	}
	if len(f.Tags) > 0 {
		hit := false
		for _, t := range f.Tags {
			if contains(l.Tags, t) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
