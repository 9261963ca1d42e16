// Package model holds the orchestrator's domain records and their
// lifecycle rules.
package model

import (
	"fmt"
	"strings"
	"time"
)

type AccountStatus string

const (
	AccountActive       AccountStatus = "active"
	AccountInactive     AccountStatus = "inactive"
	AccountBanned       AccountStatus = "banned"
	AccountFloodLimited AccountStatus = "flood_limited"
)

type ProxyConfig struct {
	URL string `json:"url,omitempty"` // socks5:// or http(s)://
}

// Account is one Telegram identity.
type Account struct {
	ID           string        `json:"id"`
	Phone        string        `json:"phone"`
	Status       AccountStatus `json:"status"`
	DailyLimit   int           `json:"daily_message_limit"`
	SentToday    int           `json:"messages_sent_today"`
	SentDay      string        `json:"sent_day,omitempty"` // YYYY-MM-DD the counter belongs to
	FloodUntil   time.Time     `json:"flood_until,omitempty"`
	Proxy        ProxyConfig   `json:"proxy"`
	LastActiveAt time.Time     `json:"last_active_at,omitempty"`
	Connected    bool          `json:"connected"`
}

// Sendable reports whether the account may be assigned new work at now,
// ignoring daily quota.
func (a Account) Sendable(now time.Time) bool {
	switch a.Status {
	case AccountActive:
		return true
	case AccountFloodLimited:
		return !now.Before(a.FloodUntil)
	default:
		return false
	}
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

var campaignRank = map[CampaignStatus]int{
	CampaignDraft:     0,
	CampaignActive:    1,
	CampaignPaused:    1,
	CampaignCompleted: 2,
	CampaignFailed:    2,
}

// CanTransition reports whether from -> to is allowed: forward only, with the
// single exception of active <-> paused.
func (from CampaignStatus) CanTransition(to CampaignStatus) bool {
	if from == to {
		return false
	}
	if (from == CampaignActive && to == CampaignPaused) || (from == CampaignPaused && to == CampaignActive) {
		return true
	}
	fr, ok1 := campaignRank[from]
	tr, ok2 := campaignRank[to]
	if !ok1 || !ok2 {
		return false
	}
	if from == CampaignDraft && to != CampaignActive {
		// A draft can only be activated (or abandoned as failed).
		return to == CampaignFailed
	}
	return tr > fr
}

// ScheduleConfig bounds when and how fast a campaign sends.
type ScheduleConfig struct {
	StartAt time.Time `json:"start_at,omitempty"`
	EndAt   time.Time `json:"end_at,omitempty"`
	// Daily window in the pacing timezone, "HH:MM". Empty means all day.
	WindowStart     string `json:"window_start,omitempty"`
	WindowEnd       string `json:"window_end,omitempty"`
	MessagesPerHour int    `json:"messages_per_hour,omitempty"`
}

// GroupFilter selects a campaign's target leads.
type GroupFilter struct {
	GroupIDs     []string `json:"group_ids,omitempty"`
	LeadStatuses []string `json:"lead_statuses,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

type Campaign struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      CampaignStatus `json:"status"`
	Schedule    ScheduleConfig `json:"schedule"`
	Filter      GroupFilter    `json:"group_filter"`
	AccountIDs  []string       `json:"assigned_accounts"`
	TemplateID  string         `json:"template_id"`
	FailedSince time.Time      `json:"failed_since,omitempty"` // first NoEligibleAccounts in the current streak
	UpdatedAt   time.Time      `json:"updated_at,omitempty"`
}

// Transition moves the campaign to status to, enforcing lifecycle rules.
func (c *Campaign) Transition(to CampaignStatus) error {
	if !c.Status.CanTransition(to) {
		return fmt.Errorf("campaign %s: %s -> %s: %w", c.ID, c.Status, to, ErrInvalidTransition)
	}
	if to == CampaignActive && len(c.AccountIDs) == 0 {
		return fmt.Errorf("campaign %s: %w", c.ID, ErrNoAssignedAccounts)
	}
	c.Status = to
	return nil
}

type SequenceStatus string

const (
	SequenceDraft  SequenceStatus = "draft"
	SequenceActive SequenceStatus = "active"
	SequencePaused SequenceStatus = "paused"
)

type Step struct {
	Wait       time.Duration `json:"wait"`
	TemplateID string        `json:"template_id"`
}

type Sequence struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Trigger    string         `json:"trigger"` // "manual" or "event:<name>"
	Steps      []Step         `json:"steps"`
	AccountIDs []string       `json:"assigned_accounts"`
	Status     SequenceStatus `json:"status"`
}

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

// Enrollment is a lead's position inside a sequence.
type Enrollment struct {
	LeadID     string           `json:"lead_id"`
	SequenceID string           `json:"sequence_id"`
	Step       int              `json:"step"`
	Status     EnrollmentStatus `json:"status"`
	NextAt     time.Time        `json:"next_at,omitempty"`
	AccountID  string           `json:"account_id,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at,omitempty"`
}

// Lead statuses that end all outreach.
const (
	LeadNew          = "new"
	LeadContacted    = "contacted"
	LeadReplied      = "replied"
	LeadConverted    = "converted"
	LeadLost         = "lost"
	LeadDoNotContact = "do_not_contact"
	LeadBlocked      = "blocked"
)

// IsTerminalLeadStatus reports whether no further messages may be sent.
func IsTerminalLeadStatus(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LeadConverted, LeadLost, LeadDoNotContact, LeadBlocked:
		return true
	}
	return false
}

type Lead struct {
	ID            string            `json:"id"`
	TgUserID      int64             `json:"tg_user_id"`
	Username      string            `json:"username,omitempty"`
	FirstName     string            `json:"first_name,omitempty"`
	LastName      string            `json:"last_name,omitempty"`
	Status        string            `json:"status"`
	GroupID       string            `json:"group_id,omitempty"`
	Source        string            `json:"source,omitempty"`
	AccountID     string            `json:"account_id,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Fields        map[string]string `json:"custom_fields,omitempty"`
	LastContactAt time.Time         `json:"last_contact_at,omitempty"`
	SentCount     int               `json:"sent_count"`
}

// Vars returns the template variables for this lead. Custom fields win over
// built-ins of the same name.
func (l Lead) Vars() map[string]string {
	vars := map[string]string{
		"tg_user_id": fmt.Sprint(l.TgUserID),
	}
	if l.Username != "" {
		vars["username"] = l.Username
	}
	if l.FirstName != "" {
		vars["first_name"] = l.FirstName
	}
	if l.LastName != "" {
		vars["last_name"] = l.LastName
	}
	for k, v := range l.Fields {
		vars[k] = v
	}
	return vars
}

type Template struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Body string `json:"body"`
}

type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

type Delivery string

const (
	DeliverySent     Delivery = "sent"
	DeliveryFailed   Delivery = "failed"
	DeliveryReceived Delivery = "received"
)

// Message is an append-only send/receive record. Only Delivery and Error may
// change after insertion.
type Message struct {
	ID         string    `json:"id"`
	LeadID     string    `json:"lead_id"`
	AccountID  string    `json:"account_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	SequenceID string    `json:"sequence_id,omitempty"`
	Step       int       `json:"step"`
	Direction  Direction `json:"direction"`
	Content    string    `json:"content"`
	MediaRef   string    `json:"media_ref,omitempty"`
	Delivery   Delivery  `json:"delivery"`
	Error      string    `json:"error,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
