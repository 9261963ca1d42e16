package eventbus

import "time"

// Event is one broadcast signal. Data must be JSON-serializable.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Outbound event types.
const (
	TypeSendSucceeded         = "send_succeeded"
	TypeSendFailed            = "send_failed"
	TypeAccountStatusChanged  = "account_status_changed"
	TypeCampaignProgress      = "campaign_progress"
	TypeCampaignStatusChanged = "campaign_status_changed"
	TypeMessageReceived       = "message_received"
	TypeCommandResult         = "command_result"
)

type SendSucceeded struct {
	LeadID    string `json:"lead_id"`
	AccountID string `json:"account_id"`
	MessageID string `json:"message_id"`
}

type SendFailed struct {
	LeadID    string `json:"lead_id"`
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
	MessageID string `json:"message_id,omitempty"`
}

type AccountStatusChanged struct {
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
}

type CampaignProgress struct {
	CampaignID string `json:"campaign_id"`
	Sent       int    `json:"sent"`
	Remaining  int    `json:"remaining"`
}

type CampaignStatusChanged struct {
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
}

type MessageReceived struct {
	LeadID    string `json:"lead_id"`
	AccountID string `json:"account_id"`
	MessageID string `json:"message_id"`
}

type CommandResult struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
