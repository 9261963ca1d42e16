// Package transport defines the account-level messaging capability the
// session pool drives. Concrete clients live in subpackages.
package transport

import (
	"context"
	"time"

	"outreach/internal/model"
)

// Peer addresses a lead on the wire.
type Peer struct {
	UserID   int64
	Username string
}

func PeerOf(l model.Lead) Peer {
	return Peer{UserID: l.TgUserID, Username: l.Username}
}

// Inbound is a text message received by one account.
type Inbound struct {
	AccountID    string
	FromID       int64
	FromUsername string
	ChatID       int64
	MessageID    int
	Text         string
	At           time.Time
}

// Sent describes an accepted outbound message.
type Sent struct {
	ExternalID string
	At         time.Time
}

// Client is one live account connection.
//
// SendText errors are classified with the model taxonomy: a
// *model.FloodWaitError for rate limits, model.ErrAccountBanned when the
// account lost access, model.ErrPeerBlocked when the lead refuses messages
// and model.ErrTransient for network trouble. Anything else is permanent.
type Client interface {
	Start(ctx context.Context, out chan<- Inbound) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, to Peer, text string) (Sent, error)
}

// Dialer creates the client for an account.
type Dialer interface {
	Dial(ctx context.Context, acc model.Account) (Client, error)
}

type DialerFunc func(ctx context.Context, acc model.Account) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, acc model.Account) (Client, error) { return f(ctx, acc) }
