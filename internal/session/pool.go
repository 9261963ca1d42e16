// Package session owns the live account connections. Each account has at
// most one client, and a client is driven by at most one holder at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"outreach/internal/eventbus"
	"outreach/internal/metrics"
	"outreach/internal/model"
	rtsup "outreach/internal/runtime/supervisor"
	"outreach/internal/storage"
	"outreach/internal/transport"
	logx "outreach/pkg/logx"
)

type Config struct {
	SendTimeout   time.Duration
	InboundBuffer int
	// LeaseRefresh is how often held leases are extended.
	LeaseRefresh time.Duration
}

func (c Config) normalize() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 256
	}
	if c.LeaseRefresh <= 0 {
		c.LeaseRefresh = 10 * time.Second
	}
	return c
}

type Option func(*Pool)

func WithLease(l Lease) Option { return func(p *Pool) { p.lease = l } }

func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

// Handle is exclusive use of one account until Release.
type Handle struct {
	accountID string
	released  atomic.Bool
}

func (h *Handle) AccountID() string { return h.accountID }

// SendResult describes a message the transport accepted.
type SendResult struct {
	AccountID  string
	ExternalID string
	SentAt     time.Time
}

type entry struct {
	acc    model.Account
	client transport.Client
	held   bool
	leased bool
}

type Pool struct {
	cfg    Config
	log    logx.Logger
	dialer transport.Dialer
	store  storage.Store
	pub    eventbus.Publisher
	lease  Lease
	now    func() time.Time

	mu       sync.Mutex
	accounts map[string]*entry
	cfgMu    sync.RWMutex

	inbound chan transport.Inbound
	sup     *rtsup.Supervisor
}

func New(cfg Config, dialer transport.Dialer, store storage.Store, pub eventbus.Publisher, log logx.Logger, opts ...Option) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	if pub == nil {
		pub = eventbus.Nop{}
	}
	cfg = cfg.normalize()
	p := &Pool{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "session")),
		dialer:   dialer,
		store:    store,
		pub:      pub,
		now:      time.Now,
		accounts: map[string]*entry{},
		inbound:  make(chan transport.Inbound, cfg.InboundBuffer),
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	if p.lease == nil {
		p.lease = NewMemoryLease()
	}
	return p
}

// Apply swaps the tunables that are safe to change at runtime.
func (p *Pool) Apply(cfg Config) {
	cfg = cfg.normalize()
	p.cfgMu.Lock()
	p.cfg.SendTimeout = cfg.SendTimeout
	p.cfgMu.Unlock()
}

func (p *Pool) sendTimeout() time.Duration {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg.SendTimeout
}

// Load reads every account from storage. Existing entries keep their client.
func (p *Pool) Load(ctx context.Context) error {
	accs, err := p.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range accs {
		if e, ok := p.accounts[a.ID]; ok {
			a.Connected = e.acc.Connected
			e.acc = a
			continue
		}
		p.accounts[a.ID] = &entry{acc: a}
	}
	for _, a := range accs {
		metrics.SetAccountStatus(a.ID, string(a.Status))
	}
	return nil
}

// Start runs the inbound consumer and the lease keeper.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.sup != nil {
		p.mu.Unlock()
		return nil
	}
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log), rtsup.WithCancelOnError(false))
	sup := p.sup
	p.mu.Unlock()

	sup.Go0("session.inbound", p.consumeInbound)
	sup.Go0("session.lease_refresh", p.refreshLeases)
	return nil
}

// Stop disconnects every client and gives leases back.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	type conn struct {
		id     string
		client transport.Client
		leased bool
	}
	var conns []conn
	for id, e := range p.accounts {
		if e.client != nil || e.leased {
			conns = append(conns, conn{id: id, client: e.client, leased: e.leased})
		}
		e.client = nil
		e.leased = false
		e.acc.Connected = false
	}
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if c.client != nil {
			if err := c.client.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", c.id, err))
			}
		}
		if c.leased {
			if err := p.lease.Release(ctx, c.id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Acquire takes exclusive use of accountID, connecting it on first use.
func (p *Pool) Acquire(ctx context.Context, accountID string) (*Handle, error) {
	acc, thawed, err := p.claim(ctx, accountID)
	if thawed {
		p.persistStatus(ctx, acc)
	}
	if err != nil {
		return nil, err
	}
	if err := p.connect(ctx, accountID); err != nil {
		p.unclaim(accountID)
		return nil, err
	}
	return &Handle{accountID: accountID}, nil
}

func (p *Pool) claim(ctx context.Context, accountID string) (model.Account, bool, error) {
	p.mu.Lock()
	e, ok := p.accounts[accountID]
	p.mu.Unlock()
	if !ok {
		acc, err := p.store.GetAccount(ctx, accountID)
		if err != nil {
			return model.Account{}, false, fmt.Errorf("%w: %s: %w", model.ErrUnavailable, accountID, err)
		}
		p.mu.Lock()
		if e, ok = p.accounts[accountID]; !ok {
			e = &entry{acc: acc}
			p.accounts[accountID] = e
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	changed := p.thawLocked(e, p.now())
	acc := e.acc
	if !acc.Sendable(p.now()) {
		return acc, changed, fmt.Errorf("%w: %s is %s", model.ErrUnavailable, accountID, acc.Status)
	}
	if e.held {
		return acc, changed, fmt.Errorf("%w: %s is in use", model.ErrUnavailable, accountID)
	}
	e.held = true
	return acc, changed, nil
}

func (p *Pool) unclaim(accountID string) {
	p.mu.Lock()
	if e, ok := p.accounts[accountID]; ok {
		e.held = false
	}
	p.mu.Unlock()
}

// connect dials the account if needed. The caller holds the account.
func (p *Pool) connect(ctx context.Context, accountID string) error {
	p.mu.Lock()
	e := p.accounts[accountID]
	if e.client != nil {
		p.mu.Unlock()
		return nil
	}
	acc := e.acc
	leased := e.leased
	sup := p.sup
	p.mu.Unlock()

	if !leased {
		ok, err := p.lease.Acquire(ctx, accountID)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", model.ErrUnavailable, accountID, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s is owned by another process", model.ErrUnavailable, accountID)
		}
	}
	client, err := p.dialer.Dial(ctx, acc)
	if err != nil {
		_ = p.lease.Release(ctx, accountID)
		return fmt.Errorf("%w: dial %s: %w", model.ErrUnavailable, accountID, err)
	}
	runCtx := context.Background()
	if sup != nil {
		runCtx = sup.Context()
	}
	if err := client.Start(runCtx, p.inbound); err != nil {
		_ = p.lease.Release(ctx, accountID)
		return fmt.Errorf("%w: start %s: %w", model.ErrUnavailable, accountID, err)
	}

	p.mu.Lock()
	e.client = client
	e.leased = true
	e.acc.Connected = true
	p.mu.Unlock()
	p.log.Info("account connected", logx.String("account", accountID))
	return nil
}

// Release gives the account back. Releasing twice is a no-op.
func (p *Pool) Release(h *Handle) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	p.unclaim(h.accountID)
}

// Send delivers content to lead through the held account. Flood and ban
// errors update the account before returning.
func (p *Pool) Send(ctx context.Context, h *Handle, lead model.Lead, content string) (SendResult, error) {
	if h == nil || h.released.Load() {
		return SendResult{}, fmt.Errorf("%w: handle released", model.ErrUnavailable)
	}
	p.mu.Lock()
	e := p.accounts[h.accountID]
	var client transport.Client
	if e != nil {
		client = e.client
	}
	p.mu.Unlock()
	if client == nil {
		return SendResult{}, fmt.Errorf("%w: %s not connected", model.ErrUnavailable, h.accountID)
	}

	sctx, cancel := context.WithTimeout(ctx, p.sendTimeout())
	defer cancel()
	start := time.Now()
	sent, err := client.SendText(sctx, transport.PeerOf(lead), content)
	metrics.SendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = model.Transient(err)
		}
		switch {
		case errors.Is(err, model.ErrAccountBanned):
			p.MarkBanned(ctx, h.accountID)
		case errors.Is(err, model.ErrFloodWait):
			d, _ := model.AsFloodWait(err)
			p.MarkFloodLimited(ctx, h.accountID, p.now().Add(d))
		}
		return SendResult{}, err
	}

	at := sent.At
	if at.IsZero() {
		at = p.now()
	}
	p.mu.Lock()
	e.acc.LastActiveAt = at
	p.mu.Unlock()
	return SendResult{AccountID: h.accountID, ExternalID: sent.ExternalID, SentAt: at}, nil
}

// MarkBanned disables the account permanently and disconnects it.
func (p *Pool) MarkBanned(ctx context.Context, accountID string) {
	p.setStatus(ctx, accountID, model.AccountBanned, time.Time{}, true)
}

// MarkFloodLimited pauses the account until until. The account becomes
// sendable again on its own once that time passes.
func (p *Pool) MarkFloodLimited(ctx context.Context, accountID string, until time.Time) {
	p.setStatus(ctx, accountID, model.AccountFloodLimited, until, false)
}

// Disable soft-disables the account (status inactive) and disconnects it.
func (p *Pool) Disable(ctx context.Context, accountID string) error {
	if _, ok := p.Account(accountID); !ok {
		if _, err := p.store.GetAccount(ctx, accountID); err != nil {
			return err
		}
		if err := p.Load(ctx); err != nil {
			return err
		}
	}
	p.setStatus(ctx, accountID, model.AccountInactive, time.Time{}, true)
	return nil
}

func (p *Pool) setStatus(ctx context.Context, accountID string, status model.AccountStatus, floodUntil time.Time, disconnect bool) {
	p.mu.Lock()
	e, ok := p.accounts[accountID]
	if !ok {
		e = &entry{acc: model.Account{ID: accountID}}
		p.accounts[accountID] = e
	}
	if e.acc.Status == model.AccountBanned && status != model.AccountBanned {
		// Banned is final.
		p.mu.Unlock()
		return
	}
	prev := e.acc.Status
	e.acc.Status = status
	if status == model.AccountFloodLimited {
		if floodUntil.After(e.acc.FloodUntil) {
			e.acc.FloodUntil = floodUntil
		}
	} else {
		e.acc.FloodUntil = time.Time{}
	}
	var client transport.Client
	leased := false
	if disconnect {
		client, e.client = e.client, nil
		leased, e.leased = e.leased, false
		e.acc.Connected = false
	}
	acc := e.acc
	p.mu.Unlock()

	if prev != status || status == model.AccountFloodLimited {
		p.persistStatus(ctx, acc)
	}
	if prev != status {
		p.log.Warn("account status changed", logx.String("account", accountID), logx.String("from", string(prev)), logx.String("to", string(status)), logx.Time("flood_until", acc.FloodUntil))
	}
	if client != nil {
		if err := client.Stop(ctx); err != nil {
			p.log.Warn("account disconnect failed", logx.String("account", accountID), logx.Err(err))
		}
	}
	if leased {
		_ = p.lease.Release(ctx, accountID)
	}
}

// persistStatus stores and announces acc's status.
func (p *Pool) persistStatus(ctx context.Context, acc model.Account) {
	if err := p.store.UpdateAccountStatus(ctx, acc.ID, acc.Status, acc.FloodUntil); err != nil && !errors.Is(err, model.ErrNotFound) {
		p.log.Error("persist account status failed", logx.String("account", acc.ID), logx.Err(err))
	}
	metrics.SetAccountStatus(acc.ID, string(acc.Status))
	p.pub.Publish(eventbus.Event{
		Type: eventbus.TypeAccountStatusChanged,
		Time: p.now(),
		Data: eventbus.AccountStatusChanged{AccountID: acc.ID, Status: string(acc.Status)},
	})
}

// thawLocked flips an expired flood_limited account back to active.
func (p *Pool) thawLocked(e *entry, now time.Time) bool {
	if e.acc.Status == model.AccountFloodLimited && !now.Before(e.acc.FloodUntil) {
		e.acc.Status = model.AccountActive
		e.acc.FloodUntil = time.Time{}
		return true
	}
	return false
}

// Status returns the account's current status, resolving expired flood waits.
func (p *Pool) Status(ctx context.Context, accountID string) (model.AccountStatus, error) {
	p.mu.Lock()
	e, ok := p.accounts[accountID]
	if !ok {
		p.mu.Unlock()
		acc, err := p.store.GetAccount(ctx, accountID)
		if err != nil {
			return "", err
		}
		return acc.Status, nil
	}
	changed := p.thawLocked(e, p.now())
	acc := e.acc
	p.mu.Unlock()
	if changed {
		p.persistStatus(ctx, acc)
	}
	return acc.Status, nil
}

// Account returns the cached account record.
func (p *Pool) Account(accountID string) (model.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.accounts[accountID]
	if !ok {
		return model.Account{}, false
	}
	return e.acc, true
}

// Snapshot lists every known account sorted by id.
func (p *Pool) Snapshot(ctx context.Context) []model.Account {
	now := p.now()
	p.mu.Lock()
	out := make([]model.Account, 0, len(p.accounts))
	var thawed []model.Account
	for _, e := range p.accounts {
		if p.thawLocked(e, now) {
			thawed = append(thawed, e.acc)
		}
		out = append(out, e.acc)
	}
	p.mu.Unlock()
	for _, a := range thawed {
		p.persistStatus(ctx, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) consumeInbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-p.inbound:
			p.handleInbound(ctx, in)
		}
	}
}

func (p *Pool) handleInbound(ctx context.Context, in transport.Inbound) {
	metrics.InboundTotal.Inc()
	lead, err := p.store.GetLeadByTgUser(ctx, in.FromID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			p.log.Debug("inbound from unknown user ignored", logx.String("account", in.AccountID), logx.Int64("from", in.FromID))
			return
		}
		p.log.Error("inbound lead lookup failed", logx.String("account", in.AccountID), logx.Err(err))
		return
	}
	at := in.At
	if at.IsZero() {
		at = p.now()
	}
	msg := model.Message{
		ID:         uuid.NewString(),
		LeadID:     lead.ID,
		AccountID:  in.AccountID,
		Direction:  model.Inbound,
		Content:    in.Text,
		Delivery:   model.DeliveryReceived,
		ExternalID: fmt.Sprint(in.MessageID),
		CreatedAt:  at,
	}
	if err := p.store.AppendMessage(ctx, msg); err != nil {
		p.log.Error("persist inbound failed", logx.String("lead", lead.ID), logx.Err(err))
		return
	}
	switch strings.ToLower(lead.Status) {
	case "", model.LeadNew, model.LeadContacted:
		lead.Status = model.LeadReplied
		if err := p.store.UpsertLead(ctx, lead); err != nil {
			p.log.Warn("mark lead replied failed", logx.String("lead", lead.ID), logx.Err(err))
		}
	}
	p.pub.Publish(eventbus.Event{
		Type: eventbus.TypeMessageReceived,
		Time: at,
		Data: eventbus.MessageReceived{LeadID: lead.ID, AccountID: in.AccountID, MessageID: msg.ID},
	})
}

func (p *Pool) refreshLeases(ctx context.Context) {
	p.cfgMu.RLock()
	every := p.cfg.LeaseRefresh
	p.cfgMu.RUnlock()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		p.mu.Lock()
		var ids []string
		for id, e := range p.accounts {
			if e.leased {
				ids = append(ids, id)
			}
		}
		p.mu.Unlock()
		for _, id := range ids {
			err := p.lease.Refresh(ctx, id)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrLeaseLost) {
				p.log.Error("account lease lost, disconnecting", logx.String("account", id))
				p.drop(ctx, id)
				continue
			}
			p.log.Warn("lease refresh failed", logx.String("account", id), logx.Err(err))
		}
	}
}

// drop disconnects an account without changing its status.
func (p *Pool) drop(ctx context.Context, accountID string) {
	p.mu.Lock()
	e, ok := p.accounts[accountID]
	var client transport.Client
	if ok {
		client, e.client = e.client, nil
		e.leased = false
		e.acc.Connected = false
	}
	p.mu.Unlock()
	if client != nil {
		_ = client.Stop(ctx)
	}
}
