// Package telegram is the Bot API transport: one telebot instance per
// account, optionally behind the account's proxy.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"outreach/internal/model"
	rtsup "outreach/internal/runtime/supervisor"
	"outreach/internal/transport"
	logx "outreach/pkg/logx"
)

type Config struct {
	// Tokens maps account id to bot token.
	Tokens      map[string]string
	PollTimeout time.Duration
	// Offline skips the getMe handshake; useful against a local Bot API server.
	Offline bool
	APIURL  string
}

// Dialer builds clients from Config.
type Dialer struct {
	cfg Config
	log logx.Logger
}

func NewDialer(cfg Config, log logx.Logger) *Dialer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{cfg: cfg, log: log.With(logx.String("comp", "telegram"))}
}

func (d *Dialer) Dial(_ context.Context, acc model.Account) (transport.Client, error) {
	token := strings.TrimSpace(d.cfg.Tokens[acc.ID])
	if token == "" {
		return nil, fmt.Errorf("telegram: no token for account %s", acc.ID)
	}
	hc, err := httpClient(acc.Proxy)
	if err != nil {
		return nil, err
	}
	timeout := d.cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     d.cfg.APIURL,
		Token:   token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Client:  hc,
		Offline: d.cfg.Offline,
	})
	if err != nil {
		return nil, Classify(err)
	}
	c := &Client{accountID: acc.ID, bot: b, log: d.log.With(logx.String("account", acc.ID))}
	var nilOut chan<- transport.Inbound
	c.out.Store(nilOut)
	c.registerHandlers()
	return c, nil
}

func httpClient(p model.ProxyConfig) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if raw := strings.TrimSpace(p.URL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("telegram: bad proxy url: %w", err)
		}
		tr.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: tr, Timeout: time.Minute}, nil
}

// Client is one account's bot session.
type Client struct {
	accountID string
	log       logx.Logger
	bot       *tele.Bot

	out     atomic.Value // chan<- transport.Inbound
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dropped atomic.Uint64
}

func (c *Client) registerHandlers() {
	c.bot.Handle(tele.OnText, func(tc tele.Context) error {
		m := tc.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		c.deliver(transport.Inbound{
			AccountID:    c.accountID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			ChatID:       m.Chat.ID,
			MessageID:    m.ID,
			Text:         m.Text,
			At:           m.Time(),
		})
		return nil
	})
}

func (c *Client) deliver(in transport.Inbound) {
	out, _ := c.out.Load().(chan<- transport.Inbound)
	if out == nil {
		return
	}
	select {
	case out <- in:
	default:
		c.dropped.Add(1)
	}
}

func (c *Client) Start(ctx context.Context, out chan<- transport.Inbound) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	c.out.Store(out)
	c.sup = rtsup.New(ctx, rtsup.WithLogger(c.log), rtsup.WithCancelOnError(false))
	sup := c.sup

	sup.Go0("inbound.drop_report", func(ctx context.Context) {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.dropped.Swap(0); n > 0 {
					c.log.Warn("inbound messages dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		c.bot.Stop()
	})
	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(ctx context.Context) error {
		c.bot.Start()
		return ctx.Err()
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithStopOnCleanExit(false))
	c.log.Info("account session started")
	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	c.runMu.Lock()
	sup := c.sup
	c.sup = nil
	wasRunning := c.running
	c.running = false
	var nilOut chan<- transport.Inbound
	c.out.Store(nilOut)
	c.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Long polling may hang for a while; keep shutdown snappy.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		c.log.Warn("telegram stop error", logx.Err(err))
	}
	c.log.Info("account session stopped")
	return nil
}

const textLimit = 4000

func (c *Client) SendText(ctx context.Context, to transport.Peer, text string) (transport.Sent, error) {
	if to.UserID == 0 {
		return transport.Sent{}, fmt.Errorf("telegram: lead has no user id: %w", model.ErrPeerBlocked)
	}
	var first transport.Sent
	for i, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, model.Transient(err)
		}
		msg, err := c.bot.Send(&tele.Chat{ID: to.UserID}, chunk, &tele.SendOptions{DisableWebPagePreview: true})
		if err != nil {
			return first, Classify(err)
		}
		if i == 0 {
			first = transport.Sent{ExternalID: strconv.Itoa(msg.ID), At: msg.Time()}
		}
	}
	return first, nil
}

// Classify maps Bot API and network errors onto the model taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return model.FloodWait(time.Duration(fe.RetryAfter)*time.Second, err)
	}
	var fep *tele.FloodError
	if errors.As(err, &fep) && fep != nil {
		return model.FloodWait(time.Duration(fep.RetryAfter)*time.Second, err)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", model.ErrAccountBanned, err)
		case te.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %w", model.ErrPeerBlocked, err)
		case te.Code == http.StatusTooManyRequests:
			return model.FloodWait(time.Second, err)
		case te.Code >= 500:
			return model.Transient(err)
		}
		return err
	}
	// Descriptions telebot does not know come back as plain "telegram: desc (code)".
	msg := err.Error()
	switch {
	case strings.HasSuffix(msg, "(401)"):
		return fmt.Errorf("%w: %w", model.ErrAccountBanned, err)
	case strings.HasSuffix(msg, "(403)"):
		return fmt.Errorf("%w: %w", model.ErrPeerBlocked, err)
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return model.Transient(err)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return model.Transient(err)
	}
	return err
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that do not leave a tiny chunk.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
