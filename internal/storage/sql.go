package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"outreach/internal/model"
	logx "outreach/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// dialect covers the few places sqlite and postgres disagree.
type dialect struct {
	name        string
	numbered    bool // $1, $2 instead of ?
	isDuplicate func(error) bool
}

// sqlStore implements Store over database/sql. Queries are written with ?
// placeholders and rebound per dialect.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, log logx.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, d: d, log: log}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(migrations, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	s.log.Debug("schema ready")
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return persistence("ping", s.db.PingContext(ctx))
}

func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) exec(ctx context.Context, db querier, op, query string, args ...any) (int64, error) {
	res, err := db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		if s.d.isDuplicate != nil && s.d.isDuplicate(err) {
			return 0, fmt.Errorf("%s: %w", op, ErrDuplicate)
		}
		return 0, persistence(op, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func encTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func decJSON(s string, v any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// accounts

const accountCols = `id, phone, status, daily_limit, sent_today, sent_day, flood_until, proxy_url, last_active_at, connected`

func scanAccount(sc interface{ Scan(...any) error }) (model.Account, error) {
	var (
		a                             model.Account
		status, flood, last, proxyURL string
		connected                     int
	)
	if err := sc.Scan(&a.ID, &a.Phone, &status, &a.DailyLimit, &a.SentToday, &a.SentDay, &flood, &proxyURL, &last, &connected); err != nil {
		return a, err
	}
	a.Status = model.AccountStatus(status)
	a.FloodUntil = decTime(flood)
	a.LastActiveAt = decTime(last)
	a.Proxy = model.ProxyConfig{URL: proxyURL}
	a.Connected = connected != 0
	return a, nil
}

func (s *sqlStore) GetAccount(ctx context.Context, id string) (model.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, s.q(`SELECT `+accountCols+` FROM accounts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, notFound("account", id)
	}
	return a, persistence("get account", err)
}

func (s *sqlStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, persistence("list accounts", err)
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, persistence("scan account", err)
		}
		out = append(out, a)
	}
	return out, persistence("list accounts", rows.Err())
}

func (s *sqlStore) UpsertAccount(ctx context.Context, a model.Account) error {
	_, err := s.exec(ctx, s.db, "upsert account",
		`INSERT INTO accounts(`+accountCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET phone=excluded.phone, status=excluded.status, daily_limit=excluded.daily_limit,
		 sent_today=excluded.sent_today, sent_day=excluded.sent_day, flood_until=excluded.flood_until,
		 proxy_url=excluded.proxy_url, last_active_at=excluded.last_active_at, connected=excluded.connected`,
		a.ID, a.Phone, string(a.Status), a.DailyLimit, a.SentToday, a.SentDay, encTime(a.FloodUntil), a.Proxy.URL, encTime(a.LastActiveAt), boolInt(a.Connected),
	)
	return err
}

func (s *sqlStore) UpdateAccountStatus(ctx context.Context, id string, status model.AccountStatus, floodUntil time.Time) error {
	n, err := s.exec(ctx, s.db, "update account status",
		`UPDATE accounts SET status = ?, flood_until = ? WHERE id = ?`, string(status), encTime(floodUntil), id)
	if err == nil && n == 0 {
		return notFound("account", id)
	}
	return err
}

// campaigns

const campaignCols = `id, name, status, schedule, group_filter, account_ids, template_id, failed_since, updated_at`

func scanCampaign(sc interface{ Scan(...any) error }) (model.Campaign, error) {
	var (
		c                                    model.Campaign
		status, sched, filter, accs, fs, upd string
	)
	if err := sc.Scan(&c.ID, &c.Name, &status, &sched, &filter, &accs, &c.TemplateID, &fs, &upd); err != nil {
		return c, err
	}
	c.Status = model.CampaignStatus(status)
	c.FailedSince = decTime(fs)
	c.UpdatedAt = decTime(upd)
	if err := decJSON(sched, &c.Schedule); err != nil {
		return c, err
	}
	if err := decJSON(filter, &c.Filter); err != nil {
		return c, err
	}
	return c, decJSON(accs, &c.AccountIDs)
}

func (s *sqlStore) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, s.q(`SELECT `+campaignCols+` FROM campaigns WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, notFound("campaign", id)
	}
	return c, persistence("get campaign", err)
}

func (s *sqlStore) ListCampaigns(ctx context.Context, statuses ...model.CampaignStatus) ([]model.Campaign, error) {
	query := `SELECT ` + campaignCols + ` FROM campaigns`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+` ORDER BY id`), args...)
	if err != nil {
		return nil, persistence("list campaigns", err)
	}
	defer rows.Close()
	var out []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, persistence("scan campaign", err)
		}
		out = append(out, c)
	}
	return out, persistence("list campaigns", rows.Err())
}

func (s *sqlStore) UpsertCampaign(ctx context.Context, c model.Campaign) error {
	_, err := s.exec(ctx, s.db, "upsert campaign",
		`INSERT INTO campaigns(`+campaignCols+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status, schedule=excluded.schedule,
		 group_filter=excluded.group_filter, account_ids=excluded.account_ids, template_id=excluded.template_id,
		 failed_since=excluded.failed_since, updated_at=excluded.updated_at`,
		c.ID, c.Name, string(c.Status), encJSON(c.Schedule), encJSON(c.Filter), encJSON(c.AccountIDs), c.TemplateID, encTime(c.FailedSince), encTime(c.UpdatedAt),
	)
	return err
}

// sequences and enrollments

func (s *sqlStore) GetSequence(ctx context.Context, id string) (model.Sequence, error) {
	var (
		seq                 model.Sequence
		status, steps, accs string
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, name, trigger_on, steps, account_ids, status FROM sequences WHERE id = ?`), id).
		Scan(&seq.ID, &seq.Name, &seq.Trigger, &steps, &accs, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return seq, notFound("sequence", id)
	}
	if err != nil {
		return seq, persistence("get sequence", err)
	}
	seq.Status = model.SequenceStatus(status)
	if err := decJSON(steps, &seq.Steps); err != nil {
		return seq, persistence("decode steps", err)
	}
	return seq, persistence("decode accounts", decJSON(accs, &seq.AccountIDs))
}

func (s *sqlStore) UpsertSequence(ctx context.Context, seq model.Sequence) error {
	_, err := s.exec(ctx, s.db, "upsert sequence",
		`INSERT INTO sequences(id, name, trigger_on, steps, account_ids, status) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, trigger_on=excluded.trigger_on, steps=excluded.steps,
		 account_ids=excluded.account_ids, status=excluded.status`,
		seq.ID, seq.Name, seq.Trigger, encJSON(seq.Steps), encJSON(seq.AccountIDs), string(seq.Status),
	)
	return err
}

const enrollmentCols = `lead_id, sequence_id, step, status, next_at, account_id, updated_at`

func scanEnrollment(sc interface{ Scan(...any) error }) (model.Enrollment, error) {
	var (
		e                 model.Enrollment
		status, next, upd string
	)
	if err := sc.Scan(&e.LeadID, &e.SequenceID, &e.Step, &status, &next, &e.AccountID, &upd); err != nil {
		return e, err
	}
	e.Status = model.EnrollmentStatus(status)
	e.NextAt = decTime(next)
	e.UpdatedAt = decTime(upd)
	return e, nil
}

func (s *sqlStore) ActiveEnrollment(ctx context.Context, leadID string) (model.Enrollment, bool, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+enrollmentCols+` FROM enrollments WHERE lead_id = ? AND status = ? LIMIT 1`), leadID, string(model.EnrollmentActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Enrollment{}, false, nil
	}
	if err != nil {
		return e, false, persistence("active enrollment", err)
	}
	return e, true, nil
}

func (s *sqlStore) GetEnrollment(ctx context.Context, leadID, sequenceID string) (model.Enrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+enrollmentCols+` FROM enrollments WHERE lead_id = ? AND sequence_id = ?`), leadID, sequenceID))
	if errors.Is(err, sql.ErrNoRows) {
		return e, notFound("enrollment", leadID+"/"+sequenceID)
	}
	return e, persistence("get enrollment", err)
}

func (s *sqlStore) UpsertEnrollment(ctx context.Context, e model.Enrollment) error {
	_, err := s.exec(ctx, s.db, "upsert enrollment",
		`INSERT INTO enrollments(`+enrollmentCols+`) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(lead_id, sequence_id) DO UPDATE SET step=excluded.step, status=excluded.status,
		 next_at=excluded.next_at, account_id=excluded.account_id, updated_at=excluded.updated_at`,
		e.LeadID, e.SequenceID, e.Step, string(e.Status), encTime(e.NextAt), e.AccountID, encTime(e.UpdatedAt),
	)
	return err
}

func (s *sqlStore) ListEnrollments(ctx context.Context, status model.EnrollmentStatus) ([]model.Enrollment, error) {
	query := `SELECT ` + enrollmentCols + ` FROM enrollments`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+` ORDER BY lead_id, sequence_id`), args...)
	if err != nil {
		return nil, persistence("list enrollments", err)
	}
	defer rows.Close()
	var out []model.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, persistence("scan enrollment", err)
		}
		out = append(out, e)
	}
	return out, persistence("list enrollments", rows.Err())
}

// leads

const leadCols = `id, tg_user_id, username, first_name, last_name, status, group_id, source, account_id, tags, fields, last_contact_at, sent_count`

func scanLead(sc interface{ Scan(...any) error }) (model.Lead, error) {
	var (
		l                  model.Lead
		tags, fields, last string
	)
	if err := sc.Scan(&l.ID, &l.TgUserID, &l.Username, &l.FirstName, &l.LastName, &l.Status, &l.GroupID, &l.Source, &l.AccountID, &tags, &fields, &last, &l.SentCount); err != nil {
		return l, err
	}
	l.LastContactAt = decTime(last)
	if err := decJSON(tags, &l.Tags); err != nil {
		return l, err
	}
	return l, decJSON(fields, &l.Fields)
}

func (s *sqlStore) GetLead(ctx context.Context, id string) (model.Lead, error) {
	l, err := scanLead(s.db.QueryRowContext(ctx, s.q(`SELECT `+leadCols+` FROM leads WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return l, notFound("lead", id)
	}
	return l, persistence("get lead", err)
}

func (s *sqlStore) GetLeadByTgUser(ctx context.Context, tgUserID int64) (model.Lead, error) {
	l, err := scanLead(s.db.QueryRowContext(ctx, s.q(`SELECT `+leadCols+` FROM leads WHERE tg_user_id = ?`), tgUserID))
	if errors.Is(err, sql.ErrNoRows) {
		return l, notFound("lead", strconv.FormatInt(tgUserID, 10))
	}
	return l, persistence("get lead by tg user", err)
}

func (s *sqlStore) FindLeads(ctx context.Context, f model.GroupFilter) ([]model.Lead, error) {
	query := `SELECT ` + leadCols + ` FROM leads`
	var (
		where []string
		args  []any
	)
	if len(f.GroupIDs) > 0 {
		where = append(where, `group_id IN (`+strings.TrimSuffix(strings.Repeat("?,", len(f.GroupIDs)), ",")+`)`)
		for _, g := range f.GroupIDs {
			args = append(args, g)
		}
	}
	if len(f.LeadStatuses) > 0 {
		where = append(where, `status IN (`+strings.TrimSuffix(strings.Repeat("?,", len(f.LeadStatuses)), ",")+`)`)
		for _, st := range f.LeadStatuses {
			args = append(args, st)
		}
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+` ORDER BY id`), args...)
	if err != nil {
		return nil, persistence("find leads", err)
	}
	defer rows.Close()
	var out []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, persistence("scan lead", err)
		}
		// Tags live in a JSON column; filter them here.
		if matchFilter(l, f) {
			out = append(out, l)
		}
	}
	return out, persistence("find leads", rows.Err())
}

func (s *sqlStore) UpsertLead(ctx context.Context, l model.Lead) error {
	_, err := s.exec(ctx, s.db, "upsert lead",
		`INSERT INTO leads(`+leadCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET tg_user_id=excluded.tg_user_id, username=excluded.username,
		 first_name=excluded.first_name, last_name=excluded.last_name, status=excluded.status,
		 group_id=excluded.group_id, source=excluded.source, account_id=excluded.account_id,
		 tags=excluded.tags, fields=excluded.fields, last_contact_at=excluded.last_contact_at, sent_count=excluded.sent_count`,
		l.ID, l.TgUserID, l.Username, l.FirstName, l.LastName, l.Status, l.GroupID, l.Source, l.AccountID,
		encJSON(l.Tags), encJSON(l.Fields), encTime(l.LastContactAt), l.SentCount,
	)
	return err
}

// templates

func (s *sqlStore) GetTemplate(ctx context.Context, id string) (model.Template, error) {
	var t model.Template
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, name, body FROM templates WHERE id = ?`), id).Scan(&t.ID, &t.Name, &t.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return t, notFound("template", id)
	}
	return t, persistence("get template", err)
}

func (s *sqlStore) UpsertTemplate(ctx context.Context, t model.Template) error {
	_, err := s.exec(ctx, s.db, "upsert template",
		`INSERT INTO templates(id, name, body) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, body=excluded.body`, t.ID, t.Name, t.Body)
	return err
}

// messages

const messageCols = `id, lead_id, account_id, campaign_id, sequence_id, step, direction, content, media_ref, delivery, error, external_id, created_at`

func scanMessage(sc interface{ Scan(...any) error }) (model.Message, error) {
	var (
		m                 model.Message
		dir, del, created string
	)
	if err := sc.Scan(&m.ID, &m.LeadID, &m.AccountID, &m.CampaignID, &m.SequenceID, &m.Step, &dir, &m.Content, &m.MediaRef, &del, &m.Error, &m.ExternalID, &created); err != nil {
		return m, err
	}
	m.Direction = model.Direction(dir)
	m.Delivery = model.Delivery(del)
	m.CreatedAt = decTime(created)
	return m, nil
}

func (s *sqlStore) insertMessage(ctx context.Context, db querier, m model.Message) error {
	_, err := s.exec(ctx, db, "insert message",
		`INSERT INTO messages(seq, `+messageCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.CreatedAt.UnixNano(), m.ID, m.LeadID, m.AccountID, m.CampaignID, m.SequenceID, m.Step, string(m.Direction),
		m.Content, m.MediaRef, string(m.Delivery), m.Error, m.ExternalID, encTime(m.CreatedAt),
	)
	return err
}

func (s *sqlStore) GetMessage(ctx context.Context, id string) (model.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, s.q(`SELECT `+messageCols+` FROM messages WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return m, notFound("message", id)
	}
	return m, persistence("get message", err)
}

func (s *sqlStore) AppendMessage(ctx context.Context, m model.Message) error {
	return s.insertMessage(ctx, s.db, m)
}

func (s *sqlStore) UpdateDelivery(ctx context.Context, id string, d model.Delivery, errText string) error {
	n, err := s.exec(ctx, s.db, "update delivery", `UPDATE messages SET delivery = ?, error = ? WHERE id = ?`, string(d), errText, id)
	if err == nil && n == 0 {
		return notFound("message", id)
	}
	return err
}

func (s *sqlStore) ListMessages(ctx context.Context, leadID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+messageCols+` FROM messages WHERE lead_id = ? ORDER BY seq, id`), leadID)
	if err != nil {
		return nil, persistence("list messages", err)
	}
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, persistence("scan message", err)
		}
		out = append(out, m)
	}
	return out, persistence("list messages", rows.Err())
}

func (s *sqlStore) HasCampaignMessage(ctx context.Context, campaignID, leadID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM messages WHERE campaign_id = ? AND lead_id = ? AND direction = ? AND delivery IN (?, ?)`),
		campaignID, leadID, string(model.Outbound), string(model.DeliverySent), string(model.DeliveryFailed)).Scan(&n)
	if err != nil {
		return false, persistence("has campaign message", err)
	}
	return n > 0, nil
}

func (s *sqlStore) CountCampaignMessages(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM messages WHERE campaign_id = ? AND direction = ? AND delivery = ?`),
		campaignID, string(model.Outbound), string(model.DeliverySent)).Scan(&n)
	return n, persistence("count campaign messages", err)
}

func (s *sqlStore) RecordOutbound(ctx context.Context, m model.Message, day string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.insertMessage(ctx, tx, m); err != nil {
		return err
	}
	n, err := s.exec(ctx, tx, "bump lead",
		`UPDATE leads SET sent_count = sent_count + 1, last_contact_at = ?,
		 status = CASE WHEN status = '' OR status = ? THEN ? ELSE status END
		 WHERE id = ?`, encTime(m.CreatedAt), model.LeadNew, model.LeadContacted, m.LeadID)
	if err != nil {
		return err
	}
	if n == 0 {
		err = notFound("lead", m.LeadID)
		return err
	}
	n, err = s.exec(ctx, tx, "bump account",
		`UPDATE accounts SET sent_today = CASE WHEN sent_day = ? THEN sent_today + 1 ELSE 1 END,
		 sent_day = ?, last_active_at = ? WHERE id = ?`, day, day, encTime(m.CreatedAt), m.AccountID)
	if err != nil {
		return err
	}
	if n == 0 {
		err = notFound("account", m.AccountID)
		return err
	}
	if err = tx.Commit(); err != nil {
		return persistence("commit", err)
	}
	return nil
}

func (s *sqlStore) ResetDailyCounters(ctx context.Context, day string) error {
	_, err := s.exec(ctx, s.db, "reset daily counters",
		`UPDATE accounts SET sent_today = 0, sent_day = ? WHERE sent_day <> ?`, day, day)
	return err
}
