// Package xserver pages through Aleph X-Server searches.
//
// A search is a find request that creates a server-side result set,
// followed by present requests that read it in set_entry ranges. Each
// sequence opens its own result set, so sequences are restartable and may
// run concurrently.
package xserver

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/yourusername/aleph-gateway/pkg/catalog"
	"github.com/yourusername/aleph-gateway/pkg/marc"
	"github.com/yourusername/aleph-gateway/pkg/pager"
	"github.com/yourusername/aleph-gateway/pkg/webclient"
)

type Config struct {
	webclient.Config `yaml:",inline"`

	Base     string `yaml:"base" validate:"required"`
	PageSize int    `yaml:"page_size" validate:"gte=0"`
}

func (c *Config) ApplyDefaults() {
	c.Config.ApplyDefaults()
	if c.PageSize <= 0 {
		c.PageSize = 10
	}
}

// Cursor is the continuation state of a paged search. Offset counts the
// entries already presented.
type Cursor struct {
	Field     string `json:"field"`
	Value     string `json:"value"`
	SetNumber string `json:"set_number"`
	SessionID string `json:"session_id,omitempty"`
	Offset    int    `json:"offset"`
	PageSize  int    `json:"page_size"`
	Total     int    `json:"total"`
}

// Error reports a failed find or present request.
type Error struct {
	Op     string
	Field  string
	Value  string
	Offset int
	Err    error
}

func (e *Error) Error() string {
	if e.Op == opPresent {
		return fmt.Sprintf("x-server %s %s=%q at offset %d: %v", e.Op, e.Field, e.Value, e.Offset, e.Err)
	}
	return fmt.Sprintf("x-server %s %s=%q: %v", e.Op, e.Field, e.Value, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Client struct {
	web    *webclient.Client
	cfg    Config
	logger *slog.Logger
}

func NewClient(cfg Config) *Client {
	cfg.ApplyDefaults()
	return &Client{
		web:    webclient.New(cfg.Config),
		cfg:    cfg,
		logger: slog.Default().With("component", "xserver"),
	}
}

// IsAvailable sends op=ping and reports false on any failure.
func (c *Client) IsAvailable(ctx context.Context) bool {
	err := c.web.Ping(ctx, url.Values{"op": {opPing}})
	if err != nil {
		c.logger.Debug("ping failed", "error", err)
	}
	return err == nil
}

// FindSystemNumbers searches field=value and lazily yields the document
// numbers of all hits.
func (c *Client) FindSystemNumbers(ctx context.Context, field, value string) (*pager.Iterator[Cursor, string], error) {
	cur, err := c.find(ctx, field, value, c.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	if cur.Total == 0 {
		return pager.Empty[Cursor, string](cur), nil
	}
	return pager.New(cur, func(ctx context.Context, cur Cursor) (pager.Page[Cursor, string], error) {
		records, next, done, err := c.present(ctx, cur)
		if err != nil {
			return pager.Page[Cursor, string]{}, err
		}
		numbers := make([]string, 0, len(records))
		for _, r := range records {
			numbers = append(numbers, strings.TrimSpace(r.DocNumber))
		}
		return pager.Page[Cursor, string]{Items: numbers, Next: next, Done: done}, nil
	}), nil
}

// SearchPaginated searches field=value and lazily yields one slice of
// records per present request.
func (c *Client) SearchPaginated(ctx context.Context, field, value string, pageSize int) (*pager.Iterator[Cursor, []catalog.Record], error) {
	if pageSize <= 0 {
		return nil, &catalog.QueryError{Query: field + "=" + value, Reason: fmt.Sprintf("page size %d must be positive", pageSize)}
	}
	cur, err := c.find(ctx, field, value, pageSize)
	if err != nil {
		return nil, err
	}
	return c.ResumePages(cur), nil
}

// ResumePages continues a paged search from a cursor returned by State.
// The server-side set must still exist.
func (c *Client) ResumePages(cur Cursor) *pager.Iterator[Cursor, []catalog.Record] {
	if cur.Offset >= cur.Total || cur.PageSize <= 0 {
		return pager.Empty[Cursor, []catalog.Record](cur)
	}
	return pager.New(cur, func(ctx context.Context, cur Cursor) (pager.Page[Cursor, []catalog.Record], error) {
		records, next, done, err := c.present(ctx, cur)
		if err != nil {
			return pager.Page[Cursor, []catalog.Record]{}, err
		}
		page := pager.Page[Cursor, []catalog.Record]{Next: next, Done: done}
		if len(records) > 0 {
			page.Items = [][]catalog.Record{c.decode(records)}
		}
		return page, nil
	})
}

// FindSingleSystemNumber returns the only hit of field=value. No hit is a
// NotFoundError and several are an AmbiguousResultError.
func (c *Client) FindSingleSystemNumber(ctx context.Context, field, value string) (string, error) {
	cur, err := c.find(ctx, field, value, 1)
	if err != nil {
		return "", err
	}
	query := field + "=" + value
	switch {
	case cur.Total == 0:
		return "", &catalog.NotFoundError{Kind: "system number", ID: query}
	case cur.Total > 1:
		return "", &catalog.AmbiguousResultError{Query: query, Count: cur.Total}
	}

	records, _, _, err := c.present(ctx, cur)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", &catalog.NotFoundError{Kind: "system number", ID: query}
	}
	return strings.TrimSpace(records[0].DocNumber), nil
}

func (c *Client) find(ctx context.Context, field, value string, pageSize int) (Cursor, error) {
	field, value = strings.TrimSpace(field), strings.TrimSpace(value)
	fail := func(err error) (Cursor, error) {
		return Cursor{}, &Error{Op: opFind, Field: field, Value: value, Err: err}
	}
	if field == "" || value == "" {
		return fail(&catalog.QueryError{Query: field + "=" + value, Reason: "field and value are required"})
	}

	body, err := c.web.Get(ctx, url.Values{
		"op":      {opFind},
		"base":    {c.cfg.Base},
		"code":    {field},
		"request": {value},
	})
	if err != nil {
		return fail(err)
	}
	var resp findResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return fail(&catalog.TransportError{Op: opFind, URL: c.web.URL(), Err: fmt.Errorf("parse xml: %w", err)})
	}

	cur := Cursor{
		Field:     field,
		Value:     value,
		SetNumber: strings.TrimSpace(resp.SetNumber),
		SessionID: strings.TrimSpace(resp.SessionID),
		PageSize:  pageSize,
	}
	if msg := strings.TrimSpace(resp.Error); msg != "" {
		if strings.EqualFold(msg, emptySet) {
			return cur, nil
		}
		return fail(&catalog.QueryError{Query: field + "=" + value, Reason: msg})
	}
	if cur.SessionID == "" {
		return fail(&catalog.TransportError{Op: opFind, URL: c.web.URL(), Err: fmt.Errorf("%s", resp.message())})
	}
	cur.Total = resp.count()

	c.logger.DebugContext(ctx, "find", "field", field, "value", value, "set_number", cur.SetNumber, "total", cur.Total)
	return cur, nil
}

// present reads the next set_entry range of cur. A short page ends the
// sequence even when the server's count promised more.
func (c *Client) present(ctx context.Context, cur Cursor) ([]presentRecord, Cursor, bool, error) {
	start := cur.Offset + 1
	end := min(cur.Offset+cur.PageSize, cur.Total)
	fail := func(err error) ([]presentRecord, Cursor, bool, error) {
		return nil, cur, false, &Error{Op: opPresent, Field: cur.Field, Value: cur.Value, Offset: cur.Offset, Err: err}
	}

	params := url.Values{
		"op":         {opPresent},
		"set_number": {cur.SetNumber},
		"set_entry":  {fmt.Sprintf("%d-%d", start, end)},
	}
	if cur.SessionID != "" {
		params.Set("session_id", cur.SessionID)
	}
	body, err := c.web.Get(ctx, params)
	if err != nil {
		return fail(err)
	}
	var resp presentResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return fail(&catalog.TransportError{Op: opPresent, URL: c.web.URL(), Err: fmt.Errorf("parse xml: %w", err)})
	}
	if msg := strings.TrimSpace(resp.Error); msg != "" {
		return fail(&catalog.QueryError{Query: cur.Field + "=" + cur.Value, Reason: msg})
	}

	next := cur
	next.Offset += len(resp.Records)
	if sid := strings.TrimSpace(resp.SessionID); sid != "" {
		next.SessionID = sid
	}
	done := next.Offset >= cur.Total || len(resp.Records) < end-start+1
	if done && next.Offset < cur.Total {
		c.logger.WarnContext(ctx, "short present page", "set_number", cur.SetNumber, "requested", end-start+1, "got", len(resp.Records))
	}
	return resp.Records, next, done, nil
}

func (c *Client) decode(records []presentRecord) []catalog.Record {
	out := make([]catalog.Record, 0, len(records))
	for _, r := range records {
		id := strings.TrimSpace(r.DocNumber)
		inner := r.Metadata.Inner
		if len(strings.TrimSpace(string(inner))) == 0 {
			out = append(out, catalog.NewRecord(id, catalog.StatusActive, catalog.FormatOAIMARC, nil, nil))
			continue
		}
		parsed, err := marc.ParseOAIMARC(inner)
		status := catalog.StatusActive
		if err != nil {
			c.logger.Error("failed to decode record", "doc_number", id, "error", err)
			status = catalog.StatusFailed
		}
		out = append(out, catalog.NewRecord(id, status, catalog.FormatOAIMARC, inner, parsed))
	}
	return out
}
