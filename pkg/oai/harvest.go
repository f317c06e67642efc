package oai

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/yourusername/aleph-gateway/pkg/catalog"
	"github.com/yourusername/aleph-gateway/pkg/pager"
)

// Harvest selects the records of one ListRecords run. Zero times leave the
// bound open; nil Sets falls back to the configured sets.
type Harvest struct {
	From           time.Time
	Until          time.Time
	Sets           []string
	MetadataPrefix string
}

// State is the continuation point of a harvest. It is safe to persist as
// JSON and to hand to Resume, including more than once.
type State struct {
	Sets           []string `json:"sets"`
	SetIndex       int      `json:"set_index"`
	Token          string   `json:"token,omitempty"`
	From           string   `json:"from,omitempty"`
	Until          string   `json:"until,omitempty"`
	MetadataPrefix string   `json:"metadata_prefix"`

	// Skip drops this many records from the front of the next pages; they
	// were consumed before the state was saved.
	Skip int `json:"skip,omitempty"`
}

// Set is the set currently harvested, "" for the whole repository.
func (s State) Set() string {
	if s.SetIndex < len(s.Sets) {
		return s.Sets[s.SetIndex]
	}
	return ""
}

// Exhausted reports whether every set has been walked to its last token.
func (s State) Exhausted() bool { return s.SetIndex >= len(s.Sets) }

type Iterator = pager.Iterator[State, catalog.Record]

// HarvestError reports a failed ListRecords request. Set and Token locate the
// failed page; Resume with the iterator's State retries it.
type HarvestError struct {
	Set   string
	Token string
	Err   error
}

func (e *HarvestError) Error() string {
	where := "set " + quoteSet(e.Set)
	if e.Token != "" {
		where += fmt.Sprintf(", token %q", e.Token)
	}
	return fmt.Sprintf("harvest failed (%s): %v", where, e.Err)
}

func (e *HarvestError) Unwrap() error { return e.Err }

var errTokenRepeated = errors.New("server repeated the resumption token")

func quoteSet(s string) string {
	if s == "" {
		return "<all>"
	}
	return fmt.Sprintf("%q", s)
}

// ListRecords starts a lazy harvest. Nothing is requested until the first
// Next. An Until before From fails immediately with a QueryError.
func (c *Client) ListRecords(ctx context.Context, h Harvest) (*Iterator, error) {
	if !h.From.IsZero() && !h.Until.IsZero() && h.Until.Before(h.From) {
		return nil, &catalog.QueryError{
			Reason: fmt.Sprintf("until %s is before from %s", h.Until.Format(time.RFC3339), h.From.Format(time.RFC3339)),
		}
	}

	sets := h.Sets
	if sets == nil {
		sets = c.cfg.Sets
	}
	if len(sets) == 0 {
		sets = []string{""}
	}
	prefix := h.MetadataPrefix
	if prefix == "" {
		prefix = c.cfg.MetadataPrefix
	}

	st := State{
		Sets:           slices.Clone(sets),
		From:           c.formatDate(h.From),
		Until:          c.formatDate(h.Until),
		MetadataPrefix: prefix,
	}
	c.logger.InfoContext(ctx, "starting harvest", "sets", st.Sets, "from", st.From, "until", st.Until)
	return c.Resume(st), nil
}

// Resume continues a harvest from a state previously returned by State.
func (c *Client) Resume(st State) *Iterator {
	st.Sets = slices.Clone(st.Sets)
	if st.Exhausted() {
		return pager.Empty[State, catalog.Record](st)
	}
	return pager.New(st, c.step)
}

func (c *Client) formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	if c.cfg.Granularity == GranularityDay {
		return t.UTC().Format("2006-01-02")
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// step fetches one ListRecords page. The first request of a set carries the
// selective arguments; follow-ups carry only the token.
func (c *Client) step(ctx context.Context, st State) (pager.Page[State, catalog.Record], error) {
	set := st.Set()
	params := url.Values{"verb": {VerbListRecords}}
	if st.Token != "" {
		params.Set("resumptionToken", st.Token)
	} else {
		params.Set("metadataPrefix", st.MetadataPrefix)
		if st.From != "" {
			params.Set("from", st.From)
		}
		if st.Until != "" {
			params.Set("until", st.Until)
		}
		if set != "" {
			params.Set("set", set)
		}
	}

	fail := func(err error) (pager.Page[State, catalog.Record], error) {
		return pager.Page[State, catalog.Record]{}, &HarvestError{Set: set, Token: st.Token, Err: err}
	}

	env, err := c.fetch(ctx, params)
	if err != nil {
		return fail(err)
	}

	next := st
	if e := env.firstError(); e != nil {
		if e.Code != codeNoRecordsMatch {
			return fail(&catalog.QueryError{Reason: e.String()})
		}
		c.logger.DebugContext(ctx, "no records match", "set", set)
		next.Token = ""
		next.SetIndex++
		return pager.Page[State, catalog.Record]{Next: next, Done: next.Exhausted()}, nil
	}

	list := env.ListRecords
	items := make([]catalog.Record, 0, len(list.Records))
	for i := range list.Records {
		r := &list.Records[i]
		if r.Header == nil {
			return fail(fmt.Errorf("record %d has no header", i))
		}
		items = append(items, c.decode(r))
	}

	if st.Skip > 0 {
		n := min(st.Skip, len(items))
		items = items[n:]
		next.Skip = st.Skip - n
	}

	token := strings.TrimSpace(list.ResumptionToken.Value)
	switch {
	case token == "":
		next.Token = ""
		next.SetIndex++
	case token == st.Token:
		return fail(errTokenRepeated)
	default:
		next.Token = token
	}

	c.logger.DebugContext(ctx, "harvested page",
		"set", set, "records", len(items), "token", token,
		"cursor", list.ResumptionToken.Cursor, "complete_list_size", list.ResumptionToken.CompleteListSize)
	return pager.Page[State, catalog.Record]{Items: items, Next: next, Done: next.Exhausted()}, nil
}
