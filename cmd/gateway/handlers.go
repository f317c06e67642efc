package main

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/aleph-gateway/pkg/aleph"
	"github.com/yourusername/aleph-gateway/pkg/catalog"
	"github.com/yourusername/aleph-gateway/pkg/oai"
)

type handlers struct {
	client *aleph.Client
}

// recordJSON adds the friendly MARC accessors to a record.
type recordJSON struct {
	catalog.Record
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
}

func view(r catalog.Record) recordJSON {
	v := recordJSON{Record: r}
	if r.MARC != nil {
		v.Title = r.MARC.Title()
		v.Author = r.MARC.Author()
	}
	return v
}

func views(records []catalog.Record) []recordJSON {
	out := make([]recordJSON, len(records))
	for i, r := range records {
		out[i] = view(r)
	}
	return out
}

func intQuery(c *gin.Context, name string, def int) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		badRequest(c, "invalid '"+name+"' parameter")
		return 0, false
	}
	return n, true
}

func timeQuery(c *gin.Context, name string) (time.Time, bool) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, true
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	badRequest(c, "invalid '"+name+"' parameter, expected YYYY-MM-DD or RFC 3339")
	return time.Time{}, false
}

func encodeState(st oai.State) string {
	data, _ := json.Marshal(st)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeState(s string) (oai.State, error) {
	var st oai.State
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(data, &st)
	return st, err
}

// ndjson writes one JSON value per line. The header goes out with the first line,
// so an error before any output can still be reported with a proper status.
type ndjson struct {
	c       *gin.Context
	enc     *json.Encoder
	started bool
}

func (w *ndjson) write(v any) {
	if !w.started {
		w.c.Header("Content-Type", "application/x-ndjson")
		w.c.Status(200)
		w.enc = json.NewEncoder(w.c.Writer)
		w.started = true
	}
	if err := w.enc.Encode(v); err != nil {
		w.c.Error(err)
		return
	}
	w.c.Writer.Flush()
}

// fail ends the stream. Once lines were sent the status is fixed, so the error
// becomes the last line.
func (w *ndjson) fail(err error, extra gin.H) {
	if !w.started {
		AbortWithError(w.c, err)
		return
	}
	e := apiError(err)
	line := gin.H{"status": "error", "error": e.Message, "detail": e.Detail, "code": e.Code}
	for k, v := range extra {
		line[k] = v
	}
	w.write(line)
}

// status probes every configured service.
func (h *handlers) status(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":   "success",
		"base":     h.client.Base(),
		"services": h.client.Status(c.Request.Context()),
	})
}

// listRecords streams an OAI-PMH harvest. An error line carries a resume
// value that continues the harvest from the failed page.
func (h *handlers) listRecords(c *gin.Context) {
	oc, err := h.client.OAI()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var it *oai.Iterator
	if token := c.Query("resume"); token != "" {
		st, err := decodeState(token)
		if err != nil {
			badRequest(c, "invalid 'resume' parameter")
			return
		}
		it = oc.Resume(st)
	} else {
		from, ok := timeQuery(c, "from")
		if !ok {
			return
		}
		until, ok := timeQuery(c, "until")
		if !ok {
			return
		}
		it, err = oc.ListRecords(ctx, oai.Harvest{From: from, Until: until, Sets: c.QueryArray("set")})
		if err != nil {
			AbortWithError(c, err)
			return
		}
	}

	w := &ndjson{c: c}
	n := 0
	for rec, err := range it.All(ctx) {
		if err != nil {
			w.fail(err, gin.H{"resume": encodeState(it.State())})
			return
		}
		w.write(view(rec))
		n++
		if limit > 0 && n >= limit {
			return
		}
	}
	if !w.started {
		c.Header("Content-Type", "application/x-ndjson")
		c.Status(200)
	}
}

func (h *handlers) getRecord(c *gin.Context) {
	oc, err := h.client.OAI()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	rec, err := oc.GetRecord(c.Request.Context(), c.Param("doc"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(200, gin.H{"status": "success", "data": view(rec)})
}

func (h *handlers) systemNumbers(c *gin.Context) {
	xc, err := h.client.X()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	it, err := xc.FindSystemNumbers(ctx, c.Query("field"), c.Query("value"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	numbers := []string{}
	for sn, err := range it.All(ctx) {
		if err != nil {
			AbortWithError(c, err)
			return
		}
		numbers = append(numbers, sn)
		if limit > 0 && len(numbers) >= limit {
			break
		}
	}
	c.JSON(200, gin.H{"status": "success", "total": it.State().Total, "data": numbers})
}

func (h *handlers) systemNumber(c *gin.Context) {
	xc, err := h.client.X()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	sn, err := xc.FindSingleSystemNumber(c.Request.Context(), c.Query("field"), c.Query("value"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(200, gin.H{"status": "success", "system_number": sn})
}

// pages streams X-Server present pages, one line per page.
func (h *handlers) pages(c *gin.Context) {
	xc, err := h.client.X()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	pageSize, ok := intQuery(c, "page_size", 10)
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	it, err := xc.SearchPaginated(ctx, c.Query("field"), c.Query("value"), pageSize)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	w := &ndjson{c: c}
	n := 0
	for page, err := range it.All(ctx) {
		if err != nil {
			w.fail(err, nil)
			return
		}
		cur := it.State()
		w.write(gin.H{"offset": cur.Offset, "total": cur.Total, "records": views(page)})
		n++
		if limit > 0 && n >= limit {
			return
		}
	}
	if !w.started {
		c.Header("Content-Type", "application/x-ndjson")
		c.Status(200)
	}
}

func (h *handlers) z3950Search(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		badRequest(c, "missing 'q' parameter")
		return
	}
	limit, ok := intQuery(c, "limit", 10)
	if !ok {
		return
	}
	records, count, err := h.client.SearchZ3950(c.Request.Context(), q, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(200, gin.H{"status": "success", "count": count, "data": views(records)})
}
