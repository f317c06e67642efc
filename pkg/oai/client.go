// Package oai harvests an Aleph OAI-PMH endpoint.
//
// ListRecords walks resumption tokens set by set and yields records lazily.
// The continuation state is a plain value, so a harvest that failed
// mid-stream can be resumed from the last unconsumed token with Resume.
package oai

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/yourusername/aleph-gateway/pkg/catalog"
	"github.com/yourusername/aleph-gateway/pkg/marc"
	"github.com/yourusername/aleph-gateway/pkg/webclient"
)

// Date granularities defined by OAI-PMH.
const (
	GranularityDay    = "YYYY-MM-DD"
	GranularitySecond = "YYYY-MM-DDThh:mm:ssZ"
)

const defaultIdentifierTemplate = "oai:aleph.mzk.cz:{base}-{doc_number}"

type Config struct {
	webclient.Config `yaml:",inline"`

	Base               string   `yaml:"base" validate:"required"`
	Sets               []string `yaml:"sets"`
	MetadataPrefix     string   `yaml:"metadata_prefix"`
	IdentifierTemplate string   `yaml:"identifier_template"`
	Granularity        string   `yaml:"granularity" validate:"omitempty,oneof=YYYY-MM-DD YYYY-MM-DDThh:mm:ssZ"`
}

func (c *Config) ApplyDefaults() {
	c.Config.ApplyDefaults()
	if c.MetadataPrefix == "" {
		c.MetadataPrefix = "marc21"
	}
	if c.IdentifierTemplate == "" {
		c.IdentifierTemplate = defaultIdentifierTemplate
	}
	if c.Granularity == "" {
		c.Granularity = GranularitySecond
	}
}

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
		logger: slog.Default().With("component", "oai"),
	}
}

// IsAvailable sends Identify and reports false on any failure.
func (c *Client) IsAvailable(ctx context.Context) bool {
	err := c.web.Ping(ctx, url.Values{"verb": {VerbIdentify}})
	if err != nil {
		c.logger.Debug("identify failed", "error", err)
	}
	return err == nil
}

// GetRecord fetches one document of the configured base by its document number.
func (c *Client) GetRecord(ctx context.Context, docNumber string) (catalog.Record, error) {
	docNumber = strings.TrimSpace(docNumber)
	if docNumber == "" {
		return catalog.Record{}, &catalog.QueryError{Reason: "empty document number"}
	}
	identifier := c.identifier(docNumber)

	env, err := c.fetch(ctx, url.Values{
		"verb":           {VerbGetRecord},
		"metadataPrefix": {c.cfg.MetadataPrefix},
		"identifier":     {identifier},
	})
	if err != nil {
		return catalog.Record{}, err
	}
	if e := env.firstError(); e != nil {
		if e.Code == codeIDDoesNotExist {
			return catalog.Record{}, &catalog.NotFoundError{Kind: "record", ID: identifier}
		}
		return catalog.Record{}, &catalog.QueryError{Query: identifier, Reason: e.String()}
	}

	raw := env.GetRecord.Record
	if raw == nil || raw.Header == nil {
		return catalog.Record{}, &catalog.NotFoundError{Kind: "record", ID: identifier}
	}
	rec := c.decode(raw)
	if rec.Status == catalog.StatusActive && rec.MARC == nil {
		return catalog.Record{}, &catalog.NotFoundError{Kind: "record", ID: identifier}
	}
	return rec, nil
}

func (c *Client) identifier(docNumber string) string {
	return strings.NewReplacer("{base}", c.cfg.Base, "{doc_number}", docNumber).Replace(c.cfg.IdentifierTemplate)
}

func (c *Client) fetch(ctx context.Context, params url.Values) (*envelope, error) {
	body, err := c.web.Get(ctx, params)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, &catalog.TransportError{
			Op:  params.Get("verb"),
			URL: c.web.URL(),
			Err: fmt.Errorf("parse xml: %w", err),
		}
	}
	return &env, nil
}

// decode turns one OAI record into a catalog record. A header must be present.
func (c *Client) decode(r *oaiRecord) catalog.Record {
	h := r.Header
	id := documentID(strings.TrimSpace(h.Identifier))
	if h.Status == "deleted" {
		rec := catalog.NewRecord(id, catalog.StatusDeleted, catalog.FormatMARCXML, nil, nil)
		rec.Datestamp = parseDatestamp(h.Datestamp)
		return rec
	}

	inner := r.Metadata.Inner
	if len(strings.TrimSpace(string(inner))) == 0 {
		rec := catalog.NewRecord(id, catalog.StatusActive, catalog.FormatMARCXML, nil, nil)
		rec.Datestamp = parseDatestamp(h.Datestamp)
		return rec
	}

	status := catalog.StatusActive
	parsed, err := marc.ParseMARCXML(inner)
	if err != nil {
		c.logger.Error("failed to decode record", "identifier", h.Identifier, "error", err)
		c.logger.Debug("record content", "identifier", h.Identifier, "xml", string(inner))
		status = catalog.StatusFailed
	}
	rec := catalog.NewRecord(id, status, catalog.FormatMARCXML, inner, parsed)
	rec.Datestamp = parseDatestamp(h.Datestamp)
	return rec
}
