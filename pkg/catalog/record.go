// Package catalog holds the record and error model shared by the OAI-PMH,
// X-Server and Z39.50 clients.
package catalog

import (
	"bytes"
	"time"

	"github.com/yourusername/aleph-gateway/pkg/marc"
)

// Status mirrors the state of a record in the Aleph base.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
	StatusFailed  Status = "failed"
)

// Format names the payload serialisation in Record.Raw.
type Format string

const (
	FormatMARCXML Format = "marcxml"
	FormatOAIMARC Format = "oai_marc"
	FormatISO2709 Format = "iso2709"
	FormatSUTRS   Format = "sutrs"
)

// Record is one bibliographic unit yielded by a client. Clients hand over
// ownership on yield and keep no reference to Raw or MARC.
type Record struct {
	ID        string       `json:"id"`
	Status    Status       `json:"status"`
	Format    Format       `json:"format"`
	Datestamp time.Time    `json:"datestamp,omitzero"`
	Raw       []byte       `json:"-"`
	MARC      *marc.Record `json:"marc,omitempty"`
}

// NewRecord copies raw so the caller's buffer may be reused.
func NewRecord(id string, status Status, format Format, raw []byte, rec *marc.Record) Record {
	return Record{
		ID:     id,
		Status: status,
		Format: format,
		Raw:    bytes.Clone(raw),
		MARC:   rec,
	}
}
