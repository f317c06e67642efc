package oai

import (
	"encoding/xml"
	"strings"
	"time"
)

// Verbs used against the Aleph OAI endpoint.
const (
	VerbIdentify    = "Identify"
	VerbGetRecord   = "GetRecord"
	VerbListRecords = "ListRecords"
)

// OAI-PMH error codes with special meaning to the harvester.
const (
	codeNoRecordsMatch = "noRecordsMatch"
	codeIDDoesNotExist = "idDoesNotExist"
)

// XML structures for OAI-PMH parsing

type envelope struct {
	XMLName     xml.Name       `xml:"OAI-PMH"`
	Errors      []oaiError     `xml:"error"`
	ListRecords oaiListRecords `xml:"ListRecords"`
	GetRecord   oaiGetRecord   `xml:"GetRecord"`
}

func (e *envelope) firstError() *oaiError {
	if len(e.Errors) == 0 {
		return nil
	}
	return &e.Errors[0]
}

type oaiError struct {
	Code  string `xml:"code,attr"`
	Value string `xml:",chardata"`
}

func (e *oaiError) String() string {
	if msg := strings.TrimSpace(e.Value); msg != "" {
		return e.Code + ": " + msg
	}
	return e.Code
}

type oaiListRecords struct {
	Records         []oaiRecord        `xml:"record"`
	ResumptionToken oaiResumptionToken `xml:"resumptionToken"`
}

type oaiGetRecord struct {
	Record *oaiRecord `xml:"record"`
}

type oaiResumptionToken struct {
	Value            string `xml:",chardata"`
	CompleteListSize int    `xml:"completeListSize,attr"`
	Cursor           int    `xml:"cursor,attr"`
}

type oaiRecord struct {
	Header   *oaiHeader  `xml:"header"`
	Metadata oaiMetadata `xml:"metadata"`
}

type oaiHeader struct {
	Status     string   `xml:"status,attr"`
	Identifier string   `xml:"identifier"`
	Datestamp  string   `xml:"datestamp"`
	SetSpec    []string `xml:"setSpec"`
}

type oaiMetadata struct {
	Inner []byte `xml:",innerxml"`
}

func parseDatestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02", s)
	return t
}

// documentID strips the repository prefix from an OAI identifier:
// "oai:aleph.mzk.cz:MZK01-000960080" becomes "MZK01-000960080".
func documentID(identifier string) string {
	if i := strings.LastIndexByte(identifier, ':'); i >= 0 {
		return identifier[i+1:]
	}
	return identifier
}
