package xserver

import (
	"encoding/xml"
	"strconv"
	"strings"
)

// Operations of the X-Server API used here.
const (
	opPing    = "ping"
	opFind    = "find"
	opPresent = "present"
)

// emptySet is the error text X-Server returns for a search without hits.
const emptySet = "empty set"

type findResponse struct {
	XMLName   xml.Name
	SetNumber string `xml:"set_number"`
	NoRecords string `xml:"no_records"`
	NoEntries string `xml:"no_entries"`
	SessionID string `xml:"session-id"`
	Error     string `xml:"error"`
	H1        string `xml:"h1"`
	BodyH1    string `xml:"body>h1"`
}

// count reads the hit count; X-Server pads it with zeros.
func (r *findResponse) count() int {
	for _, s := range []string{r.NoRecords, r.NoEntries} {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n
		}
	}
	return 0
}

func (r *findResponse) message() string {
	for _, s := range []string{r.Error, r.H1, r.BodyH1} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return "unexpected response"
}

type presentResponse struct {
	XMLName   xml.Name        `xml:"present"`
	Records   []presentRecord `xml:"record"`
	SessionID string          `xml:"session-id"`
	Error     string          `xml:"error"`
}

type presentRecord struct {
	DocNumber string `xml:"doc_number"`
	Metadata  struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"metadata"`
}
