package marc

import (
	"encoding/xml"
	"fmt"
	"strings"
)

type slimRecord struct {
	XMLName       xml.Name        `xml:"record"`
	Leader        string          `xml:"leader"`
	ControlFields []slimControl   `xml:"controlfield"`
	DataFields    []slimDataField `xml:"datafield"`
}

type slimControl struct {
	Tag   string `xml:"tag,attr"`
	Value string `xml:",chardata"`
}

type slimDataField struct {
	Tag       string         `xml:"tag,attr"`
	Ind1      string         `xml:"ind1,attr"`
	Ind2      string         `xml:"ind2,attr"`
	Subfields []slimSubfield `xml:"subfield"`
}

type slimSubfield struct {
	Code  string `xml:"code,attr"`
	Value string `xml:",chardata"`
}

// ParseMARCXML decodes a MARC21 slim <record> element.
func ParseMARCXML(data []byte) (*Record, error) {
	var sr slimRecord
	if err := xml.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("parse marcxml: %w", err)
	}
	if sr.Leader == "" && len(sr.ControlFields) == 0 && len(sr.DataFields) == 0 {
		return nil, fmt.Errorf("parse marcxml: empty record")
	}

	rec := &Record{Leader: sr.Leader}
	for _, cf := range sr.ControlFields {
		rec.Fields = append(rec.Fields, Field{Tag: cf.Tag, Value: cf.Value})
	}
	for _, df := range sr.DataFields {
		f := Field{Tag: df.Tag, Ind1: strings.TrimSpace(df.Ind1), Ind2: strings.TrimSpace(df.Ind2)}
		for _, s := range df.Subfields {
			f.Subfields = append(f.Subfields, Subfield{Code: s.Code, Value: s.Value})
		}
		f.Value = joinSubfields(f.Subfields)
		rec.Fields = append(rec.Fields, f)
	}
	return rec, nil
}

type oaiMARC struct {
	XMLName   xml.Name      `xml:"oai_marc"`
	FixFields []oaiFixField `xml:"fixfield"`
	VarFields []oaiVarField `xml:"varfield"`
}

type oaiFixField struct {
	ID    string `xml:"id,attr"`
	Value string `xml:",chardata"`
}

type oaiVarField struct {
	ID        string        `xml:"id,attr"`
	I1        string        `xml:"i1,attr"`
	I2        string        `xml:"i2,attr"`
	Subfields []oaiSubfield `xml:"subfield"`
}

type oaiSubfield struct {
	Label string `xml:"label,attr"`
	Value string `xml:",chardata"`
}

// ParseOAIMARC decodes the Aleph-specific <oai_marc> element returned by
// X-Server present. Fixfield LDR becomes the leader; Aleph-local tags such
// as SYS or CAT are kept as ordinary fields.
func ParseOAIMARC(data []byte) (*Record, error) {
	var om oaiMARC
	if err := xml.Unmarshal(data, &om); err != nil {
		return nil, fmt.Errorf("parse oai_marc: %w", err)
	}

	rec := &Record{}
	for _, ff := range om.FixFields {
		if ff.ID == "LDR" {
			rec.Leader = ff.Value
			continue
		}
		rec.Fields = append(rec.Fields, Field{Tag: ff.ID, Value: ff.Value})
	}
	for _, vf := range om.VarFields {
		f := Field{Tag: vf.ID, Ind1: strings.TrimSpace(vf.I1), Ind2: strings.TrimSpace(vf.I2)}
		for _, s := range vf.Subfields {
			f.Subfields = append(f.Subfields, Subfield{Code: s.Label, Value: s.Value})
		}
		f.Value = joinSubfields(f.Subfields)
		rec.Fields = append(rec.Fields, f)
	}
	return rec, nil
}
