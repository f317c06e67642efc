// Package marc decodes the MARC payloads served by Aleph into a flat record:
// ISO 2709 over Z39.50, MARC21 slim XML over OAI-PMH and oai_marc over X-Server.
package marc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	subfieldDelimiter = 0x1f
	fieldTerminator   = 0x1e
	recordTerminator  = 0x1d
)

var isbnCleanRegex = regexp.MustCompile(`[^0-9xX]`)

type Subfield struct {
	Code  string `json:"code"`
	Value string `json:"value"`
}

// Field is a control field (Value only) or a data field (indicators and subfields).
// Value of a data field is its subfield values joined by spaces.
type Field struct {
	Tag       string     `json:"tag"`
	Ind1      string     `json:"ind1,omitempty"`
	Ind2      string     `json:"ind2,omitempty"`
	Value     string     `json:"value"`
	Subfields []Subfield `json:"subfields,omitempty"`
}

// IsControl reports whether the field is a 00X control field.
func (f Field) IsControl() bool {
	return strings.HasPrefix(f.Tag, "00")
}

// Subfield returns the first value of the given subfield code.
func (f Field) Subfield(code string) string {
	for _, s := range f.Subfields {
		if s.Code == code {
			return s.Value
		}
	}
	return ""
}

type Record struct {
	Leader string  `json:"leader"`
	Fields []Field `json:"fields"`
}

// ParseISO2709 decodes a binary MARC record. Payloads starting with '{' are
// treated as MARC-in-JSON, which some Z39.50 gateways return instead.
func ParseISO2709(data []byte) (*Record, error) {
	if len(data) > 0 && data[0] == '{' {
		return ParseJSON(data)
	}
	if len(data) < 24 {
		return nil, fmt.Errorf("data too short")
	}
	leader := string(data[:24])
	baseAddr, ok := digits(data[12:17])
	if !ok {
		return nil, fmt.Errorf("bad base addr %q", leader[12:17])
	}
	dirEnd := baseAddr - 1
	if dirEnd > len(data) || dirEnd < 24 {
		return nil, fmt.Errorf("bad directory")
	}
	directory := data[24:dirEnd]
	rec := &Record{Leader: leader}
	for i := 0; i+12 <= len(directory); i += 12 {
		entry := directory[i : i+12]
		tag := string(entry[:3])
		length, okLen := digits(entry[3:7])
		start, okStart := digits(entry[7:12])
		if !okLen || !okStart {
			return nil, fmt.Errorf("bad directory entry %q", entry)
		}
		fieldStart, fieldEnd := baseAddr+start, baseAddr+start+length
		if fieldEnd > len(data) {
			continue
		}
		valData := bytes.TrimSuffix(data[fieldStart:fieldEnd], []byte{fieldTerminator})
		rec.Fields = append(rec.Fields, decodeField(tag, valData))
	}
	return rec, nil
}

// digits parses an unsigned decimal directory number.
func digits(b []byte) (int, bool) {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, len(b) > 0
}

func decodeField(tag string, data []byte) Field {
	f := Field{Tag: tag}
	if strings.HasPrefix(tag, "00") {
		f.Value = DecodeText(data)
		return f
	}
	parts := bytes.Split(data, []byte{subfieldDelimiter})
	if ind := parts[0]; len(ind) >= 2 {
		f.Ind1, f.Ind2 = string(ind[0]), string(ind[1])
	}
	for _, p := range parts[1:] {
		if len(p) == 0 {
			continue
		}
		f.Subfields = append(f.Subfields, Subfield{Code: string(p[0]), Value: DecodeText(p[1:])})
	}
	f.Value = joinSubfields(f.Subfields)
	return f
}

func joinSubfields(subs []Subfield) string {
	vals := make([]string, 0, len(subs))
	for _, s := range subs {
		if v := strings.TrimSpace(s.Value); v != "" {
			vals = append(vals, v)
		}
	}
	return strings.Join(vals, " ")
}

// ParseJSON decodes the MARC-in-JSON serialisation.
func ParseJSON(data []byte) (*Record, error) {
	var mj struct {
		Leader string           `json:"leader"`
		Fields []map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(data, &mj); err != nil {
		return nil, err
	}

	rec := &Record{Leader: mj.Leader}
	for _, fMap := range mj.Fields {
		for tag, content := range fMap {
			f := Field{Tag: tag}
			switch v := content.(type) {
			case string:
				f.Value = v
			case map[string]any:
				f.Ind1, _ = v["ind1"].(string)
				f.Ind2, _ = v["ind2"].(string)
				subs, _ := v["subfields"].([]any)
				for _, s := range subs {
					sm, ok := s.(map[string]any)
					if !ok {
						continue
					}
					for code, sv := range sm {
						if svs, ok := sv.(string); ok {
							f.Subfields = append(f.Subfields, Subfield{Code: code, Value: svs})
						}
					}
				}
				f.Value = joinSubfields(f.Subfields)
			}
			if f.Value != "" {
				rec.Fields = append(rec.Fields, f)
			}
		}
	}
	return rec, nil
}

// ISO2709 serialises the record. The leader's length and base address are recomputed.
func (r *Record) ISO2709() []byte {
	var db, dir bytes.Buffer
	for _, f := range r.Fields {
		start := db.Len()
		if f.IsControl() {
			db.WriteString(f.Value)
		} else {
			db.WriteString(padIndicator(f.Ind1))
			db.WriteString(padIndicator(f.Ind2))
			for _, s := range f.Subfields {
				db.WriteByte(subfieldDelimiter)
				db.WriteString(s.Code)
				db.WriteString(s.Value)
			}
		}
		db.WriteByte(fieldTerminator)
		dir.WriteString(fmt.Sprintf("%s%04d%05d", f.Tag, db.Len()-start, start))
	}

	leader := r.Leader
	if len(leader) != 24 {
		leader = "00000nam a2200000 a 4500"
	}
	base := 24 + dir.Len() + 1
	total := base + db.Len() + 1
	leader = fmt.Sprintf("%05d", total) + leader[5:12] + fmt.Sprintf("%05d", base) + leader[17:]

	out := make([]byte, 0, total)
	out = append(out, leader...)
	out = append(out, dir.Bytes()...)
	out = append(out, fieldTerminator)
	out = append(out, db.Bytes()...)
	return append(out, recordTerminator)
}

func padIndicator(s string) string {
	if s == "" {
		return " "
	}
	return s[:1]
}

// FieldByTag returns the value of the first field with the tag.
func (r *Record) FieldByTag(tag string) string {
	for _, f := range r.Fields {
		if f.Tag == tag {
			return f.Value
		}
	}
	return ""
}

// ControlNumber is the 001 field, the Aleph system number in most bases.
func (r *Record) ControlNumber() string { return r.FieldByTag("001") }

func (r *Record) Title() string  { return r.FieldByTag("245") }
func (r *Record) Author() string { return r.FieldByTag("100") }

func (r *Record) Publisher() string {
	if v := r.FieldByTag("264"); v != "" {
		return v
	}
	return r.FieldByTag("260")
}

// ISBN returns the first ISBN with qualifiers and punctuation stripped.
func (r *Record) ISBN() string {
	raw := r.FieldByTag("020")
	if parts := strings.Fields(raw); len(parts) > 0 {
		raw = parts[0]
	}
	return isbnCleanRegex.ReplaceAllString(raw, "")
}
