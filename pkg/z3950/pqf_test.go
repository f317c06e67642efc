package z3950

import (
	"errors"
	"reflect"
	"testing"

	"github.com/yourusername/aleph-gateway/pkg/catalog"
)

func TestParsePQF(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		attrSet string
		root    QueryNode
	}{
		{
			name:    "bare term",
			input:   "krakatit",
			attrSet: OIDBib1,
			root:    QueryClause{Term: "krakatit"},
		},
		{
			name:    "attributes and quoted term",
			input:   `@attr 1=4 @attr 5=1 "valka s mloky"`,
			attrSet: OIDBib1,
			root: QueryClause{
				Attributes: []AttributeElement{{Type: AttrUse, Value: UseAttributeTitle}, {Type: AttrTruncate, Value: 1}},
				Term:       "valka s mloky",
			},
		},
		{
			name:    "attribute set and boolean tree",
			input:   `@attrset bib-1 @and @attr 1=4 krakatit @or @attr 1=1003 capek "\"karel\""`,
			attrSet: OIDBib1,
			root: QueryComplex{
				Operator: "AND",
				Left:     QueryClause{Attributes: []AttributeElement{{Type: 1, Value: 4}}, Term: "krakatit"},
				Right: QueryComplex{
					Operator: "OR",
					Left:     QueryClause{Attributes: []AttributeElement{{Type: 1, Value: 1003}}, Term: "capek"},
					Right:    QueryClause{Term: `"karel"`},
				},
			},
		},
		{
			name:    "not with dotted attribute set",
			input:   `@attrset 1.2.840.10003.3.5 @not a b`,
			attrSet: "1.2.840.10003.3.5",
			root:    QueryComplex{Operator: "AND-NOT", Left: QueryClause{Term: "a"}, Right: QueryClause{Term: "b"}},
		},
		{
			name:    "attribute with its own set",
			input:   `@attr bib-1 1=12 000960080`,
			attrSet: OIDBib1,
			root:    QueryClause{Attributes: []AttributeElement{{Type: 1, Value: UseAttributeLocalNumber}}, Term: "000960080"},
		},
		{
			name:    "quoted operator is a term",
			input:   `"@and"`,
			attrSet: OIDBib1,
			root:    QueryClause{Term: "@and"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			q, err := ParsePQF(tc.input)
			if err != nil {
				t.Fatalf("ParsePQF(%q): %v", tc.input, err)
			}
			if q.AttributeSet != tc.attrSet {
				t.Errorf("attribute set = %q, want %q", q.AttributeSet, tc.attrSet)
			}
			if !reflect.DeepEqual(q.Root, tc.root) {
				t.Errorf("root = %#v\nwant %#v", q.Root, tc.root)
			}
		})
	}
}

func TestParsePQFErrors(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"@and onlyone",
		`"unterminated`,
		"@attr 1=4",
		"@attr x=4 term",
		"@attr 1=abc term",
		"@attrset nosuchset term",
		"@attrset",
		"@prox 0 1 0 2 k 2 a b",
		"one two",
	}
	for _, in := range inputs {
		_, err := ParsePQF(in)
		var qe *catalog.QueryError
		if !errors.As(err, &qe) {
			t.Errorf("ParsePQF(%q) = %v, want *QueryError", in, err)
			continue
		}
		if qe.Query != in {
			t.Errorf("QueryError.Query = %q, want %q", qe.Query, in)
		}
	}
}
