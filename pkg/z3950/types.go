package z3950

// PDU Tags
const (
	TagInitializeRequest  = 20
	TagInitializeResponse = 21
	TagSearchRequest      = 22
	TagSearchResponse     = 23
	TagPresentRequest     = 24
	TagPresentResponse    = 25
	TagClose              = 48
)

// Field tags inside the PDUs above.
const (
	tagResultCount        = 23
	tagSearchStatus       = 22
	tagResponseRecords    = 28
	tagNonSurrogateDiag   = 130
	tagMultipleDiags      = 205
	tagRetrievalRecord    = 1
	tagSurrogateDiagnosis = 2
	tagCloseReason        = 211
	tagInitResult         = 12
)

// Object identifiers of the attribute set and record syntaxes we speak.
const (
	OIDBib1    = "1.2.840.10003.3.1"
	OIDMARC21  = "1.2.840.10003.5.10" // MARC 21 (USMARC)
	OIDUNIMARC = "1.2.840.10003.5.1"
	OIDSUTRS   = "1.2.840.10003.5.101" // Simple Unstructured Text
	OIDXML     = "1.2.840.10003.5.109.10"
)

// diagPresentOutOfRange is the Bib-1 diagnostic for a position past the result set.
const diagPresentOutOfRange = 13

// Bib-1 attribute types.
const (
	AttrUse       = 1
	AttrRelation  = 2
	AttrPosition  = 3
	AttrStructure = 4
	AttrTruncate  = 5
	AttrComplete  = 6
)

// Bib1UseAttributes maps common Z39.50 Use attributes to their integer values.
const (
	UseAttributePersonalName = 1
	UseAttributeTitle        = 4
	UseAttributeISBN         = 7
	UseAttributeISSN         = 8
	UseAttributeLocalNumber  = 12
	UseAttributeSubject      = 21
	UseAttributeDatePub      = 31
	UseAttributeAuthor       = 1003
	UseAttributeAny          = 1016
)

// QueryNode is the interface for nodes in the query tree (Leaf or Complex).
type QueryNode interface {
	isQueryNode()
}

// AttributeElement is one "@attr type=value" of a clause.
type AttributeElement struct {
	Type  int
	Value int
}

// QueryClause represents a leaf node (a single search term).
type QueryClause struct {
	Attributes []AttributeElement
	Term       string
}

func (QueryClause) isQueryNode() {}

// QueryComplex represents a branch node (boolean operation).
type QueryComplex struct {
	Operator string // "AND", "OR", "AND-NOT"
	Left     QueryNode
	Right    QueryNode
}

func (QueryComplex) isQueryNode() {}

// Query is a parsed PQF query.
type Query struct {
	AttributeSet string
	Root         QueryNode
}
