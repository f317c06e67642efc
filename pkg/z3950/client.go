// Package z3950 speaks the subset of Z39.50 needed to search an Aleph
// server and read its result set record by record: Init, Search, Present
// and Close, encoded as BER PDUs.
package z3950

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"

	"github.com/yourusername/aleph-gateway/pkg/catalog"
)

const resultSetName = "default"

var errNotConnected = errors.New("not connected")

type Config struct {
	Host     string        `yaml:"host" validate:"required"`
	Port     int           `yaml:"port" validate:"gte=0,lte=65535"`
	Database string        `yaml:"database" validate:"required"`
	Syntax   string        `yaml:"syntax" validate:"omitempty,oneof=MARC21 USMARC UNIMARC SUTRS XML"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 210
	}
	if c.Syntax == "" {
		c.Syntax = "MARC21"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Addr is the host:port the client dials.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String is the toolkit connection string host:port/database.
func (c Config) String() string {
	return c.Addr() + "/" + c.Database
}

// Format is the catalog format of the records the configured syntax returns.
func (c Config) Format() catalog.Format {
	switch strings.ToUpper(c.Syntax) {
	case "SUTRS":
		return catalog.FormatSUTRS
	case "XML":
		return catalog.FormatMARCXML
	default:
		return catalog.FormatISO2709
	}
}

func (c Config) syntaxOID() string {
	switch strings.ToUpper(c.Syntax) {
	case "SUTRS":
		return OIDSUTRS
	case "UNIMARC":
		return OIDUNIMARC
	case "XML":
		return OIDXML
	default:
		return OIDMARC21
	}
}

// Client is one Z39.50 association. It is not safe for concurrent use.
type Client struct {
	cfg    Config
	conn   net.Conn
	broken bool
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func NewClient(cfg Config) *Client {
	cfg.ApplyDefaults()
	return &Client{cfg: cfg, logger: slog.Default().With("component", "z3950", "target", cfg.String())}
}

// Connect dials the server. Failures are *catalog.ConnectionError.
func (c *Client) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr())
	if err != nil {
		return &catalog.ConnectionError{Addr: c.cfg.Addr(), Err: err}
	}
	c.conn = conn
	return nil
}

// Close sends a Close PDU and closes the socket. Only the first call does anything.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.conn == nil {
			return
		}
		if !c.broken {
			pdu := ber.Encode(ber.ClassContext, ber.TypeConstructed, TagClose, nil, "Close")
			pdu.AppendChild(ber.NewInteger(ber.ClassContext, ber.TypePrimitive, tagCloseReason, 0, "Reason"))
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			if _, err := c.conn.Write(pdu.Bytes()); err != nil {
				c.logger.Debug("close pdu not sent", "error", err)
			}
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// fail marks the association unusable and releases the socket.
func (c *Client) fail(err error) error {
	if !c.broken {
		c.broken = true
		if c.conn != nil {
			c.conn.Close()
		}
	}
	return &catalog.ConnectionError{Addr: c.cfg.Addr(), Err: err}
}

func (c *Client) sendPDU(ctx context.Context, pdu *ber.Packet) (*ber.Packet, error) {
	if c.conn == nil || c.broken {
		return nil, &catalog.ConnectionError{Addr: c.cfg.Addr(), Err: errNotConnected}
	}
	// Nothing has been sent yet, so the association is still in sync.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.Timeout)
	}
	c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	data := pdu.Bytes()
	c.logger.Debug("sending PDU", "tag", pdu.Tag, "hex", fmt.Sprintf("%X", data))
	if _, err := c.conn.Write(data); err != nil {
		return nil, c.fail(ctxErr(ctx, err))
	}
	pkt, err := ber.ReadPacket(c.conn)
	if err != nil {
		return nil, c.fail(ctxErr(ctx, err))
	}

	if pkt.Tag == TagClose {
		reason := "unknown"
		for _, child := range pkt.Children {
			if child.Tag == tagCloseReason {
				reason = fmt.Sprintf("code %d", decodeInt(child))
			}
		}
		return nil, c.fail(fmt.Errorf("server closed connection: %s", reason))
	}
	return pkt, nil
}

// ctxErr attributes an I/O error to the context when the context caused it.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w: %v", cerr, err)
	}
	if d, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) && !time.Now().Before(d) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

// Init negotiates protocol version 3 with search and present.
func (c *Client) Init(ctx context.Context) error {
	pdu := ber.Encode(ber.ClassContext, ber.TypeConstructed, TagInitializeRequest, nil, "InitializeRequest")

	// ProtocolVersion [3] IMPLICIT BIT STRING, v3 (bit 2) set.
	ver := ber.Encode(ber.ClassContext, ber.TypePrimitive, 3, nil, "ProtocolVersion")
	ver.Data.Write([]byte{0x00, 0x20})
	pdu.AppendChild(ver)

	// Options [4] IMPLICIT BIT STRING, search(0)|present(1).
	opts := ber.Encode(ber.ClassContext, ber.TypePrimitive, 4, nil, "Options")
	opts.Data.Write([]byte{0x00, 0xC0})
	pdu.AppendChild(opts)

	pdu.AppendChild(ber.NewInteger(ber.ClassContext, ber.TypePrimitive, 5, 1<<20, "PreferredMessageSize"))
	pdu.AppendChild(ber.NewInteger(ber.ClassContext, ber.TypePrimitive, 6, 1<<20, "MaximumRecordSize"))

	resp, err := c.sendPDU(ctx, pdu)
	if err != nil {
		return err
	}
	if resp.Tag != TagInitializeResponse {
		return c.fail(fmt.Errorf("unexpected response tag: %d", resp.Tag))
	}

	accepted := false
	for _, child := range resp.Children {
		// Result is [12] IMPLICIT BOOLEAN; some servers send a universal BOOLEAN.
		if (child.ClassType == ber.ClassContext && child.Tag == tagInitResult) ||
			(child.ClassType == ber.ClassUniversal && child.Tag == ber.TagBoolean) {
			if v, ok := child.Value.(bool); ok {
				accepted = v
			} else {
				accepted = len(child.Data.Bytes()) > 0 && child.Data.Bytes()[0] != 0
			}
		}
	}
	if !accepted {
		return c.fail(errors.New("server rejected connection (Init=False)"))
	}
	return nil
}

// decodeInt manually decodes a BER integer from a packet's data
func decodeInt(p *ber.Packet) int64 {
	if v, ok := p.Value.(int64); ok {
		return v
	}
	data := p.Data.Bytes()
	if len(data) == 0 {
		return 0
	}
	val := int64(int8(data[0]))
	for _, b := range data[1:] {
		val = (val << 8) | int64(b)
	}
	return val
}

// buildOperand creates a BER packet for a single search clause
func buildOperand(clause QueryClause) *ber.Packet {
	op := ber.Encode(ber.ClassContext, ber.TypeConstructed, 0, nil, "Operand")
	apt := ber.Encode(ber.ClassContext, ber.TypeConstructed, 102, nil, "AttributesPlusTerm")

	attrs := ber.Encode(ber.ClassContext, ber.TypeConstructed, 44, nil, "Attrs")
	for _, a := range clause.Attributes {
		attr := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attr")
		attr.AppendChild(ber.NewInteger(ber.ClassContext, ber.TypePrimitive, 120, int64(a.Type), "Type"))
		attr.AppendChild(ber.NewInteger(ber.ClassContext, ber.TypePrimitive, 121, int64(a.Value), "Value"))
		attrs.AppendChild(attr)
	}
	apt.AppendChild(attrs)
	apt.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 45, clause.Term, "Term"))

	op.AppendChild(apt)
	return op
}

func buildRPN(node QueryNode) *ber.Packet {
	switch n := node.(type) {
	case QueryClause:
		return buildOperand(n)
	case QueryComplex:
		complex := ber.Encode(ber.ClassContext, ber.TypeConstructed, 1, nil, "Complex")
		complex.AppendChild(buildRPN(n.Left))
		complex.AppendChild(buildRPN(n.Right))

		opTag := ber.Tag(0) // and
		switch n.Operator {
		case "OR":
			opTag = 1
		case "AND-NOT":
			opTag = 2
		}
		op := ber.Encode(ber.ClassContext, ber.TypeConstructed, 46, nil, "Operator")
		op.AppendChild(ber.Encode(ber.ClassContext, ber.TypePrimitive, opTag, nil, "OpCode"))
		complex.AppendChild(op)
		return complex
	}
	return nil
}

// Search runs a PQF query into the default result set and returns the hit
// count. A malformed query fails before any I/O; a query the server rejects
// is a *catalog.QueryError and leaves the association usable.
func (c *Client) Search(ctx context.Context, pqf string) (int, error) {
	query, err := ParsePQF(pqf)
	if err != nil {
		return 0, err
	}

	pdu := ber.Encode(ber.ClassContext, ber.TypeConstructed, TagSearchRequest, nil, "SearchRequest")
	pdu.AppendChild(ber.NewInteger(ber.ClassContext, ber.TypePrimitive, 13, 0, "SmallSetUpperBound"))
	pdu.AppendChild(ber.NewInteger(ber.ClassContext, ber.TypePrimitive, 14, 1, "LargeSetLowerBound"))
	pdu.AppendChild(ber.NewInteger(ber.ClassContext, ber.TypePrimitive, 15, 0, "MediumSetPresentNumber"))
	pdu.AppendChild(ber.NewBoolean(ber.ClassContext, ber.TypePrimitive, 16, true, "ReplaceIndicator"))
	pdu.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 17, resultSetName, "ResultSetName"))

	dbs := ber.Encode(ber.ClassContext, ber.TypeConstructed, 18, nil, "DatabaseNames")
	dbs.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 105, c.cfg.Database, "DatabaseName"))
	pdu.AppendChild(dbs)

	searchQuery := ber.Encode(ber.ClassContext, ber.TypeConstructed, 21, nil, "SearchQuery")
	rpnQuery := ber.Encode(ber.ClassContext, ber.TypeConstructed, 1, nil, "RPNQuery")
	rpnQuery.AppendChild(ber.NewOID(ber.ClassUniversal, ber.TypePrimitive, ber.TagObjectIdentifier, query.AttributeSet, "AttributeSetId"))
	rpnQuery.AppendChild(buildRPN(query.Root))
	searchQuery.AppendChild(rpnQuery)
	pdu.AppendChild(searchQuery)

	resp, err := c.sendPDU(ctx, pdu)
	if err != nil {
		return 0, err
	}
	if resp.Tag != TagSearchResponse {
		return 0, c.fail(fmt.Errorf("unexpected search response: %d", resp.Tag))
	}

	count, status := 0, true
	var diag *diagnostic
	for _, child := range resp.Children {
		switch child.Tag {
		case tagResultCount:
			count = int(decodeInt(child))
		case tagSearchStatus:
			status = len(child.Data.Bytes()) > 0 && child.Data.Bytes()[0] != 0
		case tagNonSurrogateDiag, tagMultipleDiags:
			diag = parseDiagnostic(child)
		}
	}
	if diag != nil || !status {
		qe := &catalog.QueryError{Query: pqf, Reason: "search rejected by server"}
		if diag != nil {
			qe.Code = diag.condition
			if diag.addInfo != "" {
				qe.Reason = diag.addInfo
			}
		}
		return 0, qe
	}
	c.logger.Debug("search", "query", pqf, "count", count)
	return count, nil
}

// Fetch presents the record at the 1-based position of the current result
// set and returns its payload. A record the server cannot deliver is a
// *catalog.NotFoundError.
func (c *Client) Fetch(ctx context.Context, position int) ([]byte, error) {
	if position < 1 {
		return nil, &catalog.NotFoundError{Kind: "record position", ID: strconv.Itoa(position)}
	}

	pdu := ber.Encode(ber.ClassContext, ber.TypeConstructed, TagPresentRequest, nil, "PresentRequest")
	pdu.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 31, resultSetName, "ResultSetId"))
	pdu.AppendChild(ber.NewInteger(ber.ClassContext, ber.TypePrimitive, 30, int64(position), "ResultSetStartPoint"))
	pdu.AppendChild(ber.NewInteger(ber.ClassContext, ber.TypePrimitive, 29, 1, "NumberOfRecordsRequested"))
	pdu.AppendChild(ber.NewOID(ber.ClassContext, ber.TypePrimitive, 104, c.cfg.syntaxOID(), "PreferredRecordSyntax"))

	resp, err := c.sendPDU(ctx, pdu)
	if err != nil {
		return nil, err
	}
	if resp.Tag != TagPresentResponse {
		return nil, c.fail(fmt.Errorf("unexpected present response: %d", resp.Tag))
	}

	notFound := &catalog.NotFoundError{Kind: "record position", ID: strconv.Itoa(position)}
	for _, child := range resp.Children {
		switch child.Tag {
		case tagResponseRecords:
			if len(child.Children) == 0 {
				return nil, notFound
			}
			if payload, ok := recordPayload(child.Children[0]); ok {
				return payload, nil
			}
			c.logger.Warn("no payload in record", "position", position)
			return nil, notFound
		case tagNonSurrogateDiag, tagMultipleDiags:
			d := parseDiagnostic(child)
			if d != nil && d.condition != diagPresentOutOfRange {
				return nil, &catalog.QueryError{Reason: "present rejected: " + d.addInfo, Code: d.condition}
			}
			return nil, notFound
		}
	}
	return nil, notFound
}

// recordPayload digs the record bytes out of a NamePlusRecord. A surrogate
// diagnostic in place of the record yields ok=false.
func recordPayload(npr *ber.Packet) ([]byte, bool) {
	for _, child := range npr.Children {
		if child.ClassType != ber.ClassContext || child.Tag != 1 {
			continue
		}
		for _, rec := range child.Children {
			if rec.ClassType == ber.ClassContext && rec.Tag == tagSurrogateDiagnosis {
				return nil, false
			}
		}
		if payload := findOctetString(child); payload != nil {
			return payload, true
		}
	}
	return nil, false
}

func findOctetString(p *ber.Packet) []byte {
	if p.Tag == ber.TagOctetString && p.ClassType == ber.ClassUniversal {
		return p.Data.Bytes()
	}
	// EXTERNAL carries the record either octet-aligned [1] or as a
	// single ASN.1 value [0], which is how SUTRS text arrives.
	if p.Tag == ber.TagExternal && p.ClassType == ber.ClassUniversal {
		for _, child := range p.Children {
			if child.ClassType != ber.ClassContext {
				continue
			}
			switch child.Tag {
			case 1:
				return child.Data.Bytes()
			case 0:
				if len(child.Children) > 0 {
					if res := findOctetString(child.Children[0]); res != nil {
						return res
					}
					return child.Children[0].Data.Bytes()
				}
			}
		}
	}

	for _, child := range p.Children {
		if res := findOctetString(child); res != nil {
			return res
		}
	}
	return nil
}

type diagnostic struct {
	condition int
	addInfo   string
}

// parseDiagnostic reads a DefaultDiagFormat, or the first one of a list.
func parseDiagnostic(p *ber.Packet) *diagnostic {
	d := &diagnostic{}
	found := false
	var walk func(*ber.Packet)
	walk = func(p *ber.Packet) {
		if found {
			return
		}
		if p.ClassType == ber.ClassUniversal && p.Tag == ber.TagInteger {
			d.condition = int(decodeInt(p))
			found = true
			return
		}
		for _, child := range p.Children {
			walk(child)
		}
	}
	walk(p)
	if !found {
		return nil
	}
	for _, child := range p.Children {
		if child.ClassType == ber.ClassUniversal && (child.Tag == ber.TagVisibleString || child.Tag == ber.TagGeneralString) {
			d.addInfo = string(child.Data.Bytes())
		}
	}
	return d
}
