package z3950

import (
	"context"

	"github.com/yourusername/aleph-gateway/pkg/z3950/session"
)

// Dialer opens initialised associations to one target. It is the toolkit
// behind session.Manager.
type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) *Dialer {
	cfg.ApplyDefaults()
	return &Dialer{cfg: cfg}
}

func (d *Dialer) Config() Config { return d.cfg }

func (d *Dialer) String() string { return d.cfg.String() }

func (d *Dialer) Open(ctx context.Context) (session.Conn, error) {
	c := NewClient(d.cfg)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Probe opens and closes an association.
func (d *Dialer) Probe(ctx context.Context) error {
	conn, err := d.Open(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}
