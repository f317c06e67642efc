package aleph

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/yourusername/aleph-gateway/pkg/oai"
	"github.com/yourusername/aleph-gateway/pkg/webclient"
	"github.com/yourusername/aleph-gateway/pkg/xserver"
	"github.com/yourusername/aleph-gateway/pkg/z3950"
	"github.com/yourusername/aleph-gateway/pkg/z3950/pool"
)

// Config selects the services of one Aleph base. A nil service is not
// configured; at least one must be present.
type Config struct {
	Base  string          `yaml:"base" validate:"required"`
	OAI   *oai.Config     `yaml:"oai"`
	X     *xserver.Config `yaml:"x"`
	Z3950 *z3950.Config   `yaml:"z3950"`
	Pool  pool.Config     `yaml:"pool"`
}

var errNoService = errors.New("at least one of oai, x or z3950 must be configured")

var validate = validator.New()

// Validate fills the per-service base (the Z39.50 database name included)
// from Base and checks the whole tree.
func (c *Config) Validate() error {
	if c.OAI == nil && c.X == nil && c.Z3950 == nil {
		return errNoService
	}
	if c.OAI != nil && c.OAI.Base == "" {
		c.OAI.Base = c.Base
	}
	if c.X != nil && c.X.Base == "" {
		c.X.Base = c.Base
	}
	if c.Z3950 != nil && c.Z3950.Database == "" {
		c.Z3950.Database = c.Base
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid aleph config: %w", err)
	}
	return nil
}

// LoadConfig reads a YAML file. Environment references like ${ALEPH_HOST}
// are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFromEnv builds a config from ALEPH_* variables. A service is
// configured when its endpoint (or, for Z39.50, its host) is set.
//
//	ALEPH_HOST, ALEPH_BASE, ALEPH_TIMEOUT, ALEPH_TOTAL_RETRY
//	ALEPH_OAI_ENDPOINT, ALEPH_OAI_SETS, ALEPH_OAI_IDENTIFIER_TEMPLATE
//	ALEPH_X_ENDPOINT, ALEPH_X_PAGE_SIZE
//	ALEPH_Z3950_HOST, ALEPH_Z3950_PORT, ALEPH_Z3950_DATABASE, ALEPH_Z3950_SYNTAX
func ConfigFromEnv() (Config, error) {
	cfg := Config{Base: os.Getenv("ALEPH_BASE")}

	web := webclient.DefaultConfig()
	web.Host = os.Getenv("ALEPH_HOST")
	if v := os.Getenv("ALEPH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("ALEPH_TIMEOUT: %w", err)
		}
		web.Timeout = d
	}
	if v := os.Getenv("ALEPH_TOTAL_RETRY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("ALEPH_TOTAL_RETRY: %w", err)
		}
		web.TotalRetry = n
	}

	if ep := os.Getenv("ALEPH_OAI_ENDPOINT"); ep != "" {
		o := &oai.Config{Config: web, IdentifierTemplate: os.Getenv("ALEPH_OAI_IDENTIFIER_TEMPLATE")}
		o.Endpoint = ep
		if sets := os.Getenv("ALEPH_OAI_SETS"); sets != "" {
			for _, s := range strings.Split(sets, ",") {
				if s = strings.TrimSpace(s); s != "" {
					o.Sets = append(o.Sets, s)
				}
			}
		}
		cfg.OAI = o
	}

	if ep := os.Getenv("ALEPH_X_ENDPOINT"); ep != "" {
		x := &xserver.Config{Config: web}
		x.Endpoint = ep
		if v := os.Getenv("ALEPH_X_PAGE_SIZE"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("ALEPH_X_PAGE_SIZE: %w", err)
			}
			x.PageSize = n
		}
		cfg.X = x
	}

	if host := os.Getenv("ALEPH_Z3950_HOST"); host != "" {
		z := &z3950.Config{
			Host:     host,
			Database: os.Getenv("ALEPH_Z3950_DATABASE"),
			Syntax:   os.Getenv("ALEPH_Z3950_SYNTAX"),
		}
		if v := os.Getenv("ALEPH_Z3950_PORT"); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("ALEPH_Z3950_PORT: %w", err)
			}
			z.Port = port
		}
		cfg.Z3950 = z
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
