// Package postgresx backs core.Cache with a Postgres table, for
// deployments that already run Postgres and would rather not add Redis
// as an operational dependency. It trades the sub-millisecond latency of
// an in-memory or Redis backend for one fewer moving part.
package postgresx

import (
	"fmt"
	"strings"

	"github.com/oliveiracleidson/distwork/core"
)

// Config follows the fluent *Config shape used throughout this module
// (NewXConfig / WithDefaults / SetX).
type Config struct {
	Schema                  string
	TableName               string
	CreateSchemaIfNotExists bool
}

// NewConfig returns a Config with WithDefaults() applied.
//
// CreateSchemaIfNotExists is true by default.
func NewConfig() *Config {
	return (&Config{CreateSchemaIfNotExists: true}).WithDefaults()
}

// WithDefaults fills zero-valued fields and returns the same instance.
//
// Defaults:
//
// - Schema: public
//
// - TableName: distwork_cache
func (c *Config) WithDefaults() *Config {
	if c.Schema == "" {
		c.Schema = "public"
	}
	if c.TableName == "" {
		c.TableName = "distwork_cache"
	}
	return c
}

func (c *Config) SetSchema(v string) *Config    { c.Schema = v; return c }
func (c *Config) SetTableName(v string) *Config { c.TableName = v; return c }
func (c *Config) SetCreateSchemaIfNotExists(v bool) *Config {
	c.CreateSchemaIfNotExists = v
	return c
}

func (c *Config) Validate() error {
	var msgs []string
	if c.Schema == "" {
		msgs = append(msgs, "Schema is required")
	}
	if c.TableName == "" {
		msgs = append(msgs, "TableName is required")
	}
	if len(msgs) > 0 {
		return fmt.Errorf("%w: %s", core.ErrConfigurationInvalid, strings.Join(msgs, ", "))
	}
	return nil
}

func (c *Config) qualifiedTable() string {
	return fmt.Sprintf(`"%s"."%s"`, c.Schema, c.TableName)
}
