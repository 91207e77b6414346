package queue

import (
	"fmt"
	"time"

	"github.com/oliveiracleidson/distwork/core"
)

const (
	minMaintenancePeriod = 100 * time.Millisecond
	maxMaintenancePeriod = 30 * time.Second
)

// Config follows the teacher's fluent *Config shape
// (PostgresLockerConfig's NewXConfig / WithDefaults / SetX pattern).
type Config struct {
	WorkItemTimeout    time.Duration
	Retries            int
	RetryDelay         time.Duration
	DeadLetterMaxItems int

	// MaintenancePeriod, if zero, is derived from WorkItemTimeout per
	// §9's standardized policy: clamp(work_item_timeout/2, 100ms, 30s).
	MaintenancePeriod time.Duration
}

// NewConfig returns a Config with WithDefaults() applied.
func NewConfig() *Config {
	return (&Config{Retries: unsetRetries}).WithDefaults()
}

// unsetRetries marks Retries as not yet defaulted, so an explicit
// SetRetries(0) (spec scenarios with zero retries) survives
// WithDefaults instead of being clobbered back to the default.
const unsetRetries = -1

// WithDefaults fills zero-valued fields and returns the same instance.
//
// Defaults:
//
// - WorkItemTimeout: 60s
//
// - Retries: 2 (applied only while Retries is negative, as NewConfig
// leaves it; an explicit 0 is kept)
//
// - RetryDelay: 0 (immediate re-enqueue on abandon)
//
// - DeadLetterMaxItems: 100
func (c *Config) WithDefaults() *Config {
	if c.WorkItemTimeout <= 0 {
		c.WorkItemTimeout = 60 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 2
	}
	if c.DeadLetterMaxItems <= 0 {
		c.DeadLetterMaxItems = 100
	}
	return c
}

func (c *Config) SetWorkItemTimeout(v time.Duration) *Config { c.WorkItemTimeout = v; return c }
func (c *Config) SetRetries(v int) *Config                   { c.Retries = v; return c }
func (c *Config) SetRetryDelay(v time.Duration) *Config      { c.RetryDelay = v; return c }
func (c *Config) SetDeadLetterMaxItems(v int) *Config        { c.DeadLetterMaxItems = v; return c }
func (c *Config) SetMaintenancePeriod(v time.Duration) *Config {
	c.MaintenancePeriod = v
	return c
}

func (c *Config) Validate() error {
	if c.WorkItemTimeout <= 0 {
		return fmt.Errorf("%w: WorkItemTimeout must be > 0", core.ErrConfigurationInvalid)
	}
	if c.Retries < 0 {
		return fmt.Errorf("%w: Retries must be >= 0", core.ErrConfigurationInvalid)
	}
	if c.DeadLetterMaxItems <= 0 {
		return fmt.Errorf("%w: DeadLetterMaxItems must be > 0", core.ErrConfigurationInvalid)
	}
	return nil
}

func (c *Config) maintenancePeriod() time.Duration {
	if c.MaintenancePeriod > 0 {
		return c.MaintenancePeriod
	}
	p := c.WorkItemTimeout / 2
	if p < minMaintenancePeriod {
		return minMaintenancePeriod
	}
	if p > maxMaintenancePeriod {
		return maxMaintenancePeriod
	}
	return p
}
