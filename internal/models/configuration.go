package models

import (
	"fmt"
	"time"
)

// Cadence is the recurrence pattern of scheduled backups.
type Cadence string

// Supported cadences.
const (
	CadenceHourly Cadence = "hourly"
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

// Valid reports whether c is a known cadence.
func (c Cadence) Valid() bool {
	switch c {
	case CadenceHourly, CadenceDaily, CadenceWeekly:
		return true
	}
	return false
}

// Configuration is one managed appliance and its backup policy.
type Configuration struct {
	ID         int64
	Name       string
	Cadence    Cadence
	Hour       int // daily/weekly only
	Minute     int
	DayOfWeek  int // 0=Monday..6=Sunday, weekly only
	KeepCount  int // 0 = unbounded
	MaxAgeDays int // 0 = unbounded
	Active     bool

	LastSuccessAt *time.Time
	LastError     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the configuration invariants.
func (c Configuration) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("configuration name is required")
	}
	if !c.Cadence.Valid() {
		return fmt.Errorf("configuration %q: cadence must be one of: hourly, daily, weekly", c.Name)
	}
	if c.Hour < 0 || c.Hour > 23 {
		return fmt.Errorf("configuration %q: hour must be between 0 and 23", c.Name)
	}
	if c.Minute < 0 || c.Minute > 59 {
		return fmt.Errorf("configuration %q: minute must be between 0 and 59", c.Name)
	}
	if c.DayOfWeek < 0 || c.DayOfWeek > 6 {
		return fmt.Errorf("configuration %q: day_of_week must be between 0 (Monday) and 6 (Sunday)", c.Name)
	}
	if c.KeepCount < 0 {
		return fmt.Errorf("configuration %q: keep_count must not be negative", c.Name)
	}
	if c.MaxAgeDays < 0 {
		return fmt.Errorf("configuration %q: max_age_days must not be negative", c.Name)
	}
	return nil
}
