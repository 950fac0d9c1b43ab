// Package config holds the server settings. Values come from flags, with
// PIXELGRID_* environment variables as fallback for flags left unset.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/astromechza/pixelgrid/pkg/grid"
)

var ErrInvalid = errors.New("config: invalid value")

const EnvPrefix = "PIXELGRID_"

type Config struct {
	StoreURL   string
	ListenAddr string
	StaticDir  string
	MDNS       bool

	Cooldown            time.Duration
	GrowthInterval      time.Duration
	GrowthCheckInterval time.Duration
	RandomizeInterval   time.Duration
	RandomizeCount      int
	RandomizeOnlySparse bool

	InitialWidth  int
	InitialHeight int
	DefaultColor  string
	Prepopulate   bool
	MaxCells      int

	FlushInterval     time.Duration
	MessagesPerSecond float64
}

func Default() Config {
	return Config{
		StoreURL:            "sqlite://pixelgrid.sqlite3",
		ListenAddr:          ":10000",
		Cooldown:            5 * time.Second,
		GrowthInterval:      time.Hour,
		GrowthCheckInterval: 30 * time.Second,
		RandomizeInterval:   30 * time.Second,
		RandomizeCount:      1,
		InitialWidth:        50,
		InitialHeight:       50,
		DefaultColor:        string(grid.White),
		Prepopulate:         true,
		MaxCells:            grid.DefaultMaxCells,
		FlushInterval:       5 * time.Second,
		MessagesPerSecond:   20,
	}
}

// RegisterFlags binds every field to a flag on fs, using the current values
// as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.StoreURL, "store", c.StoreURL, "the store url: memory://, sqlite://path, postgres://..., redis://..., bolt://path")
	fs.StringVar(&c.ListenAddr, "addr", c.ListenAddr, "the address to listen on")
	fs.StringVar(&c.StaticDir, "static", c.StaticDir, "a directory of client assets to serve on /")
	fs.BoolVar(&c.MDNS, "mdns", c.MDNS, "advertise the server on the local network")
	fs.DurationVar(&c.Cooldown, "cooldown", c.Cooldown, "the minimum time between two edits of a connection")
	fs.DurationVar(&c.GrowthInterval, "growth-interval", c.GrowthInterval, "the time between two doublings of the grid, 0 disables growth")
	fs.DurationVar(&c.GrowthCheckInterval, "growth-check-interval", c.GrowthCheckInterval, "how often growth is checked")
	fs.DurationVar(&c.RandomizeInterval, "randomize-interval", c.RandomizeInterval, "the time between two randomizer runs, 0 disables it")
	fs.IntVar(&c.RandomizeCount, "randomize-count", c.RandomizeCount, "cells recolored per randomizer run")
	fs.BoolVar(&c.RandomizeOnlySparse, "randomize-only-sparse", c.RandomizeOnlySparse, "stop randomizing once every cell was written")
	fs.IntVar(&c.InitialWidth, "width", c.InitialWidth, "the width of a new grid")
	fs.IntVar(&c.InitialHeight, "height", c.InitialHeight, "the height of a new grid")
	fs.StringVar(&c.DefaultColor, "default-color", c.DefaultColor, "the color of cells never written")
	fs.BoolVar(&c.Prepopulate, "prepopulate", c.Prepopulate, "fill a new grid with the default color")
	fs.IntVar(&c.MaxCells, "max-cells", c.MaxCells, "growth stops before the grid exceeds this many cells")
	fs.DurationVar(&c.FlushInterval, "flush-interval", c.FlushInterval, "the period of background store flushes")
	fs.Float64Var(&c.MessagesPerSecond, "messages-per-second", c.MessagesPerSecond, "inbound messages allowed per connection, negative disables the limit")
}

// ApplyEnv sets every flag of fs that was not given on the command line from
// its environment variable, e.g. -growth-interval from
// PIXELGRID_GROWTH_INTERVAL. Call it after fs.Parse.
func ApplyEnv(fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		key := EnvName(f.Name)
		if v, ok := lookup(key); ok {
			if err := fs.Set(f.Name, v); err != nil {
				errs = append(errs, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err))
			}
		}
	})
	return errors.Join(errs...)
}

// EnvName is the environment variable backing the flag name.
func EnvName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func (c Config) Validate() error {
	var errs []error
	if c.InitialWidth <= 0 || c.InitialHeight <= 0 {
		errs = append(errs, fmt.Errorf("%w: grid size %dx%d must be positive", ErrInvalid, c.InitialWidth, c.InitialHeight))
	}
	if _, err := grid.ParseColor(c.DefaultColor); err != nil {
		errs = append(errs, fmt.Errorf("%w: default color: %w", ErrInvalid, err))
	}
	if c.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("%w: cooldown %s is negative", ErrInvalid, c.Cooldown))
	}
	if c.GrowthInterval > 0 && c.GrowthCheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: growth check interval must be positive when growth is enabled", ErrInvalid))
	}
	if c.RandomizeCount <= 0 {
		errs = append(errs, fmt.Errorf("%w: randomize count %d must be positive", ErrInvalid, c.RandomizeCount))
	}
	if c.MaxCells > 0 && c.InitialWidth*c.InitialHeight > c.MaxCells {
		errs = append(errs, fmt.Errorf("%w: initial grid exceeds %d cells", ErrInvalid, c.MaxCells))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: flush interval must be positive", ErrInvalid))
	}
	return errors.Join(errs...)
}

// GridOptions derives the grid settings.
func (c Config) GridOptions() grid.Options {
	return grid.Options{
		InitialWidth:   c.InitialWidth,
		InitialHeight:  c.InitialHeight,
		DefaultColor:   grid.Color(c.DefaultColor),
		GrowthInterval: c.GrowthInterval,
		Prepopulate:    c.Prepopulate,
		MaxCells:       c.MaxCells,
	}
}
