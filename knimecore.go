// Package knimecore is the top-level facade for the table storage and join
// engine.
package knimecore

import (
	"github.com/stjordanis/knime-core/internal"
	"github.com/stjordanis/knime-core/internal/engine"
	"github.com/stjordanis/knime-core/internal/record"
	"github.com/stjordanis/knime-core/internal/repository"
	"github.com/stjordanis/knime-core/internal/table"
)

type (
	Config  = internal.Config
	Context = engine.Context
	Session = engine.Session
	Handle  = repository.Handle
	Table   = table.Table
	Row     = record.Row
	Schema  = record.TableSchema
)

// LoadConfig reads an optional YAML file plus KNIME_* environment overrides.
func LoadConfig(path string) (*Config, error) { return internal.LoadConfig(path) }

// NewContext starts the engine. Call it once per process and Close it on
// shutdown.
func NewContext(cfg *Config, opts ...engine.Option) *Context { return engine.New(cfg, opts...) }
