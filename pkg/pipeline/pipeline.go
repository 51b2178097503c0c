package pipeline

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/strata-data/strata/pkg/merge"
	"github.com/strata-data/strata/pkg/snapshot"
)

type LoadType string

const (
	// LoadTypeFact is an append-only stream read through an incremental
	// window.
	LoadTypeFact LoadType = "fact"

	// LoadTypeDimension is a mutable entity tracked as versioned history.
	LoadTypeDimension LoadType = "dimension"
)

type Strategy string

const (
	StrategyTimestamp Strategy = "timestamp"
	StrategyRowHash   Strategy = "row-hash"
)

type Column struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type,omitempty"`
	PrimaryKey bool   `yaml:"primary_key,omitempty"`
}

// Load declares one batch load: where rows come from, which table they land
// in, and how changes are detected.
type Load struct {
	Name        string   `yaml:"name"`
	Type        LoadType `yaml:"type"`
	Connection  string   `yaml:"connection,omitempty"`
	Destination string   `yaml:"destination"`

	SourceTable string `yaml:"source_table,omitempty"`
	SourceQuery string `yaml:"source_query,omitempty"`

	UniqueKey             []string `yaml:"unique_key,omitempty"`
	Strategy              Strategy `yaml:"strategy,omitempty"`
	UpdatedAt             string   `yaml:"updated_at,omitempty"`
	IncrementalKey        string   `yaml:"incremental_key,omitempty"`
	InvalidateHardDeletes bool     `yaml:"invalidate_hard_deletes,omitempty"`
	OnMissingKey          string   `yaml:"on_missing_key,omitempty"`

	Columns []Column `yaml:"columns,omitempty"`
}

type Pipeline struct {
	Name  string  `yaml:"name"`
	Loads []*Load `yaml:"loads"`
}

func (p *Pipeline) GetLoadByName(name string) *Load {
	for _, load := range p.Loads {
		if load.Name == name {
			return load
		}
	}
	return nil
}

// Mode maps the load declaration onto the executor's tagged execution-mode
// variant.
func (l *Load) Mode(fullRefresh bool) merge.Mode {
	if l.Type == LoadTypeDimension {
		return merge.HistoryMerge
	}
	if fullRefresh {
		return merge.FullReplace
	}
	return merge.AppendOnly
}

func (l *Load) MissingKeyPolicy() snapshot.MissingKeyPolicy {
	if l.OnMissingKey == string(snapshot.MissingKeySkip) {
		return snapshot.MissingKeySkip
	}
	return snapshot.MissingKeyFail
}

// SourceSQL returns the query producing the load's extract, restricted by the
// given predicate when one applies.
func (l *Load) SourceSQL(predicate string) string {
	base := strings.TrimSuffix(strings.TrimSpace(l.SourceQuery), ";")
	if base == "" {
		base = "SELECT * FROM " + l.SourceTable
	}

	if predicate == "" {
		return base
	}

	return fmt.Sprintf("SELECT * FROM (%s) AS src WHERE %s", base, predicate)
}

func (l *Load) MergeTarget(columns []string) merge.Target {
	declared := map[string]string{}
	for _, col := range l.Columns {
		declared[strings.ToLower(col.Name)] = col.Type
	}

	target := merge.Target{Table: l.Destination}
	for _, name := range columns {
		target.Columns = append(target.Columns, merge.Column{
			Name: name,
			Type: declared[strings.ToLower(name)],
		})
	}

	return target
}

func (l *Load) validate() error {
	if l.Name == "" {
		return &ParseError{Msg: "every load needs a `name`"}
	}
	if l.Type != LoadTypeFact && l.Type != LoadTypeDimension {
		return &ParseError{Load: l.Name, Msg: "`type` must be either 'fact' or 'dimension'"}
	}
	if l.Destination == "" {
		return &ParseError{Load: l.Name, Msg: "`destination` is required"}
	}
	if l.SourceTable == "" && l.SourceQuery == "" {
		return &ParseError{Load: l.Name, Msg: "one of `source_table` or `source_query` is required"}
	}
	if l.SourceTable != "" && l.SourceQuery != "" {
		return &ParseError{Load: l.Name, Msg: "`source_table` and `source_query` are mutually exclusive"}
	}

	switch l.Type {
	case LoadTypeFact:
		if l.IncrementalKey == "" {
			return &ParseError{Load: l.Name, Msg: "fact loads require `incremental_key`"}
		}
	case LoadTypeDimension:
		if len(l.UniqueKey) == 0 {
			return &ParseError{Load: l.Name, Msg: "dimension loads require `unique_key`"}
		}
		if l.Strategy == "" {
			l.Strategy = StrategyTimestamp
		}
		if l.Strategy != StrategyTimestamp && l.Strategy != StrategyRowHash {
			return &ParseError{Load: l.Name, Msg: "`strategy` must be either 'timestamp' or 'row-hash'"}
		}
		if l.Strategy == StrategyTimestamp && l.UpdatedAt == "" {
			return &ParseError{Load: l.Name, Msg: "the timestamp strategy requires `updated_at`"}
		}
	}

	if l.OnMissingKey != "" && l.OnMissingKey != "fail" && l.OnMissingKey != "skip" {
		return &ParseError{Load: l.Name, Msg: "`on_missing_key` must be either 'fail' or 'skip'"}
	}

	return nil
}

func (p *Pipeline) validate() error {
	if len(p.Loads) == 0 {
		return &ParseError{Msg: "the pipeline declares no loads"}
	}

	names := lo.Map(p.Loads, func(l *Load, _ int) string { return l.Name })
	if len(lo.Uniq(names)) != len(names) {
		return &ParseError{Msg: "load names must be unique"}
	}

	for _, load := range p.Loads {
		if err := load.validate(); err != nil {
			return err
		}
	}

	return nil
}
