package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only sections that can be safely hot-reloaded are applied; changes to
// other sections are reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RankingChanged is true when weights or tonal mode changed.
	RankingChanged bool

	// FilterChanged is true when any elimination threshold changed.
	FilterChanged bool

	// QAChanged is true when gate thresholds or the strike limit changed.
	QAChanged bool

	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RankingChanged && !d.FilterChanged && !d.QAChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.RankingChanged = old.Ranking != new.Ranking
	d.FilterChanged = old.Filter != new.Filter
	d.QAChanged = !reflect.DeepEqual(old.QA, new.QA)

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"production", old.Production, new.Production},
		{"providers", old.Providers, new.Providers},
		{"generation", old.Generation, new.Generation},
		{"storage", old.Storage, new.Storage},
		{"scoring", old.Scoring, new.Scoring},
		{"assembly", old.Assembly, new.Assembly},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
