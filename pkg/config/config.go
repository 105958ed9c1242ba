// Package config loads and validates the dirsync job file: a JSON document
// describing global settings, snapshot-store behavior and the list of sync
// mappings to run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dverbeek/dirsync/pkg/buildinfo"
	"github.com/dverbeek/dirsync/pkg/identity"
	"github.com/dverbeek/dirsync/pkg/pathsync"
	"github.com/dverbeek/dirsync/pkg/plog"
	"github.com/dverbeek/dirsync/pkg/snapstore"
	"github.com/dverbeek/dirsync/pkg/util"
)

// ConfigFileName is the default name of the job file.
const ConfigFileName = "dirsync.config.json"

type SettingsConfig struct {
	LogLevel string `json:"logLevel"`
	// Parallel is the number of mappings synced concurrently. Values below 2
	// run sequentially.
	Parallel           int `json:"parallel"`
	LockTimeoutSeconds int `json:"lockTimeoutSeconds"`
}

type SnapshotsConfig struct {
	MaxSnapshots      int  `json:"maxSnapshots"`
	Compress          bool `json:"compress"`
	MinFreeSpaceMB    int  `json:"minFreeSpaceMB"`
	MaxSnapshotSizeMB int  `json:"maxSnapshotSizeMB"`
}

type MappingConfig struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Target string `json:"target"`
	// Mode is one of push, push_and_remove, push_duplicates, mirror,
	// mirror_duplicates.
	Mode string `json:"mode"`
	// HashMode is one of filename, filename_and_parent, content_hash.
	HashMode string `json:"hashMode"`
	// FileMode is files_and_dirs (default) or dirs_only.
	FileMode string `json:"fileMode,omitempty"`
	// Note: omitempty is intentionally not used for user-configurable slices
	// so that they appear in a generated config file for discoverability.
	FileTypes          []string `json:"fileTypes"`
	ExcludeDirs        []string `json:"excludeDirs"`
	ExcludeRemovalDirs []string `json:"excludeRemovalDirs"`
	// Enabled defaults to true when omitted.
	Enabled         *bool `json:"enabled,omitempty"`
	VerifyTransfers bool  `json:"verifyTransfers"`
}

type Config struct {
	Version   string          `json:"version"`
	Settings  SettingsConfig  `json:"settings"`
	Snapshots SnapshotsConfig `json:"snapshots"`
	Mappings  []MappingConfig `json:"mappings"`
}

// NewDefault returns a config with every setting at its default and no
// mappings.
func NewDefault() Config {
	return Config{
		Version: buildinfo.Version,
		Settings: SettingsConfig{
			LogLevel:           "info",
			Parallel:           1,
			LockTimeoutSeconds: 10,
		},
		Snapshots: SnapshotsConfig{
			MaxSnapshots:      5,
			MinFreeSpaceMB:    100,
			MaxSnapshotSizeMB: 1000,
		},
	}
}

// Load reads and parses the job file at path. Missing fields keep their
// defaults; unknown fields are rejected so typos surface instead of being
// silently ignored.
func Load(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("error opening config file %s: %w", path, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", path)
	config := NewDefault()
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate creates or overwrites a job file at path. With no mappings
// configured, a commented-out skeleton entry is written so the file is
// self-explanatory.
func Generate(c Config, path string) error {
	if len(c.Mappings) == 0 {
		c.Mappings = []MappingConfig{{
			Name:     "example",
			Source:   "~/documents",
			Target:   "/mnt/backup/documents",
			Mode:     pathsync.Push.String(),
			HashMode: identity.ContentHash.String(),
			Enabled:  boolPtr(false),
		}}
	}
	jsonData, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	if err := os.WriteFile(path, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	plog.Info("Successfully saved config file", "path", path)
	return nil
}

func boolPtr(b bool) *bool { return &b }

// BuildMappings converts the configured jobs into validated sync mappings.
func (c *Config) BuildMappings() ([]*pathsync.Mapping, error) {
	if len(c.Mappings) == 0 {
		return nil, fmt.Errorf("config contains no mappings")
	}

	snapOpts := snapstore.Options{
		MaxSnapshots:      c.Snapshots.MaxSnapshots,
		Compress:          c.Snapshots.Compress,
		MinFreeSpaceMB:    int64(c.Snapshots.MinFreeSpaceMB),
		MaxSnapshotSizeMB: int64(c.Snapshots.MaxSnapshotSizeMB),
		LockTimeout:       time.Duration(c.Settings.LockTimeoutSeconds) * time.Second,
	}

	seen := make(map[string]struct{}, len(c.Mappings))
	mappings := make([]*pathsync.Mapping, 0, len(c.Mappings))
	for i, mc := range c.Mappings {
		if mc.Name == "" {
			mc.Name = fmt.Sprintf("mapping-%d", i+1)
		}
		if _, dup := seen[mc.Name]; dup {
			return nil, fmt.Errorf("duplicate mapping name %q", mc.Name)
		}
		seen[mc.Name] = struct{}{}

		mode, err := pathsync.ParseMode(mc.Mode)
		if err != nil {
			return nil, fmt.Errorf("mapping %s: %w", mc.Name, err)
		}
		hashMode, err := identity.ParseMode(mc.HashMode)
		if err != nil {
			return nil, fmt.Errorf("mapping %s: %w", mc.Name, err)
		}
		fileMode, err := pathsync.ParseFileMode(mc.FileMode)
		if err != nil {
			return nil, fmt.Errorf("mapping %s: %w", mc.Name, err)
		}

		m := &pathsync.Mapping{
			Name:               mc.Name,
			SourceDir:          mc.Source,
			TargetDir:          mc.Target,
			FileTypes:          mc.FileTypes,
			Mode:               mode,
			FileMode:           fileMode,
			HashMode:           hashMode,
			ExcludeDirs:        mc.ExcludeDirs,
			ExcludeRemovalDirs: mc.ExcludeRemovalDirs,
			WillRun:            mc.Enabled == nil || *mc.Enabled,
			VerifyTransfers:    mc.VerifyTransfers,
			SnapshotOptions:    snapOpts,
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}
