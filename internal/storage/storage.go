// Copyright 2025 James Ross

// Package storage holds the filesystem path conventions workers use to
// locate a job's source asset and write its derived output, keeping that
// layout in one place instead of scattered string formatting.
package storage

import (
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/flowforge/mediaqueue/internal/config"
)

// Layout resolves asset paths under a configured root.
type Layout struct {
	root string
}

func New(cfg config.Storage) Layout {
	return Layout{root: cfg.RootPath}
}

// SourcePath returns the on-disk path of an uploaded asset.
func (l Layout) SourcePath(assetID string) string {
	return filepath.Join(l.root, "assets", assetID)
}

// OutputPath returns the on-disk path a worker should write operationID's
// derived output to, namespaced by job type so two operation types on the
// same asset never collide.
func (l Layout) OutputPath(operationID, opType string) string {
	return filepath.Join(l.root, "outputs", opType, operationID)
}

// CheckUploadPolicy rejects an asset's relative filename against the
// configured include/exclude glob lists, the same matching rules the
// teacher's filesystem scanner used to decide what to pick up.
func CheckUploadPolicy(cfg config.Producer, relName string) error {
	included := len(cfg.IncludeGlobs) == 0
	for _, g := range cfg.IncludeGlobs {
		if ok, _ := doublestar.PathMatch(g, relName); ok {
			included = true
			break
		}
	}
	if !included {
		return fmt.Errorf("storage: %q does not match any allowed upload pattern", relName)
	}
	for _, g := range cfg.ExcludeGlobs {
		if ok, _ := doublestar.PathMatch(g, relName); ok {
			return fmt.Errorf("storage: %q matches excluded upload pattern %q", relName, g)
		}
	}
	return nil
}

// PriorityForExt returns the configured priority class for a file
// extension, defaulting to the producer's configured default.
func PriorityForExt(cfg config.Producer, ext string) string {
	for _, hp := range cfg.HighPriorityExts {
		if hp == ext {
			return "high"
		}
	}
	return cfg.DefaultPriority
}
