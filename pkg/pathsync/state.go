package pathsync

import (
	"context"
	"fmt"
	"sort"

	"github.com/dverbeek/dirsync/pkg/identity"
)

// MappingState re-walks both trees after a run and checks the active mode's
// post-conditions. It owns a fresh identity cache so stale pre-run identities
// never leak into verification.
type MappingState struct {
	mapping *Mapping
	cache   *identity.Cache
	src     *treeIndex
	tgt     *treeIndex
}

// NewMappingState creates a validator for one mapping run.
func NewMappingState(m *Mapping) *MappingState {
	return &MappingState{
		mapping: m,
		cache:   identity.NewCache(m.HashMode),
	}
}

// ValidateSource walks the source tree, collecting files and pre-warming the
// identity cache.
func (s *MappingState) ValidateSource(ctx context.Context) error {
	idx, err := walkTree(ctx, s.mapping.SourceDir, s.cache, nil, s.mapping.FileTypes, s.mapping.ExcludeDirs, nil)
	if err != nil {
		return fmt.Errorf("failed to validate source: %w", err)
	}
	s.src = idx
	return nil
}

// ValidateTarget walks the target tree, collecting files and pre-warming the
// identity cache.
func (s *MappingState) ValidateTarget(ctx context.Context) error {
	idx, err := walkTree(ctx, s.mapping.TargetDir, s.cache, nil, s.mapping.FileTypes, s.mapping.ExcludeDirs, nil)
	if err != nil {
		return fmt.Errorf("failed to validate target: %w", err)
	}
	s.tgt = idx
	return nil
}

// SourceFiles returns the validated source files as relative paths.
func (s *MappingState) SourceFiles() []string {
	if s.src == nil {
		return nil
	}
	return s.src.files
}

// TargetFiles returns the validated target files as relative paths.
func (s *MappingState) TargetFiles() []string {
	if s.tgt == nil {
		return nil
	}
	return s.tgt.files
}

// VerifyIntegrity checks the post-conditions of the mapping's mode against
// the validated trees. Both ValidateSource and ValidateTarget must have been
// called first.
func (s *MappingState) VerifyIntegrity() error {
	if s.src == nil || s.tgt == nil {
		return fmt.Errorf("verify called before source and target validation")
	}

	if s.mapping.FileMode == DirsOnly {
		return s.verifyDirs()
	}

	switch s.mapping.Mode {
	case Push, PushRemove:
		return s.verifyPush()
	case PushDuplicates:
		return s.verifyIdentityCoverage(false)
	case Mirror:
		return s.verifyMirror()
	case MirrorDuplicates:
		return s.verifyIdentityCoverage(s.mapping.staleRemovalRan)
	default:
		return fmt.Errorf("unknown mode %v", s.mapping.Mode)
	}
}

// verifyDirs checks that every source directory exists at the target.
func (s *MappingState) verifyDirs() error {
	var missing []string
	for dir := range s.src.dirs {
		if _, ok := s.tgt.dirs[dir]; !ok {
			missing = append(missing, dir)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("directories missing in target: %v", missing)
	}
	return nil
}

// verifyPush checks that every source file exists at its mapped target path
// with a matching identity.
func (s *MappingState) verifyPush() error {
	for _, rel := range s.src.files {
		if _, ok := s.tgt.idByPath[rel]; !ok {
			return fmt.Errorf("missing target file: %s", s.tgt.abs(rel))
		}
		match, err := s.cache.Match(s.src.abs(rel), s.tgt.abs(rel))
		if err != nil {
			return fmt.Errorf("failed to compare %s: %w", rel, err)
		}
		if !match {
			return fmt.Errorf("hash mismatch between %s and %s", s.src.abs(rel), s.tgt.abs(rel))
		}
	}
	return nil
}

// verifyMirror checks that the relative path sets are equal and every pair
// matches by identity. Violations list both missing and extra paths at once.
func (s *MappingState) verifyMirror() error {
	var missingInTarget, extraInTarget []string
	for _, rel := range s.src.files {
		if _, ok := s.tgt.idByPath[rel]; !ok {
			missingInTarget = append(missingInTarget, rel)
		}
	}
	if s.mapping.staleRemovalRan {
		for _, rel := range s.tgt.files {
			if isPathExcluded(rel, s.mapping.ExcludeRemovalDirs) {
				continue
			}
			if _, ok := s.src.idByPath[rel]; !ok {
				extraInTarget = append(extraInTarget, rel)
			}
		}
	}
	if len(missingInTarget) > 0 || len(extraInTarget) > 0 {
		sort.Strings(missingInTarget)
		sort.Strings(extraInTarget)
		return fmt.Errorf("mirror mismatch: missing in target %v, extra in target %v", missingInTarget, extraInTarget)
	}

	for _, rel := range s.src.files {
		match, err := s.cache.Match(s.src.abs(rel), s.tgt.abs(rel))
		if err != nil {
			return fmt.Errorf("failed to compare %s: %w", rel, err)
		}
		if !match {
			return fmt.Errorf("hash mismatch between %s and %s", s.src.abs(rel), s.tgt.abs(rel))
		}
	}
	return nil
}

// verifyIdentityCoverage is the duplicate-tolerant check: every source
// identity must exist somewhere in the target, regardless of layout. With
// bidirectional, target identities absent from the source are violations too.
func (s *MappingState) verifyIdentityCoverage(bidirectional bool) error {
	var uncovered []string
	for _, id := range s.src.bucketID {
		if _, ok := s.tgt.buckets[id]; !ok {
			uncovered = append(uncovered, s.src.buckets[id]...)
		}
	}
	if len(uncovered) > 0 {
		sort.Strings(uncovered)
		return fmt.Errorf("source content missing from target: %v", uncovered)
	}

	if bidirectional {
		var stale []string
		for _, id := range s.tgt.bucketID {
			if _, ok := s.src.buckets[id]; !ok {
				for _, rel := range s.tgt.buckets[id] {
					if !isPathExcluded(rel, s.mapping.ExcludeRemovalDirs) {
						stale = append(stale, rel)
					}
				}
			}
		}
		if len(stale) > 0 {
			sort.Strings(stale)
			return fmt.Errorf("stale content remaining in target: %v", stale)
		}
	}
	return nil
}

// Clear discards the validated file sets and the identity cache.
func (s *MappingState) Clear() {
	s.src = nil
	s.tgt = nil
	s.cache.Clear()
}
