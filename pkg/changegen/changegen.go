/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package changegen produces the synthetic edit sets applied by each
// activity cycle. The generator is a pure function of its configured ranges,
// the eligible file listing, and an injected random source and clock, so it
// can be exercised without a real working copy.
package changegen

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/jonboulle/clockwork"
)

// ErrNoEligibleTargets is returned when the working copy has no files the
// generator may edit. The cycle aborts before any mutation.
var ErrNoEligibleTargets = errors.New("no eligible files in working copy")

// Op is the kind of line-level change an Edit makes.
type Op string

const (
	// OpInsert appends the line to the end of the file, creating it if needed.
	OpInsert Op = "insert"
	// OpModify replaces the first line of the file with the new content.
	OpModify Op = "modify"
)

// Edit is one line-level change to one file in the working copy.
type Edit struct {
	Path string
	Op   Op
	Line string
}

// Ranges bounds how many files a cycle touches and how many edits each
// touched file receives. Both ranges are inclusive.
type Ranges struct {
	MinFiles int
	MaxFiles int
	MinLines int
	MaxLines int
}

// eligibleExtensions are the file types considered safe targets for
// synthetic edits. Everything else (binaries, lockfiles) is left alone.
var eligibleExtensions = map[string]bool{
	".go":   true,
	".json": true,
	".md":   true,
	".toml": true,
	".txt":  true,
	".yaml": true,
	".yml":  true,
}

// ListEligible walks the filesystem and returns the files the generator may
// edit, sorted for determinism. The .git directory is never descended into.
func ListEligible(fsys billy.Filesystem) ([]string, error) {
	var files []string
	err := util.Walk(fsys, "/", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if eligibleExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, strings.TrimPrefix(path, "/"))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking working copy: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Generator produces edit sets within configured bounds.
type Generator struct {
	clock clockwork.Clock
	rng   *rand.Rand
}

// New returns a Generator using the given clock and random source.
func New(clock clockwork.Clock, rng *rand.Rand) *Generator {
	return &Generator{clock: clock, rng: rng}
}

// Generate selects a random subset of files and a random number of edits per
// file, both within r. The file count is clamped to the number of eligible
// files present; zero eligible files is ErrNoEligibleTargets.
func (g *Generator) Generate(r Ranges, files []string) ([]Edit, error) {
	if len(files) == 0 {
		return nil, ErrNoEligibleTargets
	}

	nFiles := g.between(r.MinFiles, r.MaxFiles)
	if nFiles > len(files) {
		nFiles = len(files)
	}
	if nFiles == 0 {
		return nil, nil
	}

	picked := make([]string, len(files))
	copy(picked, files)
	g.rng.Shuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
	})
	picked = picked[:nFiles]

	stamp := g.clock.Now().UTC().Format("2006-01-02 15:04:05")
	var edits []Edit
	for _, path := range picked {
		nLines := g.between(r.MinLines, r.MaxLines)
		for i := 0; i < nLines; i++ {
			op := OpInsert
			if g.rng.Intn(2) == 0 {
				op = OpModify
			}
			edits = append(edits, Edit{
				Path: path,
				Op:   op,
				Line: fmt.Sprintf("line %d: synthetic update at %s (%08x)", i+1, stamp, g.rng.Uint32()),
			})
		}
	}
	return edits, nil
}

// between returns a uniform value in [lo, hi].
func (g *Generator) between(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + g.rng.Intn(hi-lo+1)
}
