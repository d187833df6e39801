// Package migrations embeds the RunLens database schema and provides
// validation helpers over the embedded migration files.
//
// Migration files follow the strict naming standard NNN_name.(up|down).sql
// and are embedded at build time, so binaries ship with their schema and
// need no external file dependencies.
package migrations

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

// Migration filename regex: 001_migration_name.up.sql or 001_migration_name.down.sql
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// Set provides access to a migration file set with comprehensive
	// validation: filename format, up/down pairing, sequence continuity,
	// and checksum integrity across repeated validations.
	Set struct {
		fs        fs.FS
		checksums map[string]string // filename -> checksum for integrity checking
	}

	// Info contains parsed information about a migration file.
	Info struct {
		Sequence  int
		Name      string
		Direction string // "up" or "down"
		Filename  string
		Checksum  string
	}
)

// New creates a Set over the given filesystem. Pass nil to use the
// migrations embedded in this package.
func New(filesystem fs.FS) *Set {
	if filesystem == nil {
		filesystem = embedded
	}

	return &Set{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// ParseFilename parses a migration filename and extracts its components.
func ParseFilename(filename string) (*Info, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// Filesystem returns the file system containing the migration files,
// suitable for handing to a source driver such as iofs.
func (s *Set) Filesystem() fs.FS {
	return s.fs
}

// List returns all migration files that conform to the strict naming
// standard, sorted lexicographically. Files with invalid names are
// rejected to enforce consistency and prevent operational mistakes.
func (s *Set) List() ([]string, error) {
	entries, err := fs.ReadDir(s.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()

		// Only include .sql files that match our strict naming standard
		if filepath.Ext(filename) == ".sql" && filenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	// Lexicographic sort works with the 3-digit prefix standard:
	// 001_name.down.sql < 001_name.up.sql < 002_name.down.sql
	sort.Strings(files)

	return files, nil
}

// Content returns the content of a specific migration file.
func (s *Set) Content(filename string) ([]byte, error) {
	return fs.ReadFile(s.fs, filename)
}

// Validate performs comprehensive validation of the migration files.
// This includes filename format, up/down pairing, sequence validation,
// and checksum integrity against previously recorded checksums.
func (s *Set) Validate() error {
	files, err := s.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	// Every listed file must be readable before structural validation
	for _, file := range files {
		if _, err := s.Content(file); err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}
	}

	if err := s.validateFilenames(files); err != nil {
		return err
	}

	if err := s.validatePairing(files); err != nil {
		return err
	}

	if err := s.validateSequence(files); err != nil {
		return err
	}

	if len(s.checksums) > 0 {
		if err := s.validateChecksums(files); err != nil {
			return err
		}
	}

	// Record checksums for future validations
	for _, file := range files {
		content, err := s.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		s.checksums[file] = checksum(content)
	}

	return nil
}

// MaxSequence returns the highest migration sequence number in the set,
// or 0 when the set is empty or unreadable.
func (s *Set) MaxSequence() int {
	files, err := s.List()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, filename := range files {
		if info, err := ParseFilename(filename); err == nil {
			if info.Sequence > maxSequence {
				maxSequence = info.Sequence
			}
		}
	}

	return maxSequence
}

// validateFilenames validates that all migration files follow the naming convention.
func (s *Set) validateFilenames(files []string) error {
	for _, file := range files {
		if _, err := ParseFilename(file); err != nil {
			return fmt.Errorf("filename validation failed for %s: %w", file, err)
		}
	}

	return nil
}

// validatePairing ensures that every up migration has a corresponding down migration.
func (s *Set) validatePairing(files []string) error {
	migrations := make(
		map[string]map[string]*Info,
	) // sequence_name -> direction -> migration

	for _, file := range files {
		info, err := ParseFilename(file)
		if err != nil {
			return err // This should have been caught in filename validation
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if migrations[key] == nil {
			migrations[key] = make(map[string]*Info)
		}

		migrations[key][info.Direction] = info
	}

	for key, directions := range migrations {
		if len(directions) != 2 {
			if _, hasUp := directions["up"]; !hasUp {
				return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
			}

			if _, hasDown := directions["down"]; !hasDown {
				return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
			}
		}
	}

	return nil
}

// validateSequence ensures there are no gaps in the migration sequence.
func (s *Set) validateSequence(files []string) error {
	sequences := make(map[int]bool)

	for _, file := range files {
		info, err := ParseFilename(file)
		if err != nil {
			return err // This should have been caught in filename validation
		}

		sequences[info.Sequence] = true
	}

	var sequenceNumbers []int
	for seq := range sequences {
		sequenceNumbers = append(sequenceNumbers, seq)
	}

	sort.Ints(sequenceNumbers)

	if len(sequenceNumbers) == 0 {
		return nil // No migrations
	}

	if sequenceNumbers[0] != 1 {
		return fmt.Errorf(
			"migration sequence should start with 001, but found %03d",
			sequenceNumbers[0],
		)
	}

	for i := 1; i < len(sequenceNumbers); i++ {
		expected := sequenceNumbers[i-1] + 1
		actual := sequenceNumbers[i]

		if actual != expected {
			return fmt.Errorf(
				"gap in migration sequence: expected %03d, found %03d",
				expected,
				actual,
			)
		}
	}

	return nil
}

// validateChecksums verifies that migration files have not been modified
// since the last validation.
func (s *Set) validateChecksums(files []string) error {
	for _, file := range files {
		content, err := s.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read file %s for checksum validation: %w", file, err)
		}

		currentChecksum := checksum(content)
		if storedChecksum, exists := s.checksums[file]; exists {
			if currentChecksum != storedChecksum {
				return fmt.Errorf("checksum mismatch for %s: file has been modified", file)
			}
		}
	}

	return nil
}

// checksum calculates the SHA256 checksum of content.
func checksum(content []byte) string {
	hash := sha256.Sum256(content)

	return fmt.Sprintf("%x", hash)
}
