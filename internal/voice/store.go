package voice

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/dustin/go-humanize"
)

const (
	metadataExt     = ".json"
	corruptSuffix   = ".corrupt"
	tempPrefix      = "."
	dirPermissions  = 0o750
	filePermissions = 0o600
	mostUsedLimit   = 5
)

// Options configures a Store.
type Options struct {
	MetadataDir string
	AudioDir    string
	Limits      audio.Limits
}

// Store is the voice registry. Readers never block on writers of other ids:
// each write is serialized by a per-id lock, and the index lock is held only
// to swap the snapshot pointer.
type Store struct {
	metadataDir string
	audioDir    string
	limits      audio.Limits
	log         *logger.Logger

	mu     sync.RWMutex
	voices map[string]*Voice
	// dirty holds ids whose usage count has not been written to disk yet.
	dirty map[string]struct{}

	locks keyedMutex
	now   func() time.Time
}

// New creates an empty Store. Call Load before serving requests.
func New(opts Options, log *logger.Logger) *Store {
	return &Store{
		metadataDir: opts.MetadataDir,
		audioDir:    opts.AudioDir,
		limits:      opts.Limits,
		log:         log,
		voices:      make(map[string]*Voice),
		dirty:       make(map[string]struct{}),
		locks:       keyedMutex{locks: make(map[string]*refLock)},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Load scans the metadata root and rebuilds the index. Records whose audio
// blob is missing or unreadable are set aside with a warning; blobs without
// a record are removed.
func (s *Store) Load() error {
	for _, dir := range []string{s.metadataDir, s.audioDir} {
		err := os.MkdirAll(dir, dirPermissions)
		if err != nil {
			return fmt.Errorf("failed to create voice directory %s: %w", dir, err)
		}
	}

	s.removeStaleTemps(s.metadataDir)
	s.removeStaleTemps(s.audioDir)

	entries, err := os.ReadDir(s.metadataDir)
	if err != nil {
		return fmt.Errorf("failed to read voice metadata directory: %w", err)
	}

	loaded := make(map[string]*Voice, len(entries))

	var totalBytes int64

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metadataExt) {
			continue
		}

		v, loadErr := s.loadRecord(name)
		if loadErr != nil {
			s.log.Warn("Excluding voice record %s: %v", name, loadErr)
			s.quarantine(name)

			continue
		}

		loaded[v.ID] = v
		totalBytes += v.FileSize
	}

	s.mu.Lock()
	s.voices = loaded
	s.mu.Unlock()

	removed, sweepErr := s.SweepOrphans()
	if sweepErr != nil {
		s.log.Warn("Voice orphan sweep failed: %v", sweepErr)
	}

	s.log.Info("Voice store loaded %d voices (%s), removed %d orphaned blobs",
		len(loaded), humanize.Bytes(uint64(max(totalBytes, 0))), removed)

	return nil
}

func (s *Store) loadRecord(name string) (*Voice, error) {
	data, err := os.ReadFile(filepath.Join(s.metadataDir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	var v Voice

	err = json.Unmarshal(data, &v)
	if err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}

	if v.ID+metadataExt != name {
		return nil, fmt.Errorf("record id %q does not match file name", v.ID)
	}

	if v.AudioReference == "" || filepath.Base(v.AudioReference) != v.AudioReference {
		return nil, fmt.Errorf("record has invalid audio reference %q", v.AudioReference)
	}

	_, err = os.Stat(filepath.Join(s.audioDir, v.AudioReference))
	if err != nil {
		return nil, fmt.Errorf("audio blob unavailable: %w", err)
	}

	return &v, nil
}

// removeStaleTemps clears temp files left by writes interrupted by a crash.
func (s *Store) removeStaleTemps(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), tempPrefix) {
			s.removeQuietly(filepath.Join(dir, entry.Name()))
		}
	}
}

// quarantine renames a corrupt record so it is kept for operators but not
// rescanned.
func (s *Store) quarantine(name string) {
	path := filepath.Join(s.metadataDir, name)

	err := os.Rename(path, path+corruptSuffix)
	if err != nil {
		s.log.Warn("Failed to quarantine voice record %s: %v", name, err)
	}
}

// Close writes any pending usage counts.
func (s *Store) Close() error {
	return s.Flush()
}

// Create validates and registers a new voice. The audio blob is written
// first and removed again if the metadata record cannot be written.
func (s *Store) Create(spec Spec, data []byte) (Voice, error) {
	err := spec.Validate()
	if err != nil {
		return Voice{}, err
	}

	format := spec.AudioFormat
	if format == "" {
		format = audio.FormatWAV
	}

	format, err = audio.ParseFormat(string(format))
	if err != nil {
		return Voice{}, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	info, err := audio.Validate(data, format, s.limits)
	if err != nil {
		return Voice{}, fmt.Errorf("%w: reference audio: %w", core.ErrValidation, err)
	}

	unlock := s.locks.Lock(spec.ID)
	defer unlock()

	_, exists := s.lookup(spec.ID)
	if exists {
		return Voice{}, fmt.Errorf("%w: voice %q", core.ErrConflict, spec.ID)
	}

	now := s.now()
	v := &Voice{
		ID:             spec.ID,
		Name:           spec.Name,
		Description:    spec.Description,
		Type:           spec.Type,
		Language:       spec.Language,
		PromptText:     spec.PromptText,
		InstructText:   spec.InstructText,
		AudioFormat:    format,
		AudioReference: spec.ID + format.Extension(),
		FileSize:       info.Size,
		Duration:       info.Duration,
		SampleRate:     info.SampleRate,
		UsageCount:     0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	blobPath := filepath.Join(s.audioDir, v.AudioReference)

	err = writeFileAtomic(blobPath, data)
	if err != nil {
		return Voice{}, fmt.Errorf("failed to store audio for voice %q: %w", spec.ID, err)
	}

	err = s.writeRecord(v)
	if err != nil {
		s.removeQuietly(blobPath)

		return Voice{}, fmt.Errorf("failed to store metadata for voice %q: %w", spec.ID, err)
	}

	s.mu.Lock()
	s.voices[v.ID] = v
	s.mu.Unlock()

	s.log.Info("Created voice %s (%s, %s, %s)", v.ID, v.Type, v.AudioFormat, v.Duration)

	return *v, nil
}

// Get returns a snapshot of the voice.
func (s *Store) Get(id string) (Voice, error) {
	v, ok := s.lookup(id)
	if !ok {
		return Voice{}, fmt.Errorf("%w: voice %q", core.ErrNotFound, id)
	}

	return *v, nil
}

// ReadAudio returns the voice snapshot together with its reference recording.
func (s *Store) ReadAudio(id string) (Voice, []byte, error) {
	v, ok := s.lookup(id)
	if !ok {
		return Voice{}, nil, fmt.Errorf("%w: voice %q", core.ErrNotFound, id)
	}

	data, err := os.ReadFile(filepath.Join(s.audioDir, v.AudioReference))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Deleted between the lookup and the read.
			return Voice{}, nil, fmt.Errorf("%w: voice %q", core.ErrNotFound, id)
		}

		return Voice{}, nil, fmt.Errorf("failed to read audio for voice %q: %w", id, err)
	}

	return *v, data, nil
}

// Update applies patch to the descriptive fields of a voice.
func (s *Store) Update(id string, patch Patch) (Voice, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	current, ok := s.lookup(id)
	if !ok {
		return Voice{}, fmt.Errorf("%w: voice %q", core.ErrNotFound, id)
	}

	next := *current

	err := patch.apply(&next)
	if err != nil {
		return Voice{}, err
	}

	next.UpdatedAt = s.now()

	err = s.writeRecord(&next)
	if err != nil {
		return Voice{}, fmt.Errorf("failed to store metadata for voice %q: %w", id, err)
	}

	s.mu.Lock()
	s.voices[id] = &next
	delete(s.dirty, id)
	s.mu.Unlock()

	return next, nil
}

// Delete removes the voice record, then its blob. A blob left behind by a
// failed removal has no record and is reclaimed by SweepOrphans.
func (s *Store) Delete(id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	current, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: voice %q", core.ErrNotFound, id)
	}

	s.mu.Lock()
	delete(s.voices, id)
	delete(s.dirty, id)
	s.mu.Unlock()

	err := os.Remove(s.recordPath(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.mu.Lock()
		s.voices[id] = current
		s.mu.Unlock()

		return fmt.Errorf("failed to remove metadata for voice %q: %w", id, err)
	}

	blobErr := os.Remove(filepath.Join(s.audioDir, current.AudioReference))
	if blobErr != nil && !errors.Is(blobErr, fs.ErrNotExist) {
		s.log.Warn("Voice %s deleted but its blob remains until the next sweep: %v", id, blobErr)
	}

	s.log.Info("Deleted voice %s", id)

	return nil
}

// List returns the matching voices, newest first, and the total match count.
func (s *Store) List(filter Filter, page Page) ([]Voice, int) {
	s.mu.RLock()

	matched := make([]Voice, 0, len(s.voices))

	for _, v := range s.voices {
		if filter.matches(v) {
			matched = append(matched, *v)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b Voice) int {
		byTime := b.CreatedAt.Compare(a.CreatedAt)
		if byTime != 0 {
			return byTime
		}

		return cmp.Compare(a.ID, b.ID)
	})

	start, end := page.bounds(len(matched))

	return matched[start:end], len(matched)
}

// Stats summarizes the registry contents.
func (s *Store) Stats() Stats {
	stats := Stats{
		ByType:     make(map[Type]int, len(Types)),
		ByLanguage: make(map[string]int),
	}

	for _, t := range Types {
		stats.ByType[t] = 0
	}

	var totalDuration time.Duration

	s.mu.RLock()

	for _, v := range s.voices {
		stats.Total++
		stats.ByType[v.Type]++
		stats.TotalBytes += v.FileSize
		totalDuration += v.Duration

		if v.Language != "" {
			stats.ByLanguage[v.Language]++
		}

		stats.MostUsed = append(stats.MostUsed, Usage{VoiceID: v.ID, UsageCount: v.UsageCount})
	}
	s.mu.RUnlock()

	if stats.Total > 0 {
		stats.AverageDuration = totalDuration / time.Duration(stats.Total)
	}

	slices.SortFunc(stats.MostUsed, func(a, b Usage) int {
		byCount := cmp.Compare(b.UsageCount, a.UsageCount)
		if byCount != 0 {
			return byCount
		}

		return cmp.Compare(a.VoiceID, b.VoiceID)
	})

	if len(stats.MostUsed) > mostUsedLimit {
		stats.MostUsed = stats.MostUsed[:mostUsedLimit]
	}

	return stats
}

// RecordUsage increments the usage count of a voice. The new count is kept
// in memory and written by Flush.
func (s *Store) RecordUsage(id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	current, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: voice %q", core.ErrNotFound, id)
	}

	next := *current
	next.UsageCount++

	s.mu.Lock()
	s.voices[id] = &next
	s.dirty[id] = struct{}{}
	s.mu.Unlock()

	return nil
}

// Flush writes every record with an unsaved usage count.
func (s *Store) Flush() error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.dirty))

	for id := range s.dirty {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var errs []error

	for _, id := range ids {
		errs = append(errs, s.flushOne(id))
	}

	return errors.Join(errs...)
}

func (s *Store) flushOne(id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	current, ok := s.lookup(id)
	if !ok {
		return nil
	}

	err := s.writeRecord(current)
	if err != nil {
		return fmt.Errorf("failed to flush voice %q: %w", id, err)
	}

	s.mu.Lock()
	delete(s.dirty, id)
	s.mu.Unlock()

	return nil
}

// SweepOrphans deletes audio blobs that have no live voice record and
// returns how many were removed.
func (s *Store) SweepOrphans() (int, error) {
	entries, err := os.ReadDir(s.audioDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read voice audio directory: %w", err)
	}

	removed := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if strings.HasPrefix(name, tempPrefix) {
			continue
		}

		id := strings.TrimSuffix(name, filepath.Ext(name))
		if s.removeIfOrphan(id, name) {
			removed++
		}
	}

	return removed, nil
}

func (s *Store) removeIfOrphan(id, name string) bool {
	unlock := s.locks.Lock(id)
	defer unlock()

	v, ok := s.lookup(id)
	if ok && v.AudioReference == name {
		return false
	}

	err := os.Remove(filepath.Join(s.audioDir, name))
	if err != nil {
		s.log.Warn("Failed to remove orphaned voice blob %s: %v", name, err)

		return false
	}

	s.log.Info("Removed orphaned voice blob %s", name)

	return true
}

func (s *Store) lookup(id string) (*Voice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.voices[id]

	return v, ok
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.metadataDir, id+metadataExt)
}

func (s *Store) writeRecord(v *Voice) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode voice record: %w", err)
	}

	return writeFileAtomic(s.recordPath(v.ID), data)
}

func (s *Store) removeQuietly(path string) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("Failed to remove %s: %v", path, err)
	}
}

// writeFileAtomic writes data to a hidden temp file in the target directory
// and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	if writeErr == nil {
		writeErr = tmp.Sync()
	}

	closeErr := tmp.Close()

	err = errors.Join(writeErr, closeErr)
	if err == nil {
		err = os.Chmod(tmpName, filePermissions)
	}

	if err == nil {
		err = os.Rename(tmpName, path)
	}

	if err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}
