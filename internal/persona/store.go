// Package persona owns the persona registry: a keyed collection persisted
// as one JSON file and rewritten in full on every change.
package persona

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/hottake/studio/internal/model"
)

// DefaultID is the persona seeded into an empty or unreadable registry.
const DefaultID = "chad_goldstein"

var (
	ErrInvalidID      = errors.New("invalid persona id")
	ErrInvalidPersona = errors.New("invalid persona")
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateID checks that id is a lowercase slug usable as a map key and in
// URL paths.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w %q: use 1-64 lowercase letters, digits, '_' or '-'", ErrInvalidID, id)
	}
	return nil
}

// DefaultPersona returns the built-in persona used to seed a new registry.
func DefaultPersona() model.Persona {
	return model.Persona{
		Name:           "Chad Goldstein",
		Bio:            "A flamboyant, self-congratulatory venture capitalist and General Partner at Bling Capital Partners who delivers pitch critiques with ruthless candor, misguided self-comparisons to Warren Buffett, and unfiltered tech-bro energy",
		PromptFile:     "personas/prompts/chad_goldstein.txt",
		ImageFile:      "ChadGoldstein.jpg",
		HeyGenVoiceID:  "82025eb9625b4c09aec78f89528cc33a",
		HeyGenAvatarID: "0ccb7cd7f5fe49f09ae90df50f2e9140",
		Description:    "The original hot take commentator with a distinctive voice and style - like Kevin O'Leary from Shark Tank, but with one exit, three podcasts, and a six-figure LinkedIn following",
	}
}

type Options struct {
	// File is the JSON registry path.
	File string
	// BaseDir resolves relative prompt and image references.
	BaseDir string
	// DefaultID is the fallback persona for unknown ids.
	DefaultID string
	Logger    *slog.Logger
}

// Store is the in-process persona registry. Writers from other processes
// are not coordinated; Reload picks up their changes.
type Store struct {
	mu        sync.RWMutex
	personas  map[string]model.Persona
	file      string
	baseDir   string
	defaultID string
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewStore builds a store and loads the registry. A non-nil error means the
// seeded default could not be written; the store is still usable.
func NewStore(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultID == "" {
		opts.DefaultID = DefaultID
	}
	if opts.BaseDir == "" {
		opts.BaseDir = "."
	}

	s := &Store{
		personas:  make(map[string]model.Persona),
		file:      opts.File,
		baseDir:   opts.BaseDir,
		defaultID: opts.DefaultID,
		validate:  validator.New(),
		logger:    opts.Logger,
	}
	return s, s.Load()
}

// DefaultID returns the id used when a requested persona does not exist.
func (s *Store) DefaultID() string { return s.defaultID }

// Load replaces the in-memory registry with the file contents. A missing or
// corrupt file is replaced by a registry holding only the default persona.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.file)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("No personas file found, seeding default persona", "file", s.file)
		return s.seedLocked()
	}
	if err != nil {
		s.logger.Error("Failed to read personas file, seeding default persona", "file", s.file, "error", err)
		return s.seedLocked()
	}

	var loaded map[string]model.Persona
	if err := json.Unmarshal(data, &loaded); err != nil || loaded == nil {
		s.logger.Error("Personas file is corrupt, seeding default persona", "file", s.file, "error", err)
		s.backupCorruptLocked(data)
		return s.seedLocked()
	}

	s.personas = loaded
	s.logger.Info("Loaded personas", "count", len(loaded), "file", s.file)
	return nil
}

// Reload discards in-memory state and reads the file again.
func (s *Store) Reload() error {
	s.logger.Info("Reloading personas", "file", s.file)
	return s.Load()
}

func (s *Store) Get(id string) (model.Persona, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.personas[id]
	return p, ok
}

// Resolve returns the persona for id, substituting the default persona
// when id is unknown. The returned id is the one actually used.
func (s *Store) Resolve(id string) (string, model.Persona, bool) {
	if p, ok := s.Get(id); ok {
		return id, p, true
	}
	if id != s.defaultID {
		s.logger.Warn("Persona not found, falling back to default", "persona_id", id, "default_id", s.defaultID)
	}
	p, ok := s.Get(s.defaultID)
	return s.defaultID, p, ok
}

// List returns one summary per persona ordered by id.
func (s *Store) List() []model.PersonaSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.PersonaSummary, 0, len(s.personas))
	for id, p := range s.personas {
		out = append(out, model.PersonaSummary{
			ID:              id,
			Name:            p.Name,
			Bio:             p.Bio,
			Description:     p.Description,
			HasImage:        p.ImageFile != "",
			HasElevenLabs:   p.ElevenLabsVoiceID != "",
			HasHeyGenVoice:  p.HeyGenVoiceID != "",
			HasHeyGenAvatar: p.HeyGenAvatarID != "",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Add inserts or replaces the persona stored under id and rewrites the file.
func (s *Store) Add(id string, p model.Persona) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := s.validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPersona, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.personas[id] = p
	if err := s.saveLocked(); err != nil {
		return err
	}
	s.logger.Info("Added persona", "persona_id", id, "name", p.Name)
	return nil
}

// Update applies patch to an existing persona. Unknown ids report false.
func (s *Store) Update(id string, patch model.PersonaPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.personas[id]
	if !ok {
		s.logger.Warn("Cannot update unknown persona", "persona_id", id)
		return false, nil
	}
	patch.Apply(&p)
	if err := s.validate.Struct(p); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidPersona, err)
	}

	s.personas[id] = p
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	s.logger.Info("Updated persona", "persona_id", id, "name", p.Name)
	return true, nil
}

// Delete removes id. Unknown ids report false.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.personas[id]
	if !ok {
		s.logger.Warn("Cannot delete unknown persona", "persona_id", id)
		return false, nil
	}
	delete(s.personas, id)
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	s.logger.Info("Deleted persona", "persona_id", id, "name", p.Name)
	return true, nil
}

// GetPromptContent returns the trimmed system prompt for id. It reports
// false when the persona or its prompt file is missing.
func (s *Store) GetPromptContent(id string) (string, bool) {
	p, ok := s.Get(id)
	if !ok {
		return "", false
	}

	path := s.resolvePath(p.PromptFile)
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("Prompt file not readable", "persona_id", id, "path", path, "error", err)
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// Validate separates conditions that make a persona unusable from
// advisory gaps.
func (s *Store) Validate(id string) model.PersonaValidation {
	p, ok := s.Get(id)
	if !ok {
		return model.PersonaValidation{Valid: false, Errors: []string{"Persona not found"}, Warnings: []string{}}
	}

	v := model.PersonaValidation{Errors: []string{}, Warnings: []string{}}
	if !fileExists(s.resolvePath(p.PromptFile)) {
		v.Errors = append(v.Errors, "Prompt file not found: "+p.PromptFile)
	}
	if p.ImageFile != "" && !fileExists(s.resolvePath(p.ImageFile)) {
		v.Warnings = append(v.Warnings, "Image file not found: "+p.ImageFile)
	}
	if p.ElevenLabsVoiceID == "" && p.HeyGenVoiceID == "" {
		v.Warnings = append(v.Warnings, "No voice ID configured (ElevenLabs or HeyGen)")
	}
	if p.HeyGenAvatarID == "" {
		v.Warnings = append(v.Warnings, "No HeyGen avatar ID configured")
	}
	v.Valid = len(v.Errors) == 0
	return v
}

func (s *Store) resolvePath(ref string) string {
	if ref == "" || filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(s.baseDir, ref)
}

func (s *Store) seedLocked() error {
	s.personas = map[string]model.Persona{DefaultID: DefaultPersona()}
	if err := s.saveLocked(); err != nil {
		s.logger.Error("Failed to write default personas", "file", s.file, "error", err)
		return err
	}
	return nil
}

func (s *Store) backupCorruptLocked(data []byte) {
	backup := s.file + ".corrupt"
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		s.logger.Warn("Failed to back up corrupt personas file", "backup", backup, "error", err)
		return
	}
	s.logger.Info("Backed up corrupt personas file", "backup", backup)
}

// saveLocked writes the whole collection to a temp file and renames it over
// the registry so readers never observe a partial file.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.personas, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode personas: %w", err)
	}

	dir := filepath.Dir(s.file)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create personas directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".personas-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp personas file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write personas: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write personas: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.file); err != nil {
		return fmt.Errorf("failed to replace personas file: %w", err)
	}

	s.logger.Debug("Saved personas", "count", len(s.personas), "file", s.file)
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
