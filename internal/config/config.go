package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const ConfigFileName = "config.json"

// SlotKind names one of the custom model slots.
type SlotKind string

const (
	SlotDetector   SlotKind = "detector"
	SlotRecognizer SlotKind = "recognizer"
	SlotTextModel  SlotKind = "text_model"
)

func ParseSlotKind(s string) (SlotKind, error) {
	switch k := SlotKind(s); k {
	case SlotDetector, SlotRecognizer, SlotTextModel:
		return k, nil
	case "text-model":
		return SlotTextModel, nil
	}
	return "", fmt.Errorf("unknown model slot %q (want detector, recognizer or text_model)", s)
}

// ModelSlot points the recognizer at a user supplied model.
type ModelSlot struct {
	Name    string `json:"model_name" msgpack:"model_name"`
	Backend string `json:"model_backend" msgpack:"model_backend"`
	Dir     string `json:"model_dir" msgpack:"model_dir"`
}

func (m *ModelSlot) Validate() error {
	switch {
	case m.Name == "":
		return errors.New("model_name must not be empty")
	case m.Backend == "":
		return errors.New("model_backend must not be empty")
	case m.Dir == "":
		return errors.New("model_dir must not be empty")
	}
	return nil
}

// Settings is the persisted JSON document. Every slot is optional.
type Settings struct {
	Detector   *ModelSlot `json:"detector,omitempty" msgpack:"detector,omitempty"`
	Recognizer *ModelSlot `json:"recognizer,omitempty" msgpack:"recognizer,omitempty"`
	TextModel  *ModelSlot `json:"text_model,omitempty" msgpack:"text_model,omitempty"`
}

func (s Settings) Validate() error {
	for kind, slot := range s.slots() {
		if slot == nil {
			continue
		}
		if err := slot.Validate(); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
	}
	return nil
}

// Slot returns the configured slot or nil.
func (s Settings) Slot(kind SlotKind) *ModelSlot {
	return s.slots()[kind]
}

func (s Settings) slots() map[SlotKind]*ModelSlot {
	return map[SlotKind]*ModelSlot{
		SlotDetector:   s.Detector,
		SlotRecognizer: s.Recognizer,
		SlotTextModel:  s.TextModel,
	}
}

// clone deep copies the slots so observers never share pointers with the manager.
func (s Settings) clone() Settings {
	cp := func(m *ModelSlot) *ModelSlot {
		if m == nil {
			return nil
		}
		c := *m
		return &c
	}
	return Settings{
		Detector:   cp(s.Detector),
		Recognizer: cp(s.Recognizer),
		TextModel:  cp(s.TextModel),
	}
}

// Manager is the single owner of Settings. All mutation goes through it and
// every change is broadcast to subscribers.
type Manager struct {
	path string

	mu        sync.Mutex
	settings  Settings
	nextID    int
	observers map[int]func(Settings)
}

func NewManager(dir string) *Manager {
	return &Manager{
		path:      filepath.Join(dir, ConfigFileName),
		observers: make(map[int]func(Settings)),
	}
}

func (m *Manager) Path() string { return m.path }

// Load reads the config file. A missing, unreadable or invalid document is
// replaced by the default (empty) one without surfacing an error; only a
// failure to write the regenerated file is returned.
func (m *Manager) Load() error {
	settings, err := readSettings(m.path)
	if err != nil {
		slog.Debug("regenerating default config", "path", m.path, "reason", err)
		settings = Settings{}
		if err := writeSettings(m.path, settings); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
	}

	m.mu.Lock()
	m.settings = settings
	m.mu.Unlock()

	m.broadcast(settings)
	return nil
}

// Settings returns a copy of the current document.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.clone()
}

func (m *Manager) Save() error {
	m.mu.Lock()
	settings := m.settings.clone()
	m.mu.Unlock()
	return writeSettings(m.path, settings)
}

// SetSlot replaces (or clears, with nil) one slot and persists the result.
func (m *Manager) SetSlot(kind SlotKind, slot *ModelSlot) error {
	if slot != nil {
		if err := slot.Validate(); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		c := *slot
		slot = &c
	}

	m.mu.Lock()
	next := m.settings.clone()
	switch kind {
	case SlotDetector:
		next.Detector = slot
	case SlotRecognizer:
		next.Recognizer = slot
	case SlotTextModel:
		next.TextModel = slot
	default:
		m.mu.Unlock()
		return fmt.Errorf("unknown model slot %q", kind)
	}
	if err := writeSettings(m.path, next); err != nil {
		m.mu.Unlock()
		return err
	}
	m.settings = next
	m.mu.Unlock()

	m.broadcast(next)
	return nil
}

// Reset writes the default document.
func (m *Manager) Reset() error {
	m.mu.Lock()
	if err := writeSettings(m.path, Settings{}); err != nil {
		m.mu.Unlock()
		return err
	}
	m.settings = Settings{}
	m.mu.Unlock()

	m.broadcast(Settings{})
	return nil
}

// Subscribe registers fn for change notifications.
func (m *Manager) Subscribe(fn func(Settings)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) broadcast(s Settings) {
	m.mu.Lock()
	observers := make([]func(Settings), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(s.clone())
	}
}

func readSettings(path string) (Settings, error) {
	var settings Settings

	data, err := os.ReadFile(path)
	if err != nil {
		return settings, err
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, err
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func writeSettings(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
