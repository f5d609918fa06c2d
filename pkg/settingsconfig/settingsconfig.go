// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package settingsconfig validates a spider's settings.yaml against a
// closed schema before a run is created. Unlike the dynamic attribute
// dictionaries a crawl framework's own settings module would accept, an
// unrecognized key here is a load-time error, not a silently ignored
// value: see domain.Settings.
package settingsconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crawlplane/ctlmaster/internal/domain"
	conductorerrors "github.com/crawlplane/ctlmaster/pkg/errors"
)

// Kind constrains what a known setting's value must look like.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
)

// field describes one entry of the closed schema.
type field struct {
	kind    Kind
	Default string
}

// Schema is the closed set of settings keys a spider's settings.yaml (or a
// per-run/per-schedule override) may carry. Mirrors the crawl tunables a
// spider subprocess actually reads, not the full surface of the framework
// it's built on.
var Schema = map[string]field{
	"DOWNLOAD_DELAY":                 {kind: KindFloat, Default: "0"},
	"CONCURRENT_REQUESTS":            {kind: KindInt, Default: "16"},
	"CONCURRENT_REQUESTS_PER_DOMAIN": {kind: KindInt, Default: "8"},
	"CONCURRENT_REQUESTS_PER_IP":     {kind: KindInt, Default: "0"},
	"DOWNLOAD_TIMEOUT":               {kind: KindFloat, Default: "30"},
	"RETRY_TIMES":                    {kind: KindInt, Default: "2"},
	"ROBOTSTXT_OBEY":                 {kind: KindBool, Default: "true"},
	"AUTOTHROTTLE_ENABLED":           {kind: KindBool, Default: "false"},
	"USER_AGENT":                     {kind: KindString, Default: ""},

	// FINGERPRINT_FIELDS selects which item fields the Ingest Pipeline
	// hashes for deduplication, as a comma-separated list (e.g.
	// "sku,variant"). Empty means hash the whole payload. Per-spider,
	// because the wrong choice causes false-positive deduplication: see
	// ingest.FingerprintFromSettings.
	"FINGERPRINT_FIELDS": {kind: KindString, Default: ""},
}

// ErrLockTimeout is returned when settings.yaml's file lock cannot be
// acquired within lockTimeout.
var ErrLockTimeout = fmt.Errorf("settings.yaml locked by another process")

const lockTimeout = 5 * time.Second

// Validate checks s against Schema, returning a *errors.ValidationError
// for the first unknown key or malformed value it finds. Callers that
// need every violation at once should use ValidateAll.
func Validate(s domain.Settings) error {
	errs := ValidateAll(s)
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// ValidateAll checks every key in s against Schema and returns one
// *errors.ValidationError per violation (unknown key, or a value that
// doesn't parse as its schema Kind), in a deterministic key order.
func ValidateAll(s domain.Settings) []error {
	var errs []error

	keys := make([]string, 0, len(s.Values))
	for k := range s.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		f, ok := Schema[k]
		if !ok {
			errs = append(errs, &conductorerrors.ValidationError{
				Field:      k,
				Message:    "unrecognized settings key",
				Suggestion: "remove it, or add it to the closed settings schema",
			})
			continue
		}
		if err := checkKind(f.kind, s.Values[k]); err != nil {
			errs = append(errs, &conductorerrors.ValidationError{
				Field:      k,
				Message:    err.Error(),
				Suggestion: defaultHint(f),
			})
		}
	}

	return errs
}

func checkKind(k Kind, value string) error {
	switch k {
	case KindInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("value %q is not an integer", value)
		}
	case KindFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("value %q is not a number", value)
		}
	case KindBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("value %q is not a boolean", value)
		}
	case KindString:
		// any string is valid
	}
	return nil
}

func defaultHint(f field) string {
	if f.Default == "" {
		return ""
	}
	return fmt.Sprintf("example: %s", f.Default)
}

// File manages a spider's settings.yaml with file locking for concurrent
// access protection, the same pattern the daemon's config file load/save
// used before being split out of internal/config.
type File struct {
	path string

	mu       sync.Mutex
	lockFile *os.File
}

// New returns a File bound to path (typically "<project>/<spider>/settings.yaml").
func New(path string) *File {
	return &File{path: path}
}

// Lock acquires an exclusive lock on the settings file, creating its
// directory and a ".lock" sidecar if needed.
func (f *File) Lock() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	lockPath := f.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}

	deadline := time.Now().Add(lockTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err == nil {
			f.lockFile = lockFile
			return nil
		}
		if time.Now().After(deadline) {
			lockFile.Close()
			return ErrLockTimeout
		}
		<-ticker.C
	}
}

// Unlock releases the file lock acquired by Lock.
func (f *File) Unlock() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lockFile == nil {
		return nil
	}
	err := syscall.Flock(int(f.lockFile.Fd()), syscall.LOCK_UN)
	f.lockFile.Close()
	f.lockFile = nil
	return err
}

// WithLock runs fn while holding the file lock.
func (f *File) WithLock(fn func() error) error {
	if err := f.Lock(); err != nil {
		return err
	}
	defer f.Unlock()
	return fn()
}

// Load reads and validates settings.yaml, rejecting any key outside
// Schema. A missing file is not an error; it yields empty Settings.
func (f *File) Load() (domain.Settings, error) {
	var out domain.Settings

	err := f.WithLock(func() error {
		data, err := os.ReadFile(f.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("reading settings file: %w", err)
		}

		raw := map[string]string{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing settings YAML: %w", err)
		}

		s := domain.Settings{Values: raw}
		if err := Validate(s); err != nil {
			return err
		}
		out = s
		return nil
	})

	return out, err
}

// Save validates s against Schema and writes it atomically (temp file
// plus rename) under the file lock.
func (f *File) Save(s domain.Settings) error {
	if err := Validate(s); err != nil {
		return err
	}

	return f.WithLock(func() error {
		if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
			return fmt.Errorf("creating settings directory: %w", err)
		}

		data, err := yaml.Marshal(s.Values)
		if err != nil {
			return fmt.Errorf("marshaling settings: %w", err)
		}

		tmp := f.path + ".tmp"
		if err := os.WriteFile(tmp, data, 0600); err != nil {
			return fmt.Errorf("writing temp settings file: %w", err)
		}
		if err := os.Rename(tmp, f.path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("renaming settings file into place: %w", err)
		}
		return nil
	})
}
