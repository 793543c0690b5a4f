// Package profile stores what the user has told the assistant about their work
// and goals. The profile is a small TOML file that feeds the system prompt.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	dirMode         = 0o700
	fileMode        = 0o600
	tempFilePattern = ".profile-*.toml"
)

// UserContext is the user's self-description.
type UserContext struct {
	WorkDescription   string `toml:"work_description" json:"workDescription,omitempty"`
	ShortTermFocus    string `toml:"short_term_focus" json:"shortTermFocus,omitempty"`
	LongTermGoals     string `toml:"long_term_goals" json:"longTermGoals,omitempty"`
	OtherContext      string `toml:"other_context" json:"otherContext,omitempty"`
	SortingPreference string `toml:"sorting_preference" json:"sortingPreference,omitempty"`
}

// IsEmpty reports whether no field is set.
func (u UserContext) IsEmpty() bool {
	return u == UserContext{}
}

// JSON renders the context for embedding in prompts. An empty context is "{}".
func (u UserContext) JSON() string {
	data, err := json.Marshal(u)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Load reads the profile at path. A missing file yields an empty profile.
func Load(path string) (UserContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return UserContext{}, nil
		}
		return UserContext{}, fmt.Errorf("read profile: %w", err)
	}

	var uc UserContext
	if err := toml.Unmarshal(data, &uc); err != nil {
		return UserContext{}, fmt.Errorf("decode profile: %w", err)
	}
	uc.trim()
	return uc, nil
}

// Save writes the profile to path atomically.
func Save(path string, uc UserContext) error {
	uc.trim()
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	data, err := toml.Marshal(uc)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Chmod(fileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace profile: %w", err)
	}

	cleanup = false
	return nil
}

func (u *UserContext) trim() {
	u.WorkDescription = strings.TrimSpace(u.WorkDescription)
	u.ShortTermFocus = strings.TrimSpace(u.ShortTermFocus)
	u.LongTermGoals = strings.TrimSpace(u.LongTermGoals)
	u.OtherContext = strings.TrimSpace(u.OtherContext)
	u.SortingPreference = strings.TrimSpace(u.SortingPreference)
}
