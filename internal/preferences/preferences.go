// Package preferences persists the client's selected community in a local YAML file.
package preferences

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	keySelectedCommunity = "selected_community_id"
	configType           = "yaml"
)

// State describes the stored community selection.
type State int

const (
	// Unset means the preference was never written (first run).
	Unset State = iota
	// Empty is the explicit "not chosen yet" sentinel.
	Empty
	// Set means a community id is stored.
	Set
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Set:
		return "set"
	default:
		return "unset"
	}
}

// Route names the first screen shown on start.
type Route string

const (
	RouteCommunityPicker Route = "community_select"
	RouteFeed            Route = "feed"
)

// Landing is where the client resumes.
type Landing struct {
	Route       Route
	CommunityID string
}

var errMissingPath = errors.New("preferences: file path required")

// Store reads and writes the preference file.
type Store struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

func Open(path string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errMissingPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger}, nil
}

// SelectedCommunity reports the stored community and its state. A corrupt file reads as Empty.
func (s *Store) SelectedCommunity() (string, State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	configViper, err := s.read()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", Unset
		}
		s.logger.Warn("preferences unreadable, using empty default",
			zap.String("path", s.path),
			zap.Error(err))
		return "", Empty
	}
	if !configViper.IsSet(keySelectedCommunity) {
		return "", Unset
	}
	communityID := strings.TrimSpace(configViper.GetString(keySelectedCommunity))
	if communityID == "" {
		return "", Empty
	}
	return communityID, Set
}

// SaveSelectedCommunity stores communityID; an empty id writes the sentinel.
func (s *Store) SaveSelectedCommunity(communityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configViper := s.newViper()
	configViper.Set(keySelectedCommunity, strings.TrimSpace(communityID))
	return s.write(configViper)
}

// ClearSelectedCommunity returns the preference to Unset.
func (s *Store) ClearSelectedCommunity() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("preferences: clear: %w", err)
	}
	return nil
}

// Landing routes to the feed when a community is stored and to the picker otherwise.
func (s *Store) Landing() Landing {
	communityID, state := s.SelectedCommunity()
	if state == Set {
		return Landing{Route: RouteFeed, CommunityID: communityID}
	}
	return Landing{Route: RouteCommunityPicker}
}

func (s *Store) newViper() *viper.Viper {
	configViper := viper.New()
	configViper.SetConfigFile(s.path)
	configViper.SetConfigType(configType)
	return configViper
}

func (s *Store) read() (*viper.Viper, error) {
	if _, err := os.Stat(s.path); err != nil {
		return nil, err
	}
	configViper := s.newViper()
	if err := configViper.ReadInConfig(); err != nil {
		return nil, err
	}
	return configViper, nil
}

func (s *Store) write(configViper *viper.Viper) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("preferences: create directory: %w", err)
		}
	}
	if err := configViper.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("preferences: write: %w", err)
	}
	return nil
}
