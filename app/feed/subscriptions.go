package feed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lysyi3m/feed-depot/app/database"
	"gopkg.in/yaml.v3"
)

// SubscriptionFile is the on-disk definition of one feed. The feed ID is
// derived from the file name.
type SubscriptionFile struct {
	URL      string               `yaml:"url" toml:"url"`
	Title    string               `yaml:"title" toml:"title"`
	Kind     string               `yaml:"kind" toml:"kind"`
	Settings SubscriptionSettings `yaml:"settings" toml:"settings"`
}

type SubscriptionSettings struct {
	Enabled         *bool `yaml:"enabled" toml:"enabled"`
	RefreshInterval int   `yaml:"refresh_interval" toml:"refresh_interval"` // seconds
	MaxPages        int   `yaml:"max_pages" toml:"max_pages"`
}

type SubscriptionWriter interface {
	UpsertFeed(ctx context.Context, feed database.FeedSubscription) error
}

// SubscriptionLoader reads subscription files from a directory. It stands in
// for the registry owner: it creates and updates subscriptions but never deletes them.
type SubscriptionLoader struct {
	feedsDir        string
	defaultInterval time.Duration
}

func NewSubscriptionLoader(feedsDir string, defaultInterval time.Duration) *SubscriptionLoader {
	if defaultInterval <= 0 {
		defaultInterval = time.Hour
	}
	return &SubscriptionLoader{
		feedsDir:        feedsDir,
		defaultInterval: defaultInterval,
	}
}

func (l *SubscriptionLoader) Load() ([]database.FeedSubscription, error) {
	if _, err := os.Stat(l.feedsDir); os.IsNotExist(err) {
		return nil, nil
	}

	var files []string
	for _, pattern := range []string{"*.yml", "*.yaml", "*.toml"} {
		matches, err := filepath.Glob(filepath.Join(l.feedsDir, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to find subscription files: %w", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	seen := make(map[string]string, len(files))
	subs := make([]database.FeedSubscription, 0, len(files))
	for _, file := range files {
		sub, err := l.loadFile(file)
		if err != nil {
			return nil, fmt.Errorf("error loading %s: %w", file, err)
		}
		if prev, ok := seen[sub.ID]; ok {
			return nil, fmt.Errorf("duplicate feed id %q in %s and %s", sub.ID, prev, file)
		}
		seen[sub.ID] = file

		slog.Debug("Subscription loaded", "feed", sub.ID, "enabled", sub.Enabled, "poll_interval", sub.PollInterval)
		subs = append(subs, sub)
	}

	return subs, nil
}

// Sync upserts every subscription found on disk and returns how many were written.
func (l *SubscriptionLoader) Sync(ctx context.Context, registry SubscriptionWriter) (int, error) {
	subs, err := l.Load()
	if err != nil {
		return 0, err
	}

	for _, sub := range subs {
		if err := registry.UpsertFeed(ctx, sub); err != nil {
			return 0, fmt.Errorf("failed to sync feed %s: %w", sub.ID, err)
		}
	}

	return len(subs), nil
}

func (l *SubscriptionLoader) loadFile(path string) (database.FeedSubscription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return database.FeedSubscription{}, fmt.Errorf("failed to read file: %w", err)
	}

	var file SubscriptionFile
	ext := filepath.Ext(path)
	switch ext {
	case ".toml":
		if err := toml.Unmarshal(data, &file); err != nil {
			return database.FeedSubscription{}, fmt.Errorf("failed to parse TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &file); err != nil {
			return database.FeedSubscription{}, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := validateSubscription(&file); err != nil {
		return database.FeedSubscription{}, err
	}

	sub := database.FeedSubscription{
		ID:           strings.TrimSuffix(filepath.Base(path), ext),
		SourceURL:    file.URL,
		Kind:         file.Kind,
		Title:        file.Title,
		PollInterval: l.defaultInterval,
		Enabled:      true,
		MaxPages:     file.Settings.MaxPages,
	}
	if sub.Kind == "" {
		sub.Kind = KindRSS
	}
	if sub.MaxPages == 0 {
		sub.MaxPages = 1
	}
	if file.Settings.RefreshInterval > 0 {
		sub.PollInterval = time.Duration(file.Settings.RefreshInterval) * time.Second
	}
	if file.Settings.Enabled != nil {
		sub.Enabled = *file.Settings.Enabled
	}

	return sub, nil
}

func validateSubscription(file *SubscriptionFile) error {
	if file.URL == "" {
		return fmt.Errorf("feed URL is required")
	}
	if file.Settings.RefreshInterval < 0 {
		return fmt.Errorf("refresh interval must be non-negative")
	}
	if file.Settings.MaxPages < 0 {
		return fmt.Errorf("max pages must be non-negative")
	}
	switch file.Kind {
	case "", KindRSS, KindWordPress:
	default:
		return fmt.Errorf("unsupported feed kind %q", file.Kind)
	}
	return nil
}
