package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// bundleFile is the on-disk YAML/JSON form of a knowledge base.
type bundleFile struct {
	Version string     `yaml:"version"`
	Cards   []cardFile `yaml:"cards"`
}

type cardFile struct {
	ID        string   `yaml:"id"`
	Title     string   `yaml:"title"`
	Content   string   `yaml:"content"`
	Source    string   `yaml:"source"`
	TopicIDs  []string `yaml:"topic_ids"`
	Tags      []string `yaml:"tags"`
	Scope     Scope    `yaml:"scope"`
	UpdatedAt string   `yaml:"updated_at"`
}

// Open loads the bundle at path and returns a retriever over it. Any load
// failure is logged once and yields an empty retriever.
func Open(ctx context.Context, path string, logger *slog.Logger) *Retriever {
	if path == "" {
		logger.Warn("evidence: no knowledge base configured, retrieval disabled")
		return NewRetriever(nil)
	}
	var (
		cards []Card
		err   error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		cards, err = LoadSQLite(ctx, path)
	default:
		cards, err = LoadFile(path)
	}
	if err != nil {
		logger.Error("evidence: knowledge base failed to load, retrieval disabled", "path", path, "error", err)
		return NewRetriever(nil)
	}
	logger.Info("evidence: knowledge base loaded", "path", path, "cards", len(cards))
	return NewRetriever(cards)
}

// LoadFile reads a YAML or JSON bundle. JSON is valid YAML, so one decoder
// serves both.
func LoadFile(path string) ([]Card, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("evidence: read %s: %w", path, err)
	}
	var bf bundleFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("evidence: parse %s: %w", path, err)
	}
	cards := make([]Card, 0, len(bf.Cards))
	for i, cf := range bf.Cards {
		c, err := cf.card()
		if err != nil {
			return nil, fmt.Errorf("evidence: card %d: %w", i, err)
		}
		cards = append(cards, c)
	}
	return cards, nil
}

func (cf cardFile) card() (Card, error) {
	if cf.ID == "" {
		return Card{}, fmt.Errorf("missing id")
	}
	updated, err := parseTime(cf.UpdatedAt)
	if err != nil {
		return Card{}, fmt.Errorf("%s: updated_at: %w", cf.ID, err)
	}
	return Card{
		ID:        cf.ID,
		Title:     cf.Title,
		Content:   cf.Content,
		Source:    cf.Source,
		TopicIDs:  cf.TopicIDs,
		Tags:      cf.Tags,
		Scope:     cf.Scope,
		UpdatedAt: updated,
	}, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// LoadSQLite reads cards from a SQLite bundle with a single "cards" table.
// topic_ids and tags are JSON arrays.
func LoadSQLite(ctx context.Context, path string) ([]Card, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("evidence: open %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("evidence: open %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, `
		SELECT id, title, content, source, topic_ids, tags,
		       country, region, park, continent, updated_at
		FROM cards ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("evidence: query cards: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cards []Card
	for rows.Next() {
		var (
			cf                cardFile
			topicIDs, tags    string
			country, region   sql.NullString
			park, continent   sql.NullString
			source, updatedAt sql.NullString
		)
		if err := rows.Scan(&cf.ID, &cf.Title, &cf.Content, &source, &topicIDs, &tags,
			&country, &region, &park, &continent, &updatedAt); err != nil {
			return nil, fmt.Errorf("evidence: scan card: %w", err)
		}
		if err := json.Unmarshal([]byte(topicIDs), &cf.TopicIDs); err != nil {
			return nil, fmt.Errorf("evidence: card %s topic_ids: %w", cf.ID, err)
		}
		if err := json.Unmarshal([]byte(tags), &cf.Tags); err != nil {
			return nil, fmt.Errorf("evidence: card %s tags: %w", cf.ID, err)
		}
		cf.Source = source.String
		cf.UpdatedAt = updatedAt.String
		cf.Scope = Scope{Country: country.String, Region: region.String, Park: park.String, Continent: continent.String}
		c, err := cf.card()
		if err != nil {
			return nil, fmt.Errorf("evidence: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence: iterate cards: %w", err)
	}
	return cards, nil
}
