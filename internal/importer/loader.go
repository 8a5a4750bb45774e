package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/MrSnakeDoc/marks/internal/domain"
)

var templateVar = regexp.MustCompile(`\{\{[^}]+\}\}`)

// LoadFile reads drafts from a homepage bookmarks.yaml, or from a JSON export
// shaped {"bookmarks":[{"title":..,"url":..}]} when the file ends in .json.
func LoadFile(path string) ([]domain.Draft, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bookmarks file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSON(data)
	}

	config, err := ParseHomepage(data)
	if err != nil {
		return nil, err
	}
	return MapBookmarks(config), nil
}

// ParseHomepage parses a homepage bookmarks.yaml.
func ParseHomepage(data []byte) (BookmarksConfig, error) {
	// Homepage template variables ({{HOMEPAGE_VAR_...}}) are not resolvable here.
	data = stripTemplateVariables(data)

	var config BookmarksConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse bookmarks yaml: %w", err)
	}
	return config, nil
}

// ParseJSON reads a bookmark export.
func ParseJSON(data []byte) ([]domain.Draft, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("failed to parse bookmarks json: invalid json")
	}
	items := gjson.GetBytes(data, "bookmarks").Array()
	drafts := make([]domain.Draft, 0, len(items))
	for _, item := range items {
		drafts = append(drafts, domain.Draft{
			Title: item.Get("title").String(),
			URL:   item.Get("url").String(),
		})
	}
	return drafts, nil
}

// stripTemplateVariables removes Homepage template variables from YAML
// Example: {{HOMEPAGE_VAR_ADGUARD_URL}} -> ""
func stripTemplateVariables(data []byte) []byte {
	return templateVar.ReplaceAll(data, []byte(`""`))
}
