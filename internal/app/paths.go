package app

import (
	"path/filepath"
	"strings"
)

// Paths are the on-disk locations derived from Config.
type Paths struct {
	Database string
	Raw      string
	LLMCache string
}

// ResolvePaths places the database and caches under the data directory
// unless an explicit database path is configured.
func ResolvePaths(cfg Config) Paths {
	root := strings.TrimSpace(cfg.DataDir)
	if root == "" {
		root = defaultDataDir
	}
	db := strings.TrimSpace(cfg.DatabasePath)
	if db == "" {
		db = filepath.Join(root, "filings.db")
	}
	return Paths{
		Database: db,
		Raw:      filepath.Join(root, "raw"),
		LLMCache: filepath.Join(root, "llm-cache"),
	}
}
