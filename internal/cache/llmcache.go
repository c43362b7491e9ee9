package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LLMEntry is one cached analysis response.
type LLMEntry struct {
	Model     string    `json:"model"`
	Kind      string    `json:"kind"`
	Accession string    `json:"accession"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

// LLMCache stores model responses keyed by a prompt digest and model name.
type LLMCache struct {
	Dir string
	// StrictPerms, when true, enforces 0700 on the directory and 0600 on files.
	StrictPerms bool
}

// KeyFrom builds a cache key from model and prompt.
func KeyFrom(model string, prompt string) string {
	h := sha256.Sum256([]byte(model + "\n\n" + prompt))
	return hex.EncodeToString(h[:])
}

func (c *LLMCache) pathFor(key string) string {
	return filepath.Join(c.Dir, key+".json")
}

// Get returns the cached entry for key. A missing or unreadable entry is a
// miss, not an error.
func (c *LLMCache) Get(_ context.Context, key string) (LLMEntry, bool, error) {
	if c == nil || c.Dir == "" {
		return LLMEntry{}, false, errors.New("cache dir not configured")
	}
	p := c.pathFor(key)
	b, err := os.ReadFile(p)
	if err != nil {
		return LLMEntry{}, false, nil
	}
	var e LLMEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return LLMEntry{}, false, nil
	}
	// Touch mtime so age purges keep entries that are still read.
	now := time.Now()
	_ = os.Chtimes(p, now, now)
	return e, true, nil
}

// Save writes an entry under key.
func (c *LLMCache) Save(_ context.Context, key string, e LLMEntry) error {
	if c == nil || c.Dir == "" {
		return errors.New("cache dir not configured")
	}
	if err := ensureDir(c.Dir, c.StrictPerms); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("encode llm entry: %w", err)
	}
	return writeAtomic(c.pathFor(key), data, fileMode(c.StrictPerms))
}
