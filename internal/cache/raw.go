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
	"strings"
	"time"
)

// RawEntry is the sidecar metadata stored next to a raw filing document.
type RawEntry struct {
	Accession   string    `json:"accession"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	SHA256      string    `json:"sha256"`
	Size        int       `json:"size"`
	SavedAt     time.Time `json:"saved_at"`
}

// ErrDigestMismatch is returned when a stored body no longer matches the
// digest recorded when it was saved.
var ErrDigestMismatch = errors.New("raw document digest mismatch")

// RawStore keeps fetched filing documents on disk as <accession>.body with a
// <accession>.meta.json sidecar, so extraction can be re-run without
// fetching again.
type RawStore struct {
	Dir string
	// StrictPerms enforces 0700 on the directory and 0600 on files.
	StrictPerms bool
}

func (c *RawStore) ensureDir() error {
	if c == nil || c.Dir == "" {
		return errors.New("raw store dir not configured")
	}
	return ensureDir(c.Dir, c.StrictPerms)
}

func (c *RawStore) key(accession string) (string, error) {
	a := strings.TrimSpace(accession)
	if a == "" {
		return "", errors.New("accession required")
	}
	for _, r := range a {
		if (r < '0' || r > '9') && r != '-' {
			return "", fmt.Errorf("invalid accession %q", accession)
		}
	}
	return a, nil
}

func (c *RawStore) metaPath(key string) string { return filepath.Join(c.Dir, key+".meta.json") }
func (c *RawStore) bodyPath(key string) string { return filepath.Join(c.Dir, key+".body") }

// Digest returns the hex sha256 of body.
func Digest(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

// Save writes body and its metadata. Both files are replaced atomically.
func (c *RawStore) Save(_ context.Context, accession, url, contentType string, body []byte) (RawEntry, error) {
	if err := c.ensureDir(); err != nil {
		return RawEntry{}, err
	}
	key, err := c.key(accession)
	if err != nil {
		return RawEntry{}, err
	}
	mode := fileMode(c.StrictPerms)
	if err := writeAtomic(c.bodyPath(key), body, mode); err != nil {
		return RawEntry{}, fmt.Errorf("write body: %w", err)
	}
	meta := RawEntry{
		Accession:   key,
		URL:         url,
		ContentType: contentType,
		SHA256:      Digest(body),
		Size:        len(body),
		SavedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(&meta)
	if err != nil {
		return RawEntry{}, fmt.Errorf("encode meta: %w", err)
	}
	if err := writeAtomic(c.metaPath(key), data, mode); err != nil {
		return RawEntry{}, fmt.Errorf("write meta: %w", err)
	}
	return meta, nil
}

// Load returns the stored body and metadata, verifying the digest.
func (c *RawStore) Load(_ context.Context, accession string) ([]byte, RawEntry, error) {
	key, err := c.key(accession)
	if err != nil {
		return nil, RawEntry{}, err
	}
	if c == nil || c.Dir == "" {
		return nil, RawEntry{}, errors.New("raw store dir not configured")
	}
	data, err := os.ReadFile(c.metaPath(key))
	if err != nil {
		return nil, RawEntry{}, err
	}
	var meta RawEntry
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, RawEntry{}, fmt.Errorf("decode meta: %w", err)
	}
	body, err := os.ReadFile(c.bodyPath(key))
	if err != nil {
		return nil, RawEntry{}, err
	}
	if Digest(body) != meta.SHA256 {
		return nil, RawEntry{}, fmt.Errorf("%s: %w", key, ErrDigestMismatch)
	}
	return body, meta, nil
}

// Has reports whether a document is stored for accession.
func (c *RawStore) Has(accession string) bool {
	key, err := c.key(accession)
	if err != nil || c == nil || c.Dir == "" {
		return false
	}
	_, err = os.Stat(c.metaPath(key))
	return err == nil
}

func ensureDir(dir string, strict bool) error {
	perm := os.FileMode(0o755)
	if strict {
		perm = 0o700
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if strict {
		if info, err := os.Stat(dir); err == nil && info.Mode()&0o777 != 0o700 {
			_ = os.Chmod(dir, 0o700)
		}
	}
	return nil
}

func fileMode(strict bool) os.FileMode {
	if strict {
		return 0o600
	}
	return 0o644
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
