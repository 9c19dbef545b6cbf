package export

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Contents is a decoded archive.
type Contents struct {
	Manifest  Manifest
	Documents map[string]Document
	// Attachments maps archive entry paths to their sizes.
	Attachments map[string]int64
}

// Inspect decodes the manifest and every conversation document of an archive.
func Inspect(path string) (*Contents, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("export: open %s: %w", path, err)
	}
	defer func() { _ = zr.Close() }()

	c := &Contents{Documents: map[string]Document{}, Attachments: map[string]int64{}}
	foundManifest := false
	for _, f := range zr.File {
		switch {
		case f.Name == ManifestName:
			if err := decodeEntry(f, &c.Manifest); err != nil {
				return nil, err
			}
			foundManifest = true
		case strings.HasPrefix(f.Name, "attachments/"):
			c.Attachments[f.Name] = int64(f.UncompressedSize64)
		case strings.HasSuffix(f.Name, ".json"):
			var doc Document
			if err := decodeEntry(f, &doc); err != nil {
				return nil, err
			}
			c.Documents[f.Name] = doc
		}
	}
	if !foundManifest {
		return nil, fmt.Errorf("export: %s has no %s", path, ManifestName)
	}
	return c, nil
}

// ReadEntry returns the bytes of one archive entry.
func ReadEntry(path, name string) ([]byte, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("export: open %s: %w", path, err)
	}
	defer func() { _ = zr.Close() }()
	f, err := zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("export: %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func decodeEntry(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("export: open entry %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("export: decode %s: %w", f.Name, err)
	}
	return nil
}

// Fingerprint hashes a file the way Build fingerprints archives.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
