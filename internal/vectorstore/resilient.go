package vectorstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

const (
	// chromemMetadataFile holds a collection's name and metadata. chromem
	// refuses to open a database where a collection directory lacks it.
	chromemMetadataFile = "00000000.gob"

	quarantineDir = ".quarantine"
)

// chromem names collection directories after a hash prefix of the name.
var collectionDirPattern = regexp.MustCompile(`^[a-f0-9]{8}$`)

// openChromemDB opens a persistent chromem database at path. Collection
// directories left without metadata by an interrupted write are moved to
// path/.quarantine and the open is retried once, so one broken collection
// does not make the whole index unreadable.
func openChromemDB(path string, compress bool, logger *zap.Logger) (*chromem.DB, error) {
	db, err := chromem.NewPersistentDB(path, compress)
	if err == nil {
		return db, nil
	}
	if !strings.Contains(err.Error(), "collection metadata file not found") {
		return nil, err
	}

	broken, findErr := findOrphanedCollections(path, logger)
	if findErr != nil || len(broken) == 0 {
		return nil, err
	}

	qdir := filepath.Join(path, quarantineDir)
	if mkErr := os.MkdirAll(qdir, 0o755); mkErr != nil {
		return nil, fmt.Errorf("creating quarantine dir: %w", mkErr)
	}
	moved := 0
	for _, name := range broken {
		if !collectionDirPattern.MatchString(name) {
			logger.Error("refusing to quarantine unexpected directory", zap.String("dir", name))
			continue
		}
		if err := os.Rename(filepath.Join(path, name), filepath.Join(qdir, name)); err != nil {
			logger.Error("failed to quarantine collection", zap.String("dir", name), zap.Error(err))
			continue
		}
		moved++
		logger.Warn("quarantined chromem collection without metadata",
			zap.String("dir", name), zap.String("to", qdir))
	}

	db, err = chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("opening chromem db after quarantining %d collections: %w", moved, err)
	}
	return db, nil
}

// findOrphanedCollections lists collection directories that hold document
// files but no metadata file. Empty directories are left alone.
func findOrphanedCollections(path string, logger *zap.Logger) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var broken []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(path, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, chromemMetadataFile)); !os.IsNotExist(err) {
			continue
		}
		files, err := os.ReadDir(dir)
		if err != nil {
			logger.Warn("failed to inspect collection dir", zap.String("dir", dir), zap.Error(err))
			continue
		}
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".gob") {
				broken = append(broken, entry.Name())
				break
			}
		}
	}
	return broken, nil
}
