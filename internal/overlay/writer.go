package overlay

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/digi4care/overstory-sub000/internal/domain"
)

// Write renders cfg and writes it atomically to instructionPath (relative
// to cfg.WorktreePath, typically an adapter's `instructionPath`). It
// refuses to write anywhere that resolves to canonicalRoot.
func Write(cfg domain.OverlayConfig, instructionPath, canonicalRoot string) error {
	fullPath := filepath.Join(cfg.WorktreePath, instructionPath)
	if ResolvesToRoot(filepath.Dir(fullPath), canonicalRoot) {
		return fmt.Errorf("refusing to write overlay into canonical project root")
	}

	body, err := Render(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create overlay directory: %w", err)
	}

	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write overlay temp file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		return fmt.Errorf("rename overlay into place: %w", err)
	}
	return nil
}
