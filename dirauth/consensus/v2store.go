package consensus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// StoreV2 persists a parsed v2 network-status document under
// dir/cached-status/<HEXFP>, the minimal on-disk form spec.md §1 keeps for
// the v2 path (§4 SUPPLEMENTED FEATURES). Takes the already-parsed fields
// rather than a *dirparse.V2Status to avoid an import cycle (dirparse
// imports this package for *NS).
func StoreV2(dir, fingerprint, published string, routerLines []string) error {
	if fingerprint == "" {
		return errors.New("consensus: v2 status has no fingerprint")
	}
	statusDir := filepath.Join(dir, "cached-status")
	if err := os.MkdirAll(statusDir, 0o755); err != nil {
		return fmt.Errorf("consensus: creating cached-status dir: %w", err)
	}
	tmp := filepath.Join(statusDir, fingerprint+".tmp")
	body := fmt.Sprintf("fingerprint %s\npublished %s\n", fingerprint, published)
	for _, r := range routerLines {
		body += r + "\n"
	}
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return fmt.Errorf("consensus: writing v2 status: %w", err)
	}
	return os.Rename(tmp, filepath.Join(statusDir, fingerprint))
}
