package dcv

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edvin/autossl/internal/model"
	"github.com/edvin/autossl/internal/privilege"
)

// ChallengeFiles places and removes HTTP-01 key authorization files under a
// tenant's document root.
type ChallengeFiles interface {
	Place(identity model.Identity, docroot, token, keyAuth string) error
	Remove(identity model.Identity, docroot, token string) error
}

// OSChallengeFiles writes challenge files to the filesystem as the tenant's
// own uid/gid, so symlinks inside the docroot cannot be abused to write
// outside the tenant's tree.
type OSChallengeFiles struct{}

func (OSChallengeFiles) Place(identity model.Identity, docroot, token, keyAuth string) error {
	dropped, err := privilege.Drop(identity.UID, identity.GID)
	if err != nil {
		return fmt.Errorf("drop privileges: %w", err)
	}
	defer dropped.Restore()

	dir := filepath.Join(docroot, ".well-known", "acme-challenge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create challenge directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, token), []byte(keyAuth), 0o644); err != nil {
		return fmt.Errorf("write challenge file: %w", err)
	}
	return nil
}

func (OSChallengeFiles) Remove(identity model.Identity, docroot, token string) error {
	dropped, err := privilege.Drop(identity.UID, identity.GID)
	if err != nil {
		return fmt.Errorf("drop privileges: %w", err)
	}
	defer dropped.Restore()

	path := filepath.Join(docroot, ".well-known", "acme-challenge", token)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove challenge file: %w", err)
	}
	return nil
}
