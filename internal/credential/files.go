package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// identityFile is the on-disk JSON shape of one credential, one file per
// identity in the state directory. The OAuth handshake that produces these
// files is out of scope; the gateway only consumes them.
type identityFile struct {
	ID            string    `json:"id"`
	Backend       string    `json:"backend"`
	Family        string    `json:"family"`
	AccessToken   string    `json:"access_token"`
	RefreshExpiry time.Time `json:"refresh_expiry,omitempty"`
	Disabled      bool      `json:"disabled,omitempty"`
}

// LoadDir reads every *.json identity file under dir into credentials. A
// missing directory is not an error - a gateway configured with API keys
// only has no identity files at all.
func LoadDir(dir string) ([]*Credential, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential dir %s: %w", dir, err)
	}

	var out []*Credential
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var f identityFile
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if f.ID == "" {
			f.ID = strings.TrimSuffix(ent.Name(), ".json")
		}
		c := NewCredential(f.ID, f.Backend, f.Family, f.AccessToken)
		c.RefreshExpiry = f.RefreshExpiry
		c.Disabled = f.Disabled
		out = append(out, c)
	}
	return out, nil
}

// SaveFile writes one credential back to its identity file, used by the
// accounts CLI after a login handshake.
func SaveFile(dir string, c *Credential) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(identityFile{
		ID:            c.ID,
		Backend:       c.Backend,
		Family:        c.Family,
		AccessToken:   c.AccessToken,
		RefreshExpiry: c.RefreshExpiry,
		Disabled:      c.Disabled,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, c.ID+".json"), raw, 0o600)
}

// FromAPIKeys builds one static credential per configured API key for a
// backend, so key-based backends share the same pool machinery as
// identity-file backends.
func FromAPIKeys(backendKey, family string, keys []string) []*Credential {
	out := make([]*Credential, 0, len(keys))
	for i, key := range keys {
		id := fmt.Sprintf("%s-key-%d", backendKey, i)
		out = append(out, NewCredential(id, backendKey, family, key))
	}
	return out
}
