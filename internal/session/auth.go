package session

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/LuminariMUD/i3gateway/internal/config"
)

// Capability names gate API method families.
const (
	CapTell    = "tell"
	CapChannel = "channel"
	CapInfo    = "info"
	CapAdmin   = "admin"
	CapAll     = "*"
)

var ErrBadCredentials = errors.New("session: invalid api key")

// Credential is one verified API identity.
type Credential struct {
	ID      string
	MudName string

	capabilities map[string]bool
}

// Can reports whether the credential grants a capability.
func (c *Credential) Can(capability string) bool {
	return c.capabilities[CapAll] || c.capabilities[capability]
}

// Capabilities lists the granted capability names.
func (c *Credential) Capabilities() []string {
	out := make([]string, 0, len(c.capabilities))
	for name := range c.capabilities {
		out = append(out, name)
	}
	return out
}

// Keyring verifies client API keys. Keys are stored as salted SHA-256
// hashes; plaintext keys from config are hashed at load time so the
// comparison path is uniform.
type Keyring struct {
	entries []keyEntry
}

type keyEntry struct {
	cred Credential
	salt string
	hash []byte
}

// NewKeyring builds a keyring from configuration.
func NewKeyring(keys []config.APIKey) (*Keyring, error) {
	kr := &Keyring{entries: make([]keyEntry, 0, len(keys))}
	for _, k := range keys {
		caps := make(map[string]bool, len(k.Capabilities))
		for _, name := range k.Capabilities {
			caps[name] = true
		}
		if len(caps) == 0 {
			caps[CapTell] = true
			caps[CapChannel] = true
			caps[CapInfo] = true
		}
		entry := keyEntry{
			cred: Credential{ID: k.ID, MudName: k.MudName, capabilities: caps},
			salt: k.Salt,
		}
		switch {
		case k.Hash != "":
			h, err := hex.DecodeString(k.Hash)
			if err != nil {
				return nil, errors.New("session: api key " + k.ID + " has malformed hash")
			}
			entry.hash = h
		case k.Key != "":
			entry.hash = hashKey(k.Salt, k.Key)
		default:
			return nil, errors.New("session: api key " + k.ID + " has no secret")
		}
		kr.entries = append(kr.entries, entry)
	}
	return kr, nil
}

// Verify checks a presented key against every entry in constant time
// per entry and returns the matching credential.
func (kr *Keyring) Verify(presented string) (*Credential, error) {
	for i := range kr.entries {
		entry := &kr.entries[i]
		candidate := hashKey(entry.salt, presented)
		if subtle.ConstantTimeCompare(candidate, entry.hash) == 1 {
			cred := entry.cred
			return &cred, nil
		}
	}
	return nil, ErrBadCredentials
}

func hashKey(salt, key string) []byte {
	sum := sha256.Sum256([]byte(salt + key))
	return sum[:]
}
