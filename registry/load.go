package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidEntry is returned by LoadFromEnv for a malformed credential
// entry.
type ErrInvalidEntry struct {
	Entry string
}

func (e *ErrInvalidEntry) Error() string {
	return fmt.Sprintf("registry: invalid credential entry %q", e.Entry)
}

// LoadFromEnv parses a comma-separated KMI_ROTOR_KEYS-style value into
// Credentials. Each entry is "label:secret" or "label:secret:priority".
func LoadFromEnv(raw string) ([]Credential, error) {
	raw = strings.ReplaceAll(raw, "\n", ",")
	entries := strings.Split(raw, ",")

	creds := make([]Credential, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			return nil, &ErrInvalidEntry{Entry: entry}
		}
		label := strings.TrimSpace(parts[0])
		secret := strings.TrimSpace(parts[1])
		if label == "" || secret == "" {
			return nil, &ErrInvalidEntry{Entry: entry}
		}
		priority := 0
		if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
			p, err := strconv.Atoi(strings.TrimSpace(parts[2]))
			if err != nil {
				return nil, &ErrInvalidEntry{Entry: entry}
			}
			priority = p
		}
		creds = append(creds, NewCredential(label, secret, "", priority, false))
	}
	return creds, nil
}
