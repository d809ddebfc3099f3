package secret

import (
	"sort"
	"sync"

	"github.com/sakif/identity-vault/internal/apperror"
)

// compile-time check that *Memory implements Store
var _ Store = (*Memory)(nil)

// Memory is an in-process Store. It backs ephemeral (in-memory database)
// configurations and tests; nothing survives the process.
type Memory struct {
	mu      sync.RWMutex
	secrets map[memoryKey][]byte
}

type memoryKey struct {
	identityID string
	kind       Kind
}

// NewMemory returns an empty in-memory secret store.
func NewMemory() *Memory {
	return &Memory{secrets: make(map[memoryKey][]byte)}
}

func (m *Memory) Get(identityID string, kind Kind) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.secrets[memoryKey{identityID, kind}]
	if !ok {
		return nil, apperror.NotFound("secret", string(kind))
	}
	// Return a copy so callers can't mutate the stored value.
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *Memory) Set(identityID string, kind Kind, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.secrets[memoryKey{identityID, kind}] = stored
	return nil
}

func (m *Memory) DeleteIdentity(identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.secrets {
		if key.identityID == identityID {
			delete(m.secrets, key)
		}
	}
	return nil
}

func (m *Memory) IdentityIDs() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	for key := range m.secrets {
		if key.identityID != "" {
			seen[key.identityID] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
