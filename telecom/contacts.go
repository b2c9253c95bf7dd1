package telecom

import (
	"strings"
	"sync"
)

// ContactCache maps usernames and phone numbers to Telegram user ids.
type ContactCache struct {
	mu           sync.RWMutex
	usernameToID map[string]int64
	phoneToID    map[string]int64
	idToPhone    map[int64]string
}

func NewContactCache() *ContactCache {
	c := &ContactCache{}
	c.Reset()
	return c
}

// Reset empties the cache.
func (c *ContactCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usernameToID = make(map[string]int64)
	c.phoneToID = make(map[string]int64)
	c.idToPhone = make(map[int64]string)
}

// Add stores or updates one user.
func (c *ContactCache) Add(id int64, username, phone string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if username != "" {
		c.usernameToID[strings.ToLower(username)] = id
	}
	if phone = normalizePhone(phone); phone != "" {
		c.phoneToID[phone] = id
		c.idToPhone[id] = phone
	}
}

// Resolve returns the user id for a dialed number or username.
func (c *ContactCache) Resolve(ext string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id, ok := c.usernameToID[strings.ToLower(strings.TrimPrefix(ext, "@"))]; ok {
		return id, true
	}
	id, ok := c.phoneToID[normalizePhone(ext)]
	return id, ok
}

// Number returns the number a headset shows for a user, "+" prefixed
// when known.
func (c *ContactCache) Number(id int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.idToPhone[id]; ok {
		return "+" + p
	}
	return ""
}

func normalizePhone(p string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, p)
}
