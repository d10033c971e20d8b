// Package blocklist provides an exact-match set of blocked domain names,
// read-mostly after initialization. No trie, no wildcards, no remote
// fetch: one UTF-8 text file, one domain per line, '#'-prefixed lines
// ignored.
package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/jroosing/resolvd/internal/dns"
)

// Blocklist is a set of exact-match domain names. Safe for concurrent use:
// many readers, rare writers.
type Blocklist struct {
	mu      sync.RWMutex
	domains map[string]struct{}
}

// New returns an empty blocklist.
func New() *Blocklist {
	return &Blocklist{domains: make(map[string]struct{})}
}

// LoadFile replaces the blocklist's contents with the domains read from
// path: UTF-8 text, one domain per line, '#'-prefixed and blank lines
// ignored. Domains are normalized with dns.NormalizeName so lookups match
// the case-folding already applied to incoming questions.
func LoadFile(path string) (*Blocklist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blocklist: %w", err)
	}
	defer f.Close()

	bl := New()
	if err := bl.load(f); err != nil {
		return nil, err
	}
	return bl, nil
}

func (bl *Blocklist) load(r io.Reader) error {
	domains := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains[dns.NormalizeName(line)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("blocklist: %w", err)
	}

	bl.mu.Lock()
	bl.domains = domains
	bl.mu.Unlock()
	return nil
}

// Contains reports whether name is in the blocklist. name is normalized
// before lookup so callers may pass either a raw or already-normalized name.
func (bl *Blocklist) Contains(name string) bool {
	name = dns.NormalizeName(name)
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	_, ok := bl.domains[name]
	return ok
}
