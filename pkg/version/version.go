// Package version compares firmware build ids and provides the local one.
package version

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Compare orders two dotted build ids and returns -1, 0 or 1.
//
// Ids with a different number of segments are ordered by segment count, the
// one with more segments being the smaller. Ids of equal length are compared
// numerically segment by segment, starting from the second segment: the
// leading segment never takes part in the comparison.
func Compare(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	if len(as) != len(bs) {
		if len(as) > len(bs) {
			return -1
		}
		return 1
	}
	for i := 1; i < len(as); i++ {
		av, bv := segmentValue(as[i]), segmentValue(bs[i])
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}

// segmentValue parses the leading decimal digits of s. Anything without a
// digit prefix counts as zero.
func segmentValue(s string) int64 {
	s = strings.TrimSpace(s)
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int64(r-'0')
	}
	return n
}

// Provider supplies the build id of the running firmware
type Provider interface {
	BuildID() string
}

// Static is a fixed build id.
type Static string

func (s Static) BuildID() string {
	return string(s)
}

type buildInfo struct {
	BuildID string `json:"buildId"`
}

// FileProvider reads the build id from a file. The file holds either a JSON
// object with a buildId field or the bare id as text.
type FileProvider struct {
	path     string
	fallback string
	mu       sync.RWMutex
	cache    string
	loaded   bool
}

// NewFileProvider creates a provider for path. fallback is returned when the
// file is missing or empty.
func NewFileProvider(path, fallback string) *FileProvider {
	return &FileProvider{path: path, fallback: fallback}
}

func (p *FileProvider) load() string {
	data, err := os.ReadFile(p.path)
	if err != nil {
		log.Debugf("build id file %s not readable: %v", p.path, err)
		return p.fallback
	}

	var info buildInfo
	if err := json.Unmarshal(data, &info); err == nil && info.BuildID != "" {
		return info.BuildID
	}

	if id := strings.TrimSpace(string(data)); id != "" {
		return id
	}
	return p.fallback
}

func (p *FileProvider) BuildID() string {
	p.mu.RLock()
	if p.loaded {
		defer p.mu.RUnlock()
		return p.cache
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		p.cache = p.load()
		p.loaded = true
	}
	return p.cache
}

// Reload drops the cached id so the next BuildID call reads the file again.
func (p *FileProvider) Reload() {
	p.mu.Lock()
	p.loaded = false
	p.mu.Unlock()
}
