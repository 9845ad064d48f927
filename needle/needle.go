// Package needle models the reference patterns the assertion engine
// matches captured frames against, and the registry that expands tag
// strings into candidate needle sets.
package needle

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lev "github.com/agnivade/levenshtein"
	jsoniter "github.com/json-iterator/go"

	"vmharness/frame"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Area is one region of a needle: where to look and how closely the
// pixels must match. Match is the required similarity percentage;
// zero means defaultAreaMatch.
type Area struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	W     int `json:"w"`
	H     int `json:"h"`
	Match int `json:"match,omitempty"`
}

const defaultAreaMatch = 96

// Needle is a named, taggable reference pattern. Image holds the
// reference pixels the areas are cut from; it shares the store
// resolution of captured frames.
type Needle struct {
	Name  string   `json:"-"`
	Tags  []string `json:"tags"`
	Areas []Area   `json:"areas"`
	Image *frame.Frame
}

// HasTag reports whether the needle carries the given tag.
func (n *Needle) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Registry maps tags to the needles carrying them.
type Registry struct {
	byTag  map[string][]*Needle
	byName map[string]*Needle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byTag:  make(map[string][]*Needle),
		byName: make(map[string]*Needle),
	}
}

// Add registers a needle under its name and all of its tags.
func (r *Registry) Add(n *Needle) {
	r.byName[n.Name] = n
	for _, t := range n.Tags {
		r.byTag[t] = append(r.byTag[t], n)
	}
}

// Get returns a needle by name, or nil.
func (r *Registry) Get(name string) *Needle {
	return r.byName[name]
}

// Tags returns all needles carrying the tag. An unknown tag is a
// recoverable lookup error: it is logged, with a closest-known-tag
// suggestion when one is plausible, and nil is returned.
func (r *Registry) Tags(tag string) []*Needle {
	needles := r.byTag[tag]
	if len(needles) == 0 {
		if s := r.suggest(tag); s != "" {
			log.Printf("Needles: no needle has tag %q (closest known tag: %q)", tag, s)
		} else {
			log.Printf("Needles: no needle has tag %q", tag)
		}
		return nil
	}
	return needles
}

// suggest returns the known tag closest to the given one, when the
// edit distance is small enough to look like a typo.
func (r *Registry) suggest(tag string) string {
	best, bestDist := "", 3
	for known := range r.byTag {
		if d := lev.ComputeDistance(tag, known); d < bestDist {
			best, bestDist = known, d
		}
	}
	return best
}

// TagNames returns all registered tags, sorted. Used for diagnostics.
func (r *Registry) TagNames() []string {
	tags := make([]string, 0, len(r.byTag))
	for t := range r.byTag {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// LoadDir builds a registry from a directory of <name>.json needle
// definitions, each with a companion <name>.png reference image.
// Files that fail to parse are skipped with a warning; the directory
// itself failing to read is an error.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read needle dir: %w", err)
	}
	reg := NewRegistry()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		n, err := loadOne(dir, name)
		if err != nil {
			log.Printf("Needles: skipping %s: %v", name, err)
			continue
		}
		reg.Add(n)
	}
	log.Printf("Needles: loaded %d needles with %d tags from %s",
		len(reg.byName), len(reg.byTag), dir)
	return reg, nil
}

func loadOne(dir, name string) (*Needle, error) {
	data, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if err != nil {
		return nil, err
	}
	n := &Needle{Name: name}
	if err := json.Unmarshal(data, n); err != nil {
		return nil, fmt.Errorf("bad needle json: %w", err)
	}
	if len(n.Areas) == 0 {
		return nil, fmt.Errorf("needle has no areas")
	}
	img, err := frame.ReadPNG(filepath.Join(dir, name+".png"))
	if err != nil {
		return nil, err
	}
	n.Image = img
	return n, nil
}
