package backend

import (
	"log"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"vmharness/frame"
	"vmharness/needle"
)

// Search-ratio policy: most ticks run a cheap near-in-place search;
// every sixth tick and the final one run the exhaustive full-frame
// search, amortizing its cost while guaranteeing a full search happens
// periodically and on the last chance.
const (
	searchRatioPartial = 0.02
	searchRatioFull    = 1.0
	assertMatchLevel   = 0
)

// Failure-evidence bounds: full-ratio mismatches are recorded only when
// visually distinct from the previous record (below simEvidenceGate),
// and the record list is compressed back toward evidenceKeep entries
// whenever it outgrows evidenceLimit, so a long static mismatch cannot
// grow memory without bound.
const (
	simEvidenceGate = 30
	simFinalGate    = 50
	evidenceLimit   = 60
	evidenceKeep    = 20
)

// failedScreen is one piece of failure evidence: the frame, the
// near-miss candidates of its search, the countdown value when it was
// taken, its similarity to the previously recorded failure, and the
// on-disk filename.
type failedScreen struct {
	img        *frame.Frame
	candidates []needle.Candidate
	remaining  int
	sim        int
	filename   string
}

// assertResult is the assert_screen response payload. Exactly one of
// Found or Timeout is meaningful.
type assertResult struct {
	Found         *needle.Match      `json:"found,omitempty"`
	Candidates    []needle.Candidate `json:"candidates,omitempty"`
	Filename      string             `json:"filename,omitempty"`
	Tags          []string           `json:"tags"`
	Timeout       bool               `json:"timeout,omitempty"`
	FailedScreens []failedEvidence   `json:"failed_screens,omitempty"`
}

// failedEvidence is the wire form of one failure record.
type failedEvidence struct {
	Filename   string             `json:"filename"`
	Candidates []needle.Candidate `json:"candidates"`
	Remaining  int                `json:"remaining"`
	Similarity int                `json:"similarity"`
}

// resolveNeedles expands the needle references into the candidate set
// and the deduplicated, sorted tag set used as the match's display
// identifier. names picks explicit needles in order; otherwise tags is
// expanded via the registry into the union of needles carrying any of
// them. Invalid entries are warned about and skipped.
func (b *Backend) resolveNeedles(names, tags []string) ([]*needle.Needle, []string) {
	var needles []*needle.Needle
	if len(names) > 0 {
		seen := make(map[string]bool)
		for _, name := range names {
			n := b.needles.Get(name)
			if n == nil {
				log.Printf("Assert: no needle named %q", name)
				continue
			}
			if !seen[n.Name] {
				seen[n.Name] = true
				needles = append(needles, n)
			}
		}
		tagSet := make(map[string]bool)
		for _, n := range needles {
			for _, t := range n.Tags {
				tagSet[t] = true
			}
		}
		return needles, sortedKeys(tagSet)
	}

	tagSet := make(map[string]bool)
	seen := make(map[string]bool)
	for _, tag := range tags {
		if tag == "" {
			log.Printf("Assert: skipping empty needle tag")
			continue
		}
		tagSet[tag] = true
		for _, n := range b.needles.Tags(tag) {
			if !seen[n.Name] {
				seen[n.Name] = true
				needles = append(needles, n)
			}
		}
	}
	return needles, sortedKeys(tagSet)
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// assertScreen runs the needle-search state machine: a countdown of one
// tick per elapsed second from timeout to zero, searching the current
// frame with the escalating ratio policy, skipping searches that cannot
// find anything new (identical frame, no more thorough ratio), and
// collecting bounded failure evidence along the way.
func (b *Backend) assertScreen(names, tags []string, timeout int) (*assertResult, error) {
	needles, tagSet := b.resolveNeedles(names, tags)
	display := strings.Join(tagSet, "_")
	log.Printf("Assert %s: %d candidate needles, timeout %ds", display, len(needles), timeout)

	if b.lastImage == nil {
		if err := b.captureScreenshot(); err != nil {
			return nil, err
		}
	}

	var failed []*failedScreen
	var prevImg *frame.Frame
	prevRatio := 0.0

	for n := timeout; n >= 0; n-- {
		ratio := searchRatioPartial
		if n%6 == 5 || n == 0 {
			ratio = searchRatioFull
		}

		if prevImg != nil {
			if err := b.runCaptureLoop(time.Second, 0, 0, false); err != nil {
				return nil, err
			}
			img := b.lastImage
			// Identical frame and a search no more thorough than the
			// last one cannot find anything new.
			if img != nil && img.Hash() == prevImg.Hash() && ratio <= prevRatio {
				prevRatio = ratio
				continue
			}
		}

		img := b.lastImage
		found, candidates := needle.Search(img, needles, assertMatchLevel, ratio)
		if found != nil {
			log.Printf("Assert %s: matched needle %s with %ds to spare", display, found.Name, n)
			return &assertResult{
				Found:      found,
				Candidates: candidates,
				Filename:   b.lastName,
				Tags:       tagSet,
			}, nil
		}

		if ratio == searchRatioFull {
			sim := 0
			if len(failed) > 0 {
				sim = failed[len(failed)-1].img.Similarity(img)
			}
			record := sim < simEvidenceGate
			if len(failed) == 0 && n != 0 {
				record = true
			}
			if record {
				failed = append(failed, &failedScreen{
					img:        img,
					candidates: candidates,
					remaining:  n,
					sim:        sim,
					filename:   b.lastName,
				})
			}
			if len(failed) > evidenceLimit {
				failed = reduceToBiggestChanges(failed, evidenceKeep)
			}
		}

		prevImg = img
		prevRatio = ratio
	}

	// Exhausted. The very last observed mismatch must survive the final
	// reduction even when the size-based heuristic would drop it.
	var finalMismatch *failedScreen
	if len(failed) > 0 {
		finalMismatch = failed[len(failed)-1]
	}
	failed = reduceToBiggestChanges(failed, evidenceKeep)
	if finalMismatch != nil && failed[len(failed)-1] != finalMismatch {
		sim := failed[len(failed)-1].img.Similarity(finalMismatch.img)
		if sim < simFinalGate {
			finalMismatch.sim = sim
			failed = append(failed, finalMismatch)
		}
	}

	log.Printf("Assert %s: no match after %ds, returning %d failure screens",
		display, timeout, len(failed))
	res := &assertResult{Tags: tagSet, Timeout: true}
	for _, fs := range failed {
		res.FailedScreens = append(res.FailedScreens, failedEvidence{
			Filename:   fs.filename,
			Candidates: fs.candidates,
			Remaining:  fs.remaining,
			Similarity: fs.sim,
		})
	}
	return res, nil
}

// reduceToBiggestChanges compresses the evidence list to limit entries
// plus the always-retained first one. From the remainder it keeps the
// entries with the largest similarity-to-predecessor scores, restores
// chronological order (remaining counts down, so descending remaining
// is oldest first), and recomputes each survivor's similarity to its
// new predecessor, since the old scores are stale once neighbors
// change.
func reduceToBiggestChanges(screens []*failedScreen, limit int) []*failedScreen {
	if len(screens) <= limit {
		return screens
	}

	first, rest := screens[0], append([]*failedScreen(nil), screens[1:]...)
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].sim > rest[j].sim
	})
	rest = rest[:limit]

	reduced := append([]*failedScreen{first}, rest...)
	sort.SliceStable(reduced, func(i, j int) bool {
		return reduced[i].remaining > reduced[j].remaining
	})

	for i := 1; i < len(reduced); i++ {
		reduced[i].sim = reduced[i-1].img.Similarity(reduced[i].img)
	}
	return reduced
}

// --- command handler ---

func (b *Backend) cmdAssertScreen(raw jsoniter.RawMessage) (interface{}, error) {
	var args struct {
		Needles []string `json:"needles"`
		Tags    []string `json:"tags"`
		Timeout int      `json:"timeout"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Timeout < 0 {
		args.Timeout = 0
	}
	return b.assertScreen(args.Needles, args.Tags, args.Timeout)
}
