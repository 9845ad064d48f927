package needle

// Frame search: slide each needle area over a window of the captured
// frame and score candidate positions by mean absolute channel
// distance. The searchRatio bounds how far an area may drift from its
// nominal position: ratio 0.02 is a cheap near-in-place check, ratio
// 1.0 is an exhaustive full-frame scan.

import (
	"vmharness/frame"
)

// AreaMatch records where one needle area was found and how well it
// matched.
type AreaMatch struct {
	X          int `json:"x"`
	Y          int `json:"y"`
	Similarity int `json:"similarity"`
}

// Match is a successful needle search result.
type Match struct {
	Needle *Needle     `json:"-"`
	Name   string      `json:"needle"`
	Areas  []AreaMatch `json:"areas"`
}

// Candidate describes a needle that was tried and failed, with its
// best observed area similarity. Returned as failure evidence.
type Candidate struct {
	Name       string   `json:"needle"`
	Tags       []string `json:"tags"`
	BestMatch  int      `json:"best_match"`
	FailedArea int      `json:"failed_area"`
}

// Search tries each needle in order against the frame. matchLevel
// lowers every area's required similarity by that many percentage
// points. The first needle whose every area is found wins; the rest
// are reported as candidates. A nil frame matches nothing.
func Search(f *frame.Frame, needles []*Needle, matchLevel int, searchRatio float64) (*Match, []Candidate) {
	if f == nil || f.Img == nil {
		return nil, nil
	}
	var candidates []Candidate
	for _, n := range needles {
		m, cand := searchOne(f, n, matchLevel, searchRatio)
		if m != nil {
			return m, candidates
		}
		candidates = append(candidates, cand)
	}
	return nil, candidates
}

func searchOne(f *frame.Frame, n *Needle, matchLevel int, searchRatio float64) (*Match, Candidate) {
	match := &Match{Needle: n, Name: n.Name}
	for i, a := range n.Areas {
		required := a.Match
		if required <= 0 {
			required = defaultAreaMatch
		}
		required -= matchLevel
		am, ok := searchArea(f, n.Image, a, required, searchRatio)
		if !ok {
			return nil, Candidate{
				Name:       n.Name,
				Tags:       n.Tags,
				BestMatch:  am.Similarity,
				FailedArea: i,
			}
		}
		match.Areas = append(match.Areas, am)
	}
	return match, Candidate{}
}

// searchArea slides the reference region over the frame within the
// ratio-bounded window and returns the best position found. ok is true
// when the best similarity reaches the required percentage.
func searchArea(f, ref *frame.Frame, a Area, required int, searchRatio float64) (AreaMatch, bool) {
	marginX := int(searchRatio * float64(f.Width()))
	marginY := int(searchRatio * float64(f.Height()))

	best := AreaMatch{X: a.X, Y: a.Y, Similarity: -1}
	for y := a.Y - marginY; y <= a.Y+marginY; y++ {
		if y < 0 || y+a.H > f.Height() {
			continue
		}
		for x := a.X - marginX; x <= a.X+marginX; x++ {
			if x < 0 || x+a.W > f.Width() {
				continue
			}
			sim := regionSimilarity(f, ref, a, x, y)
			if sim > best.Similarity {
				best = AreaMatch{X: x, Y: y, Similarity: sim}
			}
			if best.Similarity >= required {
				return best, true
			}
		}
	}
	return best, best.Similarity >= required
}

// regionSimilarity compares the a.W x a.H reference region at its
// nominal needle position against the frame region at (x, y) and
// returns a 0..100 percentage.
func regionSimilarity(f, ref *frame.Frame, a Area, x, y int) int {
	if ref == nil || ref.Img == nil {
		return 0
	}
	if a.X+a.W > ref.Width() || a.Y+a.H > ref.Height() {
		return 0
	}
	var sum uint64
	fimg, rimg := f.Img, ref.Img
	for dy := 0; dy < a.H; dy++ {
		fo := fimg.PixOffset(x, y+dy)
		ro := rimg.PixOffset(a.X, a.Y+dy)
		for dx := 0; dx < a.W; dx++ {
			for c := 0; c < 3; c++ {
				d := int(fimg.Pix[fo+dx*4+c]) - int(rimg.Pix[ro+dx*4+c])
				if d < 0 {
					d = -d
				}
				sum += uint64(d)
			}
		}
	}
	n := uint64(a.W*a.H) * 3 * 255
	if n == 0 {
		return 0
	}
	return int(100 - sum*100/n)
}
