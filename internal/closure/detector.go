// Package closure scores how likely a message is to end its conversation.
// Scoring is pure: the same input always produces the same result.
package closure

import (
	"math"
	"strings"
	"time"

	"conversation-engine/backend/internal/models"
)

const (
	keywordWeight = 0.5
	patternWeight = 0.3
	contextWeight = 0.2

	shortMessageWords = 3
)

// Band is the action implied by a score.
type Band int

const (
	BandNone Band = iota
	BandSuspect
	BandClose
)

func (b Band) String() string {
	switch b {
	case BandSuspect:
		return "suspect"
	case BandClose:
		return "close"
	default:
		return "none"
	}
}

type Config struct {
	SuspectThreshold float64
	CloseThreshold   float64
	MinDuration      time.Duration
	Keywords         Keywords
}

// Input is everything the detector may look at. The caller supplies the
// timestamps; the detector never reads a clock.
type Input struct {
	Body     string
	Metadata map[string]any

	Timestamp             time.Time
	ConversationStartedAt time.Time
	// MessageCount includes the message being scored.
	MessageCount int
	// PreviousSender is the role of the message immediately before this one.
	PreviousSender models.SenderRole
}

type Result struct {
	Score     float64
	Keyword   float64
	Pattern   float64
	Context   float64
	Explicit  bool
	Penalized bool
	Band      Band
}

type Detector struct {
	cfg     Config
	exact   map[string]struct{}
	phrases []string
}

func New(cfg Config) *Detector {
	if cfg.SuspectThreshold == 0 {
		cfg.SuspectThreshold = 0.6
	}
	if cfg.CloseThreshold == 0 {
		cfg.CloseThreshold = 0.8
	}
	if len(cfg.Keywords.Exact) == 0 && len(cfg.Keywords.Phrases) == 0 {
		cfg.Keywords = DefaultKeywords()
	}

	d := &Detector{cfg: cfg, exact: make(map[string]struct{})}
	for _, k := range cfg.Keywords.Exact {
		if n := Normalize(k); n != "" {
			d.exact[n] = struct{}{}
		}
	}
	for _, p := range cfg.Keywords.Phrases {
		if n := Normalize(p); n != "" {
			d.phrases = append(d.phrases, n)
		}
	}
	return d
}

// Score returns the closure likelihood in [0, 1].
func (d *Detector) Score(in Input) float64 {
	return d.Evaluate(in).Score
}

// Evaluate scores in and classifies it into a band.
func (d *Detector) Evaluate(in Input) Result {
	if explicitClose(in.Metadata) {
		return Result{Score: 1, Explicit: true, Band: BandClose}
	}

	text := Normalize(in.Body)
	r := Result{
		Keyword: d.keywordScore(text),
		Pattern: patternScore(text, in.PreviousSender),
		Context: d.contextScore(in),
	}

	score := keywordWeight*r.Keyword + patternWeight*r.Pattern + contextWeight*r.Context
	if d.duration(in) < d.cfg.MinDuration {
		score *= 0.5
		r.Penalized = true
	}
	r.Score = clamp(math.Round(score*1e4) / 1e4)
	r.Band = d.band(r.Score)
	return r
}

func (d *Detector) band(score float64) Band {
	switch {
	case score >= d.cfg.CloseThreshold:
		return BandClose
	case score >= d.cfg.SuspectThreshold:
		return BandSuspect
	default:
		return BandNone
	}
}

func (d *Detector) keywordScore(text string) float64 {
	if text == "" {
		return 0
	}
	if _, ok := d.exact[text]; ok {
		return 1
	}
	for _, p := range d.phrases {
		if text == p {
			return 1
		}
	}

	padded := " " + text + " "
	for _, p := range d.phrases {
		if strings.Contains(padded, " "+p+" ") {
			return 0.7
		}
	}
	for k := range d.exact {
		if strings.Contains(padded, " "+k+" ") {
			return 0.7
		}
	}
	return 0
}

// patternScore rewards short replies, most of all right after an agent spoke.
func patternScore(text string, previous models.SenderRole) float64 {
	words := len(strings.Fields(text))
	switch {
	case words == 0:
		return 0
	case words <= shortMessageWords && (previous == models.SenderAutomatedAgent || previous == models.SenderHumanAgent):
		return 1
	case words <= shortMessageWords:
		return 0.6
	case words <= 2*shortMessageWords:
		return 0.3
	default:
		return 0
	}
}

func (d *Detector) contextScore(in Input) float64 {
	if in.MessageCount < 2 {
		return 0
	}
	if d.duration(in) >= d.cfg.MinDuration {
		return 1
	}
	return 0.5
}

func (d *Detector) duration(in Input) time.Duration {
	if in.ConversationStartedAt.IsZero() || in.Timestamp.Before(in.ConversationStartedAt) {
		return 0
	}
	return in.Timestamp.Sub(in.ConversationStartedAt)
}

func explicitClose(meta map[string]any) bool {
	if meta == nil {
		return false
	}
	switch v := meta[models.MetaCloseConversation].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
