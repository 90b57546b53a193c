package heuristic

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/log"
	"golang.org/x/text/unicode/norm"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

// Default thresholds on the 0-100 confidence scale.
const (
	DefaultBlockThreshold = 70
	DefaultWarnThreshold  = 40
)

// Result is the aggregate of every detector over one text.
type Result struct {
	// Confidence is the highest finding's confidence.
	Confidence int       `json:"confidence"`
	Category   Category  `json:"category,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Findings   []Finding `json:"findings,omitempty"`
	// Errors lists detectors that failed.
	Errors []string `json:"errors,omitempty"`
}

// Options configures a Scanner.
type Options struct {
	WarnThreshold  int
	BlockThreshold int
	Logger         *log.Logger
}

// Scanner runs a detector set over NFKC-normalized text.
type Scanner struct {
	detectors []Detector
	warnAt    int
	blockAt   int
	logger    *log.Logger
}

// NewScanner builds a scanner. With no detectors, DefaultDetectors is used.
func NewScanner(opts Options, detectors ...Detector) *Scanner {
	if len(detectors) == 0 {
		detectors = DefaultDetectors()
	}
	if opts.BlockThreshold <= 0 {
		opts.BlockThreshold = DefaultBlockThreshold
	}
	if opts.WarnThreshold <= 0 || opts.WarnThreshold > opts.BlockThreshold {
		opts.WarnThreshold = min(DefaultWarnThreshold, opts.BlockThreshold)
	}
	return &Scanner{
		detectors: detectors,
		warnAt:    opts.WarnThreshold,
		blockAt:   opts.BlockThreshold,
		logger:    utils.LoggerOrDefault(opts.Logger, "heuristic"),
	}
}

// Normalize folds text to NFKC and drops invisible characters.
func Normalize(text string) string {
	return stripZeroWidth(norm.NFKC.String(text))
}

// Scan runs every detector. Findings are sorted by confidence, highest first.
func (s *Scanner) Scan(text string) Result {
	var res Result
	if text == "" {
		return res
	}
	normalized := Normalize(text)

	if f := unicodeFinding(text, normalized); f != nil {
		res.Findings = append(res.Findings, *f)
	}
	for _, d := range s.detectors {
		f, err := s.run(d, normalized)
		if err != nil {
			s.logger.Error("detector failed", "detector", d.Name(), "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", d.Name(), err))
			continue
		}
		if f != nil {
			res.Findings = append(res.Findings, *f)
		}
	}

	sort.SliceStable(res.Findings, func(i, j int) bool {
		return res.Findings[i].Confidence > res.Findings[j].Confidence
	})
	if len(res.Findings) > 0 {
		top := res.Findings[0]
		res.Confidence = top.Confidence
		res.Category = top.Category
		res.Reason = top.Reason
	}
	if res.Confidence > 0 {
		s.logger.Debug("heuristic scan", "confidence", res.Confidence, "category", res.Category, "findings", len(res.Findings))
	}
	return res
}

func (s *Scanner) run(d Detector, text string) (f *Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Detect(text), nil
}

// Verdict maps a result onto ALLOW/WARN/BLOCK. A failed detector raises an
// ALLOW to WARN.
func (s *Scanner) Verdict(r Result) core.Verdict {
	v := core.VerdictForScore(r.Confidence, s.warnAt, s.blockAt)
	if len(r.Errors) > 0 {
		v = core.MaxVerdict(v, core.VerdictWarn)
	}
	return v
}

// Thresholds returns the warn and block thresholds.
func (s *Scanner) Thresholds() (warn, block int) {
	return s.warnAt, s.blockAt
}
