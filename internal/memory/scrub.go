package memory

import (
	"fmt"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Scrubber redacts secrets from record values before they reach the
// append-only log. Once written, records are never deleted, so leaking a
// credential into the log would persist it indefinitely.
type Scrubber struct {
	detector *detect.Detector
}

// NewScrubber builds a scrubber on the default gitleaks ruleset.
func NewScrubber() (*Scrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating secret detector: %w", err)
	}
	return &Scrubber{detector: detector}, nil
}

// Scrub replaces every detected secret with a redaction marker naming
// the matched rule, returning the scrubbed text and the finding count.
func (s *Scrubber) Scrub(text string) (string, int) {
	findings := s.detector.DetectString(text)
	if len(findings) == 0 {
		return text, 0
	}

	scrubbed := text
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		scrubbed = strings.ReplaceAll(scrubbed, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return scrubbed, len(findings)
}
