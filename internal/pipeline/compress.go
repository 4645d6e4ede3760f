package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
)

// TruncationMarker is appended wherever compression elided content.
const TruncationMarker = "\n[truncated]"

// defaultFloor bounds how far a section shrinks before the last-resort
// passes, when config leaves MinSectionTokens unset.
const defaultFloor = 32

func (p *Pipeline) floor() int {
	if p.cfg.MinSectionTokens > 0 {
		return p.cfg.MinSectionTokens
	}
	return defaultFloor
}

// fit compresses sections until the rendered payload measures at or
// under budget. An already compliant payload is returned unchanged, so
// repeated application is a no-op. Memory sections give way first;
// task sections then pass through normalization, weight-proportional
// summarization, hard truncation to the MinSectionTokens floor, and
// whole-section drops. Only the final surviving section may be cut
// below the floor, and only when nothing else is left to cut. Returns
// ErrBudgetOverflow when even that cannot reach the budget.
func (p *Pipeline) fit(sections []Section, budget int) ([]Section, int, error) {
	total, err := p.measure(sections)
	if err != nil {
		return nil, 0, err
	}
	if total <= budget {
		return sections, total, nil
	}

	for i := range sections {
		sections[i].Text = normalize(sections[i].Text)
	}
	if total, err = p.measure(sections); err != nil {
		return nil, 0, err
	}
	if total <= budget {
		return sections, total, nil
	}

	sections, total, err = p.trimMemory(sections, budget, total)
	if err != nil {
		return nil, 0, err
	}
	if total <= budget {
		return sections, total, nil
	}

	if err := p.summarizePass(sections, budget); err != nil {
		return nil, 0, err
	}
	if total, err = p.measure(sections); err != nil {
		return nil, 0, err
	}
	if total <= budget {
		return sections, total, nil
	}

	// Hard truncation to the floor, lowest trim priority first.
	for _, i := range trimOrder(sections) {
		tokens, err := p.counter.Count(sections[i].Text)
		if err != nil {
			return nil, 0, err
		}
		if tokens <= p.floor() {
			continue
		}
		if err := p.truncateSection(&sections[i], p.floor()); err != nil {
			return nil, 0, err
		}
		if total, err = p.measure(sections); err != nil {
			return nil, 0, err
		}
		if total <= budget {
			return sections, total, nil
		}
	}

	// Drop whole sections, lowest trim priority first, keeping one.
	for len(sections) > 1 {
		drop := trimOrder(sections)[0]
		sections = append(sections[:drop], sections[drop+1:]...)
		if total, err = p.measure(sections); err != nil {
			return nil, 0, err
		}
		if total <= budget {
			return sections, total, nil
		}
	}

	return p.lastResort(sections, budget)
}

// trimMemory shrinks and drops memory sections until the payload fits
// or no memory remains. Task sections stay untouched throughout: memory
// only ever occupies what the task content leaves over.
func (p *Pipeline) trimMemory(sections []Section, budget, total int) ([]Section, int, error) {
	for total > budget {
		worst := -1
		for _, i := range trimOrder(sections) {
			if sections[i].Memory {
				worst = i
				break
			}
		}
		if worst < 0 {
			return sections, total, nil
		}

		tokens, err := p.counter.Count(sections[worst].Text)
		if err != nil {
			return nil, 0, err
		}
		target := tokens - (total - budget)
		if target >= p.floor() {
			if err := p.truncateSection(&sections[worst], target); err != nil {
				return nil, 0, err
			}
			next, err := p.measure(sections)
			if err != nil {
				return nil, 0, err
			}
			if next < total {
				total = next
				continue
			}
			// Truncation made no progress; fall through to drop.
		}

		sections = append(sections[:worst], sections[worst+1:]...)
		if total, err = p.measure(sections); err != nil {
			return nil, 0, err
		}
	}
	return sections, total, nil
}

// summarizePass shrinks sections toward weight-proportional token
// shares: each section's target is its weight share of the budget left
// after rendering overhead, never below the floor and never above its
// current size.
func (p *Pipeline) summarizePass(sections []Section, budget int) error {
	if len(sections) == 0 {
		return nil
	}

	textTokens := make([]int, len(sections))
	textTotal := 0
	var sumWeight float64
	for i, s := range sections {
		tokens, err := p.counter.Count(s.Text)
		if err != nil {
			return err
		}
		textTokens[i] = tokens
		textTotal += tokens
		sumWeight += s.Weight
	}
	rendered, err := p.measure(sections)
	if err != nil {
		return err
	}
	overhead := rendered - textTotal
	if overhead < 0 {
		overhead = 0
	}
	avail := budget - overhead
	if avail < 0 {
		avail = 0
	}
	if sumWeight <= 0 {
		sumWeight = float64(len(sections))
	}

	for i := range sections {
		target := int(float64(avail) * sections[i].Weight / sumWeight)
		if target < p.floor() {
			target = p.floor()
		}
		if textTokens[i] <= target {
			continue
		}
		if err := p.summarizeSection(&sections[i], target); err != nil {
			return err
		}
	}
	return nil
}

// lastResort cuts the single surviving section below the floor to meet
// the budget, or reports overflow when the budget cannot hold even a
// marked stub.
func (p *Pipeline) lastResort(sections []Section, budget int) ([]Section, int, error) {
	s := &sections[0]
	overhead, err := p.counter.Count(renderSections([]Section{{Name: s.Name}}))
	if err != nil {
		return nil, 0, err
	}

	raw := strings.TrimSuffix(s.Text, TruncationMarker)
	allowed := budget - overhead - p.markerTokens
	for allowed >= 1 {
		head, err := p.counter.Truncate(raw, allowed)
		if err != nil {
			return nil, 0, err
		}
		s.Text = head + TruncationMarker
		s.Truncated = true
		total, err := p.measure(sections)
		if err != nil {
			return nil, 0, err
		}
		if total <= budget {
			return sections, total, nil
		}
		allowed -= total - budget
	}
	return nil, 0, fmt.Errorf("%w: budget %d cannot hold any content", ErrBudgetOverflow, budget)
}

// summarizeSection extractively summarizes a section down to target
// tokens, marking it truncated when content is elided.
func (p *Pipeline) summarizeSection(s *Section, target int) error {
	raw := strings.TrimSuffix(s.Text, TruncationMarker)
	summary, elided, err := p.summarize(raw, target)
	if err != nil {
		return err
	}
	if elided || s.Truncated {
		s.Text = summary + TruncationMarker
		s.Truncated = true
		return nil
	}
	s.Text = summary
	return nil
}

// truncateSection hard truncates a section to at most target tokens of
// content plus the truncation marker.
func (p *Pipeline) truncateSection(s *Section, target int) error {
	raw := strings.TrimSuffix(s.Text, TruncationMarker)
	allow := target - p.markerTokens
	if allow < 1 {
		allow = 1
	}
	head, err := p.counter.Truncate(raw, allow)
	if err != nil {
		return err
	}
	if head != raw {
		s.Truncated = true
	}
	if s.Truncated {
		s.Text = head + TruncationMarker
	} else {
		s.Text = head
	}
	return nil
}

// summarize selects the highest scoring sentences, kept in original
// order, that fit within target tokens. Room for the truncation marker
// is reserved up front. Selection is deterministic: stable sorts with
// insertion-order tie breaks.
func (p *Pipeline) summarize(raw string, target int) (string, bool, error) {
	allow := target - p.markerTokens
	if allow < 1 {
		allow = 1
	}

	sentences := splitSentences(raw)
	if len(sentences) < 2 {
		head, err := p.counter.Truncate(raw, allow)
		if err != nil {
			return "", false, err
		}
		return head, head != raw, nil
	}

	scores := sentenceScores(sentences)
	order := make([]int, len(sentences))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	chosen := make([]bool, len(sentences))
	used, picked := 0, 0
	for _, i := range order {
		tokens, err := p.counter.Count(sentences[i])
		if err != nil {
			return "", false, err
		}
		cost := tokens
		if picked > 0 {
			cost++ // joining space
		}
		if used+cost > allow {
			continue
		}
		chosen[i] = true
		used += cost
		picked++
	}
	if picked == 0 {
		// Not even one sentence fits whole; keep a truncated head of
		// the best one.
		head, err := p.counter.Truncate(sentences[order[0]], allow)
		if err != nil {
			return "", false, err
		}
		return head, true, nil
	}

	var b strings.Builder
	for i, sentence := range sentences {
		if !chosen[i] {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(sentence)
	}
	return b.String(), picked < len(sentences), nil
}

func (p *Pipeline) measure(sections []Section) (int, error) {
	return p.counter.Count(renderSections(sections))
}

// trimOrder returns section indexes in the order compression
// sacrifices them: memory sections before task sections, lower weight
// first, insertion order among equals.
func trimOrder(sections []Section) []int {
	idx := make([]int, len(sections))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		sa, sb := sections[idx[a]], sections[idx[b]]
		if sa.Memory != sb.Memory {
			return sa.Memory
		}
		return sa.Weight < sb.Weight
	})
	return idx
}

// normalize trims trailing whitespace and collapses runs of blank
// lines. It is idempotent, so re-running compression does not keep
// shrinking already normalized text.
func normalize(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blanks++
			if blanks > 1 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// splitSentences breaks text on sentence-ending punctuation. Fragments
// of ten bytes or fewer stay glued to the next sentence, which keeps
// abbreviations like "e.g." intact.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			sentence := strings.TrimSpace(current.String())
			if len(sentence) > 10 {
				sentences = append(sentences, sentence)
				current.Reset()
			}
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// sentenceScores weighs sentences for extractive selection: earlier
// sentences score higher, medium length is preferred, and words that
// repeat across the text count for less.
func sentenceScores(sentences []string) []float64 {
	freq := wordFrequency(sentences)
	scores := make([]float64, len(sentences))
	for i, sentence := range sentences {
		score := 0.3 / (float64(i) + 1.0)

		words := strings.Fields(sentence)
		length := math.Min(float64(len(words))/20.0, 1.0)
		if len(words) > 20 {
			length = math.Max(1.0-(float64(len(words))-20.0)/50.0, 0.1)
		}
		score += length * 0.4

		var inverse float64
		for _, word := range words {
			if n := freq[normalizeWord(word)]; n > 1 {
				inverse += 1.0 / float64(n)
			}
		}
		if len(words) > 0 {
			inverse /= float64(len(words))
		}
		score += inverse * 0.3

		scores[i] = score
	}
	return scores
}

func wordFrequency(sentences []string) map[string]int {
	freq := make(map[string]int)
	for _, sentence := range sentences {
		for _, word := range strings.Fields(sentence) {
			if w := normalizeWord(word); len(w) > 2 {
				freq[w]++
			}
		}
	}
	return freq
}

func normalizeWord(word string) string {
	return strings.ToLower(strings.TrimFunc(word, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}))
}
