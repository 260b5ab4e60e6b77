package skeleton

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
	"unicode"
)

// evidenceLabels open a labelled evidence block when a line starts with one
// of them followed by a colon.
var evidenceLabels = []string{
	"evidence", "context", "passage", "document", "source", "background", "reference",
}

// segment is a run of prompt lines. Evidence segments can be erased as a
// unit.
type segment struct {
	lines    []string
	evidence bool
}

func (s segment) text() string { return strings.Join(s.lines, "\n") }

// splitEvidence cuts a prompt into evidence and non-evidence segments.
// Labelled blocks run until a blank line or a "Question:" line. Fenced
// blocks run to the closing fence. Consecutive "> " lines form one block.
// A question sharing a line with labelled or quoted evidence ends the block
// and is kept as plain text.
func splitEvidence(prompt string) []segment {
	lines := strings.Split(prompt, "\n")
	var segs []segment
	var plain []string

	flush := func() {
		if len(plain) > 0 {
			segs = append(segs, segment{lines: plain})
			plain = nil
		}
	}

	for i := 0; i < len(lines); {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "```"):
			flush()
			block := []string{line}
			i++
			for i < len(lines) {
				block = append(block, lines[i])
				closing := strings.HasPrefix(strings.TrimSpace(lines[i]), "```")
				i++
				if closing {
					break
				}
			}
			segs = append(segs, segment{lines: block, evidence: true})
		case strings.HasPrefix(trimmed, ">"):
			flush()
			var block []string
			var question string
			for i < len(lines) && question == "" && strings.HasPrefix(strings.TrimSpace(lines[i]), ">") {
				var ev string
				ev, question = splitQuestion(lines[i], strings.Index(lines[i], ">")+1)
				block = append(block, ev)
				i++
			}
			segs = append(segs, segment{lines: block, evidence: true})
			if question != "" {
				plain = append(plain, question)
			}
		case isEvidenceLabel(trimmed):
			flush()
			ev, question := splitQuestion(line, strings.Index(line, ":")+1)
			block := []string{ev}
			i++
			for i < len(lines) && question == "" {
				t := strings.TrimSpace(lines[i])
				if t == "" || hasLabel(t, "question") || isQuestion(t) {
					break
				}
				ev, question = splitQuestion(lines[i], 0)
				block = append(block, ev)
				i++
			}
			segs = append(segs, segment{lines: block, evidence: true})
			if question != "" {
				plain = append(plain, question)
			}
		default:
			plain = append(plain, line)
			i++
		}
	}
	flush()
	return segs
}

var (
	inlineQuestionRe = regexp.MustCompile(`(?i)\bquestion\s*:`)
	sentenceEndRe    = regexp.MustCompile(`[.!]\s+`)
)

// splitQuestion cuts the question off an evidence line. An inline
// "Question:" label starts the question; otherwise trailing sentences ending
// in '?' form it. Only text at or after from is searched, so a label or
// quote marker stays with the evidence. Without a question the line is
// returned unchanged.
func splitQuestion(line string, from int) (evidence, question string) {
	body := line[from:]
	if loc := inlineQuestionRe.FindStringIndex(body); loc != nil && strings.TrimSpace(body[:loc[0]]) != "" {
		return strings.TrimRightFunc(line[:from+loc[0]], unicode.IsSpace), strings.TrimSpace(body[loc[0]:])
	}
	trimmed := strings.TrimRightFunc(body, unicode.IsSpace)
	if !strings.HasSuffix(trimmed, "?") {
		return line, ""
	}
	ends := sentenceEndRe.FindAllStringIndex(trimmed, -1)
	if len(ends) == 0 {
		return line, ""
	}
	cut := ends[len(ends)-1]
	return line[:from+cut[0]+1], strings.TrimSpace(trimmed[cut[1]:])
}

// isQuestion reports whether line is a single interrogative sentence.
func isQuestion(line string) bool {
	return strings.HasSuffix(line, "?") && !sentenceEndRe.MatchString(line)
}

func isEvidenceLabel(line string) bool {
	for _, l := range evidenceLabels {
		if hasLabel(line, l) {
			return true
		}
	}
	return false
}

// hasLabel reports whether line starts with "label:" ignoring case.
func hasLabel(line, label string) bool {
	if len(line) <= len(label) || line[len(label)] != ':' {
		return false
	}
	return strings.EqualFold(line[:len(label)], label)
}

func countEvidence(segs []segment) int {
	n := 0
	for _, s := range segs {
		if s.evidence {
			n++
		}
	}
	return n
}

// EvidenceMarker stands in for an erased evidence block.
const EvidenceMarker = "[evidence removed]"

// join renders the segments with the evidence segments marked in erase
// replaced by marker, or dropped when marker is empty, and squeezes the
// blank lines left behind.
func join(segs []segment, erase map[int]bool, marker string) string {
	var parts []string
	ev := 0
	for _, s := range segs {
		if s.evidence {
			drop := erase[ev]
			ev++
			if drop {
				if marker != "" {
					parts = append(parts, marker)
				}
				continue
			}
		}
		parts = append(parts, s.text())
	}
	return squeezeBlankLines(strings.Join(parts, "\n"))
}

func squeezeBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, l := range lines {
		isBlank := strings.TrimSpace(l) == ""
		if isBlank && blank {
			continue
		}
		out = append(out, l)
		blank = isBlank
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// Mask replaces a salient span.
const Mask = "[…]"

var (
	quotedRe = regexp.MustCompile(`"[^"\n]+"|“[^”\n]+”`)
	numberRe = regexp.MustCompile(`\b\d[\d,.]*\d\b|\b\d\b`)
	entityRe = regexp.MustCompile(`\b\p{Lu}[\p{L}'\-]*(?:\s+\p{Lu}[\p{L}'\-]*)*`)
)

type span struct{ start, end int }

// salientSpans finds quoted strings, numbers and capitalized entity runs in
// text. A single capitalized word opening a sentence is not an entity.
// Returned spans are sorted and do not overlap.
func salientSpans(text string) []span {
	var found []span
	for _, loc := range quotedRe.FindAllStringIndex(text, -1) {
		found = append(found, span{loc[0], loc[1]})
	}
	for _, loc := range numberRe.FindAllStringIndex(text, -1) {
		found = append(found, span{loc[0], loc[1]})
	}
	for _, loc := range entityRe.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if sentenceStart(text, start) {
			// skip the opening word, keep the rest of the run
			next := strings.IndexFunc(text[start:end], unicode.IsSpace)
			if next < 0 {
				continue
			}
			start += next
			for start < end && unicode.IsSpace(rune(text[start])) {
				start++
			}
		}
		if start < end {
			found = append(found, span{start, end})
		}
	}
	return mergeSpans(found)
}

func sentenceStart(text string, pos int) bool {
	before := strings.TrimRightFunc(text[:pos], unicode.IsSpace)
	if before == "" {
		return true
	}
	if pos > 0 && text[pos-1] == '\n' {
		return true
	}
	switch before[len(before)-1] {
	case '.', '?', '!', ':':
		return true
	}
	return false
}

func mergeSpans(spans []span) []span {
	if len(spans) == 0 {
		return nil
	}
	slices.SortFunc(spans, func(a, b span) int { return cmp.Compare(a.start, b.start) })
	out := []span{spans[0]}
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.start <= last.end {
			last.end = max(last.end, s.end)
			continue
		}
		out = append(out, s)
	}
	return out
}

// maskSpans replaces the spans picked by selected with Mask.
func maskSpans(text string, spans []span, selected func(i int) bool) (string, int) {
	var b strings.Builder
	prev, n := 0, 0
	for i, s := range spans {
		if !selected(i) {
			continue
		}
		b.WriteString(text[prev:s.start])
		b.WriteString(Mask)
		prev = s.end
		n++
	}
	b.WriteString(text[prev:])
	return b.String(), n
}
