// Package entity parses markdown entity cards (characters, locations,
// organizations) and maintains the trigger and name indexes the prompt
// pipeline loads cards through.
package entity

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/storykeep/continuity/fileio"
)

// Kind classifies an entity card.
type Kind string

const (
	KindCharacter    Kind = "character"
	KindLocation     Kind = "location"
	KindOrganization Kind = "organization"
	KindUnknown      Kind = "unknown"
)

// Card is one parsed markdown file. It is an immutable snapshot: reloading
// a file replaces the whole record, never patches fields.
type Card struct {
	Name       string
	Kind       Kind
	SourcePath string

	// TriggerWords are explicit [Triggers:...] entries plus the entity's
	// own name, lower-cased for matching.
	TriggerWords []string

	RawContent string

	// LockedPersonality is the ## PERSONALITY CORE block (heading line
	// included), or "" when the card has none. It must never be silently
	// dropped or rewritten when the card is injected into a prompt.
	LockedPersonality string

	Metadata map[string]string
	Sections map[string]string
}

var (
	filenameTagRe = regexp.MustCompile(`^\[(CHAR|LOC|ORG)\]\s*`)
	headingTagRe  = regexp.MustCompile(`^#\s*\[(CHAR|LOC|ORG)\]\s*(.*)$`)
	triggersRe    = regexp.MustCompile(`(?i)\[Triggers:([^\]]*)\]`)
	metadataRe    = regexp.MustCompile(`(?m)^\*\*([^*]+)\*\*:\s*(.*)$`)
	sectionRe     = regexp.MustCompile(`(?mi)^##\s+(.+)$`)
	lockedRe      = regexp.MustCompile(`(?mi)^##\s+PERSONALITY CORE\s*$`)
	anyHeadingRe  = regexp.MustCompile(`(?m)^#\s+(.+)$`)
)

func kindFromTag(tag string) Kind {
	switch strings.ToUpper(tag) {
	case "CHAR":
		return KindCharacter
	case "LOC":
		return KindLocation
	case "ORG":
		return KindOrganization
	}
	return KindUnknown
}

func kindFromTypeField(value string) Kind {
	v := strings.ToLower(value)
	switch {
	case strings.Contains(v, "char") || strings.Contains(v, "npc"):
		return KindCharacter
	case strings.Contains(v, "loc"):
		return KindLocation
	case strings.Contains(v, "org"):
		return KindOrganization
	}
	return KindUnknown
}

// ParseFile reads and parses one card file.
func ParseFile(path string) (*Card, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	card := Parse(filepath.Base(path), string(b))
	card.SourcePath = path
	return card, nil
}

// Parse builds a Card from a filename and raw content. Name and kind
// resolution follows a fixed priority order so re-parsing the same file
// always yields the same identity:
//
//  1. filename tag ([CHAR]/[LOC]/[ORG] prefix)
//  2. first-line heading tag of the same form
//  3. a **Type**: metadata field containing char/npc, loc, or org
//  4. fallback: kind unknown, name from the first heading or the filename
func Parse(filename, content string) *Card {
	content = fileio.SanitizeNewlines(content)
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))

	card := &Card{
		Kind:       KindUnknown,
		RawContent: content,
		Metadata:   parseMetadata(content),
		Sections:   parseSections(content),
	}
	card.LockedPersonality = parseLockedSection(content)

	// 1. Filename tag.
	if m := filenameTagRe.FindStringSubmatch(stem); m != nil {
		card.Kind = kindFromTag(m[1])
		card.Name = strings.TrimSpace(filenameTagRe.ReplaceAllString(stem, ""))
	}

	// 2. First-line heading tag.
	if card.Name == "" {
		firstLine := content
		if i := strings.IndexByte(content, '\n'); i >= 0 {
			firstLine = content[:i]
		}
		if m := headingTagRe.FindStringSubmatch(strings.TrimSpace(firstLine)); m != nil {
			card.Kind = kindFromTag(m[1])
			card.Name = strings.TrimSpace(m[2])
			if card.Name == "" {
				card.Name = stem
			}
		}
	}

	// 3. **Type**: metadata field.
	if card.Name == "" {
		if typeVal, ok := card.Metadata["type"]; ok {
			if k := kindFromTypeField(typeVal); k != KindUnknown {
				card.Kind = k
				card.Name = firstHeadingName(content, stem)
			}
		}
	}

	// 4. Fallback.
	if card.Name == "" {
		card.Name = firstHeadingName(content, stem)
	}

	card.TriggerWords = parseTriggers(content, card.Name)
	return card
}

func firstHeadingName(content, fallback string) string {
	if m := anyHeadingRe.FindStringSubmatch(content); m != nil {
		name := strings.TrimSpace(m[1])
		// Strip any [TAG] prefix from the heading text.
		name = regexp.MustCompile(`^\[[^\]]*\]\s*`).ReplaceAllString(name, "")
		name = strings.TrimSpace(name)
		if name != "" {
			return name
		}
	}
	return fallback
}

func parseTriggers(content, name string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		s = strings.Trim(s, `"'`)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	if m := triggersRe.FindStringSubmatch(content); m != nil {
		for _, part := range strings.Split(m[1], ",") {
			add(part)
		}
	}
	add(name)
	return out
}

// parseLockedSection extracts everything from the ## PERSONALITY CORE
// heading (inclusive) to the next ##-level heading or end of file.
func parseLockedSection(content string) string {
	loc := lockedRe.FindStringIndex(content)
	if loc == nil {
		return ""
	}
	rest := content[loc[0]:]
	// Search for the next ## heading after the locked heading's own line.
	afterHeading := rest
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		afterHeading = rest[i+1:]
		if m := sectionRe.FindStringIndex(afterHeading); m != nil {
			return rest[:i+1+m[0]]
		}
	}
	return rest
}

func parseMetadata(content string) map[string]string {
	fields := make(map[string]string)
	for _, m := range metadataRe.FindAllStringSubmatch(content, -1) {
		key := strings.ToLower(strings.TrimSpace(m[1]))
		key = strings.Join(strings.Fields(key), "_")
		if key == "" {
			continue
		}
		fields[key] = strings.TrimSpace(m[2])
	}
	return fields
}

func parseSections(content string) map[string]string {
	sections := make(map[string]string)
	matches := sectionRe.FindAllStringSubmatchIndex(content, -1)
	for i, m := range matches {
		heading := strings.TrimSpace(content[m[2]:m[3]])
		bodyStart := m[1]
		bodyEnd := len(content)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		sections[heading] = strings.TrimSpace(content[bodyStart:bodyEnd])
	}
	return sections
}

// Format renders the card for prompt injection. With highlightLocked set
// and a locked section present, the locked block is emitted first, clearly
// marked immutable, and removed verbatim from its original position in the
// remainder (never duplicated).
func (c *Card) Format(highlightLocked bool) string {
	if !highlightLocked || c.LockedPersonality == "" {
		return c.RawContent
	}

	remainder := strings.Replace(c.RawContent, c.LockedPersonality, "", 1)

	var b strings.Builder
	fmt.Fprintf(&b, "[IMMUTABLE PERSONALITY CORE — %s — DO NOT ALTER]\n", c.Name)
	b.WriteString(strings.TrimRight(c.LockedPersonality, "\n"))
	b.WriteString("\n[/IMMUTABLE]\n\n")
	b.WriteString(remainder)
	return b.String()
}
