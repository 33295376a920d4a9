// Package notify decides who hears about a change and delivers the news.
package notify

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"taigalike/api/internal/store"
)

// DefaultMentionPattern captures the handle in its first group.
const DefaultMentionPattern = `@([A-Za-z0-9._-]+)`

type Mentions struct {
	re *regexp.Regexp
}

func NewMentions(pattern string) (*Mentions, error) {
	if pattern == "" {
		pattern = DefaultMentionPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile mention pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("mention pattern %q has no capture group", pattern)
	}
	return &Mentions{re: re}, nil
}

var defaultMentions = &Mentions{re: regexp.MustCompile(DefaultMentionPattern)}

// ExtractMentions uses the default pattern.
func ExtractMentions(texts ...string) []string {
	return defaultMentions.Extract(texts...)
}

// Extract returns the unique handles in texts in order of first appearance.
// Handles glued to a preceding word character (as in an email address) are
// not mentions; a trailing period ends the sentence, not the handle.
func (m *Mentions) Extract(texts ...string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, text := range texts {
		for _, loc := range m.re.FindAllStringSubmatchIndex(text, -1) {
			if loc[0] > 0 && isWordByte(text[loc[0]-1]) {
				continue
			}
			handle := strings.TrimRight(text[loc[2]:loc[3]], ".")
			key := strings.ToLower(handle)
			if handle == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, handle)
		}
	}
	return out
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// ChangedTexts returns the free-text fields of after that differ from
// before. A nil before means every text is new.
func ChangedTexts(before, after store.Body) []string {
	if after == nil {
		return nil
	}
	var old map[string]string
	if before != nil {
		old = before.Texts()
	}
	texts := after.Texts()
	keys := make([]string, 0, len(texts))
	for k := range texts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []string{}
	for _, k := range keys {
		if texts[k] != "" && texts[k] != old[k] {
			out = append(out, texts[k])
		}
	}
	return out
}
