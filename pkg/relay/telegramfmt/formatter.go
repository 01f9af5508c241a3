// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package telegramfmt converts Telegram formatting entities into the
// markdown dialect understood by the MAX messenger API.
package telegramfmt

import (
	"sort"
)

// EntityType mirrors the Telegram formatting entity kinds the relay handles.
type EntityType string

const (
	EntityBold          EntityType = "bold"
	EntityItalic        EntityType = "italic"
	EntityCode          EntityType = "code"
	EntityPre           EntityType = "pre"
	EntityStrikethrough EntityType = "strikethrough"
	EntityUnderline     EntityType = "underline"
	EntityTextLink      EntityType = "text_link"
	EntityTextMention   EntityType = "text_mention"
)

// FormatMarkdown is the format value the MAX API expects for markdown text.
const FormatMarkdown = "markdown"

// Entity is one formatting span. Offset and Length are in runes.
type Entity struct {
	Type   EntityType `json:"type"`
	Offset int        `json:"offset"`
	Length int        `json:"length"`
	// URL is set for text_link entities.
	URL string `json:"url,omitempty"`
	// Username is set for text_mention entities.
	Username string `json:"username,omitempty"`
}

// Format renders the entity spans as MAX markdown and returns the converted
// text together with the payload format field. Text without entities passes
// through unchanged with an empty format.
func Format(text string, entities []Entity) (string, string) {
	if len(entities) == 0 || text == "" {
		return text, ""
	}
	return convert(text, entities), FormatMarkdown
}

// Edit classes in left-to-right order at the same position: a span closing
// here renders before one opening here, and a mention replacement comes last.
const (
	editClose = iota
	editOpen
	editReplace
)

// edit is one insertion (and optional deletion) at a rune position of the
// original text.
type edit struct {
	pos     int
	class   int
	spanLen int
	text    []rune
	// del is how many original runes the inserted text replaces. Only
	// mentions delete; markers are pure insertions.
	del int
}

// convert renders every entity as position-anchored edits on the original
// rune offsets, then emits the text in one pass. Working on original offsets
// means earlier insertions can't displace later ones, which keeps nested
// spans (same start or same end) intact.
func convert(text string, entities []Entity) string {
	runes := []rune(text)
	var edits []edit
	for _, entity := range entities {
		if entity.Offset < 0 || entity.Length < 0 || entity.Offset+entity.Length > len(runes) {
			continue
		}
		edits = appendEdits(edits, entity)
	}
	if len(edits) == 0 {
		return text
	}
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].pos != edits[j].pos {
			return edits[i].pos < edits[j].pos
		}
		if edits[i].class != edits[j].class {
			return edits[i].class < edits[j].class
		}
		if edits[i].class == editClose {
			// Inner spans close first.
			return edits[i].spanLen < edits[j].spanLen
		}
		// Outer spans open first.
		return edits[i].spanLen > edits[j].spanLen
	})

	result := make([]rune, 0, len(runes)+len(edits)*2)
	idx := 0
	for _, ed := range edits {
		if ed.pos > idx {
			result = append(result, runes[idx:ed.pos]...)
			idx = ed.pos
		}
		result = append(result, ed.text...)
		if end := ed.pos + ed.del; end > idx {
			idx = end
		}
	}
	result = append(result, runes[idx:]...)
	return string(result)
}

func appendEdits(edits []edit, entity Entity) []edit {
	open, closing, ok := markers(entity)
	if ok {
		return append(edits,
			edit{pos: entity.Offset, class: editOpen, spanLen: entity.Length, text: []rune(open)},
			edit{pos: entity.Offset + entity.Length, class: editClose, spanLen: entity.Length, text: []rune(closing)},
		)
	}
	if entity.Type == EntityTextMention && entity.Username != "" {
		mention := entity.Username
		if mention[0] != '@' {
			mention = "@" + mention
		}
		return append(edits, edit{
			pos:   entity.Offset,
			class: editReplace,
			text:  []rune(mention),
			del:   entity.Length,
		})
	}
	return edits
}

func markers(entity Entity) (string, string, bool) {
	switch entity.Type {
	case EntityBold:
		return "**", "**", true
	case EntityItalic:
		return "*", "*", true
	case EntityCode:
		return "`", "`", true
	case EntityPre:
		return "```", "```", true
	case EntityStrikethrough:
		return "~~", "~~", true
	case EntityUnderline:
		// MAX dialect, not standard markdown.
		return "++", "++", true
	case EntityTextLink:
		if entity.URL == "" {
			return "", "", false
		}
		return "[", "](" + entity.URL + ")", true
	default:
		return "", "", false
	}
}
