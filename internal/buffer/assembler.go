// ABOUTME: Pure assembly of buffered items into a Turn document
// ABOUTME: Stable ordering, short-text merging, window id and modality/language hints

package buffer

import (
	"sort"
	"strings"

	"github.com/2389/warelay/internal/store"
)

// shortTextLimit is the maximum rune length of a text item that joins
// the running short-text accumulator.
const shortTextLimit = 14

// LangSpanish is the hint emitted when the window's text looks Spanish.
// Callers resolve a missing lang hint to this same value.
const LangSpanish = "es-MX"

// ExplicitConfig holds the phrase lists scanned for an explicit modality
// request. Matching is case-insensitive substring.
type ExplicitConfig struct {
	VoicePhrases []string
	TextPhrases  []string
}

// Assemble merges ordered items into a Turn with status pending.
// Consecutive short texts collapse into one space-joined item; larger
// texts and voice items pass through standalone.
func Assemble(items []store.TurnItem, accountID, label, chatID string, explicit ExplicitConfig) *store.Turn {
	if len(items) == 0 {
		return nil
	}

	sorted := make([]store.TurnItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TS < sorted[j].TS })

	merged := mergeShortTexts(sorted)

	openedAt := sorted[0].TS
	closedAt := sorted[len(sorted)-1].TS
	windowID := store.WindowID(accountID, label, chatID, openedAt)

	return &store.Turn{
		WindowID: windowID,
		Status:   store.TurnStatusPending,
		OpenedAt: openedAt,
		ClosedAt: closedAt,
		Meta: store.TurnMeta{
			AccountID: accountID,
			Label:     label,
			ChatID:    chatID,
			WindowID:  windowID,
		},
		Hints: store.TurnHints{
			LastInbound: merged[len(merged)-1].Type,
			Explicit:    explicitHint(sorted, explicit),
			Lang:        langHint(sorted),
		},
		Items: merged,
	}
}

// mergeShortTexts collapses runs of short text items into single items.
// The merged item keeps the timestamp of the run's first element.
func mergeShortTexts(items []store.TurnItem) []store.TurnItem {
	var out []store.TurnItem
	var acc []string
	var accTS int64

	flush := func() {
		if len(acc) == 0 {
			return
		}
		out = append(out, store.TurnItem{
			TS:   accTS,
			Type: store.ItemTypeText,
			Text: strings.Join(acc, " "),
		})
		acc = nil
	}

	for _, item := range items {
		if item.Type == store.ItemTypeText && len([]rune(item.Text)) <= shortTextLimit {
			if len(acc) == 0 {
				accTS = item.TS
			}
			acc = append(acc, item.Text)
			continue
		}
		flush()
		out = append(out, item)
	}
	flush()

	return out
}

// explicitHint scans text items for voice phrases, then text phrases.
func explicitHint(items []store.TurnItem, cfg ExplicitConfig) string {
	text := concatText(items)
	if containsAny(text, cfg.VoicePhrases) {
		return "voice"
	}
	if containsAny(text, cfg.TextPhrases) {
		return "text"
	}
	return ""
}

// langHint reports Spanish when an accented vowel or Spanish punctuation
// appears anywhere in the window's text.
func langHint(items []store.TurnItem) string {
	text := concatText(items)
	if strings.ContainsAny(text, "áéíóúüñÁÉÍÓÚÜÑ¿¡") {
		return LangSpanish
	}
	return ""
}

func concatText(items []store.TurnItem) string {
	var b strings.Builder
	for _, item := range items {
		if item.Type == store.ItemTypeText {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(item.Text)
		}
	}
	return strings.ToLower(b.String())
}

func containsAny(haystack string, phrases []string) bool {
	for _, p := range phrases {
		if p == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
