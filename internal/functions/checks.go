// internal/functions/checks.go
package functions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/solatis/tollgate/internal/types"
)

// Item kinds as they appear in cart item "type".
const (
	ItemTutorial = "tutorial"
	ItemMarking  = "marking"
)

// Payment methods treated as card payments.
var cardMethods = map[string]bool{"card": true, "credit_card": true, "debit_card": true}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func itemType(item map[string]any) string {
	if s, ok := item["type"].(string); ok {
		return strings.ToLower(s)
	}
	if b, _ := item["is_tutorial"].(bool); b {
		return ItemTutorial
	}
	if b, _ := item["is_marking"].(bool); b {
		return ItemMarking
	}
	return ""
}

// ExpiredMarkingDeadlines flags marking items with deadlines before now.
// Deadlines come from "deadlines" (list) or "deadline" (single date);
// unparseable dates are ignored. Each flagged entry lists its expired dates
// and whether every deadline of the item has passed.
func ExpiredMarkingDeadlines(items []any, now time.Time) []any {
	flagged := make([]any, 0)
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok || itemType(item) != ItemMarking {
			continue
		}

		var deadlines []any
		if list, ok := item["deadlines"].([]any); ok {
			deadlines = list
		} else if d, ok := item["deadline"]; ok {
			deadlines = []any{d}
		}

		expired := make([]any, 0)
		total := 0
		for _, d := range deadlines {
			ts, ok := parseDate(d)
			if !ok {
				continue
			}
			total++
			if ts.Before(now) {
				expired = append(expired, d)
			}
		}
		if len(expired) == 0 {
			continue
		}

		flagged = append(flagged, map[string]any{
			"id":           itemID(item, i),
			"product_code": item["product_code"],
			"expired":      expired,
			"all_expired":  len(expired) == total,
		})
	}
	return flagged
}

// TutorialOnlyCard reports whether a non-empty cart holds only tutorials.
// When method is non-empty it must also be a card method.
func TutorialOnlyCard(items []any, method string) bool {
	if method != "" && !cardMethods[strings.ToLower(method)] {
		return false
	}
	if len(items) == 0 {
		return false
	}
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok || itemType(item) != ItemTutorial {
			return false
		}
	}
	return true
}

func checkExpiredMarkingDeadlines(_ context.Context, args []any) (any, error) {
	items, err := itemsArg(args[0])
	if err != nil {
		return nil, err
	}
	params, err := paramsArg(args, 1)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if v, ok := params["now"]; ok && v != nil {
		ts, ok := parseDate(v)
		if !ok {
			return nil, fmt.Errorf("%w: params.now %v is not a date", types.ErrTypeMismatch, v)
		}
		now = ts
	}
	return ExpiredMarkingDeadlines(items, now), nil
}

func checkTutorialOnlyCreditCard(_ context.Context, args []any) (any, error) {
	items, err := itemsArg(args[0])
	if err != nil {
		return nil, err
	}
	params, err := paramsArg(args, 1)
	if err != nil {
		return nil, err
	}
	method, _ := params["payment_method"].(string)
	return TutorialOnlyCard(items, method), nil
}
