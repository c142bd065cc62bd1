package batch

import (
	"fmt"

	"github.com/goclaw/conductor/pkg/payload"
)

// UngroupedKey is the group of combined-strategy items lacking the group-by field.
const UngroupedKey = "_ungrouped"

// Payload keys of merged object and combined executions.
const (
	KeyItems     = "items"
	KeyItemIDs   = "item_ids"
	KeyItemCount = "item_count"
	KeyGroup     = "group"
)

// unit is one downstream execution covering one or more items.
type unit struct {
	key       string
	itemIDs   []string
	data      map[string]any
	text      string
	purposeID string
}

func partition(j *BatchJob) []unit {
	switch j.Strategy {
	case StrategyObject:
		return []unit{merged("object", j.Items, "")}
	case StrategyCombined:
		var order []string
		groups := make(map[string][]Item)
		for _, it := range j.Items {
			g := groupOf(it, j.Metadata.GroupBy)
			if _, ok := groups[g]; !ok {
				order = append(order, g)
			}
			groups[g] = append(groups[g], it)
		}
		units := make([]unit, 0, len(order))
		for _, g := range order {
			units = append(units, merged("group:"+g, groups[g], g))
		}
		return units
	default:
		units := make([]unit, 0, len(j.Items))
		for _, it := range j.Items {
			units = append(units, unit{
				key:       it.ID,
				itemIDs:   []string{it.ID},
				data:      payload.Clone(it.Data),
				text:      it.Text,
				purposeID: it.PurposeID,
			})
		}
		return units
	}
}

func merged(key string, items []Item, group string) unit {
	data := make([]any, 0, len(items))
	itemIDs := make([]string, 0, len(items))
	for _, it := range items {
		data = append(data, payload.Clone(it.Data))
		itemIDs = append(itemIDs, it.ID)
	}
	m := map[string]any{
		KeyItems:     data,
		KeyItemIDs:   append([]string(nil), itemIDs...),
		KeyItemCount: len(items),
	}
	if group != "" {
		m[KeyGroup] = group
	}
	return unit{key: key, itemIDs: itemIDs, data: m}
}

func groupOf(it Item, field string) string {
	v, ok := it.Data[field]
	if !ok || v == nil {
		return UngroupedKey
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return UngroupedKey
		}
		return s
	}
	return fmt.Sprint(v)
}
