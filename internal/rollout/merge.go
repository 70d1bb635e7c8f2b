package rollout

import "strings"

// mergeTurnItems merges reconstructed rollout items into the authoritative
// base items for one turn, filling missing fields on keyed matches,
// resolving placeholders against per-kind queues of base items in
// declaration order, and appending anything left over from either side.
func mergeTurnItems(baseItems []Item, rolloutItems []Item) []Item {
	if len(rolloutItems) == 0 {
		return baseItems
	}

	keyToIndex := map[string]int{}
	var reasoningQueue, agentQueue, userQueue []int

	for idx, item := range baseItems {
		if typeKey, ok := itemTypeKey(item); ok {
			switch typeKey {
			case "reasoning":
				reasoningQueue = append(reasoningQueue, idx)
			case "agentmessage":
				agentQueue = append(agentQueue, idx)
			case "usermessage":
				userQueue = append(userQueue, idx)
			}
		}
		if key, ok := itemKey(item); ok {
			if _, exists := keyToIndex[key]; !exists {
				keyToIndex[key] = idx
			}
		}
	}

	used := make([]bool, len(baseItems))
	merged := make([]Item, 0, len(baseItems)+len(rolloutItems))

	popFront := func(queue *[]int) (int, bool) {
		for len(*queue) > 0 {
			idx := (*queue)[0]
			*queue = (*queue)[1:]
			if idx < len(baseItems) && !used[idx] {
				return idx, true
			}
		}
		return 0, false
	}

	for _, item := range rolloutItems {
		if kind, ok := placeholderKind(item); ok {
			var queue *[]int
			switch kind {
			case "reasoning":
				queue = &reasoningQueue
			case "agentMessage":
				queue = &agentQueue
			case "userMessage":
				queue = &userQueue
			}
			if queue != nil {
				if idx, found := popFront(queue); found {
					merged = append(merged, baseItems[idx])
					used[idx] = true
				}
			}
			continue
		}

		if key, ok := itemKey(item); ok {
			if idx, exists := keyToIndex[key]; exists && !used[idx] {
				merged = append(merged, mergeItemFields(baseItems[idx], item))
				used[idx] = true
				continue
			}
		}

		merged = append(merged, item)
	}

	for idx, item := range baseItems {
		if !used[idx] {
			merged = append(merged, item)
		}
	}

	return dedupeAdjacentReasoning(merged)
}

// mergeItemFields fills fields missing on base from rollout, for the item
// kinds that carry output which only the rollout log preserves across a
// resume.
func mergeItemFields(base, rolloutItem Item) Item {
	typeKey, ok := itemTypeKey(base)
	if !ok {
		typeKey, _ = itemTypeKey(rolloutItem)
	}

	merged := make(Item, len(base))
	for k, v := range base {
		merged[k] = v
	}

	switch typeKey {
	case "commandexecution":
		if v, present := base["aggregatedOutput"]; valueIsMissing(v, present) {
			if rv, ok := rolloutItem["aggregatedOutput"]; ok {
				merged["aggregatedOutput"] = rv
			}
		}
		if v, present := base["exitCode"]; valueIsMissing(v, present) {
			if rv, ok := rolloutItem["exitCode"]; ok {
				merged["exitCode"] = rv
			}
		}
		if v, present := base["durationMs"]; valueIsMissing(v, present) {
			if rv, ok := rolloutItem["durationMs"]; ok {
				merged["durationMs"] = rv
			}
		}
		if shouldUpdateStatus(base["status"], rolloutItem["status"]) {
			merged["status"] = rolloutItem["status"]
		}

	case "mcptoolcall":
		if v, present := base["result"]; valueIsMissing(v, present) {
			if rv, ok := rolloutItem["result"]; ok {
				merged["result"] = rv
			}
		}
		if v, present := base["error"]; valueIsMissing(v, present) {
			if rv, ok := rolloutItem["error"]; ok {
				merged["error"] = rv
			}
		}
		if shouldUpdateStatus(base["status"], rolloutItem["status"]) {
			merged["status"] = rolloutItem["status"]
		}

	case "filechange":
		if rolloutChanges, ok := rolloutItem["changes"]; ok {
			mergedChanges := mergeFileChangeChanges(base["changes"], rolloutChanges)
			if !valueIsMissing(mergedChanges, mergedChanges != nil) {
				merged["changes"] = mergedChanges
			}
		}
		if shouldUpdateStatus(base["status"], rolloutItem["status"]) {
			merged["status"] = rolloutItem["status"]
		}
	}

	return merged
}

func mergeFileChangeChanges(base, rolloutChanges interface{}) interface{} {
	baseChanges, baseOK := base.([]interface{})
	rolloutList, rolloutOK := rolloutChanges.([]interface{})
	if !baseOK || !rolloutOK {
		return base
	}

	if len(baseChanges) == 0 && len(rolloutList) > 0 {
		return rolloutChanges
	}

	for _, changeRaw := range baseChanges {
		change, ok := changeRaw.(map[string]interface{})
		if !ok {
			continue
		}
		path, ok := change["path"].(string)
		if !ok {
			continue
		}
		diffVal, diffPresent := change["diff"]
		lineNumsVal, lineNumsPresent := change["lineNumbersAvailable"]
		diffMissing := valueIsMissing(diffVal, diffPresent)
		lineNumbersMissing := valueIsMissing(lineNumsVal, lineNumsPresent)
		if !diffMissing && !lineNumbersMissing {
			continue
		}

		for _, rcRaw := range rolloutList {
			rc, ok := rcRaw.(map[string]interface{})
			if !ok {
				continue
			}
			if rc["path"] != path {
				continue
			}
			if diffMissing {
				if rd, ok := rc["diff"]; ok {
					change["diff"] = rd
				}
			}
			if lineNumbersMissing {
				if rl, ok := rc["lineNumbersAvailable"]; ok {
					change["lineNumbersAvailable"] = rl
				}
			}
			break
		}
	}

	return base
}

// dedupeAdjacentReasoning collapses adjacent reasoning items whose
// normalized text is contained in its neighbor's, keeping the longer.
func dedupeAdjacentReasoning(items []Item) []Item {
	const minCompareLen = 8
	out := make([]Item, 0, len(items))

	for _, item := range items {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if isReasoningItem(prev) && isReasoningItem(item) {
				prevText, prevOK := extractReasoningText(prev)
				currText, currOK := extractReasoningText(item)
				if prevOK && currOK {
					prevLen, currLen := len(prevText), len(currText)
					if prevLen >= minCompareLen && currLen >= minCompareLen &&
						(strings.Contains(prevText, currText) || strings.Contains(currText, prevText)) {
						if prevLen >= currLen {
							continue
						}
						out = out[:len(out)-1]
					}
				}
			}
		}
		out = append(out, item)
	}

	return out
}
