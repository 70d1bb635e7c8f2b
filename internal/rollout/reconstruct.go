// Package rollout rehydrates a historical session's per-turn activity from
// its append-only rollout log, and merges the reconstruction into a live
// resume-thread response so the caller sees tool calls and diffs the
// authoritative thread representation alone wouldn't carry.
package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/kandev/taskmesh/internal/common/errors"
)

// Item is one reconstructed activity entry; its shape mirrors the
// dynamically-typed JSON items a vendor-tool thread response carries.
type Item = map[string]interface{}

const rolloutPlaceholderKey = "__rolloutPlaceholder"

func rolloutPlaceholder(kind string) Item {
	return Item{rolloutPlaceholderKey: kind}
}

func placeholderKind(item Item) (string, bool) {
	kind, ok := item[rolloutPlaceholderKey].(string)
	return kind, ok
}

func normalizeStatus(status string) string {
	switch status {
	case "in_progress", "inProgress":
		return "inProgress"
	case "completed", "failed", "declined":
		return status
	default:
		return "completed"
	}
}

// looksLikeMCPToolName reports whether name is a fully-qualified MCP tool
// reference (server.tool), excluding known non-MCP dotted function names.
func looksLikeMCPToolName(name string) bool {
	if !strings.Contains(name, ".") {
		return false
	}
	for _, prefix := range []string{"container.", "web.", "browser."} {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	return true
}

func splitMCPToolName(name string) (server, tool string, ok bool) {
	parts := strings.SplitN(name, ".", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	server = strings.TrimSpace(parts[0])
	tool = strings.TrimSpace(parts[1])
	if server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

func parseJSONString(s string) (interface{}, bool) {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

func extractTextValue(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case map[string]interface{}:
		if text, ok := val["text"].(string); ok {
			return text, true
		}
	}
	return "", false
}

func extractTextList(v interface{}) []string {
	switch val := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if text, ok := extractTextValue(item); ok {
				out = append(out, text)
			}
		}
		return out
	case nil:
		return nil
	default:
		if text, ok := extractTextValue(val); ok {
			return []string{text}
		}
		return nil
	}
}

func normalizeTypeKey(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(value) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func itemTypeKey(item Item) (string, bool) {
	t, ok := item["type"].(string)
	if !ok {
		return "", false
	}
	return normalizeTypeKey(t), true
}

func itemKey(item Item) (string, bool) {
	typeKey, ok := itemTypeKey(item)
	if !ok {
		return "", false
	}
	id, ok := item["id"].(string)
	if !ok {
		return "", false
	}
	return typeKey + ":" + id, true
}

func valueIsMissing(v interface{}, present bool) bool {
	if !present || v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	default:
		return false
	}
}

func normalizeReasoningText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func extractReasoningText(item Item) (string, bool) {
	if key, _ := itemTypeKey(item); key != "reasoning" {
		return "", false
	}
	summary := extractTextList(item["summary"])
	content := extractTextList(item["content"])
	if len(summary) == 0 && len(content) == 0 {
		return "", false
	}
	combined := append(append([]string{}, summary...), content...)
	return normalizeReasoningText(strings.Join(combined, "\n")), true
}

func isReasoningItem(item Item) bool {
	key, _ := itemTypeKey(item)
	return key == "reasoning"
}

// shouldUpdateStatus reports whether rolloutStatus should overwrite
// baseStatus: a terminal base status is never overridden.
func shouldUpdateStatus(baseStatus, rolloutStatus interface{}) bool {
	rs, ok := rolloutStatus.(string)
	if !ok {
		return false
	}
	bs, ok := baseStatus.(string)
	if !ok {
		return true
	}
	switch bs {
	case "inProgress":
		return true
	case "completed", "failed", "declined":
		return false
	default:
		return rs != "inProgress"
	}
}

type pendingKind int

const (
	pendingCommand pendingKind = iota
	pendingMCP
	pendingApplyPatch
)

type pendingIndex struct {
	turnIndex int
	itemIndex int
	kind      pendingKind
}

func parseExecCommandFromArgs(arguments string) (cmd string, cwd string) {
	parsed, ok := parseJSONString(arguments)
	if !ok {
		return arguments, ""
	}
	obj, ok := parsed.(map[string]interface{})
	if !ok {
		return arguments, ""
	}
	if c, ok := obj["cmd"].(string); ok {
		cmd = c
	} else {
		cmd = arguments
	}
	if w, ok := obj["workdir"].(string); ok {
		cwd = w
	} else if w, ok := obj["cwd"].(string); ok {
		cwd = w
	}
	return cmd, cwd
}

func extractOutputText(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]interface{}:
		if text, ok := val["content"].(string); ok {
			return text
		}
		if text, ok := val["output"].(string); ok {
			return text
		}
		stdout, _ := val["stdout"].(string)
		stderr, _ := val["stderr"].(string)
		if stdout != "" || stderr != "" {
			return stdout + stderr
		}
		return ""
	default:
		return ""
	}
}

// ReconstructActivityByTurn walks rolloutPath line by line and groups
// reconstructed activity items into per-turn buckets, aligned to
// expectedTurnCount.
func ReconstructActivityByTurn(rolloutPath string, expectedTurnCount int, cwd string) ([][]Item, error) {
	targetTurnCount := expectedTurnCount
	if targetTurnCount < 1 {
		targetTurnCount = 1
	}

	file, err := os.Open(rolloutPath)
	if err != nil {
		return nil, apperrors.IO("open rollout log", err)
	}
	defer file.Close()

	var turns [][]Item
	pendingByCallID := map[string]pendingIndex{}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var record map[string]interface{}
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}

		lineType, _ := record["type"].(string)
		payload, _ := record["payload"].(map[string]interface{})
		if payload == nil {
			payload = map[string]interface{}{}
		}

		if lineType == "event_msg" {
			evType, _ := payload["type"].(string)
			if evType == "user_message" {
				turns = append(turns, []Item{})
			}
			if evType == "thread_rolled_back" {
				numTurns := asInt(payload["num_turns"])
				newLen := len(turns) - numTurns
				if newLen < 0 {
					newLen = 0
				}
				if newLen != len(turns) {
					turns = turns[:newLen]
					for id, idx := range pendingByCallID {
						if idx.turnIndex >= newLen {
							delete(pendingByCallID, id)
						}
					}
				}
			}
			continue
		}

		if lineType != "response_item" {
			continue
		}

		if len(turns) == 0 {
			continue
		}
		turnIndex := len(turns) - 1
		itemType, _ := payload["type"].(string)

		switch itemType {
		case "reasoning":
			summary := extractTextList(payload["summary"])
			content := extractTextList(payload["content"])
			if len(summary) == 0 && len(content) == 0 {
				continue
			}
			if len(summary) > 0 && len(content) == 0 {
				id := fmt.Sprintf("rollout-reasoning-%d-%d", turnIndex, len(turns[turnIndex])+1)
				turns[turnIndex] = append(turns[turnIndex], Item{
					"type":    "reasoning",
					"id":      id,
					"summary": toInterfaceSlice(summary),
					"content": []interface{}{},
				})
			}
			turns[turnIndex] = append(turns[turnIndex], rolloutPlaceholder("reasoning"))

		case "message":
			role, _ := payload["role"].(string)
			var kind string
			switch role {
			case "assistant":
				kind = "agentMessage"
			case "user":
				kind = "userMessage"
			}
			if kind != "" {
				turns[turnIndex] = append(turns[turnIndex], rolloutPlaceholder(kind))
			}

		case "function_call":
			name, _ := payload["name"].(string)
			arguments, _ := payload["arguments"].(string)
			callID, _ := payload["call_id"].(string)
			if callID == "" {
				continue
			}

			if name == "exec_command" {
				cmd, execCwd := parseExecCommandFromArgs(arguments)
				item := Item{
					"type":             "commandExecution",
					"id":               callID,
					"command":          cmd,
					"cwd":              execCwd,
					"processId":        nil,
					"status":           "inProgress",
					"commandActions":   []interface{}{},
					"aggregatedOutput": nil,
					"exitCode":         nil,
					"durationMs":       nil,
				}
				turns[turnIndex] = append(turns[turnIndex], item)
				idx := len(turns[turnIndex]) - 1
				pendingByCallID[callID] = pendingIndex{turnIndex: turnIndex, itemIndex: idx, kind: pendingCommand}
				continue
			}

			if looksLikeMCPToolName(name) {
				if server, tool, ok := splitMCPToolName(name); ok {
					argsValue, ok := parseJSONString(arguments)
					if !ok {
						argsValue = arguments
					}
					item := Item{
						"type":       "mcpToolCall",
						"id":         callID,
						"server":     server,
						"tool":       tool,
						"status":     "inProgress",
						"arguments":  argsValue,
						"result":     nil,
						"error":      nil,
						"durationMs": nil,
					}
					turns[turnIndex] = append(turns[turnIndex], item)
					idx := len(turns[turnIndex]) - 1
					pendingByCallID[callID] = pendingIndex{turnIndex: turnIndex, itemIndex: idx, kind: pendingMCP}
				}
			}

		case "custom_tool_call":
			name, _ := payload["name"].(string)
			callID, _ := payload["call_id"].(string)
			if callID == "" {
				continue
			}
			if name == "apply_patch" {
				input, _ := payload["input"].(string)
				status, ok := payload["status"].(string)
				if !ok || status == "" {
					status = "completed"
				}
				segments := parseApplyPatchSegments(input)
				changes := make([]interface{}, 0, len(segments))
				for _, seg := range segments {
					diff, lineNumbersAvailable := enrichFileChangeDiff(seg.path, seg.kind, seg.diff, cwd)
					changes = append(changes, Item{
						"path":                 seg.path,
						"kind":                 seg.kind,
						"diff":                 diff,
						"lineNumbersAvailable": lineNumbersAvailable,
					})
				}
				item := Item{
					"type":    "fileChange",
					"id":      callID,
					"changes": changes,
					"status":  normalizeStatus(status),
				}
				turns[turnIndex] = append(turns[turnIndex], item)
				idx := len(turns[turnIndex]) - 1
				pendingByCallID[callID] = pendingIndex{turnIndex: turnIndex, itemIndex: idx, kind: pendingApplyPatch}
			}

		case "web_search_call", "web_search", "web_search_call.done":
			query := ""
			if action, ok := payload["action"].(map[string]interface{}); ok {
				query, _ = action["query"].(string)
			}
			if query == "" {
				query, _ = payload["query"].(string)
			}
			if query == "" {
				continue
			}
			id, ok := payload["id"].(string)
			if !ok || id == "" {
				id = fmt.Sprintf("websearch-%d-%d", turnIndex, len(turns[turnIndex])+1)
			}
			turns[turnIndex] = append(turns[turnIndex], Item{
				"type":  "webSearch",
				"id":    id,
				"query": query,
			})

		case "function_call_output":
			callID, _ := payload["call_id"].(string)
			if callID == "" {
				continue
			}
			content := extractOutputText(payload["output"])
			var success *bool
			if out, ok := payload["output"].(map[string]interface{}); ok {
				if s, ok := out["success"].(bool); ok {
					success = &s
				}
			}

			pending, ok := pendingByCallID[callID]
			if !ok {
				continue
			}
			if pending.turnIndex >= len(turns) || pending.itemIndex >= len(turns[pending.turnIndex]) {
				continue
			}
			item := turns[pending.turnIndex][pending.itemIndex]

			switch pending.kind {
			case pendingCommand:
				item["aggregatedOutput"] = content
				if success != nil && !*success {
					item["status"] = "failed"
				} else {
					item["status"] = "completed"
				}
			case pendingMCP:
				if success != nil && !*success {
					item["status"] = "failed"
				} else {
					item["status"] = "completed"
				}
				item["result"] = Item{
					"content":           []interface{}{Item{"type": "text", "text": content}},
					"structuredContent": nil,
				}
			}

		case "custom_tool_call_output":
			callID, _ := payload["call_id"].(string)
			if callID == "" {
				continue
			}
			output, _ := payload["output"].(string)
			if output == "" {
				continue
			}
			pending, ok := pendingByCallID[callID]
			if !ok || pending.kind != pendingApplyPatch {
				continue
			}
			if pending.turnIndex >= len(turns) || pending.itemIndex >= len(turns[pending.turnIndex]) {
				continue
			}
			item := turns[pending.turnIndex][pending.itemIndex]
			lower := strings.ToLower(output)
			if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
				item["status"] = "failed"
			} else {
				item["status"] = "completed"
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.IO("read rollout log", err)
	}

	// thread.turns from the vendor tool is authoritative; the rollout log is
	// append-only and may still carry rolled-back turns, so align by taking
	// the latest target_turn_count buckets.
	if len(turns) > targetTurnCount {
		turns = turns[len(turns)-targetTurnCount:]
	}
	if len(turns) < targetTurnCount {
		missing := targetTurnCount - len(turns)
		padded := make([][]Item, missing, targetTurnCount)
		turns = append(padded, turns...)
	}

	return turns, nil
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func toInterfaceSlice(strs []string) []interface{} {
	out := make([]interface{}, len(strs))
	for i, s := range strs {
		out[i] = s
	}
	return out
}

// AugmentThreadResumeResponse merges the reconstructed rollout activity
// into a thread-resume response's turns, filling in the activity the
// authoritative response alone doesn't carry. rolloutPath and cwd may be
// empty; res is returned unmodified whenever reconstruction can't proceed.
func AugmentThreadResumeResponse(res map[string]interface{}, rolloutPath, cwd string) map[string]interface{} {
	thread, ok := res["thread"].(map[string]interface{})
	if !ok {
		return res
	}
	turnsRaw, ok := thread["turns"].([]interface{})
	if !ok {
		return res
	}
	if len(turnsRaw) == 0 || rolloutPath == "" {
		return res
	}
	if _, err := os.Stat(rolloutPath); err != nil {
		return res
	}

	activityByTurn, err := ReconstructActivityByTurn(rolloutPath, len(turnsRaw), cwd)
	if err != nil {
		return res
	}

	for idx, turnRaw := range turnsRaw {
		turn, ok := turnRaw.(map[string]interface{})
		if !ok {
			continue
		}
		itemsRaw, ok := turn["items"].([]interface{})
		if !ok {
			continue
		}
		items := make([]Item, 0, len(itemsRaw))
		for _, it := range itemsRaw {
			if m, ok := it.(map[string]interface{}); ok {
				items = append(items, m)
			}
		}
		var additional []Item
		if idx < len(activityByTurn) {
			additional = activityByTurn[idx]
		}
		merged := mergeTurnItems(items, additional)
		turn["items"] = mergedToInterfaceSlice(merged)
	}

	return res
}

func mergedToInterfaceSlice(items []Item) []interface{} {
	out := make([]interface{}, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

// FindRolloutPathByThreadID is a best-effort fallback search under
// codexHome/sessions for a rollout file whose name contains threadID, used
// when the resume response didn't carry its own rollout path.
func FindRolloutPathByThreadID(codexHome, threadID string) (string, bool) {
	sessionsRoot := filepath.Join(codexHome, "sessions")
	if _, err := os.Stat(sessionsRoot); err != nil {
		return "", false
	}

	var found string
	stack := []string{sessionsRoot}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				stack = append(stack, path)
				continue
			}
			if strings.Contains(entry.Name(), threadID) && strings.HasSuffix(entry.Name(), ".jsonl") {
				found = path
			}
		}
	}
	if found == "" {
		return "", false
	}
	return found, true
}
