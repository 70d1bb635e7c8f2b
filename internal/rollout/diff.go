package rollout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxDiffFileBytes = 1_000_000

// splitLines splits on "\n" without yielding a trailing empty element for
// a final newline, matching the line-count semantics the patch/diff
// parsers below were designed against.
func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

type patchFileSegment struct {
	path string
	kind Item
	diff string
}

// parseApplyPatchSegments splits an apply_patch body into one segment per
// file, keyed off its "*** {Update,Add,Delete} File:" / "*** Move to:"
// header lines.
func parseApplyPatchSegments(patch string) []patchFileSegment {
	var segments []patchFileSegment
	var currentPath string
	var currentKind Item
	var currentLines []string
	haveCurrent := false

	flush := func() {
		if !haveCurrent {
			currentLines = nil
			return
		}
		kind := currentKind
		if kind == nil {
			kind = Item{"type": "update"}
		}
		segments = append(segments, patchFileSegment{
			path: currentPath,
			kind: kind,
			diff: strings.Join(currentLines, "\n"),
		})
		currentLines = nil
		haveCurrent = false
		currentKind = nil
	}

	for _, line := range splitLines(patch) {
		if rest, ok := strings.CutPrefix(line, "*** Update File: "); ok {
			flush()
			currentPath = strings.TrimSpace(rest)
			currentKind = Item{"type": "update", "move_path": nil}
			haveCurrent = true
			currentLines = append(currentLines, line)
			continue
		}
		if rest, ok := strings.CutPrefix(line, "*** Add File: "); ok {
			flush()
			currentPath = strings.TrimSpace(rest)
			currentKind = Item{"type": "add"}
			haveCurrent = true
			currentLines = append(currentLines, line)
			continue
		}
		if rest, ok := strings.CutPrefix(line, "*** Delete File: "); ok {
			flush()
			currentPath = strings.TrimSpace(rest)
			currentKind = Item{"type": "delete"}
			haveCurrent = true
			currentLines = append(currentLines, line)
			continue
		}
		if rest, ok := strings.CutPrefix(line, "*** Move to: "); ok {
			if currentKind != nil {
				if t, _ := currentKind["type"].(string); t == "update" {
					currentKind = Item{"type": "update", "move_path": strings.TrimSpace(rest)}
				}
			}
			currentLines = append(currentLines, line)
			continue
		}

		if haveCurrent {
			currentLines = append(currentLines, line)
		}
	}
	flush()

	return segments
}

type patchLineKind int

const (
	lineContext patchLineKind = iota
	lineAdd
	lineDelete
)

type patchLine struct {
	kind patchLineKind
	text string
}

type patchHunk struct {
	lines []patchLine
}

func normalizePatchKind(kind Item) string {
	t, _ := kind["type"].(string)
	switch strings.ToLower(t) {
	case "add":
		return "add"
	case "delete":
		return "delete"
	default:
		return "update"
	}
}

func extractMovePath(kind Item) (string, bool) {
	for _, key := range []string{"move_path", "movePath"} {
		if v, ok := kind[key].(string); ok {
			return v, true
		}
	}
	return "", false
}

func shouldSkipMeta(line string) bool {
	prefixes := []string{
		"*** Begin Patch", "*** End Patch",
		"*** Update File:", "*** Add File:", "*** Delete File:", "*** Move to:",
		"diff --git ", "Index:", "--- ", "+++ ",
	}
	for _, p := range prefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func parseApplyPatchHunks(diff string) []patchHunk {
	var hunks []patchHunk
	var current []patchLine
	inHunk := false

	for _, raw := range splitLines(diff) {
		line := strings.TrimRight(raw, "\r")
		if shouldSkipMeta(line) {
			continue
		}
		if strings.HasPrefix(line, "@@") {
			if len(current) > 0 {
				hunks = append(hunks, patchHunk{lines: current})
				current = nil
			}
			inHunk = true
			continue
		}

		var kind patchLineKind
		var text string
		switch {
		case strings.HasPrefix(line, "+"):
			kind, text = lineAdd, line[1:]
		case strings.HasPrefix(line, "-"):
			kind, text = lineDelete, line[1:]
		case strings.HasPrefix(line, " "):
			kind, text = lineContext, line[1:]
		case inHunk || len(current) > 0:
			kind, text = lineContext, line
		default:
			continue
		}

		current = append(current, patchLine{kind: kind, text: text})
	}

	if len(current) > 0 {
		hunks = append(hunks, patchHunk{lines: current})
	}
	return hunks
}

func collectLinesByKind(hunks []patchHunk, kind patchLineKind) []string {
	var out []string
	for _, hunk := range hunks {
		for _, line := range hunk.lines {
			if line.kind == kind {
				out = append(out, line.text)
			}
		}
	}
	return out
}

// matchHunkStart finds the index in fileLines where hunk's non-delete
// "pattern" lines first match, searching no earlier than searchStart.
func matchHunkStart(fileLines []string, hunk patchHunk, searchStart int) (int, bool) {
	var pattern []string
	for _, line := range hunk.lines {
		if line.kind != lineDelete {
			pattern = append(pattern, line.text)
		}
	}
	if len(pattern) == 0 || len(pattern) > len(fileLines) {
		return 0, false
	}
	limit := len(fileLines) - len(pattern)
	for idx := searchStart; idx <= limit; idx++ {
		matched := true
		for offset, needle := range pattern {
			if fileLines[idx+offset] != needle {
				matched = false
				break
			}
		}
		if matched {
			return idx, true
		}
	}
	return 0, false
}

func buildUnifiedDiffFromHunks(hunks []patchHunk, fileLines []string) (string, bool) {
	if len(hunks) == 0 {
		return "", false
	}

	var out strings.Builder
	offset := 0
	searchStart := 0

	for _, hunk := range hunks {
		startIdx, ok := matchHunkStart(fileLines, hunk, searchStart)
		if !ok {
			return "", false
		}
		newStart := startIdx + 1
		oldStart := newStart + offset
		if oldStart < 1 {
			return "", false
		}

		oldLine, newLine := oldStart, newStart
		oldCount, newCount := 0, 0
		var hunkLines []string

		for _, line := range hunk.lines {
			switch line.kind {
			case lineContext:
				hunkLines = append(hunkLines, " "+line.text)
				oldLine++
				newLine++
				oldCount++
				newCount++
			case lineDelete:
				hunkLines = append(hunkLines, "-"+line.text)
				oldLine++
				oldCount++
			case lineAdd:
				hunkLines = append(hunkLines, "+"+line.text)
				newLine++
				newCount++
			}
		}
		if len(hunkLines) == 0 {
			return "", false
		}

		fmt.Fprintf(&out, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
		out.WriteString(strings.Join(hunkLines, "\n"))
		out.WriteString("\n")

		offset = oldLine - newLine
		patternLen := 0
		for _, line := range hunk.lines {
			if line.kind != lineDelete {
				patternLen++
			}
		}
		searchStart = startIdx + patternLen
	}

	return strings.TrimRight(out.String(), "\n"), true
}

func buildUnifiedDiffForAddDelete(lines []string, kind string) (string, bool) {
	if kind != "add" && kind != "delete" {
		return "", false
	}
	count := len(lines)
	var oldStart, oldCount, newStart, newCount int
	if kind == "add" {
		oldStart, oldCount, newStart, newCount = 0, 0, 1, count
	} else {
		oldStart, oldCount, newStart, newCount = 1, count, 0, 0
	}

	var out strings.Builder
	fmt.Fprintf(&out, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
	prefix := "+"
	if kind == "delete" {
		prefix = "-"
	}
	for i, line := range lines {
		out.WriteString(prefix)
		out.WriteString(line)
		if i+1 < len(lines) {
			out.WriteString("\n")
		}
	}
	return out.String(), true
}

func readFileLines(path string) ([]string, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() > maxDiffFileBytes {
		return nil, false
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return splitLines(string(content)), true
}

func resolveTargetPath(path, cwd string) (string, bool) {
	if filepath.IsAbs(path) {
		return path, true
	}
	if cwd == "" {
		return "", false
	}
	return filepath.Join(cwd, path), true
}

// enrichFileChangeDiff turns an apply_patch hunk body for one file into a
// proper unified diff by anchoring its non-delete lines in the file's current
// content, falling back to the raw patch text when that isn't possible.
func enrichFileChangeDiff(path string, kind Item, diff, cwd string) (string, bool) {
	patchKind := normalizePatchKind(kind)
	hunks := parseApplyPatchHunks(diff)

	if patchKind == "add" || patchKind == "delete" {
		lineKind := lineAdd
		if patchKind == "delete" {
			lineKind = lineDelete
		}
		lines := collectLinesByKind(hunks, lineKind)
		if unified, ok := buildUnifiedDiffForAddDelete(lines, patchKind); ok {
			return unified, true
		}
		return diff, false
	}

	targetPath := path
	if moved, ok := extractMovePath(kind); ok {
		targetPath = moved
	}
	fullPath, ok := resolveTargetPath(targetPath, cwd)
	if !ok {
		return diff, false
	}
	fileLines, ok := readFileLines(fullPath)
	if !ok {
		return diff, false
	}
	unified, ok := buildUnifiedDiffFromHunks(hunks, fileLines)
	if !ok {
		return diff, false
	}
	return unified, true
}
