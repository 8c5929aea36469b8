package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// insertPageLocators prepends "<!-- Page 1 / N -->" and inserts
// "<!-- Page k / N -->" after every line whose trimmed content is a
// page-break marker (---, ***, ___) or contains a form-feed. This is a
// known-lossy heuristic carried over unchanged: ordinary Markdown
// thematic breaks are indistinguishable from an actual page boundary.
func insertPageLocators(markdown string, totalPages int) string {
	if totalPages < 1 {
		totalPages = 1
	}

	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines)+totalPages)
	out = append(out, fmt.Sprintf("<!-- Page 1 / %d -->", totalPages))

	page := 1
	for _, line := range lines {
		out = append(out, line)
		if isPageBreak(line) && page < totalPages {
			page++
			out = append(out, fmt.Sprintf("<!-- Page %d / %d -->", page, totalPages))
		}
	}
	return strings.Join(out, "\n")
}

func isPageBreak(line string) bool {
	trimmed := strings.TrimSpace(line)
	switch trimmed {
	case "---", "***", "___":
		return true
	}
	return strings.Contains(line, "\f")
}

// placeImages groups images by page, sorts each group by index, and emits
// "![<id>](images/<filename>)" lines (each preceded by a blank line)
// immediately after the page-break marker that closes that page. Images
// for pages beyond the last marker are flushed at the end in (page, index)
// order. Images with no persisted Filename are omitted entirely.
func placeImages(markdown string, images []ImageRecord) string {
	byPage := make(map[int][]ImageRecord)
	for _, img := range images {
		if img.Filename == "" {
			continue
		}
		byPage[img.Page] = append(byPage[img.Page], img)
	}
	for page := range byPage {
		group := byPage[page]
		sort.Slice(group, func(i, j int) bool { return group[i].Index < group[j].Index })
		byPage[page] = group
	}

	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines))
	page := 1
	placed := make(map[int]bool)

	for _, line := range lines {
		out = append(out, line)
		if isPageBreak(line) {
			out = append(out, imageRefLines(byPage[page])...)
			placed[page] = true
			page++
		}
	}

	var pages []int
	for p := range byPage {
		if !placed[p] {
			pages = append(pages, p)
		}
	}
	sort.Ints(pages)
	for _, p := range pages {
		out = append(out, imageRefLines(byPage[p])...)
	}

	return strings.Join(out, "\n")
}

func imageRefLines(group []ImageRecord) []string {
	var lines []string
	for _, img := range group {
		lines = append(lines, "", fmt.Sprintf("![%s](%s)", img.ImageID, filepathToSlash(img.Filename)))
	}
	return lines
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
