package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/task"
)

// contextChars is the width of the textual context window requested from
// the extractor around each image, per spec.md §4.4 step 2.
const contextChars = 500

// Config carries the pipeline's filesystem root; everything else it
// needs is injected per call.
type Config struct {
	DataDir string
}

func (c Config) taskDir(id string) string   { return filepath.Join(c.DataDir, "tasks", id) }
func (c Config) inputDir(id string) string  { return filepath.Join(c.taskDir(id), "input") }
func (c Config) imagesDir(id string) string { return filepath.Join(c.taskDir(id), "images") }
func (c Config) markdownPath(id string) string {
	return filepath.Join(c.taskDir(id), id+".md")
}

// Convert runs C4 end to end for t: locate the input file, extract,
// persist images, insert page locators, place image references,
// optionally describe, write the Markdown file, and return output_files
// in the order the spec requires (<id>.md first, then sorted images/*).
//
// describer may be nil (vision unconfigured); per spec.md §4.4 step 6
// that is a warning, not a failure.
func Convert(ctx context.Context, log *slog.Logger, cfg Config, t *task.Task, extractor Extractor, describer Describer) ([]string, error) {
	pdfPath, err := locateInput(cfg.inputDir(t.TaskID))
	if err != nil {
		return nil, fmt.Errorf("UNSUPPORTED_FORMAT: %w", err)
	}

	imagesDir := cfg.imagesDir(t.TaskID)
	markdown, totalPages, images, err := extractor.Extract(ctx, pdfPath, imagesDir, contextChars)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	if err := persistImages(log, imagesDir, images); err != nil {
		return nil, fmt.Errorf("persist images: %w", err)
	}

	markdown = insertPageLocators(markdown, totalPages)
	markdown = placeImages(markdown, images)

	if t.DescribeImages {
		if describer == nil {
			log.Warn("describe_images requested but no vision client configured", "task_id", t.TaskID)
		} else {
			markdown, err = describer.Describe(ctx, t.TaskID, markdown, images, imagesDir)
			if err != nil {
				return nil, fmt.Errorf("describe images: %w", err)
			}
		}
	}

	if err := os.WriteFile(cfg.markdownPath(t.TaskID), []byte(markdown), 0o644); err != nil {
		return nil, fmt.Errorf("write markdown: %w", err)
	}

	return buildOutputFiles(t.TaskID, imagesDir)
}

func locateInput(inputDir string) (string, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return "", fmt.Errorf("read input dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(e.Name())) != ".pdf" {
			continue
		}
		return filepath.Join(inputDir, e.Name()), nil
	}
	return "", fmt.Errorf("no .pdf file found in %s", inputDir)
}

// buildOutputFiles returns [<id>.md] followed by every images/* entry in
// sorted order, all relative to the task directory, per spec.md §4.4
// step 8 and property P4.
func buildOutputFiles(taskID, imagesDir string) ([]string, error) {
	outputs := []string{taskID + ".md"}

	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return outputs, nil
		}
		return nil, fmt.Errorf("list images dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		outputs = append(outputs, filepath.Join("images", name))
	}
	return outputs, nil
}
