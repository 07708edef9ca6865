package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Task pairs one slide with its annotation file.
type Task struct {
	SlidePath      string `yaml:"slide" json:"slide"`
	AnnotationPath string `yaml:"annotations" json:"annotations"`
}

// PairDir builds tasks by matching slides to annotation files on
// basename: <slides-dir>/<name>[.ext] pairs with
// <annotations-dir>/<name>.json, compared case-insensitively. Slides
// without a matching annotation file are skipped; the caller decides
// whether an empty pairing is an error.
func PairDir(slidesDir, annotationsDir string) ([]Task, error) {
	annotations, err := annotationIndex(annotationsDir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(slidesDir)
	if err != nil {
		return nil, fmt.Errorf("reading slides dir: %w", err)
	}

	var tasks []Task
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		// Annotation exports living alongside the slides are not slides.
		if !e.IsDir() && strings.EqualFold(filepath.Ext(name), ".json") {
			continue
		}
		ann, ok := annotations[stemKey(name)]
		if !ok {
			continue
		}
		tasks = append(tasks, Task{
			SlidePath:      filepath.Join(slidesDir, name),
			AnnotationPath: ann,
		})
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].SlidePath < tasks[j].SlidePath })
	return tasks, nil
}

// annotationIndex maps lowercased basenames to annotation file paths.
func annotationIndex(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading annotations dir: %w", err)
	}

	index := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		index[stemKey(e.Name())] = filepath.Join(dir, e.Name())
	}
	return index, nil
}

// stemKey is the case-insensitive pairing key: basename without extension.
func stemKey(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
}
