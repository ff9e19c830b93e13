// Package loader resolves the text of a submitted document from a URL or an
// object key.
package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/menome/thelink/backend/pkg/apperr"
)

// Loaded is the text fetched for a document plus whatever metadata the
// source carried.
type Loaded struct {
	Text      string
	Title     string
	Publisher string
	URL       string
}

// TextLoader fetches the text behind one location. Implementations may load
// from the web, cloud storage, or other sources.
type TextLoader interface {
	LoadText(ctx context.Context, location string) (Loaded, error)
}

// Source names where a document's text lives. Exactly one field is set.
type Source struct {
	URL     string
	FileKey string
}

// Loader dispatches a Source to the matching TextLoader.
type Loader struct {
	web   TextLoader
	files TextLoader
}

// NewLoaderParams defines the loaders used per source kind. Either may be
// nil, in which case documents of that kind are rejected.
type NewLoaderParams struct {
	Web   TextLoader
	Files TextLoader
}

func NewLoader(params NewLoaderParams) *Loader {
	return &Loader{web: params.Web, files: params.Files}
}

var errNoLoader = errors.New("no loader configured")

// Load fetches and cleans the text of src. A source that yields no text is a
// validation error.
func (l *Loader) Load(ctx context.Context, src Source) (Loaded, error) {
	var (
		out Loaded
		err error
	)
	switch {
	case src.URL != "" && src.FileKey != "":
		return Loaded{}, apperr.Validation("loader.Load", "set either url or file_key, not both")
	case src.URL != "":
		if l.web == nil {
			return Loaded{}, apperr.Permanent("loader.Load", errNoLoader)
		}
		out, err = l.web.LoadText(ctx, src.URL)
		out.URL = src.URL
	case src.FileKey != "":
		if l.files == nil {
			return Loaded{}, apperr.Permanent("loader.Load", errNoLoader)
		}
		out, err = l.files.LoadText(ctx, src.FileKey)
	default:
		return Loaded{}, apperr.Validation("loader.Load", "no source given")
	}
	if err != nil {
		return Loaded{}, fmt.Errorf("load %s%s: %w", src.URL, src.FileKey, err)
	}

	out.Text = CleanText(out.Text)
	if out.Text == "" {
		return Loaded{}, apperr.Validation("loader.Load", "source %s%s has no text", src.URL, src.FileKey)
	}
	return out, nil
}

// CleanText normalises line endings, trims trailing spaces and collapses
// runs of blank lines to one.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t ")
		if strings.TrimSpace(line) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
