package blobstore

import (
	"context"
	"fmt"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"photovault/internal/models"
)

// Finder is the lookup surface the legacy resolver needs.
type Finder interface {
	Find(ctx context.Context, q Query, bucket string) ([]models.ObjectInfo, error)
}

// LegacyResolver maps references that predate object ids (bare filenames,
// old upload paths, filename patterns) to stored objects. It scans the bucket
// and must stay off the hot read path.
type LegacyResolver struct {
	finder Finder
}

// NewLegacyResolver creates a resolver over finder.
func NewLegacyResolver(finder Finder) *LegacyResolver {
	return &LegacyResolver{finder: finder}
}

// Resolve tries, in order, an exact case-insensitive filename match, a glob
// match and a normalized-name match. The newest object wins each stage.
func (l *LegacyResolver) Resolve(ctx context.Context, ref, bucket string) (models.ObjectInfo, error) {
	name := legacyBaseName(ref)
	if name == "" {
		return models.ObjectInfo{}, fmt.Errorf("%w: empty reference", models.ErrInvalidArgument)
	}

	candidates, err := l.finder.Find(ctx, Query{Filename: name, Limit: -1}, bucket)
	if err != nil {
		return models.ObjectInfo{}, err
	}
	for _, obj := range candidates {
		if strings.EqualFold(obj.Filename, name) {
			return obj, nil
		}
	}

	if strings.ContainsAny(name, "*?[{") {
		matches, err := l.finder.Find(ctx, Query{Pattern: name, Limit: 1}, bucket)
		if err != nil {
			return models.ObjectInfo{}, err
		}
		if len(matches) > 0 {
			return matches[0], nil
		}
	}

	want := normalizeName(name)
	if want != "" {
		all, err := l.finder.Find(ctx, Query{Limit: -1}, bucket)
		if err != nil {
			return models.ObjectInfo{}, err
		}
		for _, obj := range all {
			if normalizeName(obj.Filename) == want {
				return obj, nil
			}
		}
	}

	return models.ObjectInfo{}, fmt.Errorf("%w: no object matches reference %q", models.ErrNotFound, ref)
}

// foldCase applies full Unicode case folding, so "DÄCH" and "däch" compare
// equal.
func foldCase(s string) string {
	folded, _, err := transform.String(cases.Fold(), s)
	if err != nil {
		return strings.ToLower(s)
	}
	return folded
}

// normalizeName case-folds, strips diacritics and collapses separator runs.
func normalizeName(name string) string {
	// Transformers carry state, so the chain is built per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = strings.ToLower(name)
	}

	var b strings.Builder
	pendingSep := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// legacyBaseName strips query strings and directory prefixes from old upload
// paths such as "/uploads/photos/roof.jpg?v=2".
func legacyBaseName(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.IndexByte(ref, '#'); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.IndexByte(ref, '?'); i >= 0 && strings.Contains(ref[i:], "=") {
		ref = ref[:i]
	}
	ref = strings.ReplaceAll(ref, "\\", "/")
	base := path.Base(ref)
	if base == "." || base == "/" {
		return ""
	}
	return base
}
