// Package sitemap renders the published places as sitemap XML and uploads it
// to an S3-compatible bucket.
package sitemap

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/vietddude/placepipe/internal/core/domain"
)

// MaxURLsPerFile is the sitemap protocol limit.
const MaxURLsPerFile = 50000

const xmlns = "http://www.sitemaps.org/schemas/sitemap/0.9"

type urlSet struct {
	XMLName xml.Name `xml:"urlset"`
	Xmlns   string   `xml:"xmlns,attr"`
	URLs    []urlEntry `xml:"url"`
}

type urlEntry struct {
	XMLName xml.Name `xml:"url"`
	Loc     string   `xml:"loc"`
	LastMod string   `xml:"lastmod,omitempty"`
}

type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Xmlns    string   `xml:"xmlns,attr"`
	Sitemaps []indexEntry `xml:"sitemap"`
}

type indexEntry struct {
	XMLName xml.Name `xml:"sitemap"`
	Loc     string   `xml:"loc"`
	LastMod string   `xml:"lastmod,omitempty"`
}

// PlaceURL is the public URL of a published place.
func PlaceURL(siteURL, slug string) string {
	return strings.TrimRight(siteURL, "/") + "/places/" + url.PathEscape(slug)
}

// File is one rendered sitemap object.
type File struct {
	Name string
	Body []byte
}

// Build renders entries. Up to MaxURLsPerFile entries produce a single
// sitemap.xml; more produce numbered parts plus a sitemap.xml index.
func Build(siteURL string, entries []domain.SitemapEntry, now time.Time) ([]File, error) {
	if len(entries) <= MaxURLsPerFile {
		body, err := renderURLSet(siteURL, entries)
		if err != nil {
			return nil, err
		}
		return []File{{Name: "sitemap.xml", Body: body}}, nil
	}

	var files []File
	index := sitemapIndex{Xmlns: xmlns}
	for part, start := 1, 0; start < len(entries); part, start = part+1, start+MaxURLsPerFile {
		chunk := entries[start:min(start+MaxURLsPerFile, len(entries))]
		body, err := renderURLSet(siteURL, chunk)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("sitemap-%d.xml", part)
		files = append(files, File{Name: name, Body: body})
		index.Sitemaps = append(index.Sitemaps, indexEntry{
			Loc:     strings.TrimRight(siteURL, "/") + "/" + name,
			LastMod: now.UTC().Format(time.RFC3339),
		})
	}

	body, err := marshal(index)
	if err != nil {
		return nil, err
	}
	return append(files, File{Name: "sitemap.xml", Body: body}), nil
}

func renderURLSet(siteURL string, entries []domain.SitemapEntry) ([]byte, error) {
	set := urlSet{Xmlns: xmlns, URLs: make([]urlEntry, 0, len(entries))}
	for _, e := range entries {
		entry := urlEntry{Loc: PlaceURL(siteURL, e.Slug)}
		if !e.PublishedAt.IsZero() {
			entry.LastMod = e.PublishedAt.UTC().Format("2006-01-02")
		}
		set.URLs = append(set.URLs, entry)
	}
	return marshal(set)
}

func marshal(v any) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render sitemap: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
