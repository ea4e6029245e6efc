package framework

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Assertions provides fixture archive assertion helpers
type Assertions struct {
	t TestingT
}

// NewAssertions creates a new Assertions instance
func NewAssertions(t TestingT) *Assertions {
	return &Assertions{t: t}
}

// ArchiveDocuments reads every document a StubNode persisted into the data
// directory archived at path, grouped by index.
func (a *Assertions) ArchiveDocuments(path string) map[string][]map[string]interface{} {
	a.t.Helper()

	zr, err := zip.OpenReader(path)
	if err != nil {
		a.t.Fatalf("Failed to open archive %s: %v", path, err)
	}
	defer zr.Close()

	docs := map[string][]map[string]interface{}{}
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "data/") {
			a.t.Fatalf("Archive entry %s is not under data/", f.Name)
		}
		if !strings.HasSuffix(f.Name, ".json") {
			continue
		}
		parts := strings.Split(f.Name, "/")
		index := parts[len(parts)-2]

		rc, err := f.Open()
		if err != nil {
			a.t.Fatalf("Failed to open entry %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			a.t.Fatalf("Failed to read entry %s: %v", f.Name, err)
		}

		var doc StoredDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			a.t.Fatalf("Entry %s is not a stored document: %v", f.Name, err)
		}
		docs[index] = append(docs[index], doc.Source)
	}
	return docs
}

// DefaultFixture asserts the archive at path holds the built-in fixture:
// index1 and index2 with one full "foo" document and one title-only
// document each, index3 with a single title-only document.
func (a *Assertions) DefaultFixture(path string) {
	a.t.Helper()

	docs := a.ArchiveDocuments(path)
	for _, index := range []string{"index1", "index2"} {
		if len(docs[index]) != 2 {
			a.t.Fatalf("Index %s has %d documents, expected 2", index, len(docs[index]))
		}
		full, titleOnly := 0, 0
		for _, d := range docs[index] {
			switch {
			case len(d) == 3 && d["title"] == "foo" && d["body"] != nil && d["secured_body"] != nil:
				full++
			case len(d) == 1 && d["title"] != nil:
				titleOnly++
			}
		}
		if full != 1 || titleOnly != 1 {
			a.t.Errorf("Index %s has %d full and %d title-only documents, expected 1 of each", index, full, titleOnly)
		}
	}

	if len(docs["index3"]) != 1 {
		a.t.Fatalf("Index index3 has %d documents, expected 1", len(docs["index3"]))
	}
	if d := docs["index3"][0]; len(d) != 1 || d["title"] == nil {
		a.t.Errorf("Document in index3 should only have a title, got %v", d)
	}
}
