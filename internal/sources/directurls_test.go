package sources

import "testing"

func TestDirectURLsEmitsCuratedList(t *testing.T) {
	t.Parallel()

	items := collectItems(t, &DirectURLs{}, &Env{})
	if len(items) != 8 {
		t.Fatalf("emitted %d items, want 8", len(items))
	}

	seen := make(map[string]bool)
	for _, it := range items {
		if it.URL == "" || it.SourceID == "" || it.Filename == "" || it.Title == "" {
			t.Errorf("incomplete item: %+v", it)
		}
		if seen[it.URL] {
			t.Errorf("duplicate URL %q", it.URL)
		}
		seen[it.URL] = true
	}

	if got := items[0].URL; got != "https://www.justice.gov/usao-sdny/press-release/file/1180481/download" {
		t.Errorf("first URL = %q", got)
	}
	if got := items[0].SourceID; got != "sdny-indictment" {
		t.Errorf("first source id = %q", got)
	}
}
