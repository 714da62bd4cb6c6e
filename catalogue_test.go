package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// points README fetches at a local server for the duration of the test.
func fake_raw_host(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	orig_state, orig_raw_url := STATE, RAW_URL
	STATE = &State{Client: server.Client()}
	RAW_URL = server.URL
	t.Cleanup(func() {
		server.Close()
		STATE, RAW_URL = orig_state, orig_raw_url
	})
	return server
}

// --- source list

func Test_read_repos(t *testing.T) {
	content := "\xef\xbb\xbf" + `# tools
https://github.com/ipusiron/qrcrashtest

   # indented comment
git@github.com:ipusiron/dnsleaktest.git` + "\r\n" + `
	https://github.com/ipusiron/day3
`
	path := write_file(t, "repos.txt", content)
	repo_list, err := read_repos(path)
	require.Nil(t, err)
	expected := []string{
		"https://github.com/ipusiron/qrcrashtest",
		"git@github.com:ipusiron/dnsleaktest.git",
		"https://github.com/ipusiron/day3",
	}
	assert.Equal(t, expected, repo_list)
}

func Test_read_repos__only_comments(t *testing.T) {
	path := write_file(t, "repos.txt", "# nothing here\n\n   \n#https://github.com/a/b\n")
	repo_list, err := read_repos(path)
	require.Nil(t, err)
	assert.Equal(t, []string{}, repo_list)
}

func Test_read_repos__missing(t *testing.T) {
	repo_list, err := read_repos(filepath.Join(t.TempDir(), "repos.txt"))
	assert.Nil(t, err)
	assert.Equal(t, []string{}, repo_list)
}

// --- extraction

func Test_extract_metadata(t *testing.T) {
	doc, err := extract_metadata("<!-- --- key: value --- -->")
	require.Nil(t, err)
	assert.Equal(t, MetadataDocument{"key": "value"}, doc)
}

func Test_extract_metadata__readme(t *testing.T) {
	readme := `<!--
---
id: day102
slug: qrcrashtest
title: "QRCrashTest"
category_ja:
  - ネットワーク
tags: [qr, fuzzing]
difficulty: 3
hub: true
---
-->

# QRCrashTest

<!-- a later comment is ignored --- id: other --- -->
`
	doc, err := extract_metadata(readme)
	require.Nil(t, err)
	expected := MetadataDocument{
		"id":          "day102",
		"slug":        "qrcrashtest",
		"title":       "QRCrashTest",
		"category_ja": []any{"ネットワーク"},
		"tags":        []any{"qr", "fuzzing"},
		"difficulty":  3,
		"hub":         true,
	}
	assert.Equal(t, expected, doc)
}

func Test_extract_metadata__non_string_keys(t *testing.T) {
	doc, err := extract_metadata("<!--\n---\n1: one\ntrue: yes\nid: x\n---\n-->")
	require.Nil(t, err)
	assert.Equal(t, "one", doc["1"])
	assert.Equal(t, "x", doc["id"])
}

// values that look like dates are kept as the text that was written.
func Test_extract_metadata__dates(t *testing.T) {
	readme := `<!--
---
id: 2024-01-01
title: 2024-01-01T10:00:00Z
tags: [2024-01-01, fuzzing]
released: &released 2024-02-29
updated: *released
quoted: "2024-01-01"
---
-->`
	doc, err := extract_metadata(readme)
	require.Nil(t, err)
	expected := MetadataDocument{
		"id":       "2024-01-01",
		"title":    "2024-01-01T10:00:00Z",
		"tags":     []any{"2024-01-01", "fuzzing"},
		"released": "2024-02-29",
		"updated":  "2024-02-29",
		"quoted":   "2024-01-01",
	}
	assert.Equal(t, expected, doc)
}

func Test_extract_metadata__scalar_types(t *testing.T) {
	doc, err := extract_metadata("<!--\n---\na: ~\nb: null\nc: 3\nd: 2.5\ne: false\nf: yes\nh: {x: 2024-01-01}\n---\n-->")
	require.Nil(t, err)
	expected := MetadataDocument{
		"a": nil,
		"b": nil,
		"c": 3,
		"d": 2.5,
		"e": false,
		"f": "yes",
		"h": map[string]any{"x": "2024-01-01"},
	}
	assert.Equal(t, expected, doc)
}

// the last value of a repeated key is used.
func Test_extract_metadata__repeated_key(t *testing.T) {
	doc, err := extract_metadata("<!--\n---\nid: first\nid: second\n---\n-->")
	require.Nil(t, err)
	assert.Equal(t, MetadataDocument{"id": "second"}, doc)
}

func Test_extract_metadata__failures(t *testing.T) {
	cases := map[string]error{
		"":                                    ErrNoCommentBlock,
		"# README\n\nno comments at all":      ErrNoCommentBlock,
		"<!-- unterminated comment":           ErrNoCommentBlock,
		"<!-- just a comment -->":             ErrNoStructuredBlock,
		"<!-- --- only one marker -->":        ErrNoStructuredBlock,
		"--- id: x --- <!-- comment -->":      ErrNoStructuredBlock, // block must be inside the comment
		"<!-- a -->\n<!-- --- id: x --- -->":  ErrNoStructuredBlock, // only the first comment is considered
		"<!--\n---\nkey: [unclosed\n---\n-->": ErrDocumentParse,
		"<!--\n---\n- a\n- b\n---\n-->":       ErrDocumentNotMapping,
		"<!-- --- just a scalar --- -->":      ErrDocumentNotMapping,
		"<!-- ------ -->":                     ErrDocumentNotMapping, // empty document
	}
	for given, expected := range cases {
		_, err := extract_metadata(given)
		assert.True(t, errors.Is(err, expected), "%q: expected %v got %v", given, expected, err)
	}
}

// --- fetching

func Test_fetch_readme(t *testing.T) {
	var mu sync.Mutex
	requested := []string{}
	fake_raw_host(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requested = append(requested, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/ipusiron/qrcrashtest/master/README.md" {
			w.Write([]byte("# hello"))
			return
		}
		http.NotFound(w, r)
	}))

	text, err := fetch_readme(context.Background(), RepoRef{"ipusiron", "qrcrashtest"}, DEFAULT_BRANCH_LIST)
	require.Nil(t, err)
	assert.Equal(t, "# hello", text)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/ipusiron/qrcrashtest/main/README.md", "/ipusiron/qrcrashtest/master/README.md"}, requested)
}

func Test_fetch_readme__first_revision_wins(t *testing.T) {
	fake_raw_host(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))
	text, err := fetch_readme(context.Background(), RepoRef{"a", "b"}, []string{"dev", "main"})
	require.Nil(t, err)
	assert.Equal(t, "/a/b/dev/README.md", text)
}

func Test_fetch_readme__not_found(t *testing.T) {
	var num_requests atomic.Int32
	fake_raw_host(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		num_requests.Add(1)
		if r.URL.Path == "/a/b/main/README.md" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
	}))

	_, err := fetch_readme(context.Background(), RepoRef{"a", "b"}, DEFAULT_BRANCH_LIST)
	assert.True(t, errors.Is(err, ErrFetchNotFound), err)
	assert.Equal(t, int32(2), num_requests.Load())
}

func Test_fetch_readme__transport_error(t *testing.T) {
	var num_requests atomic.Int32
	fake_raw_host(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		num_requests.Add(1)
		// drop the connection without responding
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))

	_, err := fetch_readme(context.Background(), RepoRef{"a", "b"}, DEFAULT_BRANCH_LIST)
	assert.True(t, errors.Is(err, ErrFetchTransport), err)
	assert.False(t, errors.Is(err, ErrFetchNotFound))
	assert.Equal(t, int32(1), num_requests.Load(), "remaining revisions are not tried")
}

func Test_fetch_readme__charset(t *testing.T) {
	fake_raw_host(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=Shift_JIS")
		w.Write([]byte("\x93\xfa\x96\x7b"))
	}))
	text, err := fetch_readme(context.Background(), RepoRef{"a", "b"}, DEFAULT_BRANCH_LIST)
	require.Nil(t, err)
	assert.Equal(t, "日本", text)
}

func Test_fetch_readme__token(t *testing.T) {
	header_list := make(chan string, 2)
	fake_raw_host(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header_list <- r.Header.Get("Authorization")
		w.Write([]byte("ok"))
	}))

	_, err := fetch_readme(context.Background(), RepoRef{"a", "b"}, DEFAULT_BRANCH_LIST)
	require.Nil(t, err)
	assert.Equal(t, "", <-header_list)

	STATE.GithubToken = "s3cret"
	_, err = fetch_readme(context.Background(), RepoRef{"a", "b"}, DEFAULT_BRANCH_LIST)
	require.Nil(t, err)
	assert.Equal(t, "token s3cret", <-header_list)
}

// --- entry building

func Test_build_tool_entry(t *testing.T) {
	readme := `<!--
---
id: day102
slug: qrcrashtest
title: "QRCrashTest"
subtitle_ja: "QRコード"
subtitle_en: "QR codes"
description_ja: "説明"
description_en: "description"
category_ja: [ネットワーク, 暗号化, 謎]
category_en: [Crypto, Web]
difficulty: "3"
tags: [qr]
repo_url: https://github.com/ipusiron/qrcrashtest
demo_url: https://ipusiron.github.io/qrcrashtest/
hub: false
---
-->`
	doc, err := extract_metadata(readme)
	require.Nil(t, err)

	expected := ToolEntry{
		Id:            "day102",
		Slug:          "qrcrashtest",
		Title:         "QRCrashTest",
		SubtitleJa:    "QRコード",
		SubtitleEn:    "QR codes",
		DescriptionJa: "説明",
		DescriptionEn: "description",
		CategoryJa:    []string{"ネットワーク", "暗号化", "謎"},
		CategoryEn:    []string{"Crypto", "Web"},
		CategoryIds:   []string{"crypto", "network", "web"},
		Difficulty:    3,
		Tags:          []string{"qr"},
		RepoURL:       "https://github.com/ipusiron/qrcrashtest",
		DemoURL:       "https://ipusiron.github.io/qrcrashtest/",
		Hub:           false,
	}
	actual := build_tool_entry(doc, build_category_index(test_category_list), nil)
	assert.Equal(t, expected, actual)
}

func Test_build_tool_entry__defaults(t *testing.T) {
	expected := ToolEntry{
		CategoryJa:  []string{},
		CategoryEn:  []string{},
		CategoryIds: []string{},
		Difficulty:  1,
		Tags:        []string{},
		Hub:         true,
	}
	actual := build_tool_entry(MetadataDocument{}, build_category_index(nil), nil)
	assert.Equal(t, expected, actual)
}

func Test_build_tool_entry__scalars(t *testing.T) {
	doc := MetadataDocument{
		"id":          102,
		"title":       nil,
		"slug":        []any{"not", "a", "scalar"},
		"tags":        "single",
		"category_en": []any{"Web", nil, map[string]any{"x": 1}},
	}
	entry := build_tool_entry(doc, build_category_index(test_category_list), nil)
	assert.Equal(t, "102", entry.Id)
	assert.Equal(t, "", entry.Title)
	assert.Equal(t, "", entry.Slug)
	assert.Equal(t, []string{"single"}, entry.Tags)
	assert.Equal(t, []string{"Web"}, entry.CategoryEn)
	assert.Equal(t, []string{"web"}, entry.CategoryIds)
}

// a tool whose id looks like a date keeps it and is not dropped.
func Test_build_tool_entry__dates(t *testing.T) {
	doc, err := extract_metadata("<!--\n---\nid: 2024-01-01\ntitle: 2024-01-01T10:00:00Z\ndescription_en: 2024-01-01\ntags: [2024-01-01]\n---\n-->")
	require.Nil(t, err)

	entry := build_tool_entry(doc, build_category_index(nil), nil)
	assert.Equal(t, "2024-01-01", entry.Id)
	assert.Equal(t, "2024-01-01T10:00:00Z", entry.Title)
	assert.Equal(t, "2024-01-01", entry.DescriptionEn)
	assert.Equal(t, []string{"2024-01-01"}, entry.Tags)
}

func Test_coerce_difficulty(t *testing.T) {
	cases := map[any]int{
		nil:       1,
		3:         3,
		int64(7):  7,
		uint64(4): 4,
		2.7:       2,
		"4":       4,
		" 5 ":     5,
		"2.5":     1,
		"hard":    1,
		0:         1,
		-2:        1,
		true:      1,
		1e300:     1,
		"":        1,
	}
	for given, expected := range cases {
		assert.Equal(t, expected, coerce_difficulty(given), given)
	}
}

func Test_coerce_hub(t *testing.T) {
	assert.True(t, coerce_hub(MetadataDocument{}), "absent")

	cases := map[any]bool{
		true:    true,
		false:   false,
		nil:     false,
		"false": false,
		"False": false,
		"no":    false,
		"off":   false,
		"":      false,
		"true":  true,
		"yes":   true,
		"maybe": true,
		0:       false,
		1:       true,
		2.5:     true,
	}
	for given, expected := range cases {
		assert.Equal(t, expected, coerce_hub(MetadataDocument{"hub": given}), given)
	}
}
