package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrReferenceUnrecognized = errors.New("unrecognized repository reference")
	ErrFetchNotFound         = errors.New("README not found")
	ErrFetchTransport        = errors.New("failed to fetch README")
	ErrNoCommentBlock        = errors.New("no comment block")
	ErrNoStructuredBlock     = errors.New("no structured block in comment")
	ErrDocumentParse         = errors.New("failed to parse structured block")
	ErrDocumentNotMapping    = errors.New("structured block is not a mapping")
	ErrEmptyId               = errors.New("tool has no id")
)

// an owner/name pair identifying a repository.
type RepoRef struct {
	Owner string
	Name  string
}

// "owner/name"
func (r RepoRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// "https://github.com/owner/name"
func (r RepoRef) RepoURL() string {
	return fmt.Sprintf("https://github.com/%s/%s", r.Owner, r.Name)
}

// "https://owner.github.io/name/"
func (r RepoRef) DemoURL() string {
	return fmt.Sprintf("https://%s.github.io/%s/", r.Owner, r.Name)
}

// key/values parsed from the structured block of a README.
type MetadataDocument map[string]any

// what we'll render out
type ToolEntry struct {
	Id            string   `json:"id"`
	Slug          string   `json:"slug"`
	Title         string   `json:"title"`
	SubtitleJa    string   `json:"subtitle_ja"`
	SubtitleEn    string   `json:"subtitle_en"`
	DescriptionJa string   `json:"description_ja"`
	DescriptionEn string   `json:"description_en"`
	CategoryJa    []string `json:"category_ja"`
	CategoryEn    []string `json:"category_en"`
	CategoryIds   []string `json:"category_ids"`
	Difficulty    int      `json:"difficulty"`
	Tags          []string `json:"tags"`
	RepoURL       string   `json:"repo_url"`
	DemoURL       string   `json:"demo_url"`
	Hub           bool     `json:"hub"`
}

const DEFAULT_DIFFICULTY = 1

// --- source list

// reads the list of repository references at `path`.
// blank lines and lines starting with '#' are skipped.
// a missing file is not an error, an empty list is returned.
func read_repos(path string) ([]string, error) {
	if !path_exists(path) {
		slog.Warn("repository list not found", "path", path)
		return []string{}, nil
	}

	line_list, err := slurp_lines(path)
	if err != nil {
		return []string{}, fmt.Errorf("failed to read repository list: %w", err)
	}

	repo_list := []string{}
	for _, line := range line_list {
		if strings.HasPrefix(line, "#") {
			continue
		}
		repo_list = append(repo_list, line)
	}
	return repo_list, nil
}

// --- repository references

var REPO_REF_PATTERN_LIST = []*regexp.Regexp{
	// "https://github.com/owner/name.git"
	regexp.MustCompile(`^https://[^/]+/(?P<owner>[^/]+)/(?P<name>[^/]+?)(?:\.git)?$`),
	// "git@github.com:owner/name.git"
	regexp.MustCompile(`^git@[^/:]+:(?P<owner>[^/]+)/(?P<name>[^/]+?)(?:\.git)?$`),
}

// parses a repository URL into an owner/name pair.
func parse_repo_ref(repo_url string) (RepoRef, error) {
	repo_url = strings.TrimSpace(repo_url)
	for _, pattern := range REPO_REF_PATTERN_LIST {
		matches := pattern.FindStringSubmatch(repo_url)
		if matches == nil {
			continue
		}
		owner := matches[pattern.SubexpIndex("owner")]
		name := matches[pattern.SubexpIndex("name")]
		return RepoRef{Owner: owner, Name: name}, nil
	}
	return RepoRef{}, fmt.Errorf("%w: %q", ErrReferenceUnrecognized, repo_url)
}

// --- fetching

// "https://raw.githubusercontent.com/owner/name/main/README.md"
func readme_url(ref RepoRef, branch string) string {
	return fmt.Sprintf("%s/%s/%s/%s/README.md", RAW_URL, ref.Owner, ref.Name, branch)
}

// fetches the README of `ref`, trying each revision in `branch_list` in order.
// an unsuccessful response moves on to the next revision,
// a transport error stops immediately as it will probably happen again.
func fetch_readme(ctx context.Context, ref RepoRef, branch_list []string) (string, error) {
	for _, branch := range branch_list {
		url := readme_url(ref, branch)
		resp, err := raw_download(ctx, url)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrFetchTransport, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			slog.Debug("no README at revision", "repo", ref.FullName(), "branch", branch, "status", resp.StatusCode)
			continue
		}

		return decode_content(resp.Header.Get("Content-Type"), resp.Content), nil
	}
	return "", fmt.Errorf("%w: tried %s", ErrFetchNotFound, strings.Join(branch_list, ", "))
}

// --- extraction

// first "<!-- ... -->", across lines.
var COMMENT_PATTERN = regexp.MustCompile(`(?s)<!--(.*?)-->`)

// first "--- ... ---" within the comment, across lines.
var STRUCTURED_BLOCK_PATTERN = regexp.MustCompile(`(?s)---(.*?)---`)

// the plain value of YAML `node`.
// null, bool, int and float scalars are decoded,
// every other scalar (dates and timestamps included) is kept as written.
func node_value(node *yaml.Node) any {
	switch node.Kind {
	case yaml.AliasNode:
		return node_value(node.Alias)
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!null":
			return nil
		case "!!bool", "!!int", "!!float":
			var val any
			err := node.Decode(&val)
			if err == nil {
				return val
			}
		}
		return node.Value
	case yaml.SequenceNode:
		val_list := []any{}
		for _, item := range node.Content {
			val_list = append(val_list, node_value(item))
		}
		return val_list
	case yaml.MappingNode:
		return mapping_value(node)
	}
	return nil
}

// YAML keys needn't be strings, ours are.
// a key given twice takes its last value.
func mapping_value(node *yaml.Node) map[string]any {
	m := map[string]any{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		key_str := key.Value
		if key.Kind != yaml.ScalarNode {
			key_str = fmt.Sprint(node_value(key))
		}
		m[key_str] = node_value(val)
	}
	return m
}

// pulls the YAML block out of the first HTML comment in `text`:
//
//	<!--
//	---
//	id: day102
//	---
//	-->
func extract_metadata(text string) (MetadataDocument, error) {
	comment_match := COMMENT_PATTERN.FindStringSubmatch(text)
	if comment_match == nil {
		return nil, ErrNoCommentBlock
	}

	block_match := STRUCTURED_BLOCK_PATTERN.FindStringSubmatch(comment_match[1])
	if block_match == nil {
		return nil, ErrNoStructuredBlock
	}

	var root yaml.Node
	err := yaml.Unmarshal([]byte(block_match[1]), &root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDocumentParse, err)
	}

	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrDocumentNotMapping)
	}
	top := root.Content[0]
	if top.Kind == yaml.AliasNode {
		top = top.Alias
	}
	if top.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: found %s", ErrDocumentNotMapping, top.ShortTag())
	}
	return MetadataDocument(mapping_value(top)), nil
}

// --- entry building

// returns `val` as a string when it is a scalar.
func scalar_string(val any) (string, bool) {
	switch v := val.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	}
	return "", false
}

func (doc MetadataDocument) get_string(key string) string {
	str, _ := scalar_string(doc[key])
	return str
}

// a sequence keeps its scalar items in order, a lone scalar becomes a list of one.
func (doc MetadataDocument) get_list(key string) []string {
	str_list := []string{}
	switch v := doc[key].(type) {
	case []any:
		for _, item := range v {
			str, ok := scalar_string(item)
			if ok {
				str_list = append(str_list, str)
			}
		}
	default:
		str, ok := scalar_string(v)
		if ok && str != "" {
			str_list = append(str_list, str)
		}
	}
	return str_list
}

// difficulty is a whole number of 1 or more, anything else is `DEFAULT_DIFFICULTY`.
func coerce_difficulty(val any) int {
	difficulty := 0
	switch v := val.(type) {
	case int:
		difficulty = v
	case int64:
		difficulty = int(v)
	case uint64:
		if v <= math.MaxInt32 {
			difficulty = int(v)
		}
	case float64:
		if !math.IsNaN(v) && !math.IsInf(v, 0) && v < math.MaxInt32 {
			difficulty = int(v)
		}
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			difficulty = i
		}
	}
	if difficulty < 1 {
		return DEFAULT_DIFFICULTY
	}
	return difficulty
}

// hub is true unless it is present and falsey.
func coerce_hub(doc MetadataDocument) bool {
	val, present := doc["hub"]
	if !present {
		return true
	}
	switch v := val.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v != 0
	case float64:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err == nil {
			return b
		}
		return v != ""
	}
	return true
}

// normalises a `MetadataDocument` into a `ToolEntry`, resolving category names to ids with `idx`.
// unknown category names are logged to `log` and otherwise ignored.
// the id is not checked here.
func build_tool_entry(doc MetadataDocument, idx *CategoryIndex, log *slog.Logger) ToolEntry {
	if log == nil {
		log = slog.Default()
	}

	category_ja := doc.get_list("category_ja")
	category_en := doc.get_list("category_en")

	ja_id_list, unknown_ja := idx.resolve(LANG_JA, category_ja)
	for _, name := range unknown_ja {
		log.Info("unknown category", "lang", LANG_JA, "name", name)
	}
	en_id_list, unknown_en := idx.resolve(LANG_EN, category_en)
	for _, name := range unknown_en {
		log.Info("unknown category", "lang", LANG_EN, "name", name)
	}

	category_ids := sorted_set(flatten(ja_id_list, en_id_list))

	return ToolEntry{
		Id:            doc.get_string("id"),
		Slug:          doc.get_string("slug"),
		Title:         doc.get_string("title"),
		SubtitleJa:    doc.get_string("subtitle_ja"),
		SubtitleEn:    doc.get_string("subtitle_en"),
		DescriptionJa: doc.get_string("description_ja"),
		DescriptionEn: doc.get_string("description_en"),
		CategoryJa:    category_ja,
		CategoryEn:    category_en,
		CategoryIds:   category_ids,
		Difficulty:    coerce_difficulty(doc["difficulty"]),
		Tags:          doc.get_list("tags"),
		RepoURL:       doc.get_string("repo_url"),
		DemoURL:       doc.get_string("demo_url"),
		Hub:           coerce_hub(doc),
	}
}
