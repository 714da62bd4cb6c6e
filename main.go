package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptrace"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// command line flags
type Flags struct {
	ReposPath      string
	CategoriesPath string
	OutputPath     string
	BranchList     []string
	RawURL         string
	NumWorkers     int
	Timeout        time.Duration
	LogLevel       slog.Level
}

type State struct {
	CWD         string
	GithubToken string
	Client      *http.Client
	Flags       Flags
}

func NewState() *State {
	return &State{}
}

type ResponseWrapper struct {
	*http.Response
	Content []byte
}

// -- globals

var STATE *State

// where README files are fetched from.
// "https://raw.githubusercontent.com/owner/repo/main/README.md"
var RAW_URL = "https://raw.githubusercontent.com"

// revisions to look for a README in, in order.
var DEFAULT_BRANCH_LIST = []string{"main", "master"}

// --- http

// client trace to log whether the request's underlying tcp connection was re-used
func trace_context(ctx context.Context) context.Context {
	client_tracer := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			slog.Debug("HTTP connection reuse", "reused", info.Reused, "remote", info.Conn.RemoteAddr())
		},
	}
	return httptrace.WithClientTrace(ctx, client_tracer)
}

// fetches `url`, returning the response and its body.
// a non-200 response is not an error, callers must inspect the status code.
func download(ctx context.Context, url string, headers map[string]string) (ResponseWrapper, error) {
	slog.Debug("HTTP GET", "url", url)
	empty_response := ResponseWrapper{}

	// ---

	req, err := http.NewRequestWithContext(trace_context(ctx), http.MethodGet, url, nil)
	if err != nil {
		return empty_response, fmt.Errorf("failed to create request: %w", err)
	}
	for header, header_val := range headers {
		req.Header.Set(header, header_val)
	}

	// ---

	client := STATE.Client
	resp, err := client.Do(req)
	if err != nil {
		return empty_response, fmt.Errorf("failed to fetch '%s': %w", url, err)
	}
	defer resp.Body.Close()

	// ---

	content_bytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty_response, fmt.Errorf("failed to read response body: %w", err)
	}

	return ResponseWrapper{
		Response: resp,
		Content:  content_bytes,
	}, nil
}

// just like `download` but adds an 'authorization' header to the request when a token is present.
func raw_download(ctx context.Context, url string) (ResponseWrapper, error) {
	headers := map[string]string{}
	if STATE.GithubToken != "" {
		headers["Authorization"] = "token " + STATE.GithubToken
	}
	return download(ctx, url, headers)
}

// decodes `content` using the charset declared in `content_type`, utf-8 if none given.
// bytes that can't be decoded become U+FFFD. a leading byte-order mark is removed.
func decode_content(content_type string, content []byte) string {
	charset := "utf-8"
	if content_type != "" {
		_, params, err := mime.ParseMediaType(content_type)
		if err == nil && params["charset"] != "" {
			charset = params["charset"]
		}
	}

	encoding, err := htmlindex.Get(charset)
	if err != nil {
		slog.Warn("unknown charset, assuming utf-8", "charset", charset)
		encoding, _ = htmlindex.Get("utf-8")
	}

	decoded, _, err := transform.Bytes(encoding.NewDecoder(), content)
	if err != nil {
		slog.Warn("failed to decode content, assuming utf-8", "charset", charset, "error", err)
		decoded = []byte(strings.ToValidUTF8(string(content), "\uFFFD"))
	}
	return strings.TrimPrefix(string(decoded), "\uFEFF")
}

// --- bootstrap

// resolves relative `path` against the working directory.
func abs_path(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(STATE.CWD, path)
}

func init_state() *State {
	state := NewState()

	// a missing .env file is fine.
	_ = godotenv.Load()

	log_level := "info"
	pflag.StringVar(&state.Flags.ReposPath, "repos", "repos.txt", "file of repository URLs, one per line")
	pflag.StringVar(&state.Flags.CategoriesPath, "categories", "data/categories.json", "category vocabulary")
	pflag.StringVar(&state.Flags.OutputPath, "out", "data/tools.json", "where to write the catalogue")
	pflag.StringSliceVar(&state.Flags.BranchList, "branch", DEFAULT_BRANCH_LIST, "revisions to look for a README in, in order")
	pflag.StringVar(&state.Flags.RawURL, "raw-url", RAW_URL, "raw content host")
	pflag.IntVar(&state.Flags.NumWorkers, "workers", 1, "number of repositories to process at once")
	pflag.DurationVar(&state.Flags.Timeout, "timeout", 30*time.Second, "timeout for each HTTP request")
	pflag.StringVar(&log_level, "log-level", log_level, "debug, info, warn or error")
	pflag.Parse()

	die(state.Flags.NumWorkers < 1, "--workers must be 1 or more")
	die(len(state.Flags.BranchList) == 0, "--branch must name at least one revision")
	err := state.Flags.LogLevel.UnmarshalText([]byte(log_level))
	die(err != nil, "unknown --log-level: "+log_level)

	RAW_URL = strings.TrimSuffix(state.Flags.RawURL, "/")

	token, present := os.LookupEnv("CATALOGUE_GITHUB_TOKEN")
	if present {
		state.GithubToken = strings.TrimSpace(token)
	}

	cwd, err := os.Getwd()
	die(err != nil, "failed to find the working directory")
	state.CWD = cwd

	state.Client = &http.Client{Timeout: state.Flags.Timeout}

	return state
}

func init() {
	if is_testing() {
		return
	}
	STATE = init_state()
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: STATE.Flags.LogLevel})))
}

func main() {
	flags := STATE.Flags

	repos_path := abs_path(flags.ReposPath)
	slog.Info("reading repository list", "path", repos_path)
	repo_list, err := read_repos(repos_path)
	if err != nil {
		slog.Error("failed to read repository list, continuing with none", "path", repos_path, "error", err)
		repo_list = []string{}
	}
	slog.Info("found repositories", "num", len(repo_list))

	category_index := load_categories(abs_path(flags.CategoriesPath))

	catalogue := build_catalogue(context.Background(), repo_list, category_index, flags.BranchList, flags.NumWorkers)

	output_path := abs_path(flags.OutputPath)
	err = write_catalogue(catalogue, output_path)
	if err != nil {
		slog.Error("failed to write catalogue", "path", output_path, "error", err)
		fatal()
	}
	slog.Info("catalogue written", "path", output_path, "tools", len(catalogue.Tools))
}
