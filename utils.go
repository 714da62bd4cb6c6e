// general purpose utilities
package main

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"testing"
)

// cannot continue, exit immediately without a stacktrace.
// just use `panic` if you do need a stracktrace.
func fatal() {
	fmt.Fprintf(os.Stderr, "cannot continue, ") // "cannot continue, exit status 1"
	os.Exit(1)
}

// when `b` is true, log error `msg` and die quietly.
func die(b bool, msg string) {
	if b {
		slog.Error(msg)
		fatal()
	}
}

// assert `b` is true, otherwise panic with message `msg`.
func ensure(b bool, msg string) {
	if !b {
		panic(msg)
	}
}

// returns `true` if tests are being run.
func is_testing() bool {
	return testing.Testing()
}

// returns the distinct items in `list` in ascending order.
// never nil.
func sorted_set[T cmp.Ordered](list []T) []T {
	result := slices.Clone(list)
	if result == nil {
		return []T{}
	}
	slices.Sort(result)
	return slices.Compact(result)
}

// takes N lists of things `T` and returns a single list of them.
func flatten[T any](tll ...[]T) []T {
	final_tl := []T{}
	for _, tl := range tll {
		final_tl = append(final_tl, tl...)
	}
	return final_tl
}

func path_exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}

// drops a leading utf-8 byte-order mark from `b`.
func elide_bom(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte("\uFEFF"))
}

// reads the file at `path` minus any byte-order mark.
func slurp_bytes(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return elide_bom(data), nil
}

// reads the file at `path` as a list of lines stripped of surrounding whitespace.
// blank lines are dropped, "\r\n" endings are fine.
func slurp_lines(path string) ([]string, error) {
	data, err := slurp_bytes(path)
	if err != nil {
		return nil, err
	}
	line_list := []string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			line_list = append(line_list, line)
		}
	}
	return line_list, nil
}
