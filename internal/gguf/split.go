package gguf

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
)

// splitPattern matches the numbered part files produced by gguf-split:
// "<base>.gguf-00001-of-00003.gguf".
var splitPattern = regexp.MustCompile(`^(.+\.gguf)-(\d{5})-of-(\d{5})\.gguf$`)

// SplitName reports whether name is a part file and, if so, returns the base
// name (ending in .gguf), the 1-based part number and the total part count.
func SplitName(name string) (base string, part, total int, ok bool) {
	m := splitPattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, 0, false
	}
	part, _ = strconv.Atoi(m[2])
	total, _ = strconv.Atoi(m[3])
	if part < 1 || total < 1 || part > total {
		return "", 0, 0, false
	}
	return m[1], part, total, true
}

// PartName renders the filename of part n of total for base.
func PartName(base string, n, total int) string {
	return fmt.Sprintf("%s-%05d-of-%05d.gguf", base, n, total)
}

// PartNames lists every part filename of a split model, in order.
func PartNames(base string, total int) []string {
	out := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		out = append(out, PartName(base, i, total))
	}
	return out
}

// PartURLs expands the URL of part 00001 of a split model into the URLs of
// every part. Any other URL is returned alone.
func PartURLs(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return []string{rawURL}
	}
	dir, name := path.Split(u.Path)
	base, part, total, ok := SplitName(name)
	if !ok || part != 1 {
		return []string{rawURL}
	}
	out := make([]string, 0, total)
	for _, p := range PartNames(base, total) {
		c := *u
		c.Path = dir + p
		c.RawPath = ""
		out = append(out, c.String())
	}
	return out
}
