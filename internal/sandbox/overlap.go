package sandbox

import (
	"regexp"
	"strings"

	"github.com/buildstream-go/bst/internal/bsterrors"
)

// globToRegexPart translates one overlap-whitelist glob into the regex
// fragment of §4.F: `*` -> `[^/]*`, `**` -> `.*`, `?` -> `[^/]`,
// character classes preserved verbatim, and a leading `/` required
// since whitelist entries name absolute in-sandbox paths.
func globToRegexPart(glob string) (string, error) {
	if !strings.HasPrefix(glob, "/") {
		return "", bsterrors.New(bsterrors.DomainElement, bsterrors.ReasonOverlapError, "overlap-whitelist entry must be absolute: "+glob)
	}
	var b strings.Builder
	for i := 0; i < len(glob); {
		c := glob[i]
		switch {
		case c == '*' && i+1 < len(glob) && glob[i+1] == '*':
			b.WriteString(".*")
			i += 2
		case c == '*':
			b.WriteString("[^/]*")
			i++
		case c == '?':
			b.WriteString("[^/]")
			i++
		case c == '[':
			end := strings.IndexByte(glob[i:], ']')
			if end < 0 {
				b.WriteString(regexp.QuoteMeta(string(c)))
				i++
				continue
			}
			b.WriteString(glob[i : i+end+1])
			i += end + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	return b.String(), nil
}

// CompileWhitelist builds one regex matching any of globs, anchored at
// both ends. A nil regex (no error) means an empty whitelist.
func CompileWhitelist(globs []string) (*regexp.Regexp, error) {
	if len(globs) == 0 {
		return nil, nil
	}
	parts := make([]string, 0, len(globs))
	for _, g := range globs {
		part, err := globToRegexPart(g)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	return regexp.Compile("^(?:" + strings.Join(parts, "|") + ")$")
}
