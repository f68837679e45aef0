package threading

import (
	"strings"
	"unicode"

	"github.com/emersion/go-message/mail"
)

// NormalizeMessageID extracts the first <local@domain> token from a raw
// header value. A bare local@domain value gets its brackets synthesized.
// Anything else is rejected.
func NormalizeMessageID(raw string) (string, bool) {
	s := strings.TrimFunc(raw, isSpaceOrControl)
	if s == "" {
		return "", false
	}

	if start := strings.IndexByte(s, '<'); start >= 0 {
		end := strings.IndexByte(s[start+1:], '>')
		if end < 0 {
			return "", false
		}
		s = s[start+1 : start+1+end]
	} else if strings.IndexByte(s, '>') >= 0 {
		return "", false
	}

	s = strings.TrimFunc(s, isSpaceOrControl)
	if !validAddrSpec(s) {
		return "", false
	}
	return "<" + s + ">", true
}

// ParseReferences splits a References (or multi-valued In-Reply-To) header
// into normalized message IDs, oldest first. Malformed tokens are dropped
// and repeated IDs keep their first position.
func ParseReferences(raw string) []string {
	var tokens []string
	if strings.IndexByte(raw, '<') >= 0 {
		rest := raw
		for {
			start := strings.IndexByte(rest, '<')
			if start < 0 {
				break
			}
			end := strings.IndexByte(rest[start:], '>')
			if end < 0 {
				break
			}
			tokens = append(tokens, rest[start:start+end+1])
			rest = rest[start+end+1:]
		}
	} else {
		tokens = strings.FieldsFunc(raw, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})
	}
	return normalizeList(tokens)
}

// NormalizeReferences validates an already split reference list.
func NormalizeReferences(refs []string) []string {
	return normalizeList(refs)
}

func normalizeList(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		id, ok := NormalizeMessageID(tok)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func validAddrSpec(s string) bool {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return false
	}
	for _, r := range s {
		if r == '<' || r == '>' || isSpaceOrControl(r) {
			return false
		}
	}
	return true
}

func isSpaceOrControl(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsControl(r)
}

// SenderAddress reduces a formatted sender ("Name <addr>" or a bare
// address) to its lowercased address, so one person counts once per thread
// whatever display name they used. Unparseable values fall back to the
// text between the last angle brackets, or the whole value.
func SenderAddress(sender string) string {
	s := strings.TrimFunc(sender, isSpaceOrControl)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil && addr.Address != "" {
		return strings.ToLower(addr.Address)
	}
	if start := strings.LastIndexByte(s, '<'); start >= 0 {
		if end := strings.IndexByte(s[start:], '>'); end > 1 {
			if inner := strings.TrimSpace(s[start+1 : start+end]); inner != "" {
				return strings.ToLower(inner)
			}
		}
	}
	return strings.ToLower(s)
}
