package flow

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	andSeparator  = regexp.MustCompile(`(?i)(?:^|\s+)and\s+`)
	emailPattern  = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)
	walletPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	claimPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,18}[a-z0-9]$`)
	handlePattern = regexp.MustCompile(`^[A-Za-z0-9_]{5,32}$`)
)

// ParseSelection maps a multi-select answer onto canonical labels.
//
// The grammar is `<comma/space separated numbers> [and <free text>]`. Numbers
// are looked up in opts and unknown numbers are dropped. Text after "and" is
// kept verbatim as one extra label. A head that is not purely numeric is
// matched against option labels and otherwise kept as a single label.
func ParseSelection(opts []Option, input string) []string {
	input = strings.TrimSpace(input)
	head, tail := input, ""
	if loc := andSeparator.FindStringIndex(input); loc != nil {
		head = input[:loc[0]]
		tail = strings.TrimSpace(input[loc[1]:])
	}

	var labels []string
	tokens := strings.FieldsFunc(head, func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})
	if allNumeric(tokens) {
		for _, tok := range tokens {
			n, _ := strconv.Atoi(tok)
			for _, o := range opts {
				if o.ID == n {
					labels = append(labels, o.Label)
					break
				}
			}
		}
	} else if h := strings.TrimSpace(head); h != "" {
		label := h
		for _, o := range opts {
			if fold(o.Label) == fold(h) {
				label = o.Label
				break
			}
		}
		labels = append(labels, label)
	}
	if tail != "" {
		labels = append(labels, tail)
	}
	return dedupe(labels)
}

func allNumeric(tokens []string) bool {
	for _, tok := range tokens {
		if _, err := strconv.Atoi(tok); err != nil {
			return false
		}
	}
	return true
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		k := fold(s)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

// splitList splits a free-text list on commas, semicolons and newlines.
func splitList(input string) []string {
	parts := strings.FieldsFunc(input, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return dedupe(out)
}

// splitLinks splits social links on commas and whitespace.
func splitLinks(input string) []string {
	return dedupe(strings.FieldsFunc(input, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	}))
}

func normalizeEmail(input string) (string, bool) {
	addr := strings.ToLower(strings.TrimSpace(input))
	if !emailPattern.MatchString(addr) {
		return "", false
	}
	return addr, true
}

func normalizeWallet(input string) (string, bool) {
	addr := strings.TrimSpace(input)
	if !walletPattern.MatchString(addr) {
		return "", false
	}
	return strings.ToLower(addr), true
}

func normalizeClaimedName(input string) (string, bool) {
	name := strings.ToLower(strings.TrimSpace(input))
	name = strings.TrimSuffix(name, ".siu")
	if !claimPattern.MatchString(name) {
		return "", false
	}
	return name, true
}

func normalizeHandle(input string) (string, bool) {
	handle := strings.TrimPrefix(strings.TrimSpace(input), "@")
	if !handlePattern.MatchString(handle) {
		return "", false
	}
	return handle, true
}

func normalizeName(input string) string {
	name := strings.Join(strings.Fields(input), " ")
	if r := []rune(name); len(r) > 80 {
		name = string(r[:80])
	}
	return name
}
