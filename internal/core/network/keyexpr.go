package network

import (
	"fmt"
	"strings"
)

// Key expressions are '/'-separated chunks. "*" matches exactly one chunk,
// "**" matches any number of chunks including none.

func ValidateKeyExpr(expr string) error {
	if expr == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKeyExpr)
	}
	for _, chunk := range strings.Split(expr, "/") {
		if chunk == "" {
			return fmt.Errorf("%w: empty chunk in %q", ErrInvalidKeyExpr, expr)
		}
		if strings.Contains(chunk, "*") && chunk != "*" && chunk != "**" {
			return fmt.Errorf("%w: partial wildcard chunk %q", ErrInvalidKeyExpr, chunk)
		}
	}
	return nil
}

func IsWildcard(expr string) bool {
	return strings.Contains(expr, "*")
}

// MatchKeyExpr reports whether topic is included in the key expression expr.
func MatchKeyExpr(expr, topic string) bool {
	return matchChunks(strings.Split(expr, "/"), strings.Split(topic, "/"))
}

func matchChunks(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "**":
			rest := pattern[1:]
			for i := 0; i <= len(key); i++ {
				if matchChunks(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// ResolveKeyExpr returns the topics, in the given order, matched by expr.
func ResolveKeyExpr(expr string, topics []string) []string {
	if !IsWildcard(expr) {
		return []string{expr}
	}
	out := make([]string, 0, len(topics))
	seen := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if _, ok := seen[t]; ok {
			continue
		}
		if MatchKeyExpr(expr, t) {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// natsSubject maps a key expression onto a NATS subject. NATS only supports
// the multi-level wildcard as the last token.
func natsSubject(expr string) (string, error) {
	chunks := strings.Split(expr, "/")
	for i, c := range chunks {
		switch {
		case c == "**" && i == len(chunks)-1:
			chunks[i] = ">"
		case c == "**":
			return "", fmt.Errorf("%w: %q only supported as last chunk in client mode", ErrInvalidKeyExpr, expr)
		case strings.ContainsAny(c, ". \t>"):
			return "", fmt.Errorf("%w: chunk %q not representable as subject token", ErrInvalidKeyExpr, c)
		}
	}
	return strings.Join(chunks, "."), nil
}

func topicFromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
