package expression

import (
	"strings"
)

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isIdentRune(r rune) bool {
	return r == '_' || isDigit(r) || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// FormatKey converts a dotted path into the flat key used by the value store.
// "steps.build-app.outputs.version" becomes "steps_build_app_outputs_version".
func FormatKey(key string) string {
	runes := []rune(key)
	for i, r := range runes {
		switch r {
		case '.':
			runes[i] = '_'
		case '-':
			if hyphenJoinsIdentifier(runes, i) {
				runes[i] = '_'
			}
		}
	}
	return string(runes)
}

// hyphenJoinsIdentifier reports whether the hyphen at i sits between two
// identifier characters, as in "my-step". Subtraction needs spaces: "a - b".
func hyphenJoinsIdentifier(runes []rune, i int) bool {
	if i == 0 || i == len(runes)-1 {
		return false
	}
	return isIdentRune(runes[i-1]) && isIdentRune(runes[i+1])
}

// FormatExpression rewrites path access in an expression to the flat key
// convention. String literals (single, double or backtick quoted) are never
// modified, nor are the "?." and "#." operators or numeric literals.
func FormatExpression(e string) string {
	result := []rune(e)
	var quote rune
	escapeNext := false

	for i, r := range result {
		if escapeNext {
			escapeNext = false
			continue
		}

		if quote != 0 {
			switch {
			case r == '\\' && quote != '`':
				escapeNext = true
			case r == quote:
				quote = 0
			}
			continue
		}

		switch r {
		case '"', '\'', '`':
			quote = r
		case '.':
			if i > 0 && (result[i-1] == '?' || result[i-1] == '#') {
				continue
			}
			if i > 0 && i < len(result)-1 && isDigit(result[i-1]) && isDigit(result[i+1]) {
				continue
			}
			result[i] = '_'
		case '-':
			if hyphenJoinsIdentifier(result, i) {
				result[i] = '_'
			}
		}
	}
	return string(result)
}

// unwrap strips a surrounding "${{ }}" from an expression, if present.
func unwrap(expression string) string {
	trimmed := strings.TrimSpace(expression)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSuffix(strings.TrimPrefix(trimmed, "${{"), "}}")
		if !strings.Contains(inner, "${{") {
			return strings.TrimSpace(inner)
		}
	}
	return trimmed
}
