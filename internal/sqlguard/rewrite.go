package sqlguard

import "strings"

// keyword is a bare word found outside quotes and parentheses.
type keyword struct {
	word  string
	start int
	end   int
}

// clauseStarters end a WHERE clause at the top level.
var clauseStarters = map[string]bool{
	"GROUP":  true,
	"HAVING": true,
	"WINDOW": true,
	"ORDER":  true,
	"LIMIT":  true,
	"OFFSET": true,
	"FETCH":  true,
}

// topLevelKeywords scans sql and returns upper-cased words that appear at
// parenthesis depth zero outside string literals and quoted identifiers.
// ok is false when quotes or parentheses are unbalanced.
func topLevelKeywords(sql string) (words []keyword, ok bool) {
	depth := 0
	inSingle := false
	inDouble := false

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case inSingle:
			if c == '\'' {
				// '' is an escaped quote inside a literal.
				if i+1 < len(sql) && sql[i+1] == '\'' {
					i++
					continue
				}
				inSingle = false
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			}
		case c == '\'':
			inSingle = true
		case c == '"':
			inDouble = true
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, false
			}
		case isWordStart(c):
			j := i + 1
			for j < len(sql) && isWordPart(sql[j]) {
				j++
			}
			if depth == 0 && (i == 0 || !isWordPart(sql[i-1])) {
				words = append(words, keyword{word: strings.ToUpper(sql[i:j]), start: i, end: j})
			}
			i = j - 1
		}
	}

	if inSingle || inDouble || depth != 0 {
		return nil, false
	}
	return words, true
}

// whereClause locates the outer WHERE keyword and the offset where its
// condition ends. idx is -1 when the outer query has no WHERE.
func whereClause(sql string, words []keyword) (idx, end int) {
	idx = -1
	for i, w := range words {
		if w.word == "WHERE" {
			idx = i
			break
		}
	}
	end = len(sql)
	if idx < 0 {
		return idx, end
	}
	for _, w := range words[idx+1:] {
		if clauseStarters[w.word] {
			end = w.start
			break
		}
	}
	return idx, end
}

// whereConjuncts splits the outer WHERE condition on its top-level ANDs.
// It returns nil when there is no outer WHERE or when the condition has a
// top-level OR. The AND of a BETWEEN range does not split.
func whereConjuncts(sql string, words []keyword) []string {
	idx, end := whereClause(sql, words)
	if idx < 0 {
		return nil
	}

	var terms []string
	from := words[idx].end
	between := false
	for _, w := range words[idx+1:] {
		if w.start >= end {
			break
		}
		switch w.word {
		case "OR":
			return nil
		case "BETWEEN":
			between = true
		case "AND":
			if between {
				between = false
				continue
			}
			terms = append(terms, strings.TrimSpace(sql[from:w.start]))
			from = w.end
		}
	}
	return append(terms, strings.TrimSpace(sql[from:end]))
}

// unwrapParens strips parentheses that enclose the whole of s.
func unwrapParens(s string) string {
	for len(s) >= 2 && s[0] == '(' && matchingParen(s) == len(s)-1 {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// matchingParen returns the index of the parenthesis closing s[0], or -1.
func matchingParen(s string) int {
	depth := 0
	inSingle, inDouble := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			}
		case c == '\'':
			inSingle = true
		case c == '"':
			inDouble = true
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// injectPredicate adds predicate to the top-level WHERE clause of sql, or
// creates one in front of the first trailing clause. The existing condition
// is parenthesized so operator precedence cannot widen the result set.
func injectPredicate(sql, predicate string) (string, bool) {
	words, ok := topLevelKeywords(sql)
	if !ok {
		return "", false
	}

	whereIdx, end := whereClause(sql, words)
	if whereIdx >= 0 {
		where := words[whereIdx]
		existing := strings.TrimSpace(sql[where.end:end])
		if existing == "" {
			return "", false
		}
		var b strings.Builder
		b.WriteString(sql[:where.start])
		b.WriteString("WHERE (")
		b.WriteString(predicate)
		b.WriteString(") AND (")
		b.WriteString(existing)
		b.WriteString(")")
		if end < len(sql) {
			b.WriteString(" ")
			b.WriteString(sql[end:])
		}
		return b.String(), true
	}

	fromSeen := false
	for _, w := range words {
		if w.word == "FROM" {
			fromSeen = true
			continue
		}
		if fromSeen && clauseStarters[w.word] {
			return strings.TrimRight(sql[:w.start], " ") + " WHERE " + predicate + " " + sql[w.start:], true
		}
	}
	if !fromSeen {
		return "", false
	}
	return sql + " WHERE " + predicate, true
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordPart(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9') || c == '$'
}
