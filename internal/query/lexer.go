package query

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokParam
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	num  float64
	isInt bool
	i     int64
}

// lex splits src into tokens. It is a small hand-written scanner in
// the style of a one-pass SQL tokenizer: identifiers/keywords, numbers,
// single-quoted strings, positional parameters ($1), and punctuation.
func lex(src string) ([]token, error) {
	var toks []token
	r := []rune(src)
	i := 0
	n := len(r)

	for i < n {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '\'':
			j := i + 1
			var sb strings.Builder
			for j < n {
				if r[j] == '\'' {
					if j+1 < n && r[j+1] == '\'' {
						sb.WriteRune('\'')
						j += 2
						continue
					}
					break
				}
				sb.WriteRune(r[j])
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("query: unterminated string literal")
			}
			toks = append(toks, token{kind: tokString, text: sb.String()})
			i = j + 1
		case c == '$':
			j := i + 1
			for j < n && unicode.IsDigit(r[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("query: malformed parameter at position %d", i)
			}
			num, _ := strconv.Atoi(string(r[i+1 : j]))
			toks = append(toks, token{kind: tokParam, i: int64(num)})
			i = j
		case unicode.IsDigit(c) || (c == '-' && i+1 < n && unicode.IsDigit(r[i+1])):
			j := i + 1
			isFloat := false
			for j < n && (unicode.IsDigit(r[j]) || r[j] == '.') {
				if r[j] == '.' {
					isFloat = true
				}
				j++
			}
			text := string(r[i:j])
			if isFloat {
				f, err := strconv.ParseFloat(text, 64)
				if err != nil {
					return nil, fmt.Errorf("query: invalid number %q", text)
				}
				toks = append(toks, token{kind: tokNumber, num: f})
			} else {
				iv, err := strconv.ParseInt(text, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("query: invalid integer %q", text)
				}
				toks = append(toks, token{kind: tokNumber, isInt: true, i: iv})
			}
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i + 1
			for j < n && (unicode.IsLetter(r[j]) || unicode.IsDigit(r[j]) || r[j] == '_') {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: string(r[i:j])})
			i = j
		case strings.ContainsRune("(),*=<>.;", c):
			if c == '<' && i+1 < n && r[i+1] == '=' {
				toks = append(toks, token{kind: tokPunct, text: "<="})
				i += 2
				continue
			}
			if c == '>' && i+1 < n && r[i+1] == '=' {
				toks = append(toks, token{kind: tokPunct, text: ">="})
				i += 2
				continue
			}
			toks = append(toks, token{kind: tokPunct, text: string(c)})
			i++
		default:
			return nil, fmt.Errorf("query: unexpected character %q at position %d", c, i)
		}
	}
	toks = append(toks, token{kind: tokEOF})
	return toks, nil
}

func (t token) upper() string {
	return strings.ToUpper(t.text)
}
