// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Very basic S-expression parser.  ';' starts a comment that runs
// to the end of the line.

package util

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
)

type SExpKindT int

const (
	SExpInt SExpKindT = iota
	SExpSymbol
	SExpList
)

type SExpT struct {
	Kind    SExpKindT
	Integer int
	Symbol  string
	List    []*SExpT
	Line    int // where the expression starts
}

func (sexp *SExpT) String() string {
	switch sexp.Kind {
	case SExpInt:
		return fmt.Sprintf("%d", sexp.Integer)
	case SExpSymbol:
		return sexp.Symbol
	case SExpList:
		if len(sexp.List) == 0 {
			return "()"
		}
		result := "(" + sexp.List[0].String()
		for _, s := range sexp.List[1:] {
			result += " " + s.String()
		}
		return result + ")"
	}
	panic("bad S-expression")
}

func (sexp *SExpT) IsSymbol(name string) bool {
	return sexp.Kind == SExpSymbol && sexp.Symbol == name
}

// The first element of a list if it is a symbol, otherwise "".
func (sexp *SExpT) Head() string {
	if sexp.Kind == SExpList && 0 < len(sexp.List) && sexp.List[0].Kind == SExpSymbol {
		return sexp.List[0].Symbol
	}
	return ""
}

type SExpErrorT struct {
	Line    int
	Message string
}

func (err *SExpErrorT) Error() string {
	return fmt.Sprintf("line %d: %s", err.Line, err.Message)
}

// Parses a single expression.
func ParseSExp(data string) (*SExpT, error) {
	all, err := ParseSExps(data)
	if err != nil {
		return nil, err
	}
	if len(all) != 1 {
		return nil, &SExpErrorT{1, fmt.Sprintf("expected one expression, found %d", len(all))}
	}
	return all[0], nil
}

// Parses all of the top-level expressions in 'data'.
func ParseSExps(data string) ([]*SExpT, error) {
	tokens := makeTokenizer(data)
	var recur func(list *SExpT) error
	recur = func(list *SExpT) error {
		for {
			next, line, err := tokens.next()
			if err != nil {
				return err
			}
			if next == "" {
				return &SExpErrorT{line, "missing '\x29'"}
			}
			if next == "\x29" {
				return nil
			}
			list.List = append(list.List, tokenSExp(next, line))
			if next == "\x28" {
				if err := recur(Last(list.List)); err != nil {
					return err
				}
			}
		}
	}
	result := []*SExpT{}
	for {
		next, line, err := tokens.next()
		if err != nil {
			return nil, err
		}
		switch next {
		case "":
			return result, nil
		case "\x29":
			return nil, &SExpErrorT{line, "unexpected '\x29'"}
		}
		sexp := tokenSExp(next, line)
		if next == "\x28" {
			if err := recur(sexp); err != nil {
				return nil, err
			}
		}
		result = append(result, sexp)
	}
}

func tokenSExp(token string, line int) *SExpT {
	if token == "\x28" {
		return &SExpT{Kind: SExpList, Line: line}
	}
	i, err := strconv.Atoi(token)
	if err == nil {
		return &SExpT{Kind: SExpInt, Integer: i, Line: line}
	}
	return &SExpT{Kind: SExpSymbol, Symbol: token, Line: line}
}

type tokenizerT struct {
	reader *bufio.Reader
	line   int
}

func makeTokenizer(data string) *tokenizerT {
	return &tokenizerT{reader: bufio.NewReader(strings.NewReader(data)), line: 1}
}

// Returns "" at the end of the input.
func (tokens *tokenizerT) next() (string, int, error) {
	var contents strings.Builder
	reading := false
	inComment := false
	for {
		c, _, err := tokens.reader.ReadRune()
		if reading {
			if err != nil || !isSymbolConstituent(c) {
				if err == nil {
					tokens.reader.UnreadRune()
				}
				return contents.String(), tokens.line, nil
			}
			contents.WriteRune(c)
			continue
		}
		if err == io.EOF {
			return "", tokens.line, nil
		} else if err != nil {
			return "", tokens.line, err
		}
		if c == '\n' {
			tokens.line += 1
			inComment = false
			continue
		}
		switch {
		case inComment || unicode.IsSpace(c):
			continue
		case c == ';':
			inComment = true
		case c == '\x28':
			return "\x28", tokens.line, nil
		case c == '\x29':
			return "\x29", tokens.line, nil
		case isSymbolConstituent(c):
			contents.WriteRune(c)
			reading = true
		default:
			return "", tokens.line, &SExpErrorT{tokens.line,
				"unrecognized s-expression character " + strconv.QuoteRune(c)}
		}
	}
}

func isSymbolConstituent(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(":_*&.-%@$<>=!+", r)
}
