// Package parser turns accumulated script text into control-flow blocks.
//
// The scanner is stateless across calls: callers re-scan the whole text each
// time more of it arrives. A block whose closing tag or payload has not fully
// arrived yet produces no token, so scanning a longer text yields the tokens of
// the shorter one as a prefix.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// TokenKind distinguishes block tokens from error tokens.
type TokenKind int

const (
	TokenBlock TokenKind = iota + 1
	TokenError
)

// Token is one element of the parsed sequence. Start and End are byte offsets
// into the scanned text.
type Token struct {
	Kind  TokenKind
	Block *schema.Block
	Err   *schema.FlowError
	Start int
	End   int
}

type tagSpec struct {
	open      string
	close     string
	blockType schema.BlockType
	nested    bool
}

var tags = []tagSpec{
	{"[SEQUENTIAL]", "[END_SEQUENTIAL]", schema.BlockSequential, false},
	{"[PARALLEL]", "[END_PARALLEL]", schema.BlockParallel, false},
	{"[IF]", "[END_IF]", schema.BlockIf, true},
	{"[WHILE]", "[END_WHILE]", schema.BlockWhile, true},
	{"[ASSIGN]", "[END_ASSIGN]", schema.BlockAssign, false},
	{"[PROMPT]", "[END_PROMPT]", schema.BlockPrompt, false},
	{"[TOOL_REQUEST]", "[END_TOOL_REQUEST]", schema.BlockTool, false},
}

// Scanner lazily yields tokens from a script text.
//
// Prose between blocks is skipped. Text with no opening tag, or no partial one
// at its end, yields a single error token; that is the only case where a
// longer text can replace an error with a block.
type Scanner struct {
	text string
	base int // offset of text within the outermost script, used for generated ids
	pos  int
	done bool
}

// NewScanner creates a Scanner over text.
func NewScanner(text string) *Scanner {
	return &Scanner{text: text}
}

// Parse scans text to completion and returns every token.
func Parse(text string) []Token {
	s := NewScanner(text)
	var out []Token
	for {
		tok, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, tok)
	}
}

// Offset returns the number of bytes consumed by the tokens returned so far,
// including whitespace skipped after the last block.
func (s *Scanner) Offset() int {
	return s.pos
}

// Next returns the next token. It returns false once the text is exhausted,
// the remainder is an incomplete block, or an error token has been returned.
func (s *Scanner) Next() (Token, bool) {
	if s.done {
		return Token{}, false
	}
	s.pos = skipSpace(s.text, s.pos)
	if s.pos >= len(s.text) {
		s.done = true
		return Token{}, false
	}

	rest := s.text[s.pos:]
	if idx, spec := findOpen(rest); idx >= 0 {
		start := s.pos + idx
		if blk, end, ok := s.parseBlock(start, spec); ok {
			s.pos = skipSpace(s.text, end)
			return Token{Kind: TokenBlock, Block: blk, Start: start, End: end}, true
		}
		// The block is still arriving; any prose before it is skipped once
		// it completes.
		s.done = true
		return Token{}, false
	}
	if isTagPrefix(rest) || endsWithTagPrefix(rest) {
		s.done = true
		return Token{}, false
	}

	// Nothing complete can be formed and the text does not start with a tag.
	s.done = true
	return Token{
		Kind: TokenError,
		Err: schema.NewErrorf(schema.ErrCodeParse, "unrecognized content at offset %d: %q",
			s.base+s.pos, excerpt(rest)).
			WithDetails(map[string]any{"offset": s.base + s.pos}),
		Start: s.pos,
		End:   len(s.text),
	}, true
}

func (s *Scanner) parseBlock(start int, spec tagSpec) (*schema.Block, int, bool) {
	bodyStart := start + len(spec.open)
	var closeAt int
	if spec.nested {
		closeAt = matchNested(s.text, bodyStart, spec.open, spec.close)
	} else {
		closeAt = strings.Index(s.text[bodyStart:], spec.close)
		if closeAt >= 0 {
			closeAt += bodyStart
		}
	}
	if closeAt < 0 {
		return nil, 0, false
	}
	inner := s.text[bodyStart:closeAt]
	end := closeAt + len(spec.close)

	blk := &schema.Block{Type: spec.blockType}
	switch spec.blockType {
	case schema.BlockSequential, schema.BlockParallel:
		var steps schema.StepList
		if err := json.Unmarshal([]byte(inner), &steps); err != nil {
			return nil, 0, false
		}
		for i := range steps {
			if steps[i].ID == "" {
				steps[i].ID = fmt.Sprintf("step-%d-%d", s.base+start, i)
			}
		}
		blk.Steps = steps
	case schema.BlockTool:
		var step schema.Step
		if err := json.Unmarshal([]byte(inner), &step); err != nil {
			return nil, 0, false
		}
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%d", s.base+start)
		}
		blk.Step = &step
	case schema.BlockPrompt:
		var def schema.PromptDefinition
		if err := json.Unmarshal([]byte(inner), &def); err != nil {
			return nil, 0, false
		}
		if def.ID == "" {
			def.ID = fmt.Sprintf("prompt-%d", s.base+start)
		}
		blk.Prompt = &def
	case schema.BlockAssign:
		name, expr, ok := splitAssign(inner)
		if !ok {
			return nil, 0, false
		}
		blk.Variable, blk.Expression = name, expr
	case schema.BlockIf, schema.BlockWhile:
		cond, body, ok := s.parseConditional(inner, bodyStart)
		if !ok {
			return nil, 0, false
		}
		blk.Condition, blk.Body = cond, body
	}
	return blk, end, true
}

// parseConditional splits "<expr>\n<block>" and parses the single nested block.
// Without a newline the condition ends where the first recognized tag begins.
func (s *Scanner) parseConditional(inner string, innerStart int) (string, *schema.Block, bool) {
	split := strings.IndexByte(inner, '\n')
	bodyAt := split + 1
	if split < 0 {
		idx, _ := findOpen(inner)
		if idx < 0 {
			return "", nil, false
		}
		split, bodyAt = idx, idx
	}
	cond := strings.TrimSpace(inner[:split])
	if cond == "" {
		return "", nil, false
	}

	sub := &Scanner{text: inner[bodyAt:], base: s.base + innerStart + bodyAt}
	tok, ok := sub.Next()
	if !ok || tok.Kind != TokenBlock {
		return "", nil, false
	}
	if strings.TrimSpace(sub.text[tok.End:]) != "" {
		return "", nil, false
	}
	return cond, tok.Block, true
}

// splitAssign parses "name = expression".
func splitAssign(inner string) (string, string, bool) {
	text := strings.TrimSpace(inner)
	i := 0
	for i < len(text) && isIdentByte(text[i], i == 0) {
		i++
	}
	if i == 0 {
		return "", "", false
	}
	name := text[:i]
	rest := strings.TrimLeftFunc(text[i:], unicode.IsSpace)
	if !strings.HasPrefix(rest, "=") || strings.HasPrefix(rest, "==") {
		return "", "", false
	}
	return name, strings.TrimSpace(rest[1:]), true
}

func isIdentByte(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}

// matchNested finds the closing tag that balances the opening tag preceding from.
func matchNested(text string, from int, open, close string) int {
	depth := 1
	pos := from
	for {
		nextClose := strings.Index(text[pos:], close)
		if nextClose < 0 {
			return -1
		}
		nextOpen := strings.Index(text[pos:], open)
		if nextOpen >= 0 && nextOpen < nextClose {
			depth++
			pos += nextOpen + len(open)
			continue
		}
		depth--
		if depth == 0 {
			return pos + nextClose
		}
		pos += nextClose + len(close)
	}
}

// findOpen returns the earliest opening tag in text.
func findOpen(text string) (int, tagSpec) {
	best := -1
	var found tagSpec
	for _, t := range tags {
		if i := strings.Index(text, t.open); i >= 0 && (best < 0 || i < best) {
			best, found = i, t
		}
	}
	return best, found
}

// isTagPrefix reports whether text is a strict prefix of an opening tag, which
// happens while a tag is still streaming in.
func isTagPrefix(text string) bool {
	for _, t := range tags {
		if len(text) < len(t.open) && strings.HasPrefix(t.open, text) {
			return true
		}
	}
	return false
}

// endsWithTagPrefix reports whether text ends in the start of an opening tag.
func endsWithTagPrefix(text string) bool {
	i := strings.LastIndexByte(text, '[')
	return i >= 0 && isTagPrefix(text[i:])
}

func skipSpace(text string, pos int) int {
	for pos < len(text) && unicode.IsSpace(rune(text[pos])) {
		pos++
	}
	return pos
}

func excerpt(s string) string {
	const max = 40
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
