package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/revskill10/openagent-cli-sub002/internal/expressions"
	"github.com/revskill10/openagent-cli-sub002/internal/parser"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// ToolSet reports whether a tool is registered.
type ToolSet interface {
	Has(name string) bool
}

// Linter checks a script without running it: parse failures, step schema,
// unknown tools, dependency problems, expressions and jq filters.
type Linter struct {
	steps *JSONSchemaValidator
	tools ToolSet
}

// NewLinter creates a Linter. tools may be nil to skip the registry check.
func NewLinter(steps *JSONSchemaValidator, tools ToolSet) *Linter {
	return &Linter{steps: steps, tools: tools}
}

// Lint returns every issue found in script. It never stops at the first one.
func (l *Linter) Lint(script string) *schema.ValidationResult {
	res := &schema.ValidationResult{}
	seen := make(map[string]string)

	sc := parser.NewScanner(script)
	i := 0
	failed := false
	for {
		tok, ok := sc.Next()
		if !ok {
			break
		}
		path := fmt.Sprintf("blocks[%d]", i)
		i++
		if tok.Kind == parser.TokenError {
			res.AddError(path, "", tok.Err.Code, tok.Err.Message)
			failed = true
			continue
		}
		l.lintBlock(path, tok.Block, res, seen)
	}
	if off := sc.Offset(); !failed && off < len(script) && strings.TrimSpace(script[off:]) != "" {
		res.AddError(fmt.Sprintf("blocks[%d]", i), "", schema.ErrCodeParse,
			fmt.Sprintf("incomplete or malformed block at offset %d", off))
	}
	if res.Blocks == 0 && res.Valid() {
		res.AddWarning("", "", schema.ErrCodeValidation, "script contains no blocks")
	}
	return res
}

func (l *Linter) lintBlock(path string, b *schema.Block, res *schema.ValidationResult, seen map[string]string) {
	res.Blocks++
	switch b.Type {
	case schema.BlockSequential, schema.BlockParallel:
		if len(b.Steps) == 0 {
			res.AddWarning(path, "", schema.ErrCodeValidation, fmt.Sprintf("%s block has no steps", b.Type))
		}
		for j, s := range b.Steps {
			l.lintStep(fmt.Sprintf("%s.steps[%d]", path, j), s, res, seen)
		}
		l.lintDependencies(path, b, res)
	case schema.BlockTool:
		l.lintStep(path+".step", *b.Step, res, seen)
	case schema.BlockIf, schema.BlockWhile:
		if _, err := expressions.Compile(b.Condition); err != nil {
			res.AddError(path+".condition", "", schema.ErrCodeEvaluation, err.Error())
		} else if b.Type == schema.BlockWhile && len(expressions.References(b.Condition)) == 0 {
			res.AddWarning(path+".condition", "", schema.ErrCodeValidation,
				"loop condition reads no variables; it only stops at the iteration cap")
		}
		if b.Body != nil {
			l.lintBlock(path+".body", b.Body, res, seen)
		}
	case schema.BlockAssign:
		if _, err := expressions.Compile(b.Expression); err != nil {
			res.AddWarning(path+".expression", "", schema.ErrCodeEvaluation,
				fmt.Sprintf("%s; %s is assigned the text instead", err.Error(), b.Variable))
		}
	case schema.BlockPrompt:
		lintPrompt(path+".prompt", b.Prompt, res)
	}
}

func (l *Linter) lintStep(path string, s schema.Step, res *schema.ValidationResult, seen map[string]string) {
	res.Steps++
	if l.steps != nil {
		if err := l.steps.ValidateSteps([]schema.Step{s}); err != nil {
			res.AddError(path, s.ID, schema.CodeOf(err), messageOf(err))
		}
	}
	if l.tools != nil && s.Tool != "" && !l.tools.Has(s.Tool) {
		res.AddError(path+".tool", s.ID, schema.ErrCodeValidation, fmt.Sprintf("unknown tool %q", s.Tool))
	}
	if s.Extract != "" {
		if _, err := gojq.Parse(s.Extract); err != nil {
			res.AddError(path+".extract", s.ID, schema.ErrCodeValidation,
				fmt.Sprintf("invalid jq filter %q: %s", s.Extract, err.Error()))
		}
	}
	if prev, dup := seen[s.ID]; dup && prev != path {
		res.AddWarning(path, s.ID, schema.ErrCodeValidation,
			fmt.Sprintf("step id also used at %s; a completed step is not run again on resume", prev))
	} else if !dup {
		seen[s.ID] = path
	}
}

func (l *Linter) lintDependencies(path string, b *schema.Block, res *schema.ValidationResult) {
	ids := make(map[string]bool, len(b.Steps))
	for _, s := range b.Steps {
		ids[s.ID] = true
	}
	for j, s := range b.Steps {
		for _, dep := range s.After {
			if !ids[dep] {
				res.AddWarning(fmt.Sprintf("%s.steps[%d].after", path, j), s.ID, schema.ErrCodeDependency,
					fmt.Sprintf("waits for %q, which is not in this block", dep))
			}
		}
	}

	if b.Type == schema.BlockSequential {
		for j, s := range b.Steps {
			if refs := ForwardReferences(b.Steps)[s.ID]; len(refs) > 0 {
				res.AddError(fmt.Sprintf("%s.steps[%d].after", path, j), s.ID, schema.ErrCodeDependency,
					fmt.Sprintf("waits for %v, which run later in the same sequence", refs))
			}
		}
		return
	}
	if cycle := FindCycle(b.Steps); len(cycle) > 0 {
		res.AddError(path, "", schema.ErrCodeDependency,
			fmt.Sprintf("dependency cycle between %s", strings.Join(cycle, ", ")))
	}
}

func lintPrompt(path string, p *schema.PromptDefinition, res *schema.ValidationResult) {
	if p.Variable == "" {
		res.AddError(path+".variable", "", schema.ErrCodeValidation, "prompt has no variable to bind")
	}
	switch p.Type {
	case "", schema.PromptText, schema.PromptConfirm, schema.PromptNumber:
	case schema.PromptSelect:
		if len(p.Options) == 0 {
			res.AddWarning(path+".options", "", schema.ErrCodeValidation, "select prompt has no options; any answer is accepted")
		}
	default:
		res.AddWarning(path+".type", "", schema.ErrCodeValidation, fmt.Sprintf("unknown prompt type %q is read as text", p.Type))
	}
	if p.Validation != nil && p.Validation.Pattern != "" {
		if _, err := regexp.Compile(p.Validation.Pattern); err != nil {
			res.AddError(path+".validation.pattern", "", schema.ErrCodeValidation, err.Error())
		}
	}
}

func messageOf(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
