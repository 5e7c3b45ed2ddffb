// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Converting S-expressions into SSA functions.
//
//   (func <name>
//     (block <name>
//       (phi <def> (<pred> <value>) ...)
//       (<op> (<def> ...) <use> ...)
//       (call (<def> ...) <callee> <use> ...)
//       (jmp <block>) | (br <value> <block> <block>) | (ret <use> ...)))
//
// A def is [$]name[:type][@location]; '$' marks a memory value and
// the location pins the value to a register or to slot<n>.  A use is
// a value name or an integer, optionally followed by :type.  A value
// named x.<n> is a version of x.

package front

import (
	"strconv"
	"strings"

	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/target"
	"github.com/s48/regalloc/util"
	"tlog.app/go/errors"
)

var ErrSyntax = errors.New("syntax error")

// Parses every (func ...) form in 'text'.
func ParseFuncs(text string, tgt *target.TargetT) ([]*ir.FuncT, error) {
	sexps, err := util.ParseSExps(text)
	if err != nil {
		return nil, errors.Wrap(ErrSyntax, "%v", err)
	}
	funcs := []*ir.FuncT{}
	for _, sexp := range sexps {
		f, err := ParseFunc(sexp, tgt)
		if err != nil {
			return nil, err
		}
		funcs = append(funcs, f)
	}
	return funcs, nil
}

type parserT struct {
	f      *ir.FuncT
	target *target.TargetT
	blocks map[string]*ir.BlockT
	values map[string]*ir.ValueT
}

func syntaxError(sexp *util.SExpT, format string, args ...any) error {
	return errors.Wrap(ErrSyntax, "line %d: "+format, append([]any{sexp.Line}, args...)...)
}

func ParseFunc(sexp *util.SExpT, tgt *target.TargetT) (*ir.FuncT, error) {
	if sexp.Head() != "func" || len(sexp.List) < 3 || sexp.List[1].Kind != util.SExpSymbol {
		return nil, syntaxError(sexp, "expected (func <name> <block> ...)")
	}
	parser := &parserT{
		f:      ir.MakeFunc(sexp.List[1].Symbol),
		target: tgt,
		blocks: map[string]*ir.BlockT{},
		values: map[string]*ir.ValueT{},
	}
	blockSexps := sexp.List[2:]

	// First make the blocks and the defined values, so that forward
	// references work.
	for _, blockSexp := range blockSexps {
		if blockSexp.Head() != "block" || len(blockSexp.List) < 2 || blockSexp.List[1].Kind != util.SExpSymbol {
			return nil, syntaxError(blockSexp, "expected (block <name> ...)")
		}
		name := blockSexp.List[1].Symbol
		if parser.blocks[name] != nil {
			return nil, syntaxError(blockSexp, "block %s defined twice", name)
		}
		parser.blocks[name] = parser.f.NewBlock(name)
		for _, form := range blockSexp.List[2:] {
			if err := parser.defineValues(form); err != nil {
				return nil, err
			}
		}
	}
	parser.linkVersions()
	// Then the instructions and edges.
	phiSexps := map[*ir.PhiT]*util.SExpT{}
	for _, blockSexp := range blockSexps {
		block := parser.blocks[blockSexp.List[1].Symbol]
		for _, form := range blockSexp.List[2:] {
			if form.Head() == "phi" {
				result := parser.values[defName(form.List[1].Symbol)]
				phi := &ir.PhiT{Result: result, Block: block}
				result.Phi = phi
				block.Phis = append(block.Phis, phi)
				phiSexps[phi] = form
				continue
			}
			instr, err := parser.makeInstr(form, block)
			if err != nil {
				return nil, err
			}
			block.Append(instr)
		}
	}
	// Phi operands last, once all of the edges are known.
	for phi, form := range phiSexps {
		for _, operand := range form.List[2:] {
			if operand.Kind != util.SExpList || len(operand.List) != 2 {
				return nil, syntaxError(operand, "expected (<pred> <value>)")
			}
			pred, err := parser.lookupBlock(operand.List[0])
			if err != nil {
				return nil, err
			}
			value, err := parser.lookupValue(operand.List[1])
			if err != nil {
				return nil, err
			}
			phi.Operands = append(phi.Operands, ir.PhiOperandT{Pred: pred, Value: value})
		}
	}
	return parser.f, nil
}

// A value named x.<n>, where x is also defined, is a version of x.
// This is how the printer names versions.
func (parser *parserT) linkVersions() {
	for _, value := range parser.f.Values {
		i := strings.LastIndex(value.Name, ".")
		if i < 0 {
			continue
		}
		if _, err := strconv.Atoi(value.Name[i+1:]); err != nil {
			continue
		}
		if base := parser.values[value.Name[:i]]; base != nil && base != value {
			value.Origin = base.Original()
		}
	}
}

// Value names with the annotations removed.
func defName(token string) string {
	token = strings.TrimPrefix(token, "$")
	if i := strings.IndexAny(token, ":@"); 0 <= i {
		return token[:i]
	}
	return token
}

func (parser *parserT) defineValues(form *util.SExpT) error {
	if form.Kind != util.SExpList || len(form.List) == 0 || form.List[0].Kind != util.SExpSymbol {
		return syntaxError(form, "expected an instruction")
	}
	var defs []*util.SExpT
	switch form.Head() {
	case ir.OpJump, ir.OpBranch, ir.OpReturn:
		return nil
	case "phi":
		if len(form.List) < 2 || form.List[1].Kind != util.SExpSymbol {
			return syntaxError(form, "expected (phi <def> ...)")
		}
		defs = form.List[1:2]
	default:
		if len(form.List) < 2 || form.List[1].Kind != util.SExpList {
			return syntaxError(form, "expected (%s (<def> ...) ...)", form.Head())
		}
		defs = form.List[1].List
	}
	for _, def := range defs {
		if def.Kind != util.SExpSymbol {
			return syntaxError(def, "bad definition %s", def)
		}
		if err := parser.defineValue(def); err != nil {
			return err
		}
	}
	return nil
}

func (parser *parserT) defineValue(def *util.SExpT) error {
	token := def.Symbol
	memory := strings.HasPrefix(token, "$")
	token = strings.TrimPrefix(token, "$")
	location := ""
	if i := strings.Index(token, "@"); 0 <= i {
		token, location = token[:i], token[i+1:]
	}
	typ := ir.I64
	if i := strings.Index(token, ":"); 0 <= i {
		var ok bool
		typ, ok = ir.ParseType(token[i+1:])
		if !ok {
			return syntaxError(def, "unknown type %s", token[i+1:])
		}
		token = token[:i]
	}
	if token == "" {
		return syntaxError(def, "missing value name")
	}
	if parser.values[token] != nil {
		return errors.Wrap(ir.ErrMalformed, "line %d: %s defined twice", def.Line, token)
	}
	value := parser.f.NewValue(token, typ)
	value.Memory = memory
	if location != "" {
		loc, err := parser.parseLocation(def, location)
		if err != nil {
			return err
		}
		value.Pin = loc
	}
	parser.values[token] = value
	return nil
}

func (parser *parserT) parseLocation(sexp *util.SExpT, name string) (ir.LocationT, error) {
	if slot, found := strings.CutPrefix(name, "slot"); found {
		n, err := strconv.Atoi(slot)
		if err == nil && 0 <= n {
			return ir.SlotLocation(n), nil
		}
	}
	reg := parser.target.Register(name)
	if reg == nil {
		return ir.LocationT{}, syntaxError(sexp, "unknown register %s", name)
	}
	return ir.RegisterLocation(reg), nil
}

func (parser *parserT) makeInstr(form *util.SExpT, block *ir.BlockT) (*ir.InstrT, error) {
	f := parser.f
	op := form.Head()
	args := form.List[1:]
	switch op {
	case ir.OpJump:
		if len(args) != 1 {
			return nil, syntaxError(form, "expected (jmp <block>)")
		}
		dest, err := parser.lookupBlock(args[0])
		if err != nil {
			return nil, err
		}
		ir.AddEdge(block, dest)
		return f.NewInstr(op, nil), nil
	case ir.OpBranch:
		if len(args) != 3 {
			return nil, syntaxError(form, "expected (br <value> <block> <block>)")
		}
		test, err := parser.parseUse(args[0])
		if err != nil {
			return nil, err
		}
		for _, arg := range args[1:] {
			dest, err := parser.lookupBlock(arg)
			if err != nil {
				return nil, err
			}
			ir.AddEdge(block, dest)
		}
		return f.NewInstr(op, nil, test), nil
	case ir.OpReturn:
		uses, err := parser.parseUses(args)
		if err != nil {
			return nil, err
		}
		return f.NewInstr(op, nil, uses...), nil
	}
	defs := []*ir.ValueT{}
	for _, def := range args[0].List {
		defs = append(defs, parser.values[defName(def.Symbol)])
	}
	args = args[1:]
	callee := ""
	if op == ir.OpCall {
		if len(args) == 0 || args[0].Kind != util.SExpSymbol {
			return nil, syntaxError(form, "expected (call (<def> ...) <callee> ...)")
		}
		callee = args[0].Symbol
		args = args[1:]
	}
	uses, err := parser.parseUses(args)
	if err != nil {
		return nil, err
	}
	instr := f.NewInstr(op, defs, uses...)
	instr.Callee = callee
	return instr, nil
}

func (parser *parserT) parseUses(sexps []*util.SExpT) ([]ir.OperandT, error) {
	uses := make([]ir.OperandT, len(sexps))
	for i, sexp := range sexps {
		use, err := parser.parseUse(sexp)
		if err != nil {
			return nil, err
		}
		uses[i] = use
	}
	return uses, nil
}

func (parser *parserT) parseUse(sexp *util.SExpT) (ir.OperandT, error) {
	switch sexp.Kind {
	case util.SExpInt:
		return ir.ImmediateOperand(int64(sexp.Integer), ir.I64), nil
	case util.SExpSymbol:
		token, typeName, typed := strings.Cut(sexp.Symbol, ":")
		if n, err := strconv.ParseInt(token, 10, 64); err == nil {
			typ := ir.I64
			if typed {
				var ok bool
				typ, ok = ir.ParseType(typeName)
				if !ok {
					return ir.OperandT{}, syntaxError(sexp, "unknown type %s", typeName)
				}
			}
			return ir.ImmediateOperand(n, typ), nil
		}
		value, err := parser.lookupValue(sexp)
		if err != nil {
			return ir.OperandT{}, err
		}
		return ir.ValueOperand(value), nil
	}
	return ir.OperandT{}, syntaxError(sexp, "bad operand %s", sexp)
}

func (parser *parserT) lookupValue(sexp *util.SExpT) (*ir.ValueT, error) {
	if sexp.Kind == util.SExpSymbol {
		if value := parser.values[sexp.Symbol]; value != nil {
			return value, nil
		}
	}
	return nil, errors.Wrap(ir.ErrMalformed, "line %d: %s has no definition", sexp.Line, sexp)
}

func (parser *parserT) lookupBlock(sexp *util.SExpT) (*ir.BlockT, error) {
	if sexp.Kind == util.SExpSymbol {
		if block := parser.blocks[sexp.Symbol]; block != nil {
			return block, nil
		}
	}
	return nil, syntaxError(sexp, "unknown block %s", sexp)
}
