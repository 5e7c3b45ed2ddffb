// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// The SSA program representation the register allocator works on.
// A function is a list of basic blocks, each of which has phi nodes
// followed by instructions, the last of which is a jump, branch or
// return.  Values are defined exactly once, either by an instruction
// or by a phi node.

package ir

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/s48/regalloc/target"
	"github.com/s48/regalloc/util"
	"tlog.app/go/errors"
)

type TypeT int

const (
	I64 TypeT = iota
	I32
	I16
	I8
	Ptr
	F64
	F32
)

var typeNames = []string{"i64", "i32", "i16", "i8", "ptr", "f64", "f32"}

func (typ TypeT) String() string {
	return typeNames[typ]
}

func (typ TypeT) IsFloat() bool {
	return typ == F64 || typ == F32
}

// Size in bytes.
func (typ TypeT) Width() int {
	switch typ {
	case I32, F32:
		return 4
	case I16:
		return 2
	case I8:
		return 1
	}
	return 8
}

func ParseType(name string) (TypeT, bool) {
	for i, typeName := range typeNames {
		if typeName == name {
			return TypeT(i), true
		}
	}
	return I64, false
}

//----------------------------------------------------------------
// Values

type ValueT struct {
	Id     int // index in Func.Values
	Name   string
	Type   TypeT
	Memory bool      // lives in a spill slot
	Origin *ValueT   // the value this is a version of, nil for originals
	Pin    LocationT // required location, if any
	Def    *InstrT   // exactly one of Def and Phi is set
	Phi    *PhiT
}

func (value *ValueT) String() string {
	return value.Name
}

// The value this is a version of.  Spills, reloads and copies made
// by the allocator all have the same original.
func (value *ValueT) Original() *ValueT {
	if value.Origin == nil {
		return value
	}
	return value.Origin
}

func (value *ValueT) DefBlock() *BlockT {
	if value.Def != nil {
		return value.Def.Block
	}
	if value.Phi != nil {
		return value.Phi.Block
	}
	return nil
}

// The register class of a register value, nil for memory values.
func (value *ValueT) Class(target *target.TargetT) *target.RegisterClassT {
	if value.Memory {
		return nil
	}
	return target.ClassOf(value.Type.String())
}

//----------------------------------------------------------------
// Locations

type LocationKindT int

const (
	NoLocation LocationKindT = iota
	InRegister
	InSlot
)

// Where a value lives: a register or a numbered spill slot.
type LocationT struct {
	Kind     LocationKindT
	Register *target.RegisterT
	Slot     int
}

func RegisterLocation(reg *target.RegisterT) LocationT {
	return LocationT{Kind: InRegister, Register: reg}
}

func SlotLocation(slot int) LocationT {
	return LocationT{Kind: InSlot, Slot: slot}
}

func (loc LocationT) IsNone() bool     { return loc.Kind == NoLocation }
func (loc LocationT) IsRegister() bool { return loc.Kind == InRegister }
func (loc LocationT) IsSlot() bool     { return loc.Kind == InSlot }

func (loc LocationT) String() string {
	switch loc.Kind {
	case InRegister:
		return loc.Register.Name
	case InSlot:
		return "slot" + strconv.Itoa(loc.Slot)
	}
	return "none"
}

//----------------------------------------------------------------
// Instructions

const (
	OpJump          = "jmp"
	OpBranch        = "br"
	OpReturn        = "ret"
	OpCall          = "call"
	OpParam         = "param"
	OpCopy          = "copy"
	OpParallelCopy  = "pcopy"
	OpLoadImmediate = "li"
	OpSpill         = "spill"
	OpReload        = "reload"
)

type OperandT struct {
	Value     *ValueT // nil for immediates
	Immediate int64
	Type      TypeT // of the immediate
}

func ValueOperand(value *ValueT) OperandT {
	return OperandT{Value: value, Type: value.Type}
}

func ImmediateOperand(n int64, typ TypeT) OperandT {
	return OperandT{Immediate: n, Type: typ}
}

func (operand OperandT) IsImmediate() bool {
	return operand.Value == nil
}

func (operand OperandT) String() string {
	if operand.Value == nil {
		return strconv.FormatInt(operand.Immediate, 10)
	}
	return operand.Value.String()
}

type InstrT struct {
	Id     int
	Op     string
	Defs   []*ValueT
	Uses   []OperandT
	Callee string // for calls
	Block  *BlockT
}

func (instr *InstrT) IsTerminator() bool {
	switch instr.Op {
	case OpJump, OpBranch, OpReturn:
		return true
	}
	return false
}

// Copies move values between locations without computing anything.
func (instr *InstrT) IsCopy() bool {
	switch instr.Op {
	case OpCopy, OpParallelCopy:
		return true
	}
	return false
}

// The value operands, skipping immediates.
func (instr *InstrT) UsedValues() []*ValueT {
	result := make([]*ValueT, 0, len(instr.Uses))
	for _, use := range instr.Uses {
		if use.Value != nil {
			result = append(result, use.Value)
		}
	}
	return result
}

func (instr *InstrT) UsesValue(value *ValueT) bool {
	for _, use := range instr.Uses {
		if use.Value == value {
			return true
		}
	}
	return false
}

func (instr *InstrT) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "(%s (", instr.Op)
	for i, def := range instr.Defs {
		if 0 < i {
			buf.WriteString(" ")
		}
		buf.WriteString(def.String())
	}
	buf.WriteString(")")
	if instr.Callee != "" {
		buf.WriteString(" " + instr.Callee)
	}
	for _, use := range instr.Uses {
		buf.WriteString(" " + use.String())
	}
	buf.WriteString(")")
	return buf.String()
}

// The operand and result types, as the target wants them.
func (instr *InstrT) OperandTypes() ([]string, []string) {
	uses := make([]string, len(instr.Uses))
	for i, use := range instr.Uses {
		uses[i] = use.Type.String()
	}
	defs := make([]string, len(instr.Defs))
	for i, def := range instr.Defs {
		defs[i] = def.Type.String()
	}
	return uses, defs
}

// The target's register requirements for 'instr', nil if it has none.
func (instr *InstrT) Constraint(tgt *target.TargetT) (*target.ConstraintT, error) {
	uses, defs := instr.OperandTypes()
	constraint, err := tgt.Constraint(instr.Op, uses, defs)
	if err != nil {
		return nil, errors.Wrap(err, "%s", instr)
	}
	return constraint, nil
}

//----------------------------------------------------------------
// Phi nodes

type PhiT struct {
	Result   *ValueT
	Operands []PhiOperandT // one per predecessor
	Block    *BlockT
}

type PhiOperandT struct {
	Pred  *BlockT
	Value *ValueT
}

func (phi *PhiT) OperandFrom(pred *BlockT) *ValueT {
	for _, operand := range phi.Operands {
		if operand.Pred == pred {
			return operand.Value
		}
	}
	return nil
}

func (phi *PhiT) SetOperand(pred *BlockT, value *ValueT) {
	for i := range phi.Operands {
		if phi.Operands[i].Pred == pred {
			phi.Operands[i].Value = value
			return
		}
	}
	phi.Operands = append(phi.Operands, PhiOperandT{pred, value})
}

func (phi *PhiT) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "(phi %s", phi.Result)
	for _, operand := range phi.Operands {
		fmt.Fprintf(&buf, " (%s %s)", operand.Pred, operand.Value)
	}
	buf.WriteString(")")
	return buf.String()
}

//----------------------------------------------------------------
// Blocks

type BlockT struct {
	Id     int
	Name   string
	Func   *FuncT
	Phis   []*PhiT
	Instrs []*InstrT // the last one is the terminator
	Preds  []*BlockT
	Succs  []*BlockT // for branches, the true target is first

	// Set by ComputeDominance.
	Order      int // reverse postorder index, -1 if unreachable
	Dominator  *BlockT
	Dominatees []*BlockT
	Frontier   util.SetT[*BlockT]

	// Set by FindLoops.
	Loop      *LoopT // innermost loop, nil if none
	LoopDepth int
}

func (block *BlockT) String() string {
	return block.Name
}

func (block *BlockT) Terminator() *InstrT {
	if len(block.Instrs) == 0 {
		return nil
	}
	last := util.Last(block.Instrs)
	if !last.IsTerminator() {
		return nil
	}
	return last
}

func (block *BlockT) PredIndex(pred *BlockT) int {
	for i, p := range block.Preds {
		if p == pred {
			return i
		}
	}
	return -1
}

//----------------------------------------------------------------
// Functions

type FuncT struct {
	Name   string
	Blocks []*BlockT // Blocks[0] is the entry
	Values []*ValueT // indexed by Id

	names       map[string]int // for making value names unique
	nextInstrId int
	nextBlockId int
}

func MakeFunc(name string) *FuncT {
	return &FuncT{Name: name, names: map[string]int{}}
}

func (f *FuncT) Entry() *BlockT {
	return f.Blocks[0]
}

func (f *FuncT) String() string {
	return f.Name
}

func (f *FuncT) uniqueName(name string) string {
	if f.names == nil {
		f.names = map[string]int{}
	}
	count, found := f.names[name]
	f.names[name] = count + 1
	if !found {
		return name
	}
	for {
		candidate := name + "." + strconv.Itoa(count)
		if _, taken := f.names[candidate]; !taken {
			f.names[candidate] = 1
			return candidate
		}
		count += 1
		f.names[name] = count + 1
	}
}

func (f *FuncT) NewValue(name string, typ TypeT) *ValueT {
	value := &ValueT{Id: len(f.Values), Name: f.uniqueName(name), Type: typ}
	f.Values = append(f.Values, value)
	return value
}

// A new version of 'of', in memory if 'memory' is true.
func (f *FuncT) NewVersion(of *ValueT, memory bool) *ValueT {
	original := of.Original()
	value := f.NewValue(original.Name, original.Type)
	value.Origin = original
	value.Memory = memory
	return value
}

func (f *FuncT) NewBlock(name string) *BlockT {
	block := &BlockT{Id: f.nextBlockId, Name: name, Func: f, Order: -1}
	f.nextBlockId += 1
	f.Blocks = append(f.Blocks, block)
	return block
}

// Makes an instruction, not yet in any block, and marks it as the
// definition of its defs.
func (f *FuncT) NewInstr(op string, defs []*ValueT, uses ...OperandT) *InstrT {
	instr := &InstrT{Id: f.nextInstrId, Op: op, Defs: defs, Uses: uses}
	f.nextInstrId += 1
	for _, def := range defs {
		def.Def = instr
		def.Phi = nil
	}
	return instr
}

func (f *FuncT) NewPhi(block *BlockT, result *ValueT) *PhiT {
	phi := &PhiT{Result: result, Block: block}
	result.Phi = phi
	result.Def = nil
	for _, pred := range block.Preds {
		phi.Operands = append(phi.Operands, PhiOperandT{Pred: pred})
	}
	block.Phis = append(block.Phis, phi)
	return phi
}

func AddEdge(from *BlockT, to *BlockT) {
	from.Succs = append(from.Succs, to)
	to.Preds = append(to.Preds, from)
}
