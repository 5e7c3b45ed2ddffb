// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package regalloc

import (
	"fmt"
	"io"

	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/target"
	"github.com/s48/regalloc/transfer"
	"tlog.app/go/errors"
)

// Machine code: the function after allocation, with locations in
// place of values and moves in place of phis, copies, spills and
// reloads.

type MachineFuncT struct {
	Name        string
	Blocks      []*MachineBlockT // Blocks[0] is the entry
	FrameBytes  int
	CalleeSaved []*target.RegisterT
}

type MachineBlockT struct {
	Name   string
	Succs  []*MachineBlockT
	Instrs []*MachineInstrT
}

const (
	OpMove = "move"
	OpPush = "push"
	OpPop  = "pop"
)

type MachineInstrT struct {
	Op         string
	Callee     string
	Defs       []ir.LocationT
	Uses       []MachineOperandT
	Constraint *target.ConstraintT
}

type MachineOperandT struct {
	Loc       ir.LocationT // none for immediates
	Immediate int64
}

func (operand MachineOperandT) String() string {
	if operand.Loc.IsNone() {
		return fmt.Sprint(operand.Immediate)
	}
	return operand.Loc.String()
}

func Lower(result *ResultT) (*MachineFuncT, error) {
	f := result.Func
	mf := &MachineFuncT{Name: f.Name, FrameBytes: result.FrameBytes, CalleeSaved: result.CalleeSaved}
	blocks := map[*ir.BlockT]*MachineBlockT{}
	for _, block := range f.Blocks {
		if block.Order < 0 {
			continue
		}
		mblock := &MachineBlockT{Name: block.Name}
		blocks[block] = mblock
		mf.Blocks = append(mf.Blocks, mblock)
	}
	for _, block := range f.Blocks {
		mblock := blocks[block]
		if mblock == nil {
			continue
		}
		for _, succ := range block.Succs {
			mblock.Succs = append(mblock.Succs, blocks[succ])
		}
		for _, instr := range block.Instrs {
			if instr.IsTerminator() {
				for _, succ := range block.Succs {
					moves := result.EdgeMoves[EdgeT{block, succ}]
					if len(moves) != 0 && len(block.Succs) != 1 {
						return nil, errors.Wrap(ErrInternal, "%s: moves on the critical edge %s -> %s",
							f.Name, block.Name, succ.Name)
					}
					mblock.addMoves(moves)
				}
			}
			switch instr.Op {
			case ir.OpCopy, ir.OpParallelCopy:
				mblock.addMoves(result.CopyMoves[instr])
				continue
			case ir.OpSpill, ir.OpReload:
				src := result.Assignment[instr.Uses[0].Value]
				dst := result.Assignment[instr.Defs[0]]
				if src != dst {
					mblock.addMoves([]transfer.MoveT{{Op: transfer.Move, Src: src, Dst: dst}})
				}
				continue
			}
			constraint, err := instr.Constraint(result.Target)
			if err != nil {
				return nil, errors.Wrap(err, "lower %s", f.Name)
			}
			minstr := &MachineInstrT{Op: instr.Op, Callee: instr.Callee, Constraint: constraint}
			for _, def := range instr.Defs {
				minstr.Defs = append(minstr.Defs, result.Assignment[def])
			}
			for _, use := range instr.Uses {
				if use.IsImmediate() {
					minstr.Uses = append(minstr.Uses, MachineOperandT{Immediate: use.Immediate})
				} else {
					minstr.Uses = append(minstr.Uses, MachineOperandT{Loc: result.Assignment[use.Value]})
				}
			}
			mblock.Instrs = append(mblock.Instrs, minstr)
		}
	}
	return mf, nil
}

func (mblock *MachineBlockT) addMoves(moves []transfer.MoveT) {
	for _, move := range moves {
		minstr := &MachineInstrT{}
		switch move.Op {
		case transfer.Move:
			minstr.Op = OpMove
			minstr.Defs = []ir.LocationT{move.Dst}
			minstr.Uses = []MachineOperandT{{Loc: move.Src}}
		case transfer.Push:
			minstr.Op = OpPush
			minstr.Uses = []MachineOperandT{{Loc: move.Src}}
		case transfer.Pop:
			minstr.Op = OpPop
			minstr.Defs = []ir.LocationT{move.Dst}
		}
		mblock.Instrs = append(mblock.Instrs, minstr)
	}
}

//----------------------------------------------------------------

func PrintLowered(mf *MachineFuncT, out io.Writer) {
	writer := ir.MakeColumnWriter(out)
	fmt.Fprintf(writer, "(machine %s", mf.Name)
	if mf.FrameBytes != 0 {
		fmt.Fprintf(writer, " (frame %d)", mf.FrameBytes)
	}
	if len(mf.CalleeSaved) != 0 {
		fmt.Fprintf(writer, " (saves")
		for _, reg := range mf.CalleeSaved {
			fmt.Fprintf(writer, " %s", reg)
		}
		fmt.Fprintf(writer, ")")
	}
	for _, block := range mf.Blocks {
		writer.Newline()
		writer.IndentTo(2)
		fmt.Fprintf(writer, "(block %s", block.Name)
		for _, instr := range block.Instrs {
			writer.Newline()
			writer.IndentTo(4)
			writeMachineInstr(instr, block, writer)
		}
		fmt.Fprintf(writer, ")")
	}
	fmt.Fprintf(writer, ")")
	writer.Newline()
}

func writeMachineInstr(instr *MachineInstrT, block *MachineBlockT, writer io.Writer) {
	switch instr.Op {
	case ir.OpJump:
		fmt.Fprintf(writer, "(jmp %s)", block.Succs[0].Name)
		return
	case ir.OpBranch:
		fmt.Fprintf(writer, "(br %s %s %s)", instr.Uses[0], block.Succs[0].Name, block.Succs[1].Name)
		return
	}
	fmt.Fprintf(writer, "(%s", instr.Op)
	if instr.Op != OpPush && instr.Op != ir.OpReturn {
		fmt.Fprintf(writer, " (")
		for i, def := range instr.Defs {
			if 0 < i {
				fmt.Fprintf(writer, " ")
			}
			fmt.Fprintf(writer, "%s", def)
		}
		fmt.Fprintf(writer, ")")
	}
	if instr.Callee != "" {
		fmt.Fprintf(writer, " %s", instr.Callee)
	}
	for _, use := range instr.Uses {
		fmt.Fprintf(writer, " %s", use)
	}
	fmt.Fprintf(writer, ")")
}

// Prints the function with each definition annotated with its
// location.
func PrintResult(result *ResultT, out io.Writer) {
	printer := &ir.PrinterT{Locate: result.Locate}
	printer.Print(result.Func, out)
}
