// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Printing functions in the same S-expression syntax the front end
// reads.  Definitions are annotated with their types and locations:
//   x:f64@xmm3  x in register xmm3
//   $x@slot2    memory value x in spill slot 2

package ir

import (
	"fmt"
	"io"
	"os"
	"strings"
)

type PrinterT struct {
	// Where each value lives.  Defaults to the value's pin.
	Locate func(*ValueT) LocationT
	// Text for the end of an instruction's line, if any.
	Comment func(*InstrT) string
}

func PrintFunc(f *FuncT) {
	(&PrinterT{}).Print(f, os.Stdout)
}

func FuncString(f *FuncT) string {
	var buf strings.Builder
	(&PrinterT{}).Print(f, &buf)
	return buf.String()
}

func (printer *PrinterT) Print(f *FuncT, out io.Writer) {
	writer := MakeColumnWriter(out)
	fmt.Fprintf(writer, "(func %s", f.Name)
	for _, block := range f.Blocks {
		writer.Newline()
		writer.IndentTo(2)
		fmt.Fprintf(writer, "(block %s", block.Name)
		for _, phi := range block.Phis {
			writer.Newline()
			writer.IndentTo(4)
			fmt.Fprintf(writer, "(phi %s", printer.defString(phi.Result))
			for _, operand := range phi.Operands {
				fmt.Fprintf(writer, " (%s %s)", operand.Pred.Name, operand.Value)
			}
			fmt.Fprintf(writer, ")")
		}
		for _, instr := range block.Instrs {
			writer.Newline()
			writer.IndentTo(4)
			printer.writeInstr(instr, writer)
			if printer.Comment != nil {
				if comment := printer.Comment(instr); comment != "" {
					writer.IndentTo(40)
					fmt.Fprintf(writer, " ; %s", comment)
				}
			}
		}
		fmt.Fprintf(writer, ")")
	}
	fmt.Fprintf(writer, ")")
	writer.Newline()
}

func (printer *PrinterT) writeInstr(instr *InstrT, writer io.Writer) {
	switch instr.Op {
	case OpJump:
		fmt.Fprintf(writer, "(jmp %s)", instr.Block.Succs[0].Name)
		return
	case OpBranch:
		fmt.Fprintf(writer, "(br %s %s %s)", instr.Uses[0],
			instr.Block.Succs[0].Name, instr.Block.Succs[1].Name)
		return
	case OpReturn:
		fmt.Fprintf(writer, "(ret")
		for _, use := range instr.Uses {
			fmt.Fprintf(writer, " %s", printer.useString(use))
		}
		fmt.Fprintf(writer, ")")
		return
	}
	fmt.Fprintf(writer, "(%s (", instr.Op)
	for i, def := range instr.Defs {
		if 0 < i {
			fmt.Fprintf(writer, " ")
		}
		fmt.Fprintf(writer, "%s", printer.defString(def))
	}
	fmt.Fprintf(writer, ")")
	if instr.Callee != "" {
		fmt.Fprintf(writer, " %s", instr.Callee)
	}
	for _, use := range instr.Uses {
		fmt.Fprintf(writer, " %s", printer.useString(use))
	}
	fmt.Fprintf(writer, ")")
}

func (printer *PrinterT) useString(use OperandT) string {
	if use.IsImmediate() && use.Type != I64 {
		return fmt.Sprintf("%d:%s", use.Immediate, use.Type)
	}
	return use.String()
}

func (printer *PrinterT) defString(value *ValueT) string {
	var buf strings.Builder
	if value.Memory {
		buf.WriteString("$")
	}
	buf.WriteString(value.Name)
	if value.Type != I64 {
		buf.WriteString(":" + value.Type.String())
	}
	loc := value.Pin
	if printer.Locate != nil {
		loc = printer.Locate(value)
	}
	if !loc.IsNone() {
		buf.WriteString("@" + loc.String())
	}
	return buf.String()
}

//----------------------------------------------------------------
// A writer that keeps track of the current column.

type ColumnWriterT struct {
	writer io.Writer
	Column int
}

func MakeColumnWriter(writer io.Writer) *ColumnWriterT {
	return &ColumnWriterT{writer: writer, Column: 0}
}

func (writer *ColumnWriterT) Write(p []byte) (n int, err error) {
	for _, b := range p {
		if b == '\n' {
			writer.Column = 0
		} else {
			writer.Column += 1
		}
	}
	return writer.writer.Write(p)
}

func (writer *ColumnWriterT) Newline() {
	writer.Column = 0
	writer.writer.Write([]byte("\n"))
}

func (writer *ColumnWriterT) Freshline() {
	if writer.Column != 0 {
		writer.Newline()
	}
}

// Pads with spaces out to 'column'.  If already past it, this starts
// a new line.
func (writer *ColumnWriterT) IndentTo(column int) {
	if writer.Column == column {
		return
	}
	count := column
	if writer.Column < column {
		count -= writer.Column
	} else {
		writer.Newline()
	}
	writer.writer.Write([]byte(strings.Repeat(" ", count)))
	writer.Column += count
}
