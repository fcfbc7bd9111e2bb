package image

import "fmt"

// Label is a forward-declarable branch target used by Asm.
type Label int

// Asm builds a function body. Branches may name labels that are marked
// later; Done resolves them to instruction indices.
type Asm struct {
	fn      *Function
	marks   []int
	fixups  map[int]Label
	pending []Label
}

// NewAsm returns an assembler appending to fn's body.
func NewAsm(fn *Function) *Asm {
	return &Asm{fn: fn, fixups: map[int]Label{}}
}

// Local declares a local variable and returns its index.
func (a *Asm) Local(t *TypeRef) int {
	a.fn.Locals = append(a.fn.Locals, t)
	return len(a.fn.Locals) - 1
}

// NewLabel declares an unmarked label.
func (a *Asm) NewLabel() Label {
	a.marks = append(a.marks, -1)
	return Label(len(a.marks) - 1)
}

// Mark binds l to the next emitted instruction.
func (a *Asm) Mark(l Label) {
	a.pending = append(a.pending, l)
}

// Emit appends an instruction.
func (a *Asm) Emit(op Opcode, operand Operand) *Asm {
	idx := len(a.fn.Body)
	for _, l := range a.pending {
		a.marks[l] = idx
	}
	a.pending = a.pending[:0]
	a.fn.Body = append(a.fn.Body, &Instruction{Op: op, Operand: operand})
	return a
}

// Op appends an instruction without an operand.
func (a *Asm) Op(op Opcode) *Asm {
	return a.Emit(op, NoOperand)
}

// Branch appends a branch to l.
func (a *Asm) Branch(op Opcode, l Label) *Asm {
	a.fixups[len(a.fn.Body)] = l
	return a.Emit(op, Branch(-1))
}

func (a *Asm) Ldarg(i int) *Asm           { return a.Emit(Ldarg, Int(int64(i))) }
func (a *Asm) LdcI4(v int32) *Asm         { return a.Emit(LdcI4, Int(int64(v))) }
func (a *Asm) Ldstr(s string) *Asm        { return a.Emit(Ldstr, String(s)) }
func (a *Asm) Ldloc(i int) *Asm           { return a.Emit(Ldloc, Local(i)) }
func (a *Asm) Stloc(i int) *Asm           { return a.Emit(Stloc, Local(i)) }
func (a *Asm) Call(m *MemberRef) *Asm     { return a.Emit(Call, Member(m)) }
func (a *Asm) Callvirt(m *MemberRef) *Asm { return a.Emit(Callvirt, Member(m)) }
func (a *Asm) Ret() *Asm                  { return a.Op(Ret) }

// Done resolves labels, lays out offsets and validates the body.
func (a *Asm) Done() error {
	if len(a.pending) > 0 {
		return fmt.Errorf("%s: label marked past the last instruction", a.fn.Name)
	}
	for idx, l := range a.fixups {
		target := a.marks[l]
		if target < 0 {
			return fmt.Errorf("%s: label %d never marked", a.fn.Name, l)
		}
		a.fn.Body[idx].Operand.Target = target
	}
	a.fn.Layout()
	if a.fn.declaring == nil {
		return nil
	}
	return a.fn.Validate()
}

// MustDone is like Done but panics on error. It is meant for tests and
// static tables.
func (a *Asm) MustDone() *Function {
	if err := a.Done(); err != nil {
		panic(err)
	}
	return a.fn
}
