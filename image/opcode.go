package image

import "fmt"

// Opcode identifies a bytecode instruction.
type Opcode uint8

const (
	Nop Opcode = iota
	Ldarg
	Starg
	Ldloc
	Stloc
	LdcI4
	LdcI8
	LdcR8
	Ldstr
	Ldnull
	Dup
	Pop

	Add
	Sub
	Mul
	Div
	Rem
	Neg
	And
	Or
	Xor
	Not
	Shl
	Shr

	Ceq
	Cgt
	Clt

	Br
	Brtrue
	Brfalse
	Beq
	Bne
	Blt
	Bgt
	Ble
	Bge

	Ret
	Call
	Callvirt
	Newobj
	Ldfld
	Stfld
	Ldsfld
	Stsfld

	Box
	UnboxAny
	Castclass
	Isinst
	Newarr
	Ldelem
	Stelem
	Ldlen

	ConvI
	ConvI8
	ConvR8

	numOpcodes
)

// operandClass is the operand shape an opcode expects.
type operandClass uint8

const (
	classNone operandClass = iota
	classInt
	classFloat
	classString
	classBranch
	classType
	classMember
	classLocal
)

type opInfo struct {
	name    string
	operand operandClass
	size    int // encoded opcode size in bytes, operand excluded
}

var opcodes = [numOpcodes]opInfo{
	Nop:    {"nop", classNone, 1},
	Ldarg:  {"ldarg", classInt, 2},
	Starg:  {"starg", classInt, 2},
	Ldloc:  {"ldloc", classLocal, 2},
	Stloc:  {"stloc", classLocal, 2},
	LdcI4:  {"ldc.i4", classInt, 1},
	LdcI8:  {"ldc.i8", classInt, 1},
	LdcR8:  {"ldc.r8", classFloat, 1},
	Ldstr:  {"ldstr", classString, 1},
	Ldnull: {"ldnull", classNone, 1},
	Dup:    {"dup", classNone, 1},
	Pop:    {"pop", classNone, 1},

	Add: {"add", classNone, 1},
	Sub: {"sub", classNone, 1},
	Mul: {"mul", classNone, 1},
	Div: {"div", classNone, 1},
	Rem: {"rem", classNone, 1},
	Neg: {"neg", classNone, 1},
	And: {"and", classNone, 1},
	Or:  {"or", classNone, 1},
	Xor: {"xor", classNone, 1},
	Not: {"not", classNone, 1},
	Shl: {"shl", classNone, 1},
	Shr: {"shr", classNone, 1},

	Ceq: {"ceq", classNone, 2},
	Cgt: {"cgt", classNone, 2},
	Clt: {"clt", classNone, 2},

	Br:      {"br", classBranch, 1},
	Brtrue:  {"brtrue", classBranch, 1},
	Brfalse: {"brfalse", classBranch, 1},
	Beq:     {"beq", classBranch, 1},
	Bne:     {"bne.un", classBranch, 1},
	Blt:     {"blt", classBranch, 1},
	Bgt:     {"bgt", classBranch, 1},
	Ble:     {"ble", classBranch, 1},
	Bge:     {"bge", classBranch, 1},

	Ret:      {"ret", classNone, 1},
	Call:     {"call", classMember, 1},
	Callvirt: {"callvirt", classMember, 1},
	Newobj:   {"newobj", classMember, 1},
	Ldfld:    {"ldfld", classMember, 1},
	Stfld:    {"stfld", classMember, 1},
	Ldsfld:   {"ldsfld", classMember, 1},
	Stsfld:   {"stsfld", classMember, 1},

	Box:       {"box", classType, 1},
	UnboxAny:  {"unbox.any", classType, 1},
	Castclass: {"castclass", classType, 1},
	Isinst:    {"isinst", classType, 1},
	Newarr:    {"newarr", classType, 1},
	Ldelem:    {"ldelem", classNone, 1},
	Stelem:    {"stelem", classNone, 1},
	Ldlen:     {"ldlen", classNone, 1},

	ConvI:  {"conv.i", classNone, 1},
	ConvI8: {"conv.i8", classNone, 1},
	ConvR8: {"conv.r8", classNone, 1},
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	return op < numOpcodes
}

func (op Opcode) String() string {
	if !op.Valid() {
		return fmt.Sprintf("op(0x%02x)", uint8(op))
	}
	return opcodes[op].name
}

// IsBranch reports whether op takes a branch target operand.
func (op Opcode) IsBranch() bool {
	return op.Valid() && opcodes[op].operand == classBranch
}

// Accepts reports whether op can carry an operand of kind k.
func (op Opcode) Accepts(k OperandKind) bool {
	if !op.Valid() {
		return false
	}
	switch opcodes[op].operand {
	case classNone:
		return k == OperandNone
	case classInt:
		return k == OperandInt
	case classFloat:
		return k == OperandFloat
	case classString:
		return k == OperandString
	case classBranch:
		return k == OperandBranch
	case classType:
		return k == OperandType
	case classMember:
		return k == OperandMember || k == OperandGenericMember
	case classLocal:
		return k == OperandLocal
	}
	return false
}

// ParseOpcode returns the opcode with the given mnemonic.
func ParseOpcode(name string) (Opcode, bool) {
	for i, info := range opcodes {
		if info.name == name {
			return Opcode(i), true
		}
	}
	return 0, false
}

// size returns the encoded size of an instruction using op.
func (op Opcode) size() int {
	if !op.Valid() {
		return 1
	}
	info := opcodes[op]
	n := info.size
	switch info.operand {
	case classInt:
		if op == LdcI8 {
			n += 8
		} else if op == Ldarg || op == Starg {
			n += 2
		} else {
			n += 4
		}
	case classFloat:
		n += 8
	case classString, classBranch, classType, classMember:
		n += 4
	case classLocal:
		n += 2
	}
	return n
}
