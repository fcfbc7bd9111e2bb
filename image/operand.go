package image

// OperandKind tags the variant held by an Operand.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandInt
	OperandFloat
	OperandString
	OperandBranch
	OperandType
	OperandMember
	OperandGenericMember
	OperandLocal
)

var operandKindNames = [...]string{
	OperandNone:          "none",
	OperandInt:           "int",
	OperandFloat:         "float",
	OperandString:        "string",
	OperandBranch:        "branch",
	OperandType:          "type",
	OperandMember:        "member",
	OperandGenericMember: "generic member",
	OperandLocal:         "local",
}

func (k OperandKind) String() string {
	if int(k) < len(operandKindNames) {
		return operandKindNames[k]
	}
	return "unknown"
}

// Operand is the optional argument of an instruction. Exactly one of the
// value fields is meaningful, selected by Kind.
type Operand struct {
	Kind OperandKind `cbor:"1,keyasint"`

	Int    int64   `cbor:"2,keyasint,omitempty"`
	Float  float64 `cbor:"3,keyasint,omitempty"`
	String string  `cbor:"4,keyasint,omitempty"`

	// Target is the index of the branch target within the same body.
	Target int `cbor:"5,keyasint,omitempty"`

	Type   *TypeRef   `cbor:"6,keyasint,omitempty"`
	Member *MemberRef `cbor:"7,keyasint,omitempty"`

	// Local is the index of a local variable.
	Local int `cbor:"8,keyasint,omitempty"`
}

// NoOperand is the empty operand.
var NoOperand = Operand{}

func Int(v int64) Operand       { return Operand{Kind: OperandInt, Int: v} }
func Float(v float64) Operand   { return Operand{Kind: OperandFloat, Float: v} }
func String(v string) Operand   { return Operand{Kind: OperandString, String: v} }
func Branch(target int) Operand { return Operand{Kind: OperandBranch, Target: target} }
func Type(t *TypeRef) Operand   { return Operand{Kind: OperandType, Type: t} }
func Local(index int) Operand   { return Operand{Kind: OperandLocal, Local: index} }

// Member returns a member operand, tagged as a generic member when m is a
// generic instantiation.
func Member(m *MemberRef) Operand {
	if m.IsGenericInstance() {
		return Operand{Kind: OperandGenericMember, Member: m}
	}
	return Operand{Kind: OperandMember, Member: m}
}
