package image

import (
	"strconv"
	"strings"
)

// CoreScope is the identity of the binary that declares the builtin types.
const CoreScope = "core, Version=1.0.0.0"

// TypeKind distinguishes the shapes a TypeRef can take.
type TypeKind uint8

const (
	TypeNamed TypeKind = iota
	TypeArray
	TypeByRef
	TypeGenericInstance
	TypeGenericParam
)

// TypeRef describes a type as seen from a binary image. It is independent
// of any running process.
type TypeRef struct {
	Kind TypeKind `cbor:"1,keyasint"`

	// Scope is the identity string of the declaring binary. Only set for
	// named types.
	Scope     string   `cbor:"2,keyasint,omitempty"`
	Namespace string   `cbor:"3,keyasint,omitempty"`
	Name      string   `cbor:"4,keyasint,omitempty"`
	Declaring *TypeRef `cbor:"5,keyasint,omitempty"`

	// Elem is the element type for arrays and by-ref types, and the open
	// generic type for instances.
	Elem *TypeRef   `cbor:"6,keyasint,omitempty"`
	Args []*TypeRef `cbor:"7,keyasint,omitempty"`

	// Position and Method describe a generic parameter: its index and
	// whether it belongs to a method (!!N) or the declaring type (!N).
	Position int  `cbor:"8,keyasint,omitempty"`
	Method   bool `cbor:"9,keyasint,omitempty"`

	// Value marks types that are boxed when stored as an object.
	Value bool `cbor:"10,keyasint,omitempty"`
}

// Named returns a reference to a top level type.
func Named(scope, namespace, name string) *TypeRef {
	return &TypeRef{Kind: TypeNamed, Scope: scope, Namespace: namespace, Name: name}
}

// Builtin returns a reference to a type declared by the core binary.
func Builtin(name string) *TypeRef {
	t := Named(CoreScope, "", name)
	switch name {
	case "any", "string", "error":
	default:
		t.Value = true
	}
	return t
}

// Nested returns a reference to a type nested in parent.
func Nested(parent *TypeRef, name string) *TypeRef {
	return &TypeRef{Kind: TypeNamed, Scope: parent.Scope, Name: name, Declaring: parent}
}

// ArrayOf returns a reference to an array of elem.
func ArrayOf(elem *TypeRef) *TypeRef {
	return &TypeRef{Kind: TypeArray, Elem: elem}
}

// RefTo returns a by-reference variant of elem.
func RefTo(elem *TypeRef) *TypeRef {
	return &TypeRef{Kind: TypeByRef, Elem: elem}
}

// Instance returns a reference to open instantiated over args.
func Instance(open *TypeRef, args ...*TypeRef) *TypeRef {
	return &TypeRef{Kind: TypeGenericInstance, Elem: open, Args: args}
}

// TypeParam returns a reference to the declaring type's generic parameter.
func TypeParam(pos int) *TypeRef {
	return &TypeRef{Kind: TypeGenericParam, Position: pos}
}

// MethodParam returns a reference to a method's own generic parameter.
func MethodParam(pos int) *TypeRef {
	return &TypeRef{Kind: TypeGenericParam, Position: pos, Method: true}
}

// FullName returns the scope-less name of the type, e.g. "demo.Outer/Inner",
// "int[]" or "demo.Box`1<string>".
func (t *TypeRef) FullName() string {
	if t == nil {
		return "void"
	}
	switch t.Kind {
	case TypeArray:
		return t.Elem.FullName() + "[]"
	case TypeByRef:
		return t.Elem.FullName() + "&"
	case TypeGenericInstance:
		args := make([]string, len(t.Args))
		for i, a := range t.Args {
			args[i] = a.FullName()
		}
		return t.Elem.FullName() + "<" + strings.Join(args, ",") + ">"
	case TypeGenericParam:
		if t.Method {
			return "!!" + strconv.Itoa(t.Position)
		}
		return "!" + strconv.Itoa(t.Position)
	}
	if t.Declaring != nil {
		return t.Declaring.FullName() + "/" + t.Name
	}
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

func (t *TypeRef) String() string {
	return t.FullName()
}

// Key returns the canonical cache key of the reference: its full name
// qualified by the scopes of every named type it mentions.
func (t *TypeRef) Key() string {
	var sb strings.Builder
	t.writeKey(&sb)
	return sb.String()
}

func (t *TypeRef) writeKey(sb *strings.Builder) {
	switch t.Kind {
	case TypeArray:
		t.Elem.writeKey(sb)
		sb.WriteString("[]")
	case TypeByRef:
		t.Elem.writeKey(sb)
		sb.WriteString("&")
	case TypeGenericInstance:
		t.Elem.writeKey(sb)
		sb.WriteString("<")
		for i, a := range t.Args {
			if i > 0 {
				sb.WriteString(",")
			}
			a.writeKey(sb)
		}
		sb.WriteString(">")
	case TypeGenericParam:
		sb.WriteString(t.FullName())
	default:
		sb.WriteString("[")
		sb.WriteString(t.root().Scope)
		sb.WriteString("]")
		sb.WriteString(t.FullName())
	}
}

func (t *TypeRef) root() *TypeRef {
	for t.Declaring != nil {
		t = t.Declaring
	}
	return t
}

// Open reports whether the reference mentions a generic parameter.
func (t *TypeRef) Open() bool {
	if t == nil {
		return false
	}
	switch t.Kind {
	case TypeGenericParam:
		return true
	case TypeArray, TypeByRef:
		return t.Elem.Open()
	case TypeGenericInstance:
		for _, a := range t.Args {
			if a.Open() {
				return true
			}
		}
		return t.Elem.Open()
	}
	return false
}

// MemberKind distinguishes fields from methods.
type MemberKind uint8

const (
	MemberField MemberKind = iota
	MemberMethod
)

// Constructor is the name of constructor methods.
const Constructor = ".ctor"

// MemberRef describes a field or method as seen from a binary image.
type MemberRef struct {
	Kind      MemberKind `cbor:"1,keyasint"`
	Declaring *TypeRef   `cbor:"2,keyasint"`
	Name      string     `cbor:"3,keyasint"`

	// Type is the field type, or the method's return type (nil for void).
	Type   *TypeRef   `cbor:"4,keyasint,omitempty"`
	Params []*TypeRef `cbor:"5,keyasint,omitempty"`

	// GenericArity is the number of generic parameters the method declares.
	// GenericArgs is set when the reference is a generic instantiation.
	GenericArity int        `cbor:"6,keyasint,omitempty"`
	GenericArgs  []*TypeRef `cbor:"7,keyasint,omitempty"`
}

// FieldRef returns a reference to a field.
func FieldRef(declaring *TypeRef, name string, typ *TypeRef) *MemberRef {
	return &MemberRef{Kind: MemberField, Declaring: declaring, Name: name, Type: typ}
}

// MethodRef returns a reference to a non-generic method. ret is nil for
// void methods.
func MethodRef(declaring *TypeRef, name string, ret *TypeRef, params ...*TypeRef) *MemberRef {
	return &MemberRef{Kind: MemberMethod, Declaring: declaring, Name: name, Type: ret, Params: params}
}

// GenericMethodRef returns a reference to an open generic method.
func GenericMethodRef(declaring *TypeRef, name string, arity int, ret *TypeRef, params ...*TypeRef) *MemberRef {
	m := MethodRef(declaring, name, ret, params...)
	m.GenericArity = arity
	return m
}

// CtorRef returns a reference to a constructor.
func CtorRef(declaring *TypeRef, params ...*TypeRef) *MemberRef {
	return MethodRef(declaring, Constructor, nil, params...)
}

// Instantiate returns a copy of m closed over args.
func (m *MemberRef) Instantiate(args ...*TypeRef) *MemberRef {
	c := *m
	c.GenericArgs = args
	if c.GenericArity == 0 {
		c.GenericArity = len(args)
	}
	return &c
}

// IsGenericInstance reports whether m is a closed generic method.
func (m *MemberRef) IsGenericInstance() bool {
	return len(m.GenericArgs) > 0
}

// FullName renders the member like "int demo.Calc::sum(int,int)" or
// "int demo.Calc::a".
func (m *MemberRef) FullName() string {
	var sb strings.Builder
	sb.WriteString(m.Type.FullName())
	sb.WriteString(" ")
	sb.WriteString(m.Declaring.FullName())
	sb.WriteString("::")
	sb.WriteString(m.Name)
	if m.Kind == MemberField {
		return sb.String()
	}
	if len(m.GenericArgs) > 0 {
		sb.WriteString("<")
		for i, a := range m.GenericArgs {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(a.FullName())
		}
		sb.WriteString(">")
	} else if m.GenericArity > 0 {
		sb.WriteString("`")
		sb.WriteString(strconv.Itoa(m.GenericArity))
	}
	sb.WriteString("(")
	for i, p := range m.Params {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(p.FullName())
	}
	sb.WriteString(")")
	return sb.String()
}

func (m *MemberRef) String() string {
	return m.FullName()
}

// Key returns the canonical cache key of the member.
func (m *MemberRef) Key() string {
	var sb strings.Builder
	sb.WriteString(m.Declaring.Key())
	sb.WriteString("::")
	sb.WriteString(m.Name)
	if m.Kind == MemberField {
		return sb.String()
	}
	sb.WriteString("`")
	sb.WriteString(strconv.Itoa(m.GenericArity))
	for _, a := range m.GenericArgs {
		sb.WriteString("|")
		sb.WriteString(a.Key())
	}
	sb.WriteString("(")
	for i, p := range m.Params {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(p.Key())
	}
	sb.WriteString(")")
	return sb.String()
}
