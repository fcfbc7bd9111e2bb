// Package image is the offline, read-only structural representation of a
// compiled binary: modules, types, functions and their bytecode
// instruction streams.
//
// An Image is read independently of the running process, so nothing in it
// is directly comparable to live entities. References to types and members
// are descriptors (TypeRef, MemberRef) that the resolve package maps onto
// the live runtime.
package image

import (
	"fmt"
	"strings"
)

// FormatVersion is the version of the on-disk encoding.
const FormatVersion = 1

// Image is a binary image: one binary with its modules.
type Image struct {
	Format int `cbor:"1,keyasint"`

	// Name is the binary name, e.g. "demo" or "demo--hotpatch".
	Name string `cbor:"2,keyasint"`

	// Identity is the identity string the live runtime knows the binary
	// by, e.g. "demo, Version=1.0.0.0".
	Identity string    `cbor:"3,keyasint"`
	Modules  []*Module `cbor:"4,keyasint"`
}

// Module groups the types of an image.
type Module struct {
	Name  string     `cbor:"1,keyasint"`
	Types []*TypeDef `cbor:"2,keyasint"`

	image *Image
}

// TypeDef is a type declared by the image.
type TypeDef struct {
	Namespace     string      `cbor:"1,keyasint,omitempty"`
	Name          string      `cbor:"2,keyasint"`
	GenericParams int         `cbor:"3,keyasint,omitempty"`
	Base          *TypeRef    `cbor:"4,keyasint,omitempty"`
	Fields        []*FieldDef `cbor:"5,keyasint,omitempty"`
	Functions     []*Function `cbor:"6,keyasint,omitempty"`
	Nested        []*TypeDef  `cbor:"7,keyasint,omitempty"`

	module    *Module
	declaring *TypeDef
}

// FieldDef is a field declared by a type.
type FieldDef struct {
	Name   string   `cbor:"1,keyasint"`
	Type   *TypeRef `cbor:"2,keyasint"`
	Static bool     `cbor:"3,keyasint,omitempty"`
}

// Param is a function parameter.
type Param struct {
	Name string   `cbor:"1,keyasint,omitempty"`
	Type *TypeRef `cbor:"2,keyasint"`
	Out  bool     `cbor:"3,keyasint,omitempty"`
}

// Function is a function declared by a type, with its bytecode body.
type Function struct {
	Name          string     `cbor:"1,keyasint"`
	Static        bool       `cbor:"2,keyasint,omitempty"`
	GenericParams int        `cbor:"3,keyasint,omitempty"`
	Params        []*Param   `cbor:"4,keyasint,omitempty"`
	Return        *TypeRef   `cbor:"5,keyasint,omitempty"`
	Locals        []*TypeRef `cbor:"6,keyasint,omitempty"`
	InitLocals    bool       `cbor:"7,keyasint,omitempty"`

	Body []*Instruction `cbor:"8,keyasint,omitempty"`

	declaring *TypeDef
}

// Instruction is one entry of an instruction stream.
type Instruction struct {
	Offset  int     `cbor:"1,keyasint"`
	Op      Opcode  `cbor:"2,keyasint"`
	Operand Operand `cbor:"3,keyasint"`
}

// New returns an empty image with a single module.
func New(name, identity string) *Image {
	img := &Image{
		Format:   FormatVersion,
		Name:     name,
		Identity: identity,
	}
	img.Modules = []*Module{{Name: name}}
	img.Link()
	return img
}

// Link restores the back references between the parts of an image. It
// must be called after an image is decoded or assembled by hand.
func (img *Image) Link() {
	for _, m := range img.Modules {
		m.image = img
		for _, t := range m.Types {
			t.link(m, nil)
		}
	}
}

func (t *TypeDef) link(m *Module, declaring *TypeDef) {
	t.module = m
	t.declaring = declaring
	for _, f := range t.Functions {
		f.declaring = t
	}
	for _, n := range t.Nested {
		n.link(m, t)
	}
}

// Types returns every type of the image, nested types included, in
// declaration order.
func (img *Image) Types() []*TypeDef {
	var out []*TypeDef
	var walk func(*TypeDef)
	walk = func(t *TypeDef) {
		out = append(out, t)
		for _, n := range t.Nested {
			walk(n)
		}
	}
	for _, m := range img.Modules {
		for _, t := range m.Types {
			walk(t)
		}
	}
	return out
}

// Functions returns every function that has a body.
func (img *Image) Functions() []*Function {
	var out []*Function
	for _, t := range img.Types() {
		for _, f := range t.Functions {
			if f.HasBody() {
				out = append(out, f)
			}
		}
	}
	return out
}

// Type returns the type with the given full name, or nil.
func (img *Image) Type(fullName string) *TypeDef {
	for _, t := range img.Types() {
		if t.FullName() == fullName {
			return t
		}
	}
	return nil
}

// Function returns the function with the given full name, or nil.
func (img *Image) Function(fullName string) *Function {
	for _, t := range img.Types() {
		for _, f := range t.Functions {
			if f.FullName() == fullName {
				return f
			}
		}
	}
	return nil
}

// AddType declares a new top level type in the image's first module.
func (img *Image) AddType(namespace, name string) *TypeDef {
	m := img.Modules[0]
	t := &TypeDef{Namespace: namespace, Name: name, module: m}
	m.Types = append(m.Types, t)
	return t
}

// Image returns the image the type belongs to.
func (t *TypeDef) Image() *Image {
	if t.module == nil {
		return nil
	}
	return t.module.image
}

// DeclaringType returns the enclosing type of a nested type.
func (t *TypeDef) DeclaringType() *TypeDef {
	return t.declaring
}

// FullName returns the type's name, e.g. "demo.Outer/Inner".
func (t *TypeDef) FullName() string {
	if t.declaring != nil {
		return t.declaring.FullName() + "/" + t.Name
	}
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// Ref returns a reference to the type scoped to its image.
func (t *TypeDef) Ref() *TypeRef {
	if t.declaring != nil {
		return Nested(t.declaring.Ref(), t.Name)
	}
	scope := ""
	if img := t.Image(); img != nil {
		scope = img.Identity
	}
	return Named(scope, t.Namespace, t.Name)
}

// Field returns the field with the given name, or nil.
func (t *TypeDef) Field(name string) *FieldDef {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// AddField declares a field.
func (t *TypeDef) AddField(name string, typ *TypeRef, static bool) *FieldDef {
	f := &FieldDef{Name: name, Type: typ, Static: static}
	t.Fields = append(t.Fields, f)
	return f
}

// AddNested declares a nested type.
func (t *TypeDef) AddNested(name string) *TypeDef {
	n := &TypeDef{Name: name, module: t.module, declaring: t}
	t.Nested = append(t.Nested, n)
	return n
}

// AddFunction declares a function. ret is nil for void functions.
func (t *TypeDef) AddFunction(name string, ret *TypeRef, params ...*Param) *Function {
	f := &Function{Name: name, Return: ret, Params: params, InitLocals: true, declaring: t}
	t.Functions = append(t.Functions, f)
	return f
}

// Function returns the first function with the given name, or nil.
func (t *TypeDef) Function(name string) *Function {
	for _, f := range t.Functions {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// P is shorthand for a named parameter.
func P(name string, typ *TypeRef) *Param {
	return &Param{Name: name, Type: typ}
}

// DeclaringType returns the type that declares f.
func (f *Function) DeclaringType() *TypeDef {
	return f.declaring
}

// HasBody reports whether f carries an instruction stream.
func (f *Function) HasBody() bool {
	return len(f.Body) > 0
}

// IsConstructor reports whether f is a constructor.
func (f *Function) IsConstructor() bool {
	return f.Name == Constructor
}

// HasByRefParams reports whether any parameter is out or by-reference.
func (f *Function) HasByRefParams() bool {
	for _, p := range f.Params {
		if p.Out || p.Type.Kind == TypeByRef {
			return true
		}
	}
	return false
}

// Ref returns a reference to f scoped to its image.
func (f *Function) Ref() *MemberRef {
	params := make([]*TypeRef, len(f.Params))
	for i, p := range f.Params {
		params[i] = p.Type
	}
	m := MethodRef(f.declaring.Ref(), f.Name, f.Return, params...)
	m.GenericArity = f.GenericParams
	return m
}

// FullName is the stable signature name of f, e.g.
// "string demo.Counter::Label(int)". It does not mention the image scope,
// so the same function in a rebuilt image has the same name.
func (f *Function) FullName() string {
	return f.Ref().FullName()
}

func (f *Function) String() string {
	return f.FullName()
}

// Emit appends an instruction and returns its index. Offsets are
// recomputed.
func (f *Function) Emit(op Opcode, operand Operand) int {
	f.Body = append(f.Body, &Instruction{Op: op, Operand: operand})
	f.Layout()
	return len(f.Body) - 1
}

// Layout recomputes instruction offsets starting at zero.
func (f *Function) Layout() {
	f.LayoutAt(0)
}

// LayoutAt recomputes instruction offsets starting at base.
func (f *Function) LayoutAt(base int) {
	off := base
	for _, ins := range f.Body {
		ins.Offset = off
		off += ins.Op.size()
	}
}

// Validate checks that every operand matches its opcode and that branch
// targets and locals are in range.
func (f *Function) Validate() error {
	for i, ins := range f.Body {
		if !ins.Op.Valid() {
			return fmt.Errorf("%s: IL_%04x: unknown opcode 0x%02x", f.FullName(), ins.Offset, uint8(ins.Op))
		}
		if !ins.Op.Accepts(ins.Operand.Kind) {
			return fmt.Errorf("%s: IL_%04x: %s does not take a %s operand", f.FullName(), ins.Offset, ins.Op, ins.Operand.Kind)
		}
		switch ins.Operand.Kind {
		case OperandBranch:
			if t := ins.Operand.Target; t < 0 || t >= len(f.Body) {
				return fmt.Errorf("%s: instruction %d: branch target %d out of range", f.FullName(), i, t)
			}
		case OperandLocal:
			if l := ins.Operand.Local; l < 0 || l >= len(f.Locals) {
				return fmt.Errorf("%s: instruction %d: local %d out of range", f.FullName(), i, l)
			}
		}
	}
	return nil
}

// Text renders instruction i the way a disassembler would, e.g.
// `IL_0004: ldstr "a"`.
func (f *Function) Text(i int) string {
	ins := f.Body[i]
	s := fmt.Sprintf("IL_%04x: %s", ins.Offset, ins.Op)
	if operand := f.operandText(ins); operand != "" {
		s += " " + operand
	}
	return s
}

func (f *Function) operandText(ins *Instruction) string {
	o := ins.Operand
	switch o.Kind {
	case OperandInt:
		return fmt.Sprintf("%d", o.Int)
	case OperandFloat:
		return fmt.Sprintf("%g", o.Float)
	case OperandString:
		return fmt.Sprintf("%q", o.String)
	case OperandBranch:
		if o.Target >= 0 && o.Target < len(f.Body) {
			return fmt.Sprintf("IL_%04x", f.Body[o.Target].Offset)
		}
		return fmt.Sprintf("IL_?%d", o.Target)
	case OperandType:
		return o.Type.FullName()
	case OperandMember, OperandGenericMember:
		return o.Member.FullName()
	case OperandLocal:
		return fmt.Sprintf("V_%d", o.Local)
	}
	return ""
}

// Disassemble renders the whole body, one instruction per line.
func (f *Function) Disassemble() string {
	var sb strings.Builder
	for i := range f.Body {
		sb.WriteString(f.Text(i))
		sb.WriteString("\n")
	}
	return sb.String()
}
