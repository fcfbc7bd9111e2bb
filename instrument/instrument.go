// Package instrument rewrites image functions, ahead of loading, so that
// every call first consults a dispatch slot.
//
// An instrumented function starts with a guard: when its slot is empty the
// original body runs unchanged; otherwise the receiver and arguments are
// packed into an []any, the unit in the slot is invoked with them, and its
// result is returned. The guard is evaluated on every call, so a unit
// stored in the slot takes effect on the next call.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/pboyd/hotswap/image"
	"github.com/pboyd/hotswap/internal/fault"
)

const (
	slotPrefix = "_✿_"
	slotSuffix = "_field"
)

var log = commonlog.GetLogger("hotswap.instrument")

var (
	// ErrIneligible is wrapped by errors for functions the pass skips by
	// design: constructors, static and bodiless functions.
	ErrIneligible = errors.New("not eligible for instrumentation")

	// ErrInstrumented means the function already has a dispatch slot.
	ErrInstrumented = errors.New("already instrumented")
)

// CodeType is the type of dispatch slot fields.
var CodeType = image.Named(image.CoreScope, "", "hotpatch.Code")

// invokeRef is the method the guard calls on the unit in the slot.
var invokeRef = image.MethodRef(CodeType, "Invoke", image.Builtin("any"), image.ArrayOf(image.Builtin("any")))

var (
	clearChars      = regexp.MustCompile(`[()\[\]]`)
	underscoreChars = regexp.MustCompile(`[. :<>]`)
)

// SlotName returns the name of the dispatch slot field for fn.
func SlotName(fn *image.Function) string {
	s := strings.ReplaceAll(fn.FullName(), "::", "_")
	s = clearChars.ReplaceAllString(s, "")
	s = underscoreChars.ReplaceAllString(s, "_")
	s = strings.ReplaceAll(s, "&", "_amp")
	return slotPrefix + s + slotSuffix
}

// IsSlotField reports whether f is a dispatch slot field.
func IsSlotField(f *image.FieldDef) bool {
	return strings.HasPrefix(f.Name, slotPrefix) && strings.HasSuffix(f.Name, slotSuffix)
}

// SlotRef returns a reference to fn's dispatch slot field.
func SlotRef(fn *image.Function) *image.MemberRef {
	return image.FieldRef(fn.DeclaringType().Ref(), SlotName(fn), CodeType)
}

// Instrumented reports whether fn has a dispatch slot.
func Instrumented(fn *image.Function) bool {
	td := fn.DeclaringType()
	return td != nil && td.Field(SlotName(fn)) != nil
}

// ImageInstrumented reports whether any type in img has a dispatch slot.
func ImageInstrumented(img *image.Image) bool {
	for _, td := range img.Types() {
		for _, f := range td.Fields {
			if IsSlotField(f) {
				return true
			}
		}
	}
	return false
}

// Start returns the index of the first instruction of fn's original body:
// the target of the guard's branch for instrumented functions, 0
// otherwise.
func Start(fn *image.Function) int {
	if !Instrumented(fn) {
		return 0
	}
	for _, ins := range fn.Body {
		if ins.Op == image.Brtrue {
			return ins.Operand.Target
		}
	}
	return 0
}

// Check returns nil if fn can be instrumented.
func Check(fn *image.Function) error {
	switch {
	case !fn.HasBody():
		return fmt.Errorf("%s: no body: %w", fn, ErrIneligible)
	case fn.IsConstructor():
		return fmt.Errorf("%s: constructor: %w", fn, ErrIneligible)
	case fn.Static:
		return fmt.Errorf("%s: static: %w", fn, ErrIneligible)
	case Instrumented(fn):
		return fmt.Errorf("%s: %w", fn, ErrInstrumented)
	case fn.GenericParams > 0:
		return fault.Unsupported("%s: generic parameters", fn)
	case fn.HasByRefParams():
		return fault.Unsupported("%s: out/ref arguments", fn)
	case fn.DeclaringType().GenericParams > 0:
		return fault.Unsupported("%s: declared on a generic type", fn)
	}
	return nil
}

// Function instruments fn: it declares fn's dispatch slot on the
// declaring type and prepends the guard to its body.
func Function(fn *image.Function) error {
	if err := Check(fn); err != nil {
		return err
	}

	td := fn.DeclaringType()
	slot := SlotRef(fn)
	anyT := image.Builtin("any")
	args := len(fn.Locals)
	fn.Locals = append(fn.Locals, image.ArrayOf(anyT))

	var guard []*image.Instruction
	emit := func(op image.Opcode, operand image.Operand) {
		guard = append(guard, &image.Instruction{Op: op, Operand: operand})
	}

	emit(image.Ldsfld, image.Member(slot))
	emit(image.Ldnull, image.NoOperand)
	emit(image.Ceq, image.NoOperand)
	branch := len(guard)
	emit(image.Brtrue, image.Branch(0))

	emit(image.LdcI4, image.Int(int64(len(fn.Params)+1)))
	emit(image.Newarr, image.Type(anyT))
	emit(image.Stloc, image.Local(args))

	// args[0] is the receiver.
	for i := 0; i <= len(fn.Params); i++ {
		emit(image.Ldloc, image.Local(args))
		emit(image.LdcI4, image.Int(int64(i)))
		emit(image.Ldarg, image.Int(int64(i)))
		if i > 0 && fn.Params[i-1].Type.Value {
			emit(image.Box, image.Type(fn.Params[i-1].Type))
		}
		emit(image.Stelem, image.NoOperand)
	}

	emit(image.Ldsfld, image.Member(slot))
	emit(image.Ldloc, image.Local(args))
	emit(image.Callvirt, image.Member(invokeRef))

	switch {
	case fn.Return == nil:
		emit(image.Pop, image.NoOperand)
	case fn.Return.Value:
		emit(image.UnboxAny, image.Type(fn.Return))
	default:
		emit(image.Castclass, image.Type(fn.Return))
	}
	emit(image.Ret, image.NoOperand)

	shift := len(guard)
	for _, ins := range fn.Body {
		if ins.Operand.Kind == image.OperandBranch {
			ins.Operand.Target += shift
		}
	}
	guard[branch].Operand = image.Branch(shift)

	fn.Body = append(guard, fn.Body...)
	fn.Layout()
	td.AddField(SlotName(fn), CodeType, true)
	return nil
}

// Report describes an instrumentation pass.
type Report struct {
	Instrumented []string
	Skipped      []Skip

	// Already is set when the image was instrumented before the pass.
	Already bool
}

// Skip is a function the pass left alone, and why.
type Skip struct {
	Func   string
	Reason error
}

func (r *Report) add(fn *image.Function, err error) {
	if err == nil {
		r.Instrumented = append(r.Instrumented, fn.FullName())
		return
	}
	r.Skipped = append(r.Skipped, Skip{Func: fn.FullName(), Reason: err})
	switch {
	case errors.Is(err, ErrInstrumented):
		log.Warningf("%s already instrumented", fn)
	case errors.Is(err, fault.ErrUnsupported):
		log.Warningf("%s cannot be instrumented: %s", fn, err)
	}
}

// Type instruments every eligible function of td.
func Type(td *image.TypeDef) Report {
	var r Report
	r.typ(td)
	return r
}

func (r *Report) typ(td *image.TypeDef) {
	// Function adds fields, not functions, so ranging is safe.
	for _, fn := range td.Functions {
		r.add(fn, Function(fn))
	}
}

// Image instruments every type of img, nested types included.
func Image(img *image.Image) Report {
	var r Report
	for _, td := range img.Types() {
		r.typ(td)
	}
	return r
}

// File instruments the image at path in place. An image that is already
// instrumented is left untouched.
func File(path string) (Report, error) {
	img, err := image.ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	if ImageInstrumented(img) {
		log.Infof("%s was already instrumented", path)
		return Report{Already: true}, nil
	}

	r := Image(img)
	if err := image.WriteFile(path, img); err != nil {
		return r, err
	}
	log.Infof("instrumented %d functions in %s", len(r.Instrumented), path)
	return r, nil
}
