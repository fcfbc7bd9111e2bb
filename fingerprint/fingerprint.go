// Package fingerprint computes position independent content hashes of
// function bodies.
//
// Two bodies have the same fingerprint when they consist of the same
// opcodes with the same operands, regardless of where they start in the
// image. Branches are rendered as relative byte distances, so inserting
// code ahead of a function (or the instrumentation guard) does not change
// it, while changing a literal, a call target or a branch distance does.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pboyd/hotswap/image"
	"github.com/pboyd/hotswap/instrument"
)

// Sum is a SHA-256 digest.
type Sum [sha256.Size]byte

func (s Sum) String() string {
	return hex.EncodeToString(s[:])
}

// Fingerprint is the hash of a function body and the canonical text it was
// computed from.
type Fingerprint struct {
	Hash Sum
	Text string
}

// Equal reports whether f and o describe the same body.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Hash == o.Hash
}

// Of returns the fingerprint of fn's original body. The guard prepended by
// the instrumentation pass is skipped.
func Of(fn *image.Function) Fingerprint {
	text := Text(fn)
	return Fingerprint{
		Hash: sha256.Sum256([]byte(text)),
		Text: text,
	}
}

// Text returns the canonical rendering of fn's original body, one
// instruction per line.
func Text(fn *image.Function) string {
	var sb strings.Builder
	for i := instrument.Start(fn); i < len(fn.Body); i++ {
		sb.WriteString(line(fn, i))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func line(fn *image.Function, i int) string {
	ins := fn.Body[i]
	if ins.Operand.Kind == image.OperandBranch {
		target := ins.Operand.Target
		if target < 0 || target >= len(fn.Body) {
			return fmt.Sprintf("%s ?%d", ins.Op, target)
		}
		return fmt.Sprintf("%s %d", ins.Op, fn.Body[target].Offset-ins.Offset)
	}
	_, text, _ := strings.Cut(fn.Text(i), ": ")
	return text
}
