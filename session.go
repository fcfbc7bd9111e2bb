package hotswap

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/pboyd/hotswap/fingerprint"
	"github.com/pboyd/hotswap/image"
	"github.com/pboyd/hotswap/instrument"
	"github.com/pboyd/hotswap/journal"
	"github.com/pboyd/hotswap/live"
	"github.com/pboyd/hotswap/loader"
	"github.com/pboyd/hotswap/patch"
	"github.com/pboyd/hotswap/recompile"
	"github.com/pboyd/hotswap/resolve"
)

var log = commonlog.GetLogger("hotswap")

// Session tracks the functions of the images loaded into one runtime and
// patches them when a rebuilt image arrives.
//
// Batches run one at a time. Snapshot and Snapshots may be called from
// any goroutine.
type Session struct {
	rt      *live.Runtime
	res     *resolve.Resolver
	comp    *recompile.Compiler
	loader  *loader.Loader
	applier *patch.Applier
	journal *journal.Journal
	trace   func(string)

	ownJournal bool

	suffix string
	mode   patch.Mode

	batch sync.Mutex

	mu        sync.Mutex
	snapshots map[string]*Snapshot
	lastPatch map[string]time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithTrace sends one line per patch outcome to fn instead of the log.
func WithTrace(fn func(line string)) Option {
	return func(s *Session) {
		s.trace = fn
	}
}

// WithSuffix sets the marker that distinguishes the name of a rebuilt
// image from the module it replaces.
func WithSuffix(suffix string) Option {
	return func(s *Session) {
		s.suffix = suffix
	}
}

// WithMode sets how patches are installed.
func WithMode(mode patch.Mode) Option {
	return func(s *Session) {
		s.mode = mode
	}
}

// WithJournal records every patch attempt in j.
func WithJournal(j *journal.Journal) Option {
	return func(s *Session) {
		s.journal = j
	}
}

// NewSession returns a session patching functions of rt.
func NewSession(rt *live.Runtime, opts ...Option) *Session {
	s := &Session{
		rt:        rt,
		suffix:    resolve.DefaultSuffix,
		snapshots: map[string]*Snapshot{},
		lastPatch: map[string]time.Time{},
		trace: func(line string) {
			log.Infof("%s", line)
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.res = resolve.New(rt, resolve.WithSuffix(s.suffix))
	s.comp = recompile.New(s.res)
	s.loader = loader.New(s.comp)
	s.applier = patch.New(rt.Slots(), patch.WithMode(s.mode))
	return s
}

// Close closes the journal the session opened itself. A journal passed
// with WithJournal is left to the caller.
func (s *Session) Close() error {
	if s.ownJournal {
		return s.journal.Close()
	}
	return nil
}

// Runtime returns the runtime the session patches.
func (s *Session) Runtime() *live.Runtime {
	return s.rt
}

// Snapshot is what the session knows about one function.
type Snapshot struct {
	Func string

	// Fingerprint is the body that is running now.
	Fingerprint fingerprint.Fingerprint

	// Method is the live function, or nil if it could not be resolved
	// when the function was tracked.
	Method *live.Method

	// Unit is the last unit installed, or nil.
	Unit live.Code

	Strategy patch.Strategy
}

// Snapshot returns a copy of the snapshot of the named function.
func (s *Session) Snapshot(name string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[name]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// Snapshots returns a copy of every snapshot, sorted by function.
func (s *Session) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		list = append(list, *snap)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Func < list[j].Func
	})
	return list
}

// Open reads the image at path, binds it to the runtime and tracks its
// functions. When instr is set and the image has no guards yet, it is
// instrumented and written back before it is loaded.
func (s *Session) Open(path string, instr bool) (*loader.Report, error) {
	img, err := image.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if instr && !instrument.ImageInstrumented(img) {
		r := instrument.Image(img)
		for _, skip := range r.Skipped {
			log.Debugf("not instrumented: %s: %s", skip.Func, skip.Reason)
		}
		if err := image.WriteFile(path, img); err != nil {
			return nil, err
		}
	}

	report, err := s.loader.Load(img)
	if err != nil {
		return nil, err
	}

	// Fingerprints skip the guard, so tracking after instrumentation
	// records the bodies as they were built.
	s.Track(img)
	return report, nil
}

// Track records the fingerprint of every function of img with a body and
// resolves its live handle. Functions that are tracked already keep their
// snapshot. Track returns the number of functions it added.
func (s *Session) Track(img *image.Image) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, fn := range img.Functions() {
		if !fn.HasBody() {
			continue
		}
		name := fn.FullName()
		if _, ok := s.snapshots[name]; ok {
			continue
		}

		snap := &Snapshot{Func: name, Fingerprint: fingerprint.Of(fn)}
		if m, err := s.res.Method(fn.Ref()); err == nil {
			snap.Method = m
		} else {
			log.Debugf("no live handle for %s: %s", name, err)
		}
		s.snapshots[name] = snap
		n++
	}
	log.Debugf("tracking %d new functions of %s", n, img.Name)
	return n
}

// Patch reads the image at path and patches every function that changed.
func (s *Session) Patch(ctx context.Context, path string) (*Result, error) {
	img, err := image.ReadFile(path)
	if err != nil {
		r := &Result{Module: path, Err: err}
		s.trace(fmt.Sprintf("%s: %s", path, r.Status()))
		return r, err
	}
	return s.PatchImage(ctx, img)
}

// PatchImage patches every function of img whose body differs from the
// one running now. A function that fails leaves the rest of the batch
// alone; its failure is listed in the result.
//
// Cancellation is checked between functions. A cancelled batch returns
// the partial result and ctx.Err(). Functions patched before that stay
// patched, and the next batch picks up where this one stopped.
func (s *Session) PatchImage(ctx context.Context, img *image.Image) (*Result, error) {
	s.batch.Lock()
	defer s.batch.Unlock()

	r := &Result{Module: img.Name}
	for _, fn := range img.Functions() {
		if err := ctx.Err(); err != nil {
			s.trace(fmt.Sprintf("%s: cancelled after %d patched", img.Name, len(r.Patched)))
			return r, err
		}
		if !fn.HasBody() {
			continue
		}
		s.patchFunc(ctx, img, fn, r)
	}

	s.trace(fmt.Sprintf("%s: %s", img.Name, r.Status()))
	return r, nil
}

func (s *Session) patchFunc(ctx context.Context, img *image.Image, fn *image.Function, r *Result) {
	name := fn.FullName()

	s.mu.Lock()
	snap, ok := s.snapshots[name]
	var prev Snapshot
	if ok {
		prev = *snap
	}
	s.mu.Unlock()

	if !ok {
		r.Skipped++
		s.trace("skipped " + name + ": not loaded")
		return
	}

	fp := fingerprint.Of(fn)
	if fp.Equal(prev.Fingerprint) {
		r.Unchanged++
		s.trace("unchanged " + name)
		return
	}
	log.Debugf("%s changed\nwas:\n%s\nnow:\n%s", name, prev.Fingerprint.Text, fp.Text)

	target := prev.Method
	if target == nil {
		// Functions bound after tracking, or declared by a later load.
		if m, err := s.res.Method(fn.Ref()); err == nil {
			target = m
		}
	}

	strategy, unit, err := s.install(name, target, fn)
	s.record(ctx, img, name, fp, strategy, err)
	if err != nil {
		fe := &FuncError{Func: name, Err: err}
		r.Failures = append(r.Failures, fe)
		s.trace("failed " + fe.Error())
		return
	}

	s.mu.Lock()
	snap.Fingerprint = fp
	snap.Method = target
	snap.Unit = unit
	snap.Strategy = strategy
	s.mu.Unlock()

	r.Patched = append(r.Patched, name)
	s.trace(fmt.Sprintf("patched %s (%s)", name, strategy))
}

func (s *Session) install(name string, target *live.Method, fn *image.Function) (patch.Strategy, live.Code, error) {
	unit, err := s.comp.Recompile(fn)
	if err != nil {
		return patch.StrategyNone, nil, err
	}
	strategy, err := s.applier.Install(name, target, unit)
	if err != nil {
		return patch.StrategyNone, nil, err
	}
	return strategy, unit, nil
}

func (s *Session) record(ctx context.Context, img *image.Image, name string, fp fingerprint.Fingerprint, strategy patch.Strategy, err error) {
	if s.journal == nil {
		return
	}
	e := journal.Entry{
		Module:   img.Name,
		Func:     name,
		Hash:     fp.Hash.String(),
		Strategy: strategy.String(),
	}
	if err != nil {
		e.Err = err.Error()
	}
	// The attempt is recorded even when the batch is being cancelled.
	if jerr := s.journal.Record(context.WithoutCancel(ctx), e); jerr != nil {
		log.Errorf("%s", jerr)
	}
}
