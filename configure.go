package hotswap

import (
	"github.com/pboyd/hotswap/config"
	"github.com/pboyd/hotswap/journal"
	"github.com/pboyd/hotswap/live"
	"github.com/pboyd/hotswap/loader"
)

// NewSessionFromConfig returns a session with the suffix, mode and journal
// of cfg. opts are applied after them. When cfg names a journal, the
// session owns it and Close closes it.
func NewSessionFromConfig(rt *live.Runtime, cfg *config.Config, opts ...Option) (*Session, error) {
	base := []Option{
		WithSuffix(cfg.Session.Suffix),
		WithMode(cfg.PatchMode()),
	}

	var j *journal.Journal
	if cfg.Session.Journal != "" {
		var err error
		j, err = journal.Open(cfg.Path(cfg.Session.Journal))
		if err != nil {
			return nil, err
		}
		base = append(base, WithJournal(j))
	}

	s := NewSession(rt, append(base, opts...)...)
	if j != nil && s.journal == j {
		s.ownJournal = true
	} else if j != nil {
		j.Close()
	}
	return s, nil
}

// OpenConfig opens the image of every module in cfg, in order. It stops
// at the first image that cannot be read or bound.
func (s *Session) OpenConfig(cfg *config.Config) ([]*loader.Report, error) {
	reports := make([]*loader.Report, 0, len(cfg.Modules))
	for _, m := range cfg.Modules {
		r, err := s.Open(cfg.Path(m.Image), m.Instrument)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Modules returns the modules of cfg ready for RebuildAll.
func Modules(cfg *config.Config) []Module {
	mods := make([]Module, 0, len(cfg.Modules))
	for i := range cfg.Modules {
		mods = append(mods, module(cfg, &cfg.Modules[i]))
	}
	return mods
}

// ConfigModule returns the module of cfg called name.
func ConfigModule(cfg *config.Config, name string) (Module, bool) {
	cm := cfg.Module(name)
	if cm == nil {
		return Module{}, false
	}
	return module(cfg, cm), true
}

// module converts cm. Build commands run in the config directory, and a
// module without one has no builder.
func module(cfg *config.Config, cm *config.Module) Module {
	m := Module{Name: cm.Name}
	for _, src := range cm.Sources {
		m.Sources = append(m.Sources, cfg.Path(src))
	}
	if len(cm.Build) > 0 {
		m.Builder = &CommandBuilder{
			Command: cm.Build,
			Dir:     cfg.Dir,
			Output:  cm.Output,
		}
	}
	return m
}
