package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"gopkg.in/yaml.v3"

	"github.com/ValentinKolb/ctxhub/lib/errs"
)

var log = logger.GetLogger("catalog")

type scopeKey struct {
	user  string
	agent string
}

// Scopes is an immutable set of agent scopes. A scope restricts what a
// user's agent can reach to a set of folders and their subtrees. It never
// widens the access the user has.
type Scopes struct {
	byKey map[scopeKey]map[uuid.UUID]struct{}
}

// ScopeRule is one entry of the scope file.
type ScopeRule struct {
	User    string      `yaml:"user"`
	Agent   string      `yaml:"agent"`
	Folders []uuid.UUID `yaml:"folders"`
}

// scopeFile is the document format of the scope file:
//
//	scopes:
//	  - user: alice
//	    agent: assistant
//	    folders: [6f1c..., 90ab...]
type scopeFile struct {
	Scopes []ScopeRule `yaml:"scopes"`
}

// NewScopes builds a scope set from rules. Rules for the same (user, agent)
// pair are merged.
func NewScopes(rules ...ScopeRule) *Scopes {
	s := &Scopes{byKey: make(map[scopeKey]map[uuid.UUID]struct{})}
	for _, r := range rules {
		k := scopeKey{r.User, r.Agent}
		set, ok := s.byKey[k]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			s.byKey[k] = set
		}
		for _, f := range r.Folders {
			set[f] = struct{}{}
		}
	}
	return s
}

// ParseScopes parses the YAML scope file format.
func ParseScopes(data []byte) (*Scopes, error) {
	var f scopeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidOperation, err, "parse scope file")
	}
	for _, r := range f.Scopes {
		if r.User == "" || r.Agent == "" {
			return nil, errs.New(errs.CodeInvalidOperation, "scope rule needs user and agent")
		}
	}
	return NewScopes(f.Scopes...), nil
}

// Allowed returns the folder set of (user, agent) and whether a scope is
// configured for the pair at all. An unconfigured pair is unrestricted.
func (s *Scopes) Allowed(user, agent string) (map[uuid.UUID]struct{}, bool) {
	if s == nil {
		return nil, false
	}
	set, ok := s.byKey[scopeKey{user, agent}]
	return set, ok
}

// Len returns the number of configured (user, agent) pairs.
func (s *Scopes) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byKey)
}

// --------------------------------------------------------------------------
// Config handle
// --------------------------------------------------------------------------

// ScopeConfig is the injected handle through which components read the
// current scope set. Readers get a consistent snapshot: an update replaces
// the whole set atomically.
type ScopeConfig struct {
	current atomic.Pointer[Scopes]
	reloads atomic.Uint64
}

// NewScopeConfig creates a handle holding s. A nil s means no scopes.
func NewScopeConfig(s *Scopes) *ScopeConfig {
	c := &ScopeConfig{}
	if s == nil {
		s = NewScopes()
	}
	c.current.Store(s)
	return c
}

// Current returns the active scope set.
func (c *ScopeConfig) Current() *Scopes {
	if c == nil {
		return nil
	}
	return c.current.Load()
}

// Set replaces the active scope set.
func (c *ScopeConfig) Set(s *Scopes) {
	c.current.Store(s)
	c.reloads.Add(1)
}

// Reloads returns how often the scope set was replaced.
func (c *ScopeConfig) Reloads() uint64 {
	return c.reloads.Load()
}

// Load reads the scope file at path and activates it. A missing file
// activates an empty set.
func (c *ScopeConfig) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		c.Set(NewScopes())
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.CodeIOFailure, err, "read scope file")
	}
	s, err := ParseScopes(data)
	if err != nil {
		return err
	}
	c.Set(s)
	log.Infof("loaded %d agent scopes from %s", s.Len(), path)
	return nil
}

// Watch reloads the scope file whenever it changes until ctx is done. The
// directory is watched instead of the file so that editors replacing the
// file by rename are picked up. A file that fails to parse is logged and the
// previous set stays active.
func (c *ScopeConfig) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Wrap(errs.CodeIOFailure, err, "create scope watcher")
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return errs.Wrap(errs.CodeIOFailure, err, "resolve scope file path")
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return errs.Wrap(errs.CodeIOFailure, err, "watch scope directory")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if err := c.Load(abs); err != nil {
				log.Warningf("keeping previous agent scopes, reload of %s failed: %v", abs, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warningf("scope watcher: %v", err)
		}
	}
}
