package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"monorun/internal/core"
	"monorun/internal/plugin"
)

func key(pkg, task string) string { return pkg + "#" + task }

// fakeFingerprinter derives the fingerprint from package and task names.
type fakeFingerprinter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeFingerprinter) Fingerprint(pkg core.Package, task string, _ core.TaskSpec) (core.Fingerprint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return core.Fingerprint("fp-" + key(pkg.Name, task)), nil
}

type fakeLocal struct {
	mu       sync.Mutex
	entries  map[core.Fingerprint]bool
	restores map[core.Fingerprint]int
	cleans   map[string]int
	restErr  error
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		entries:  map[core.Fingerprint]bool{},
		restores: map[core.Fingerprint]int{},
		cleans:   map[string]int{},
	}
}

func (l *fakeLocal) IsCachedLocally(fp core.Fingerprint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[fp]
}

func (l *fakeLocal) RestoreOutputs(_ core.Package, fp core.Fingerprint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restores[fp]++
	return l.restErr
}

func (l *fakeLocal) CleanOutputs(pkg core.Package, _ core.TaskSpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleans[pkg.Name]++
	return nil
}

func (l *fakeLocal) put(fp core.Fingerprint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[fp] = true
}

func (l *fakeLocal) restoreCount(fp core.Fingerprint) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restores[fp]
}

type execCall struct {
	Key           string
	Strict        bool
	CacheDisabled bool
}

// fakeExecutor records calls in order and stores successful results in the
// local fake, like the real executor does.
type fakeExecutor struct {
	local *fakeLocal
	delay map[string]time.Duration
	fail  map[string]error
	panic map[string]bool

	mu      sync.Mutex
	calls   []execCall
	running int
	peak    int
	started map[string]int
	ended   map[string]int
	clock   int
}

func newFakeExecutor(local *fakeLocal) *fakeExecutor {
	return &fakeExecutor{
		local:   local,
		delay:   map[string]time.Duration{},
		fail:    map[string]error{},
		panic:   map[string]bool{},
		started: map[string]int{},
		ended:   map[string]int{},
	}
}

func (x *fakeExecutor) ExecuteTask(_ context.Context, pkg core.Package, task string, _ core.TaskSpec, fp core.Fingerprint, strict, cacheDisabled bool) error {
	k := key(pkg.Name, task)
	x.mu.Lock()
	x.calls = append(x.calls, execCall{Key: k, Strict: strict, CacheDisabled: cacheDisabled})
	x.clock++
	x.started[k] = x.clock
	x.running++
	if x.running > x.peak {
		x.peak = x.running
	}
	delay, failErr, boom := x.delay[k], x.fail[k], x.panic[k]
	x.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	x.mu.Lock()
	x.running--
	x.clock++
	x.ended[k] = x.clock
	x.mu.Unlock()

	if boom {
		panic("executor exploded")
	}
	if failErr != nil {
		return failErr
	}
	if !cacheDisabled {
		x.local.put(fp)
	}
	return nil
}

func (x *fakeExecutor) keys() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]string, 0, len(x.calls))
	for _, c := range x.calls {
		out = append(out, c.Key)
	}
	return out
}

func (x *fakeExecutor) count(k string) int {
	n := 0
	for _, c := range x.keys() {
		if c == k {
			n++
		}
	}
	return n
}

var errRemoteDown = errors.New("remote down")

type fakeRemote struct {
	local *fakeLocal

	mu          sync.Mutex
	objects     map[core.Fingerprint]bool
	existsErr   error
	downloadErr error
	uploadErr   error
	downloads   map[core.Fingerprint]int
	uploads     map[core.Fingerprint]int
}

func newFakeRemote(local *fakeLocal) *fakeRemote {
	return &fakeRemote{
		local:     local,
		objects:   map[core.Fingerprint]bool{},
		downloads: map[core.Fingerprint]int{},
		uploads:   map[core.Fingerprint]int{},
	}
}

func (r *fakeRemote) Exists(_ context.Context, fp core.Fingerprint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.existsErr != nil {
		return false, r.existsErr
	}
	return r.objects[fp], nil
}

func (r *fakeRemote) Download(_ context.Context, fp core.Fingerprint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloads[fp]++
	if r.downloadErr != nil {
		return r.downloadErr
	}
	r.local.put(fp)
	return nil
}

func (r *fakeRemote) Upload(_ context.Context, fp core.Fingerprint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads[fp]++
	if r.uploadErr != nil {
		return r.uploadErr
	}
	r.objects[fp] = true
	return nil
}

type spyEmitter struct {
	mu     sync.Mutex
	events []plugin.Event
}

func (s *spyEmitter) Emit(e plugin.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *spyEmitter) snapshot() []plugin.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]plugin.Event(nil), s.events...)
}

func (s *spyEmitter) kinds(pkg string) []plugin.Kind {
	var out []plugin.Kind
	for _, e := range s.snapshot() {
		if e.Package == pkg {
			out = append(out, e.Kind)
		}
	}
	return out
}

// harness wires one engine to the fakes.
type harness struct {
	fp      *fakeFingerprinter
	local   *fakeLocal
	exec    *fakeExecutor
	remote  *fakeRemote
	emitter *spyEmitter
	pkgs    map[string]core.Package
	tasks   core.TaskTable
}

func newHarness(tasks core.TaskTable, pkgs ...core.Package) *harness {
	local := newFakeLocal()
	h := &harness{
		fp:      &fakeFingerprinter{},
		local:   local,
		exec:    newFakeExecutor(local),
		emitter: &spyEmitter{},
		pkgs:    map[string]core.Package{},
		tasks:   tasks,
	}
	for _, p := range pkgs {
		h.pkgs[p.Name] = p
	}
	return h
}

func (h *harness) withRemote() *harness {
	h.remote = newFakeRemote(h.local)
	return h
}

func (h *harness) engine(opts Options) *Engine {
	deps := Deps{
		Packages:      h.pkgs,
		Tasks:         h.tasks,
		Fingerprinter: h.fp,
		Local:         h.local,
		Executor:      h.exec,
		Emitter:       h.emitter,
	}
	if h.remote != nil {
		deps.Remote = h.remote
	}
	return New(deps, opts)
}

func pkg(name string, deps ...string) core.Package {
	return core.Package{Name: name, Dir: "/ws/" + name, Dependencies: deps}
}
