package tree

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/etctree/store"
)

// Root is the mounted tree: a directory node that also owns the store
// client, the watcher, the write-task pump, and the Wait barrier.
// Multiple roots are fully independent; they share nothing but possibly
// the store client.
type Root struct {
	Dir

	mu sync.Mutex

	st      store.Store
	rootKey string
	types   *Registry
	env     map[string]string
	delay   time.Duration
	static  bool
	eager   *bool
	create  *bool

	lastMod uint64

	tasks     []*task
	running   bool
	quiet     chan struct{} // closed while the pump is idle
	quietOpen bool
	taskErr   error // from a fire-and-forget task, held for the next Wait

	ctx    context.Context
	cancel context.CancelFunc
	w      *watcher

	stopped chan struct{}
	stopErr error
}

var errClosed = errors.New("closed")

// An Option configures Open.
type Option func(*Root) error

// WithTypes supplies the initial type registry. A directory descriptor
// registered at the empty pattern types the root itself.
func WithTypes(reg *Registry) Option {
	return func(r *Root) error {
		r.types = reg
		return nil
	}
}

// WithUpdateDelay sets the observer coalescing window, one second by
// default. Nodes inherit it unless a descriptor overrides it.
func WithUpdateDelay(d time.Duration) Option {
	return func(r *Root) error {
		if d <= 0 {
			return errors.New("update delay must be positive")
		}
		r.delay = d
		return nil
	}
}

// WithEnv attaches an immutable environment entry to the root, for
// consumers that hang shared handles off the tree.
func WithEnv(key, value string) Option {
	return func(r *Root) error {
		if _, ok := r.env[key]; ok {
			return errors.Errorf("env %q: duplicate assignment", key)
		}
		r.env[key] = value
		return nil
	}
}

// Static opens a snapshot: no watcher is started and the tree never
// updates itself.
func Static() Option {
	return func(r *Root) error {
		r.static = true
		return nil
	}
}

// LoadLazily defers all loading: children materialise on first await.
func LoadLazily() Option {
	return func(r *Root) error {
		r.eager = nil
		return nil
	}
}

// LoadShallow loads the whole tree eagerly but with one read per
// directory instead of one recursive read.
func LoadShallow() Option {
	return func(r *Root) error {
		f := false
		r.eager = &f
		return nil
	}
}

// CreateRoot demands that Open create the mount point (true: it must
// not exist yet) or find it pre-existing (false). Without this option
// it is created when missing.
func CreateRoot(create bool) Option {
	return func(r *Root) error {
		r.create = &create
		return nil
	}
}

// Open mounts the subtree at rootPath and returns its root directory.
func Open(ctx context.Context, st store.Store, rootPath string, opts ...Option) (*Root, error) {
	if !strings.HasPrefix(rootPath, "/") {
		return nil, errors.Errorf("root path %q: missing leading slash", rootPath)
	}
	if rootPath != "/" {
		rootPath = strings.TrimSuffix(rootPath, "/")
	}
	eager := true
	r := &Root{
		st:      st,
		rootKey: rootPath,
		types:   NewRegistry(),
		env:     make(map[string]string),
		delay:   time.Second,
		eager:   &eager,
		stopped: make(chan struct{}),
		quiet:   make(chan struct{}),
	}
	close(r.quiet)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	desc := r.types.Lookup(nil, KindDir)
	if desc == nil {
		desc = DirType
	}
	r.Dir.children = make(map[string]Node)
	r.Dir.added = make(map[string]struct{})
	r.Dir.removed = make(map[string]struct{})
	r.Dir.init(&r.Dir, r, nil, "")
	r.Dir.applyDescriptor(desc)
	r.Dir.inheritTypes = false
	r.Dir.types = r.types

	recursive := r.eager != nil && *r.eager
	res, err := st.Read(ctx, rootPath, recursive)
	switch {
	case err == nil:
		if r.create != nil && *r.create {
			return nil, errors.Wrap(store.ErrExist, rootPath)
		}
	case errors.Is(err, store.ErrNotFound):
		if r.create != nil && !*r.create {
			return nil, errors.Wrap(err, rootPath)
		}
		if _, werr := st.Write(ctx, rootPath, "", store.SetOptions{Dir: true, PrevExist: store.PrevMustNot}); werr != nil {
			return nil, errors.Wrap(werr, rootPath)
		}
		if res, err = st.Read(ctx, rootPath, recursive); err != nil {
			return nil, errors.Wrap(err, rootPath)
		}
	default:
		return nil, errors.Wrap(err, rootPath)
	}
	if !res.Dir {
		return nil, errors.Wrap(ErrTypeMismatch, rootPath)
	}
	r.Dir.setMeta(res.Mod, res.Create, res.TTL)
	if err := r.Dir.fill(ctx, res, recursive, r.eager); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.Dir.updated(0)
	r.mu.Unlock()

	if !r.static {
		r.w = newWatcher(r, res.Index)
		go r.w.run()
	}
	return r, nil
}

// Env returns the value attached at open time, if any.
func (r *Root) Env(key string) (string, bool) {
	v, ok := r.env[key]
	return v, ok
}

// key maps a root-relative segment path to a store key.
func (r *Root) key(rel []string) string {
	if len(rel) == 0 {
		return r.rootKey
	}
	if r.rootKey == "/" {
		return "/" + strings.Join(rel, "/")
	}
	return r.rootKey + "/" + strings.Join(rel, "/")
}

// relativize splits a store key into segments relative to the mount
// point; ok is false for keys outside the watched subtree.
func (r *Root) relativize(key string) ([]string, bool) {
	if key == r.rootKey {
		return nil, true
	}
	prefix := r.rootKey
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(key, prefix) {
		return nil, false
	}
	return strings.Split(key[len(prefix):], "/"), true
}

// LastMod is the largest modification index ever written through this
// root.
func (r *Root) LastMod() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMod
}

// A TaskFunc is a write task run by the pump; it reports the
// modification index of whatever it wrote.
type TaskFunc func(ctx context.Context) (uint64, error)

type taskResult struct {
	res *store.Result
	err error
}

type task struct {
	fn   func(ctx context.Context) (*store.Result, error)
	done chan taskResult // nil for fire-and-forget
}

// Task appends a write task to the pump. Tasks run strictly in
// submission order; an error from a fire-and-forget task stops the
// pump until the next Wait call consumes it.
func (r *Root) Task(fn TaskFunc) error {
	return r.enqueue(&task{fn: func(ctx context.Context) (*store.Result, error) {
		mod, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return &store.Result{Mod: mod}, nil
	}})
}

func (r *Root) enqueue(t *task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopErr != nil {
		return ErrWatchStopped
	}
	r.tasks = append(r.tasks, t)
	if !r.quietOpen {
		r.quiet = make(chan struct{})
		r.quietOpen = true
	}
	if !r.running && r.taskErr == nil {
		r.running = true
		go r.pump()
	}
	return nil
}

func (r *Root) pump() {
	for {
		r.mu.Lock()
		if r.taskErr != nil || len(r.tasks) == 0 {
			r.running = false
			if r.quietOpen {
				close(r.quiet)
				r.quietOpen = false
			}
			r.mu.Unlock()
			return
		}
		t := r.tasks[0]
		r.tasks = r.tasks[1:]
		r.mu.Unlock()

		res, err := t.fn(r.ctx)

		r.mu.Lock()
		if err == nil && res != nil && res.Mod > r.lastMod {
			r.lastMod = res.Mod
		}
		if t.done == nil && err != nil {
			log.WithField("err", err.Error()).Error("Write task failed")
			r.taskErr = err
		}
		r.mu.Unlock()
		if t.done != nil {
			t.done <- taskResult{res: res, err: err}
		}
	}
}

func (r *Root) doTask(ctx context.Context, fn func(ctx context.Context) (*store.Result, error)) (*store.Result, error) {
	t := &task{fn: fn, done: make(chan taskResult, 1)}
	if err := r.enqueue(t); err != nil {
		return nil, err
	}
	select {
	case tr := <-t.done:
		return tr.res, tr.err
	case <-ctx.Done():
		// The task keeps running; only this caller gives up.
		return nil, ctx.Err()
	}
}

func (r *Root) write(ctx context.Context, key, value string, o store.SetOptions) (*store.Result, error) {
	return r.doTask(ctx, func(tctx context.Context) (*store.Result, error) {
		return r.st.Write(tctx, key, value, o)
	})
}

func (r *Root) delete(ctx context.Context, key string, o store.DeleteOptions) (*store.Result, error) {
	return r.doTask(ctx, func(tctx context.Context) (*store.Result, error) {
		return r.st.Delete(tctx, key, o)
	})
}

// Wait blocks until the task queue has drained and the watcher has
// observed events up to mod (or, with mod zero, up to the last write
// made through this root). It surfaces a failed fire-and-forget task's
// error exactly once.
func (r *Root) Wait(ctx context.Context, mod uint64) error {
	for {
		r.mu.Lock()
		if r.stopErr != nil {
			r.mu.Unlock()
			return ErrWatchStopped
		}
		if err := r.taskErr; err != nil {
			r.taskErr = nil
			if len(r.tasks) > 0 && !r.running {
				r.running = true
				go r.pump()
			}
			r.mu.Unlock()
			return err
		}
		if !r.running && len(r.tasks) == 0 {
			if mod == 0 {
				mod = r.lastMod
			}
			w := r.w
			r.mu.Unlock()
			if w == nil {
				return nil
			}
			return w.sync(ctx, mod)
		}
		q := r.quiet
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopped:
			return ErrWatchStopped
		case <-q:
		}
	}
}

// ForceUpdated drains every pending notification in the whole tree
// right now, without waiting for coalescing timers.
func (r *Root) ForceUpdated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Dir.forceUpdated(false)
}

// fault records the terminal error and cancels the watcher. It must be
// called with the tree lock held; stop is the unlocked variant.
func (r *Root) fault(err error) {
	if r.stopErr == nil {
		r.stopErr = err
		close(r.stopped)
		if errors.Is(err, errClosed) || errors.Is(err, context.Canceled) {
			log.WithField("root", r.rootKey).Debug("Watch stopped")
		} else {
			log.WithFields(log.Fields{
				"root": r.rootKey,
				"err":  err.Error(),
			}).Error("Watch stopped")
		}
	}
	r.cancel()
}

func (r *Root) stop(err error) {
	r.mu.Lock()
	r.fault(err)
	r.mu.Unlock()
}

// Close shuts the tree down: the watcher's read loop is cancelled and
// pending waits are rejected with ErrWatchStopped.
func (r *Root) Close() error {
	r.stop(errClosed)
	if r.w != nil {
		<-r.w.done
	}
	return nil
}
