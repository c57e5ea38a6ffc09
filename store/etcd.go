package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	client "go.etcd.io/etcd/client/v2"
)

// Etcd adapts the etcd v2 keys API to the Store interface.
type Etcd struct {
	keys client.KeysAPI
}

func NewEtcd(endpoints []string) (*Etcd, error) {
	c, err := client.New(client.Config{
		Endpoints:               endpoints,
		Transport:               client.DefaultTransport,
		HeaderTimeoutPerRequest: 10 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "etcd client")
	}
	return &Etcd{keys: client.NewKeysAPI(c)}, nil
}

func etcdError(err error) error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(client.Error); ok {
		switch ce.Code {
		case client.ErrorCodeKeyNotFound:
			return ErrNotFound
		case client.ErrorCodeTestFailed:
			return ErrTestFailed
		case client.ErrorCodeNotFile:
			return ErrNotFile
		case client.ErrorCodeNotDir:
			return ErrNotDir
		case client.ErrorCodeNodeExist:
			return ErrExist
		case client.ErrorCodeDirNotEmpty:
			return ErrNotEmpty
		}
	}
	return err
}

func fromNode(n *client.Node, index uint64) *Result {
	r := &Result{
		Key:    n.Key,
		Value:  n.Value,
		Dir:    n.Dir,
		Mod:    n.ModifiedIndex,
		Create: n.CreatedIndex,
		Index:  index,
	}
	if n.Expiration != nil {
		d := time.Until(*n.Expiration)
		r.TTL = &d
	}
	for _, c := range n.Nodes {
		r.Nodes = append(r.Nodes, fromNode(c, index))
	}
	return r
}

func (e *Etcd) Read(ctx context.Context, key string, recursive bool) (*Result, error) {
	resp, err := e.keys.Get(ctx, key, &client.GetOptions{Recursive: recursive, Sort: true, Quorum: true})
	if err != nil {
		return nil, etcdError(err)
	}
	return fromNode(resp.Node, resp.Index), nil
}

func (e *Etcd) Write(ctx context.Context, key, value string, opts SetOptions) (*Result, error) {
	if opts.Append {
		var o *client.CreateInOrderOptions
		if opts.TTL != nil && *opts.TTL > 0 {
			o = &client.CreateInOrderOptions{TTL: *opts.TTL}
		}
		resp, err := e.keys.CreateInOrder(ctx, key, value, o)
		if err != nil {
			return nil, etcdError(err)
		}
		return fromNode(resp.Node, resp.Index), nil
	}
	o := &client.SetOptions{
		PrevValue: opts.PrevValue,
		PrevIndex: opts.PrevIndex,
		Dir:       opts.Dir,
	}
	switch opts.PrevExist {
	case PrevMust:
		o.PrevExist = client.PrevExist
	case PrevMustNot:
		o.PrevExist = client.PrevNoExist
	}
	if opts.TTL != nil {
		// A zero TTL goes out as the empty ttl parameter, which the
		// server reads as "no expiry".
		o.TTL = *opts.TTL
	}
	resp, err := e.keys.Set(ctx, key, value, o)
	if err != nil {
		return nil, etcdError(err)
	}
	return fromNode(resp.Node, resp.Index), nil
}

func (e *Etcd) Delete(ctx context.Context, key string, opts DeleteOptions) (*Result, error) {
	resp, err := e.keys.Delete(ctx, key, &client.DeleteOptions{
		PrevValue: opts.PrevValue,
		PrevIndex: opts.PrevIndex,
		Dir:       opts.Dir,
		Recursive: opts.Recursive,
	})
	if err != nil {
		return nil, etcdError(err)
	}
	return fromNode(resp.Node, resp.Index), nil
}

func (e *Etcd) Watch(key string, fromIndex uint64, recursive bool) Watcher {
	return &etcdWatcher{w: e.keys.Watcher(key, &client.WatcherOptions{AfterIndex: fromIndex, Recursive: recursive})}
}

type etcdWatcher struct {
	w client.Watcher
}

func (w *etcdWatcher) Next(ctx context.Context) (*Event, error) {
	resp, err := w.w.Next(ctx)
	if err != nil {
		return nil, etcdError(err)
	}
	ev := &Event{
		Action: Action(resp.Action),
		Key:    resp.Node.Key,
		Value:  resp.Node.Value,
		Dir:    resp.Node.Dir,
		Mod:    resp.Node.ModifiedIndex,
		Create: resp.Node.CreatedIndex,
	}
	if resp.Node.Expiration != nil {
		d := time.Until(*resp.Node.Expiration)
		ev.TTL = &d
	}
	if resp.PrevNode != nil {
		ev.PrevCreate = resp.PrevNode.CreatedIndex
	}
	return ev, nil
}
