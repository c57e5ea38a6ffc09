// Command etcwatch mounts a subtree of an etcd cluster and logs every
// coalesced update until interrupted. It is both a demo of the tree
// package and a handy tail(1) for configuration trees.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/etctree/config"
	"github.com/nicolagi/etctree/store"
	"github.com/nicolagi/etctree/tree"
)

func main() {
	base := flag.String("base", config.DefaultBaseDirectoryPath, "Base directory for the configuration file")
	logLevel := flag.String("verbosity", "info", "Log level, e.g., debug, info, warning")
	flag.Parse()

	log.SetOutput(os.Stderr)
	ll, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Could not parse log level %q: %v", *logLevel, err)
	}
	log.SetLevel(ll)

	cfg, err := config.Load(*base)
	if err != nil {
		log.Fatalf("Could not load config from %q: %v", *base, err)
	}

	if cfg.GopsAddr != "" {
		if err := agent.Listen(agent.Options{Addr: cfg.GopsAddr}); err != nil {
			log.WithField("err", err.Error()).Warning("Could not start gops agent")
		} else {
			defer agent.Close()
		}
	}

	st, err := store.NewEtcd(cfg.Endpoints)
	if err != nil {
		log.Fatalf("Could not create etcd client: %v", err)
	}

	opts := []tree.Option{tree.WithUpdateDelay(cfg.UpdateDelay)}
	switch cfg.InitialLoad {
	case "shallow":
		opts = append(opts, tree.LoadShallow())
	case "lazy":
		opts = append(opts, tree.LoadLazily())
	}
	if cfg.Static {
		opts = append(opts, tree.Static())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	root, err := tree.Open(ctx, st, cfg.RootPath, opts...)
	cancel()
	if err != nil {
		log.Fatalf("Could not open tree at %q: %v", cfg.RootPath, err)
	}
	defer func() {
		_ = root.Close()
	}()

	monitor := func(u tree.Update) {
		entry := log.WithFields(log.Fields{
			"path":  u.Node.Path(),
			"state": u.State.String(),
		})
		if len(u.Added) > 0 {
			entry = entry.WithField("added", u.Added)
		}
		if len(u.Removed) > 0 {
			entry = entry.WithField("removed", u.Removed)
		}
		entry.Info("Changed")
	}
	root.Subscribe(monitor)

	// Watch every directory (Walk loads lazy subtrees on the way), so
	// changes deep in the tree show up with their own path, not just
	// the root's.
	err = tree.Walk(context.Background(), root, func(n tree.Node) error {
		if n.IsDir() && n.Path() != root.Path() {
			n.Subscribe(monitor)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("Could not walk tree: %v", err)
	}

	if cfg.Static {
		dump(root)
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info("Shutting down")
}

func dump(root *tree.Root) {
	_ = tree.Walk(context.Background(), root, func(n tree.Node) error {
		if l, ok := n.(*tree.Leaf); ok {
			fmt.Printf("%s = %v\n", l.Path(), l.Value())
		}
		return nil
	})
}
