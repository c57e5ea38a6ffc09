package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseDirectoryPath is where all etctree commands look for their
// configuration. It defaults to $ETCTREE_BASE if it is set, otherwise
// to $HOME/lib/etctree. Commands override this via the -base flag.
var DefaultBaseDirectoryPath string

func init() {
	if base := os.Getenv("ETCTREE_BASE"); base != "" {
		DefaultBaseDirectoryPath = base
	} else {
		DefaultBaseDirectoryPath = os.ExpandEnv("$HOME/lib/etctree")
	}
}

type C struct {
	// Endpoints of the etcd cluster, e.g. http://127.0.0.1:2379. At
	// least one is required.
	Endpoints []string

	// RootPath is the absolute store path to mount.
	RootPath string

	// UpdateDelay is the observer coalescing window. Defaults to one
	// second.
	UpdateDelay time.Duration

	// InitialLoad is one of "eager" (one recursive read, the default),
	// "shallow" (one read per directory) and "lazy" (placeholders,
	// loaded on first use).
	InitialLoad string

	// Static turns off the watcher; the tree is a snapshot.
	Static bool

	// GopsAddr, when non-empty, is where the diagnostics agent
	// listens.
	GopsAddr string

	base string
}

// Load loads the configuration from the file called "config" in the
// provided base directory.
func Load(base string) (*C, error) {
	filename := filepath.Join(base, "config")
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	defer func() {
		// Ignore error closing file opened only for reading.
		_ = f.Close()
	}()
	c, err := load(f)
	if err != nil {
		return nil, err
	}
	c.base = base
	if len(c.Endpoints) == 0 {
		return nil, fmt.Errorf("config.Load %q: no etcd-endpoint", filename)
	}
	if c.RootPath == "" {
		return nil, fmt.Errorf("config.Load %q: no root-path", filename)
	}
	if !strings.HasPrefix(c.RootPath, "/") {
		return nil, fmt.Errorf("config.Load %q: root-path %q is not absolute", filename, c.RootPath)
	}
	if c.UpdateDelay == 0 {
		c.UpdateDelay = time.Second
	}
	if c.InitialLoad == "" {
		c.InitialLoad = "eager"
	}
	switch c.InitialLoad {
	case "eager", "shallow", "lazy":
	default:
		return nil, fmt.Errorf("config.Load %q: initial-load %q", filename, c.InitialLoad)
	}
	return c, nil
}

func load(f io.Reader) (*C, error) {
	c := C{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		i := strings.IndexAny(line, " \t")
		if i == -1 {
			return nil, fmt.Errorf("load: no separator in %q", line)
		}
		switch key, val := line[:i], strings.TrimSpace(line[i:]); key {
		case "etcd-endpoint":
			c.Endpoints = append(c.Endpoints, val)
		case "root-path":
			c.RootPath = val
		case "update-delay":
			d, err := time.ParseDuration(val)
			if err != nil {
				return nil, fmt.Errorf("load: %w", err)
			}
			c.UpdateDelay = d
		case "initial-load":
			c.InitialLoad = val
		case "static":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("load: %w", err)
			}
			c.Static = b
		case "listen-gops":
			c.GopsAddr = val
		default:
			return nil, fmt.Errorf("load: unknown key %q", key)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return &c, nil
}
