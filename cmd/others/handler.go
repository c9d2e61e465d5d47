package others

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/credcache/cmd/core"
	lockflock "github.com/projecteru2/credcache/lock/flock"
	"github.com/projecteru2/credcache/lock/strategy"
	"github.com/projecteru2/credcache/utils"
	"github.com/projecteru2/credcache/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Info(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	c, err := cmdcore.InitCache(ctx, conf)
	if err != nil {
		return err
	}
	p := c.Persistence()
	data, found, err := p.Load(ctx)
	if err != nil {
		return fmt.Errorf("load %s: %w", p.Location(), err)
	}
	size := "absent"
	if found {
		size = units.HumanSize(float64(len(data)))
	}
	modified := "never"
	if mod, err := p.LastModified(ctx); err == nil {
		modified = mod.Format(time.RFC3339)
	}
	kind := strategy.Resolve(ctx, strategy.Kind(conf.LockStrategy), conf.LockDir())
	lockPath := c.LockLocation()
	if kind == strategy.Flock {
		lockPath = strategy.FlockPath(lockPath)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Backend:   %s\n", conf.Backend)
	fmt.Fprintf(out, "Location:  %s\n", p.Location())
	fmt.Fprintf(out, "Encrypted: %v\n", c.Encrypted())
	fmt.Fprintf(out, "Size:      %s\n", size)
	fmt.Fprintf(out, "Modified:  %s\n", modified)
	fmt.Fprintf(out, "Lock:      %s (%s)\n", lockPath, kind)
	return nil
}

func (h Handler) Unlock(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	c, err := cmdcore.InitCache(ctx, conf)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	force, _ := cmd.Flags().GetBool("force")
	if strategy.Resolve(ctx, strategy.Kind(conf.LockStrategy), conf.LockDir()) == strategy.Flock {
		return unlockFlock(ctx, out, strategy.FlockPath(c.LockLocation()), force)
	}

	path := c.LockLocation()
	content, err := os.ReadFile(path) //nolint:gosec // lock path from config
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(out, "%s: not locked\n", path)
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	owner, err := utils.ParseLockOwner(content)
	switch {
	case err != nil:
		fmt.Fprintf(out, "%s: held by unknown owner (%q)\n", path, strings.TrimSpace(string(content)))
	case utils.IsProcessAlive(owner.PID):
		fmt.Fprintf(out, "%s: held by pid %d (%s), running\n", path, owner.PID, owner.Command)
	default:
		fmt.Fprintf(out, "%s: held by pid %d (%s), not running: stale\n", path, owner.PID, owner.Command)
	}

	if !force {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	log.WithFunc("cmd.unlock").Warnf(ctx, "removed lock file %s", path)
	return nil
}

// unlockFlock reports whether the advisory lock is held. The file is never
// removed: the kernel releases the lock when its holder exits, and deleting a
// held file would let the next writer lock a fresh inode alongside it.
func unlockFlock(ctx context.Context, out io.Writer, path string, force bool) error {
	if force {
		return fmt.Errorf("refusing to remove %s: flock locks are released by the kernel when the holder exits", path)
	}
	l := lockflock.New(path, 0)
	ok, err := l.TryLock(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(out, "%s: held\n", path)
		return nil
	}
	if err := l.Unlock(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: not locked\n", path)
	return nil
}

// GC removes atomic-write temp files ("."+base+suffix) older than utils.StaleTempAge
// left behind by writers that crashed mid-save.
func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	location, err := utils.ExpandPath(conf.Location)
	if err != nil {
		return err
	}
	prefix := "." + filepath.Base(location)
	cutoff := time.Now().Add(-utils.StaleTempAge)
	removed, errs := utils.RemoveMatching(ctx, filepath.Dir(location), func(e os.DirEntry) bool {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			return false
		}
		info, err := e.Info()
		return err == nil && info.ModTime().Before(cutoff)
	})
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.WithFunc("cmd.gc").Infof(ctx, "GC completed, removed %d file(s)", len(removed))
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d file(s)\n", len(removed))
	return nil
}

func (h Handler) Version(cmd *cobra.Command, _ []string) error {
	fmt.Fprint(cmd.OutOrStdout(), version.String())
	return nil
}
