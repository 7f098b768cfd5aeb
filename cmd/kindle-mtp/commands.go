package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"github.com/kindlemtp/kindle-mtp/internal/device"
	"github.com/kindlemtp/kindle-mtp/internal/errkind"
	"github.com/kindlemtp/kindle-mtp/internal/logging"
	"github.com/kindlemtp/kindle-mtp/internal/mount"
	"github.com/kindlemtp/kindle-mtp/internal/output"
	"github.com/kindlemtp/kindle-mtp/internal/resolver"
	"github.com/kindlemtp/kindle-mtp/internal/sink"
	"github.com/kindlemtp/kindle-mtp/internal/transfer"
	"github.com/kindlemtp/kindle-mtp/internal/tree"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"status":  cmdStatus,
	"info":    cmdInfo,
	"ls":      cmdLs,
	"pull":    cmdPull,
	"push":    cmdPush,
	"rm":      cmdRm,
	"mkdir":   cmdMkdir,
	"mount":   cmdMount,
	"version": cmdVersion,
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func cmdStatus(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	if err := a.parse(fs, args); err != nil {
		return err
	}
	ctx = logging.WithCommand(ctx, "status")

	return a.withSession(ctx, func(s *device.Session) error {
		info, err := s.Info(ctx)
		if err != nil {
			return err
		}
		st, err := s.StorageInfo(ctx)
		if err != nil {
			return err
		}
		model := info.FriendlyName
		if model == "" {
			model = info.Model
		}
		return a.out.Print(output.Status{
			Connected:  true,
			Model:      model,
			Location:   info.Location,
			FreeBytes:  st.FreeCapacity,
			TotalBytes: st.TotalCapacity,
		})
	})
}

func cmdInfo(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	if err := a.parse(fs, args); err != nil {
		return err
	}
	ctx = logging.WithCommand(ctx, "info")

	return a.withSession(ctx, func(s *device.Session) error {
		info, err := s.Info(ctx)
		if err != nil {
			return err
		}
		st, err := s.StorageInfo(ctx)
		if err != nil {
			return err
		}
		return a.out.Print(output.NewInfo(info, st))
	})
}

func cmdLs(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	long := fs.Bool("l", false, "Long format with type, size and date")
	if err := a.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return usagef("ls [-l] [PATH]")
	}
	path := "/"
	if fs.NArg() == 1 {
		path = tree.Normalize(fs.Arg(0))
	}
	segs := tree.Parse(path)
	ctx = logging.WithCommand(ctx, "ls")

	return a.withSession(ctx, func(s *device.Session) error {
		entries, err := resolver.New(s).ListDirectory(ctx, segs)
		if err != nil {
			return err
		}
		return a.out.Print(output.NewListing(path, entries, *long, a.width()))
	})
}

// width is the terminal width of stdout, 0 when it is not a terminal.
func (a *app) width() int {
	if f, ok := a.stdout.(*os.File); ok {
		return output.TerminalWidth(f)
	}
	return 0
}

func cmdPull(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("pull", flag.ContinueOnError)
	recursive := fs.Bool("r", false, "Copy directories recursively")
	checksum := fs.Bool("checksum", false, "Compute a BLAKE2b-256 checksum of every file")
	var include, exclude multiFlag
	fs.Var(&include, "include", "Only copy files matching this glob (repeatable)")
	fs.Var(&exclude, "exclude", "Skip files matching this glob (repeatable)")
	if err := a.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return usagef("pull [-r] [-include G] [-exclude G] [-checksum] REMOTE [LOCAL|s3://BUCKET/PREFIX]")
	}
	remote := tree.Parse(fs.Arg(0))
	local := "."
	if fs.NArg() == 2 {
		local = fs.Arg(1)
	}
	ctx = logging.WithCommand(ctx, "pull")

	filter, err := transfer.NewFilter(include, exclude)
	if err != nil {
		return err
	}
	opts := sink.Options{Checksum: *checksum || a.cfg.Checksum}

	var dst sink.Destination
	var destName string
	if sink.IsS3URL(local) {
		dst, err = sink.NewS3(ctx, sink.S3Config{
			Endpoint:  a.cfg.S3Endpoint,
			Region:    a.cfg.S3Region,
			AccessKey: a.cfg.S3AccessKey,
			SecretKey: a.cfg.S3SecretKey,
			PathStyle: a.cfg.S3PathStyle,
		}, local, opts)
		if err != nil {
			return err
		}
		destName = remote.Base()
	} else {
		var dir string
		dir, destName = transfer.LocalTarget(local, remote)
		dst = sink.NewLocal(dir, opts)
	}

	return a.withSession(ctx, func(s *device.Session) error {
		o := transfer.New(s, resolver.New(s))
		rep := o.Pull(ctx, remote, dst, destName, transfer.PullOptions{Recursive: *recursive, Filter: filter})
		return a.report(rep)
	})
}

// report prints rep when something was done, and returns its exit error.
func (a *app) report(rep *transfer.Report) error {
	if rep.State == transfer.Completed || len(rep.Entries) > 0 {
		if err := a.out.Print(output.Report{Report: rep}); err != nil {
			return err
		}
	}
	return rep.Err()
}

func cmdPush(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("push", flag.ContinueOnError)
	force := fs.Bool("f", false, "Replace an existing file")
	if err := a.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return usagef("push [-f] LOCAL REMOTE")
	}
	local, remote := fs.Arg(0), tree.Parse(fs.Arg(1))
	ctx = logging.WithCommand(ctx, "push")

	return a.withSession(ctx, func(s *device.Session) error {
		o := transfer.New(s, resolver.New(s))
		return a.report(o.Push(ctx, local, remote, transfer.PushOptions{Force: *force}))
	})
}

// cmdRm removes every path in turn with one session. Each path is its own
// plan; a connection-fatal failure stops the rest. The first failure
// decides the exit code.
func cmdRm(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("rm", flag.ContinueOnError)
	recursive := fs.Bool("r", false, "Delete directories and their contents")
	if err := a.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return usagef("rm [-r] PATH...")
	}
	paths := fs.Args()
	ctx = logging.WithCommand(ctx, "rm")

	return a.withSession(ctx, func(s *device.Session) error {
		o := transfer.New(s, resolver.New(s))
		var first error
		for _, p := range paths {
			err := a.report(o.Remove(ctx, tree.Parse(p), *recursive))
			if err == nil {
				continue
			}
			if len(paths) > 1 {
				a.out.Error(err)
			}
			if first == nil {
				first = err
			}
			if errkind.IsFatal(err) {
				break
			}
		}
		if first != nil && len(paths) > 1 {
			return &reported{first}
		}
		return first
	})
}

// reported is an error whose details were already rendered. Only its exit
// code is still needed.
type reported struct {
	err error
}

func (r *reported) Error() string { return r.err.Error() }
func (r *reported) Unwrap() error { return r.err }

func cmdMkdir(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("mkdir", flag.ContinueOnError)
	force := fs.Bool("f", false, "Succeed if the directory already exists")
	parents := fs.Bool("p", false, "Create missing parent directories (implies -f)")
	if err := a.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usagef("mkdir [-f] [-p] PATH")
	}
	path := tree.Parse(fs.Arg(0))
	ctx = logging.WithCommand(ctx, "mkdir")

	return a.withSession(ctx, func(s *device.Session) error {
		o := transfer.New(s, resolver.New(s))
		res, err := o.Mkdir(ctx, path, transfer.MkdirOptions{Force: *force, Parents: *parents})
		if err != nil {
			return err
		}
		return a.out.Print(output.Mkdir{MkdirResult: res})
	})
}

// cmdMount serves a read-only view until the context is cancelled or the
// filesystem is unmounted externally.
func cmdMount(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("mount", flag.ContinueOnError)
	allowOther := fs.Bool("allow-other", false, "Let other users access the mount")
	debug := fs.Bool("fuse-debug", false, "Log every FUSE request")
	if err := a.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usagef("mount [-allow-other] DIR")
	}
	mountPoint := fs.Arg(0)
	ctx = logging.WithCommand(ctx, "mount")

	return a.withSession(ctx, func(s *device.Session) error {
		fsys, err := mount.New(s, resolver.New(s))
		if err != nil {
			return errkind.E(errkind.Internal, "mount", mountPoint, err)
		}
		defer fsys.Close()

		server, err := fsys.Mount(mountPoint, mount.Options{AllowOther: *allowOther, Debug: *debug})
		if err != nil {
			return errkind.E(errkind.Internal, "mount", mountPoint, err)
		}
		if err := a.out.Print(output.Mount{Mountpoint: mountPoint, Device: s.Device().String()}); err != nil {
			server.Unmount()
			return err
		}

		done := make(chan struct{})
		go func() {
			server.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			logging.Info("unmounting", logging.String("mountpoint", mountPoint))
			if err := server.Unmount(); err != nil {
				logging.Warn("unmount failed", logging.Err(err))
			}
			<-done
		}
		return nil
	})
}

func cmdVersion(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	if err := a.parse(fs, args); err != nil {
		return err
	}
	return a.out.Print(output.Version{Version: version})
}
