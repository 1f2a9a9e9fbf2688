// Command memtag-instrument reads modules in their YAML interchange form,
// applies the memory-tagging instrumentation for a target platform and
// prints the rewritten modules.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/memtag-dev/memtag/internal/config"
	"github.com/memtag-dev/memtag/internal/memtag"
	"github.com/memtag-dev/memtag/internal/moduleio"
	"github.com/memtag-dev/memtag/internal/target"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("memtag-instrument: ")
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

type cliOptions struct {
	triple    string
	profile   string
	outputDir string
	watch     bool
	verbose   bool
}

func newRootCmd() *cobra.Command {
	var o cliOptions
	cmd := &cobra.Command{
		Use:   "memtag-instrument [flags] module.yaml...",
		Short: "Apply memory-tagging instrumentation to modules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().StringVarP(&o.triple, "target", "t", "aarch64-linux",
		"target platform, e.g. aarch64-android30, x86_64-linux")
	cmd.Flags().StringVarP(&o.profile, "profile", "p", "",
		"YAML options profile overriding the defaults")
	cmd.Flags().StringVarP(&o.outputDir, "output-dir", "o", "",
		"write <name>.instrumented files here instead of stdout")
	cmd.Flags().BoolVarP(&o.watch, "watch", "w", false,
		"reinstrument whenever an input file changes")
	cmd.Flags().BoolVarP(&o.verbose, "verbose", "v", false,
		"log a progress line per instrumented function")
	return cmd
}

func run(o cliOptions, files []string) error {
	plat, err := target.Parse(o.triple)
	if err != nil {
		return err
	}
	opts := config.Default()
	if o.profile != "" {
		if opts, err = config.Load(o.profile); err != nil {
			return err
		}
	}

	if err := instrumentAll(o, plat, opts, files); err != nil {
		return err
	}
	if !o.watch {
		return nil
	}
	return watch(o, plat, opts, files)
}

// instrumentAll processes the inputs in parallel but emits results in
// input order.
func instrumentAll(o cliOptions, plat target.Platform, opts config.Options, files []string) error {
	outputs := make([]string, len(files))
	var g errgroup.Group
	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			out, err := instrumentOne(o, plat, opts, path)
			if err != nil {
				return err
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, out := range outputs {
		if o.outputDir == "" {
			fmt.Print(out)
			continue
		}
		name := strings.TrimSuffix(filepath.Base(files[i]), filepath.Ext(files[i]))
		dst := filepath.Join(o.outputDir, name+".instrumented")
		if err := os.WriteFile(dst, []byte(out), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func instrumentOne(o cliOptions, plat target.Platform, opts config.Options, path string) (string, error) {
	m, err := moduleio.LoadFile(path)
	if err != nil {
		return "", err
	}
	p, err := memtag.New(m, plat, opts)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	if o.verbose {
		p.Logf = log.Printf
	}
	if err := p.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return m.String(), nil
}

// watch blocks, rerunning the instrumentation for any input that changes.
func watch(o cliOptions, plat target.Platform, opts config.Options, files []string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	watched := make(map[string]bool, len(files))
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		watched[abs] = true
		// Watch the directory: editors replace files on save, which drops
		// a watch registered on the file itself.
		if err := w.Add(filepath.Dir(abs)); err != nil {
			return err
		}
	}
	log.Printf("watching %d file(s)", len(files))

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || !watched[abs] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			log.Printf("%s changed", ev.Name)
			if err := instrumentAll(o, plat, opts, []string{ev.Name}); err != nil {
				log.Printf("error: %v", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch error: %v", err)
		}
	}
}
