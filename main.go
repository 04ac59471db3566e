package main

import (
	"archive/tar"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"runtime"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"git.dolansoft.org/lorenz/msupatch/cab"
	"git.dolansoft.org/lorenz/msupatch/delta"
	"git.dolansoft.org/lorenz/msupatch/msu"
)

var (
	flagList            = flag.Bool("list", false, "List entries with their kind and size (default if no other action is given)")
	flagTree            = flag.Bool("tree", false, "Print the entries as a JSON VFS overlay tree. Combined with -extract the files point at the extracted copies.")
	flagExtract         = flag.String("extract", "", "Extract entries into this directory")
	flagJobs            = flag.Int("jobs", runtime.NumCPU(), "Number of entries extracted in parallel")
	flagExport          = flag.String("export", "", "Write entries to this .tar.zst file")
	flagMatch           = flag.String("match", "", "Only process entries whose name matches this regular expression")
	flagDeltaTool       = flag.String("delta-tool", "", "External command applying deltas, called with base, delta and output paths. Without it PATCHED entries cannot be read.")
	flagWinSxS          = flag.String("winsxs", "", "Component store (WinSxS directory) searched for basis files")
	flagStrictHash      = flag.Bool("strict-hash", false, "Fail reconstructed entries whose hash does not match instead of warning")
	flagVerifyChecksums = flag.Bool("verify-checksums", false, "Verify cabinet data block checksums")
	flagCacheThreshold  = flag.Int64("cache-threshold", cab.DefaultCacheThreshold, "Folders up to this many uncompressed bytes are decompressed once and kept in memory")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] package.msu|package.cab|package.msi\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var match *regexp.Regexp
	if *flagMatch != "" {
		var err error
		match, err = regexp.Compile(*flagMatch)
		if err != nil {
			log.Fatalf("invalid -match expression: %v", err)
		}
	}

	opts := &msu.Options{
		Cabinet: cab.Options{
			CacheThreshold:  *flagCacheThreshold,
			VerifyChecksums: *flagVerifyChecksums,
		},
		StrictHash: *flagStrictHash,
		Store:      *flagWinSxS,
	}
	if *flagDeltaTool != "" {
		opts.Applier = &delta.ExecApplier{Path: *flagDeltaTool, Args: delta.DefaultExecArgs}
	}

	pkg, err := msu.OpenFile(ctx, flag.Arg(0), opts)
	if err != nil {
		log.Fatalf("failed to open package: %v", err)
	}
	entries := selectEntries(pkg.Entries(), match)
	log.Printf("Opened %s with %d entries, %d selected", flag.Arg(0), len(pkg.Entries()), len(entries))

	var failed int
	if *flagExtract != "" {
		n, err := extract(ctx, pkg, entries, *flagExtract, *flagJobs)
		if err != nil {
			pkg.Close()
			log.Fatalf("extraction aborted: %v", err)
		}
		failed += n
	}
	if *flagExport != "" {
		n, err := export(ctx, pkg, entries, *flagExport)
		if err != nil {
			pkg.Close()
			log.Fatalf("export failed: %v", err)
		}
		failed += n
	}
	if *flagTree {
		vfs, err := buildVFS(filepath.Base(flag.Arg(0)), entries, *flagExtract)
		if err != nil {
			log.Fatalf("failed to build tree: %v", err)
		}
		vfsRaw, err := json.MarshalIndent(vfs, "", "\t")
		if err != nil {
			log.Fatalf("Failed to encode VFS overlay metadata: %v", err)
		}
		fmt.Printf("%s\n", vfsRaw)
	}
	if *flagList || (!*flagTree && *flagExtract == "" && *flagExport == "") {
		printList(os.Stdout, entries)
	}

	if err := pkg.Close(); err != nil {
		log.Printf("Failed to close package: %v", err)
	}
	if failed > 0 {
		log.Printf("Failed to process %d entries", failed)
		os.Exit(1)
	}
}

func selectEntries(entries []*msu.Entry, match *regexp.Regexp) []*msu.Entry {
	if match == nil {
		return entries
	}
	var out []*msu.Entry
	for _, e := range entries {
		if match.MatchString(e.Name) {
			out = append(out, e)
		}
	}
	return out
}

func printList(w io.Writer, entries []*msu.Entry) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	var total uint64
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%v\t%s\t%s\n", e.Name, e.Kind, e.Arch, humanize.Bytes(uint64(e.Size)))
		total += uint64(e.Size)
	}
	fmt.Fprintf(tw, "%d entries\t\t\t%s\n", len(entries), humanize.Bytes(total))
	tw.Flush()
}

// extract writes entries below dir. Entries that fail to read are logged
// and counted; only cancellation and write errors abort.
func extract(ctx context.Context, pkg *msu.Package, entries []*msu.Entry, dir string, jobs int) (int, error) {
	if jobs < 1 {
		jobs = 1
	}
	var failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for _, e := range entries {
		e := e
		local := filepath.FromSlash(e.Name)
		if !filepath.IsLocal(local) {
			log.Printf("Skipping %q, it would be written outside of %s", e.Name, dir)
			failed.Add(1)
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := pkg.ReadFile(gctx, e.Name)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Printf("Failed to read %v", err)
				failed.Add(1)
				return nil
			}
			dst := filepath.Join(dir, local)
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			return os.WriteFile(dst, data, 0o644)
		})
	}
	err := g.Wait()
	return int(failed.Load()), err
}

// export writes entries to a zstd compressed tar file.
func export(ctx context.Context, pkg *msu.Package, entries []*msu.Entry, name string) (int, error) {
	outFile, err := os.Create(name)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()
	outComp, err := zstd.NewWriter(outFile)
	if err != nil {
		return 0, fmt.Errorf("failed to initialize zstd compressor: %w", err)
	}
	defer outComp.Close()
	out := tar.NewWriter(outComp)
	defer out.Close()

	n, err := writeTar(ctx, pkg, entries, out, time.Now())
	if err != nil {
		return n, err
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := outComp.Close(); err != nil {
		return n, fmt.Errorf("failed to close zstd compressor: %w", err)
	}
	return n, outFile.Close()
}

func writeTar(ctx context.Context, pkg *msu.Package, entries []*msu.Entry, out *tar.Writer, modTime time.Time) (int, error) {
	var failed int
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		data, err := pkg.ReadFile(ctx, e.Name)
		if err != nil {
			log.Printf("Failed to read %v", err)
			failed++
			continue
		}
		if err := out.WriteHeader(&tar.Header{
			Name:    e.Name,
			ModTime: modTime,
			Mode:    0644,
			Size:    int64(len(data)),
		}); err != nil {
			return failed, fmt.Errorf("failed to write header for %s: %w", e.Name, err)
		}
		if _, err := out.Write(data); err != nil {
			return failed, fmt.Errorf("failed to write %s: %w", e.Name, err)
		}
	}
	return failed, nil
}
