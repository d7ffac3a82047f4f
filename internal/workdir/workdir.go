// Package workdir creates and names the on-disk layout of a campaign's
// work directory: artifact directories for queue dumps, interesting and
// crashing inputs, sanitizer reports, packet captures, and the per-fuzzer
// subdirectories the competitor wrappers expect.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ppfuzz/scheduler/internal/phase"
)

// Layout exposes every path under a campaign's work directory.
type Layout struct {
	Root string
}

// New returns a Layout rooted at root without touching the filesystem.
func New(root string) *Layout {
	return &Layout{Root: root}
}

func (l *Layout) QueueDir() string         { return filepath.Join(l.Root, "queue") }
func (l *Layout) InterestingDir() string   { return filepath.Join(l.Root, "interesting") }
func (l *Layout) CrashingDir() string      { return filepath.Join(l.Root, "crashing") }
func (l *Layout) ASANDir() string          { return filepath.Join(l.Root, "asan") }
func (l *Layout) ValgrindDir() string      { return filepath.Join(l.Root, "valgrind") }
func (l *Layout) PcapsDir() string         { return filepath.Join(l.Root, "pcaps") }
func (l *Layout) LLVMCovDir() string       { return filepath.Join(l.Root, "llvm-cov") }
func (l *Layout) InterestingPcaps() string { return filepath.Join(l.Root, "interesting-pcaps") }
func (l *Layout) CrashingPcaps() string    { return filepath.Join(l.Root, "crashing-pcaps") }

func (l *Layout) AflNetWorkdir() string   { return filepath.Join(l.Root, "aflnet-workdir") }
func (l *Layout) StateAflWorkdir() string { return filepath.Join(l.Root, "stateafl-workdir") }
func (l *Layout) SgFuzzWorkdir() string   { return filepath.Join(l.Root, "sgfuzz-workdir") }
func (l *Layout) SgFuzzFindings() string  { return filepath.Join(l.SgFuzzWorkdir(), "findings") }
func (l *Layout) SgFuzzFindingsTS() string {
	return filepath.Join(l.SgFuzzWorkdir(), "findings-ts")
}
func (l *Layout) SgFuzzCrashes() string { return filepath.Join(l.SgFuzzWorkdir(), "crashes") }

func (l *Layout) IntrospectionPath() string { return filepath.Join(l.Root, "introspection.json") }
func (l *Layout) ConfigSnapshotPath() string {
	return filepath.Join(l.Root, "config.json")
}

// WorkerStateDir returns the per-worker state directory, e.g.
// `<root>/0/source/state` for worker 0.
func (l *Layout) WorkerStateDir(workerIdx int) string {
	return filepath.Join(l.Root, fmt.Sprintf("%d", workerIdx), "source", "state")
}

// PatchPointsPath returns the patch-point enumeration snapshot written by
// the first worker's Source.
func (l *Layout) PatchPointsPath() string {
	return filepath.Join(l.WorkerStateDir(0), "patch_points.json")
}

// QueueDumpPath returns the path queue snapshots are dumped to.
func (l *Layout) QueueDumpPath() string {
	return filepath.Join(l.QueueDir(), "queue_dump.bin")
}

// WorkDirs projects the layout into the phase engine's artifact-directory
// bundle.
func (l *Layout) WorkDirs() phase.WorkDirs {
	return phase.WorkDirs{
		Interesting: l.InterestingDir(),
		Crashing:    l.CrashingDir(),
		ASANReports: l.ASANDir(),
	}
}

// Create makes every directory of the layout. It is idempotent: an
// existing, already-populated work directory is left as-is.
func (l *Layout) Create() error {
	dirs := []string{
		l.QueueDir(),
		l.InterestingDir(),
		l.CrashingDir(),
		l.ASANDir(),
		l.ValgrindDir(),
		l.PcapsDir(),
		l.LLVMCovDir(),
		l.InterestingPcaps(),
		l.CrashingPcaps(),
		l.AflNetWorkdir(),
		l.StateAflWorkdir(),
		l.SgFuzzFindings(),
		l.SgFuzzFindingsTS(),
		l.SgFuzzCrashes(),
		l.WorkerStateDir(0),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("workdir: creating %s: %w", dir, err)
		}
	}
	return nil
}
