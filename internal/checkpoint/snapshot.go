package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/meridian-sys/spokectl/internal/phase"
)

// ErrSnapshotCorrupt is returned when a snapshot file's content no
// longer matches its recorded SHA-256. Restore refuses to proceed in
// that case; copying corrupt config over a live instance is worse than
// failing loudly.
var ErrSnapshotCorrupt = errors.New("checkpoint: snapshot does not match manifest")

// Strategy selects what a rollback undoes. The failing phase picks the
// strategy; the checkpoint store only executes it.
type Strategy int

const (
	// StrategyConfig restores snapshotted config files only.
	StrategyConfig Strategy = iota
	// StrategyStop halts the services a partially-started phase left
	// running, restoring no files.
	StrategyStop
	// StrategyConfigAndStop does both.
	StrategyConfigAndStop
)

func (s Strategy) String() string {
	switch s {
	case StrategyConfig:
		return "CONFIG"
	case StrategyStop:
		return "STOP"
	case StrategyConfigAndStop:
		return "CONFIG_AND_STOP"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ServiceStopper halts the running services of an instance during a
// STOP rollback. Implemented by the services phase runner.
type ServiceStopper interface {
	StopServices(ctx context.Context, instance string) error
}

// Snapshotter copies an instance's live configuration directory into a
// per-(instance, phase) snapshot directory and hashes every file so a
// later restore can detect tampering or bitrot.
type Snapshotter struct {
	// Root is where snapshots live, e.g. <data_dir>/snapshots.
	Root string

	// LiveDir resolves an instance code to its live config directory.
	LiveDir func(instance string) (string, error)
}

func (s *Snapshotter) dir(instance string, p phase.Phase) string {
	return filepath.Join(s.Root, instance, p.String())
}

// Take snapshots the instance's config directory for a phase,
// replacing any previous snapshot for the same (instance, phase).
//
// # Outputs
//
//   - string: The snapshot directory
//   - map[string]string: Relative path -> SHA-256 hex for every file
//   - error: Filesystem failures; the partial snapshot is removed
func (s *Snapshotter) Take(instance string, p phase.Phase) (string, map[string]string, error) {
	live, err := s.LiveDir(instance)
	if err != nil {
		return "", nil, err
	}

	dst := s.dir(instance, p)
	if err := os.RemoveAll(dst); err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", nil, err
	}

	manifest := make(map[string]string)
	err = filepath.WalkDir(live, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(live, path)
		if err != nil {
			return err
		}
		sum, err := copyHashed(path, filepath.Join(dst, rel))
		if err != nil {
			return err
		}
		manifest[rel] = sum
		return nil
	})
	if err != nil {
		os.RemoveAll(dst)
		return "", nil, err
	}
	return dst, manifest, nil
}

// Verify checks every manifest entry against the snapshot on disk.
func (s *Snapshotter) Verify(snapDir string, manifest map[string]string) error {
	for rel, want := range manifest {
		got, err := hashFile(filepath.Join(snapDir, rel))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrSnapshotCorrupt, rel, err)
		}
		if got != want {
			return fmt.Errorf("%w: %s", ErrSnapshotCorrupt, rel)
		}
	}
	return nil
}

// RestoreFiles copies a verified snapshot back onto the live config
// directory. Callers must Verify first.
func (s *Snapshotter) RestoreFiles(instance, snapDir string, manifest map[string]string) error {
	live, err := s.LiveDir(instance)
	if err != nil {
		return err
	}
	for rel := range manifest {
		if _, err := copyHashed(filepath.Join(snapDir, rel), filepath.Join(live, rel)); err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
	}
	return nil
}

// Remove deletes the snapshot for one (instance, phase).
func (s *Snapshotter) Remove(instance string, p phase.Phase) error {
	return os.RemoveAll(s.dir(instance, p))
}

// RemoveAll deletes every snapshot for an instance.
func (s *Snapshotter) RemoveAll(instance string) error {
	return os.RemoveAll(filepath.Join(s.Root, instance))
}

// copyHashed copies src to dst (creating parent directories) and
// returns the SHA-256 hex of the content written.
func copyHashed(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Restore rolls an instance back to a checkpoint: the snapshot is
// verified against its manifest, config files are copied back per the
// strategy, running services are stopped per the strategy, and the
// state store records the rollback transition.
//
// A restore failure is the one unrecoverable case in the engine and is
// surfaced distinctly, never absorbed into the retry path.
func (s *Store) Restore(ctx context.Context, instance string, p phase.Phase, strategy Strategy, stopper ServiceStopper, reason string) error {
	cp, err := s.Get(ctx, instance, p)
	if err != nil {
		return err
	}

	if strategy == StrategyConfig || strategy == StrategyConfigAndStop {
		if s.snapshots == nil || cp.SnapshotDir == "" {
			return fmt.Errorf("checkpoint %s/%s carries no config snapshot", instance, p)
		}
		if err := s.snapshots.Verify(cp.SnapshotDir, cp.Manifest); err != nil {
			return err
		}
		if err := s.snapshots.RestoreFiles(instance, cp.SnapshotDir, cp.Manifest); err != nil {
			return fmt.Errorf("restore config for %s: %w", instance, err)
		}
		s.log.Info("config restored from snapshot",
			"instance", instance, "phase", p.String(), "files", len(cp.Manifest))
	}

	if strategy == StrategyStop || strategy == StrategyConfigAndStop {
		if stopper == nil {
			return fmt.Errorf("rollback strategy %s requires a service stopper", strategy)
		}
		if err := stopper.StopServices(ctx, instance); err != nil {
			return fmt.Errorf("stop services for %s: %w", instance, err)
		}
		s.log.Info("services stopped for rollback", "instance", instance, "phase", p.String())
	}

	if err := s.states.RollbackState(ctx, instance, reason); err != nil {
		return fmt.Errorf("record rollback transition: %w", err)
	}
	return nil
}
