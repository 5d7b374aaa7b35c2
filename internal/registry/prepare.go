package registry

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"capman/internal/api"
	"capman/internal/report"
	"capman/pkg/logging"
)

// execCommandContext is a variable to allow mocking in tests.
var execCommandContext = exec.CommandContext

// branchRefreshTTL bounds how stale a branch-only clone may get before the
// next preparation pulls. Commit-pinned clones are immutable and never
// refreshed.
const branchRefreshTTL = 15 * time.Minute

const clonedAtMarker = ".cloned_at"

// PreparePluginForExecution materializes the plugin bundle on disk and
// returns its root directory. Inline bundles resolve under the plugin root;
// git bundles are cloned into the content-addressed cache. Concurrent
// preparations of the same cache key share a single clone.
func (r *Registry) PreparePluginForExecution(ctx context.Context, m *api.PluginManifest) (string, error) {
	if m.Language.IsRemote() || m.Language == api.LanguageInternal {
		return "", nil
	}

	src := m.PackageSource
	if src == nil || src.Type == api.PackageSourceInline {
		root := filepath.Join(r.pluginRoot, m.Verb)
		if src != nil && src.Path != "" {
			root = filepath.Join(r.pluginRoot, src.Path)
		}
		return r.finishPreparation(ctx, m, root)
	}

	if src.Type != api.PackageSourceGit {
		return "", report.Newf(report.CodePreparationFailed, subsystem,
			"unknown package source type %q for plugin %s", src.Type, m.ID)
	}

	cachePath := r.gitCachePath(m)
	key := cachePath
	_, err, _ := r.prepGroup.Do(key, func() (interface{}, error) {
		return nil, r.materializeGit(ctx, m, cachePath)
	})
	if err != nil {
		return "", err
	}

	bundleRoot := cachePath
	if src.SubPath != "" {
		bundleRoot = filepath.Join(cachePath, src.SubPath)
	}
	return r.finishPreparation(ctx, m, bundleRoot)
}

// finishPreparation validates the entry point and installs dependencies for
// subprocess plugins.
func (r *Registry) finishPreparation(ctx context.Context, m *api.PluginManifest, bundleRoot string) (string, error) {
	entry := filepath.Join(bundleRoot, m.EntryPoint.Main)
	if _, err := os.Stat(entry); err != nil {
		return "", report.New(report.CodePreparationFailed,
			fmt.Sprintf("entry point %s missing in bundle for plugin %s", m.EntryPoint.Main, m.ID),
			report.Opts{Source: subsystem, Cause: err})
	}

	if m.Language == api.LanguageSubprocess {
		if err := r.ensureDependencies(ctx, m, bundleRoot); err != nil {
			return "", err
		}
	}
	return bundleRoot, nil
}

// gitCachePath computes <cacheRoot>/<id>/<commit|sanitizedBranch>.
func (r *Registry) gitCachePath(m *api.PluginManifest) string {
	src := m.PackageSource
	rev := src.CommitHash
	if rev == "" {
		rev = sanitizeBranch(src.Branch)
		if rev == "" {
			rev = "main"
		}
	}
	return filepath.Join(r.cacheRoot, m.ID, rev)
}

func sanitizeBranch(branch string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return replacer.Replace(branch)
}

// materializeGit clones (or refreshes) the plugin repository into cachePath.
// A commit-pinned clone is immutable once created. A failed clone leaving a
// non-empty directory behind is deleted and retried once.
func (r *Registry) materializeGit(ctx context.Context, m *api.PluginManifest, cachePath string) error {
	src := m.PackageSource

	if _, err := os.Stat(cachePath); err == nil {
		if src.CommitHash != "" {
			return nil
		}
		return r.refreshBranchClone(ctx, cachePath)
	}

	err := r.clone(ctx, src, cachePath)
	if err != nil && strings.Contains(err.Error(), "not empty") {
		logging.Warn(subsystem, "Clone of %s left a dirty directory, retrying once", m.ID)
		if rmErr := os.RemoveAll(cachePath); rmErr != nil {
			return report.New(report.CodeGitCloneFailed,
				fmt.Sprintf("failed to clean dirty cache dir for %s", m.ID),
				report.Opts{Source: subsystem, Cause: rmErr})
		}
		err = r.clone(ctx, src, cachePath)
	}
	if err != nil {
		return report.New(report.CodeGitCloneFailed,
			fmt.Sprintf("failed to clone plugin %s from %s", m.ID, src.URL),
			report.Opts{Source: subsystem, Cause: err})
	}

	_ = os.WriteFile(filepath.Join(cachePath, clonedAtMarker), []byte(time.Now().UTC().Format(time.RFC3339)), 0644)
	logging.Info(subsystem, "Materialized plugin %s into %s", m.ID, cachePath)
	return nil
}

func (r *Registry) clone(ctx context.Context, src *api.PackageSource, cachePath string) error {
	if err := os.MkdirAll(filepath.Dir(cachePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache parent: %w", err)
	}

	args := []string{"clone"}
	if src.CommitHash == "" {
		// Branch-only clones can stay shallow.
		args = append(args, "--depth", "1")
	}
	if src.Branch != "" {
		args = append(args, "--branch", src.Branch)
	}
	args = append(args, src.URL, cachePath)

	cmd := execCommandContext(ctx, "git", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone failed: %w\nOutput: %s", err, strings.TrimSpace(string(output)))
	}

	if src.CommitHash != "" {
		cmd := execCommandContext(ctx, "git", "-C", cachePath, "checkout", src.CommitHash)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git checkout %s failed: %w\nOutput: %s", src.CommitHash, err, strings.TrimSpace(string(output)))
		}
	}
	return nil
}

// refreshBranchClone fast-forwards a branch-only clone when its last refresh
// is older than the TTL. Pull failures degrade to the cached copy.
func (r *Registry) refreshBranchClone(ctx context.Context, cachePath string) error {
	marker := filepath.Join(cachePath, clonedAtMarker)
	if info, err := os.Stat(marker); err == nil && time.Since(info.ModTime()) < branchRefreshTTL {
		return nil
	}

	cmd := execCommandContext(ctx, "git", "-C", cachePath, "pull", "--ff-only")
	if output, err := cmd.CombinedOutput(); err != nil {
		logging.Warn(subsystem, "Branch refresh of %s failed, serving cached copy: %v (%s)",
			cachePath, err, strings.TrimSpace(string(output)))
	}
	_ = os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)), 0644)
	return nil
}
