package registry

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"capman/internal/api"
	"capman/internal/report"
	"capman/pkg/logging"
)

const (
	dependencyMarker = ".dependencies_installed"
	venvDirName      = "venv"
	requirementsFile = "requirements.txt"
)

// ensureDependencies materializes the Python virtual environment for a
// subprocess plugin. The marker file carries the md5 of the requirements
// file; a matching marker means the environment is current. A venv creation
// failing with "directory not empty" is cleaned and retried once.
func (r *Registry) ensureDependencies(ctx context.Context, m *api.PluginManifest, bundleRoot string) error {
	reqPath := filepath.Join(bundleRoot, requirementsFile)
	reqData, err := os.ReadFile(reqPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No requirements file: nothing to install.
			return nil
		}
		return fmt.Errorf("failed to read requirements for %s: %w", m.ID, err)
	}

	sum := md5.Sum(reqData)
	wantMarker := hex.EncodeToString(sum[:])

	markerPath := filepath.Join(bundleRoot, dependencyMarker)
	if current, err := os.ReadFile(markerPath); err == nil && strings.TrimSpace(string(current)) == wantMarker {
		return nil
	}

	err = r.installVenv(ctx, bundleRoot, reqPath)
	if err != nil && strings.Contains(err.Error(), "not empty") {
		logging.Warn(subsystem, "Dependency install for %s hit a dirty venv, retrying once", m.ID)
		if rmErr := os.RemoveAll(filepath.Join(bundleRoot, venvDirName)); rmErr != nil {
			return report.New(report.CodeDependencyInstallFailed,
				fmt.Sprintf("failed to remove dirty venv for %s", m.ID),
				report.Opts{Source: subsystem, Cause: rmErr})
		}
		err = r.installVenv(ctx, bundleRoot, reqPath)
	}
	if err != nil {
		return report.New(report.CodeDependencyInstallFailed,
			fmt.Sprintf("dependency install failed for plugin %s", m.ID),
			report.Opts{Source: subsystem, Cause: err})
	}

	if err := os.WriteFile(markerPath, []byte(wantMarker), 0644); err != nil {
		return fmt.Errorf("failed to write dependency marker for %s: %w", m.ID, err)
	}

	logging.Info(subsystem, "Installed dependencies for plugin %s", m.ID)
	return nil
}

func (r *Registry) installVenv(ctx context.Context, bundleRoot, reqPath string) error {
	venvPath := filepath.Join(bundleRoot, venvDirName)

	cmd := execCommandContext(ctx, "python3", "-m", "venv", venvPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("venv creation failed: %w\nOutput: %s", err, strings.TrimSpace(string(output)))
	}

	pip := VenvBinary(bundleRoot, "pip")
	cmd = execCommandContext(ctx, pip, "install", "-r", reqPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pip install failed: %w\nOutput: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// VenvBinary returns the path of a binary inside a bundle's virtual
// environment.
func VenvBinary(bundleRoot, name string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(bundleRoot, venvDirName, "Scripts", name+".exe")
	}
	return filepath.Join(bundleRoot, venvDirName, "bin", name)
}
