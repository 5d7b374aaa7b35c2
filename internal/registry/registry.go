package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"capman/internal/api"
	"capman/internal/report"
	"capman/pkg/logging"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/singleflight"
)

const subsystem = "PluginRegistry"

// SignatureVerifier checks the trust signature of a manifest before it is
// accepted into the registry.
type SignatureVerifier interface {
	Verify(m *api.PluginManifest) error
}

// AcceptUnsigned is the default verifier: it accepts manifests without a
// signature and rejects nothing.
type AcceptUnsigned struct{}

// Verify implements SignatureVerifier.
func (AcceptUnsigned) Verify(m *api.PluginManifest) error { return nil }

// Registry owns the in-memory manifest indices and bundle materialization.
type Registry struct {
	mu sync.RWMutex
	// byID maps plugin id -> version -> manifest.
	byID map[string]map[string]*api.PluginManifest
	// byVerb maps verb -> set of plugin ids.
	byVerb map[string]map[string]bool

	repos    []Repository
	verifier SignatureVerifier
	hostCaps api.HostCapabilities

	pluginRoot string
	cacheRoot  string

	// prepGroup coalesces concurrent bundle preparations per cache key.
	prepGroup singleflight.Group
}

// Options configures a Registry.
type Options struct {
	Repositories []Repository
	Verifier     SignatureVerifier
	HostCaps     api.HostCapabilities
	PluginRoot   string
	CacheRoot    string
}

// New creates a Registry. Call Initialize to populate the indices.
func New(opts Options) *Registry {
	verifier := opts.Verifier
	if verifier == nil {
		verifier = AcceptUnsigned{}
	}
	return &Registry{
		byID:       make(map[string]map[string]*api.PluginManifest),
		byVerb:     make(map[string]map[string]bool),
		repos:      opts.Repositories,
		verifier:   verifier,
		hostCaps:   opts.HostCaps,
		pluginRoot: opts.PluginRoot,
		cacheRoot:  opts.CacheRoot,
	}
}

// Initialize enumerates all repositories and rebuilds the indices.
func (r *Registry) Initialize(ctx context.Context) error {
	byID := make(map[string]map[string]*api.PluginManifest)
	byVerb := make(map[string]map[string]bool)

	total := 0
	for _, repo := range r.repos {
		manifests, err := repo.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list repository %s: %w", repo.Type(), err)
		}
		for _, m := range manifests {
			if err := validateManifestFields(m); err != nil {
				logging.Warn(subsystem, "Skipping invalid manifest %s/%s: %v", m.ID, m.Version, err)
				continue
			}
			indexManifest(byID, byVerb, m)
			total++
		}
	}

	r.mu.Lock()
	r.byID = byID
	r.byVerb = byVerb
	r.mu.Unlock()

	logging.Info(subsystem, "Indexed %d manifests from %d repositories", total, len(r.repos))
	return nil
}

func indexManifest(byID map[string]map[string]*api.PluginManifest, byVerb map[string]map[string]bool, m *api.PluginManifest) {
	if byID[m.ID] == nil {
		byID[m.ID] = make(map[string]*api.PluginManifest)
	}
	byID[m.ID][m.Version] = m
	if byVerb[m.Verb] == nil {
		byVerb[m.Verb] = make(map[string]bool)
	}
	byVerb[m.Verb][m.ID] = true
}

// CompareVersions orders two semver strings: negative when a < b, zero when
// equal, positive when a > b. Unparseable versions sort lowest.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// sortNewestFirst orders manifests by descending semver, ties broken by
// newest insertion.
func sortNewestFirst(manifests []*api.PluginManifest) {
	sort.SliceStable(manifests, func(i, j int) bool {
		c := CompareVersions(manifests[i].Version, manifests[j].Version)
		if c != 0 {
			return c > 0
		}
		return manifests[i].InsertedAt.After(manifests[j].InsertedAt)
	})
}

// FetchOne returns the manifest for an exact (id, version), or the highest
// version of the plugin when version is empty. Nil when absent.
func (r *Registry) FetchOne(id, version string) *api.PluginManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byID[id]
	if len(versions) == 0 {
		return nil
	}
	if version != "" {
		return versions[version]
	}

	all := make([]*api.PluginManifest, 0, len(versions))
	for _, m := range versions {
		all = append(all, m)
	}
	sortNewestFirst(all)
	return all[0]
}

// FetchOneByVerb returns a manifest for the verb: the highest semver across
// all plugin ids mapped to it, ties broken by newest insertion. When version
// is non-empty, only that exact version is considered.
func (r *Registry) FetchOneByVerb(verb, version string) *api.PluginManifest {
	all := r.FetchAllVersionsByVerb(verb)
	if version != "" {
		for _, m := range all {
			if m.Version == version {
				return m
			}
		}
		return nil
	}
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// FetchAllVersionsOfPlugin returns every version of a plugin id, newest
// first.
func (r *Registry) FetchAllVersionsOfPlugin(id string) []*api.PluginManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byID[id]
	all := make([]*api.PluginManifest, 0, len(versions))
	for _, m := range versions {
		all = append(all, m)
	}
	sortNewestFirst(all)
	return all
}

// FetchAllVersionsByVerb returns all manifests for a verb across plugin
// ids, newest first.
func (r *Registry) FetchAllVersionsByVerb(verb string) []*api.PluginManifest {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byVerb[verb]))
	for id := range r.byVerb[verb] {
		ids = append(ids, id)
	}
	var all []*api.PluginManifest
	for _, id := range ids {
		for _, m := range r.byID[id] {
			all = append(all, m)
		}
	}
	r.mu.RUnlock()

	sortNewestFirst(all)
	return all
}

// LatestManifests returns the newest version of every indexed plugin id.
func (r *Registry) LatestManifests() []*api.PluginManifest {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]*api.PluginManifest, 0, len(ids))
	for _, id := range ids {
		if m := r.FetchOne(id, ""); m != nil {
			out = append(out, m)
		}
	}
	return out
}

// List returns one locator per indexed manifest.
func (r *Registry) List() []api.PluginLocator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var locators []api.PluginLocator
	for _, versions := range r.byID {
		for _, m := range versions {
			locators = append(locators, m.Locator())
		}
	}
	sort.Slice(locators, func(i, j int) bool {
		if locators[i].Verb != locators[j].Verb {
			return locators[i].Verb < locators[j].Verb
		}
		return locators[i].ID < locators[j].ID
	})
	return locators
}

// Store validates a manifest and persists it through the first repository,
// then updates the indices. Returns whether an existing (id, version) was
// replaced.
func (r *Registry) Store(ctx context.Context, m *api.PluginManifest) (isUpdate bool, err error) {
	if err := validateManifestFields(m); err != nil {
		return false, report.New(report.CodeInvalidManifest, err.Error(), report.Opts{
			Source: subsystem, Severity: report.SeverityValidation, HTTPStatus: 400,
		})
	}
	if err := r.verifier.Verify(m); err != nil {
		return false, report.New(report.CodeSignatureInvalid,
			fmt.Sprintf("manifest %s signature rejected: %v", m.ID, err),
			report.Opts{Source: subsystem, Cause: err, HTTPStatus: 400})
	}
	if _, err := api.ValidatePermissions(m.Security.Permissions); err != nil {
		return false, report.New(report.CodePermissionValidationFailed, err.Error(), report.Opts{
			Source: subsystem, HTTPStatus: 400,
		})
	}

	if len(r.repos) == 0 {
		return false, fmt.Errorf("no repository configured")
	}
	repo := r.repos[0]
	if err := repo.Store(ctx, m); err != nil {
		return false, fmt.Errorf("failed to persist manifest %s: %w", m.ID, err)
	}
	m.Repository = repo.Type()

	r.mu.Lock()
	_, isUpdate = r.byID[m.ID][m.Version]
	indexManifest(r.byID, r.byVerb, m)
	r.mu.Unlock()

	logging.Info(subsystem, "Stored plugin %s v%s (verb %s, update=%t)", m.ID, m.Version, m.Verb, isUpdate)
	return isUpdate, nil
}

// Delete removes a plugin version (or all versions when version is empty)
// from the backing repositories and the indices.
func (r *Registry) Delete(ctx context.Context, id, version string) error {
	r.mu.RLock()
	versions := r.byID[id]
	exists := len(versions) > 0 && (version == "" || versions[version] != nil)
	r.mu.RUnlock()
	if !exists {
		return api.NewNotFoundError("plugin", id)
	}

	var lastErr error
	for _, repo := range r.repos {
		if err := repo.Delete(ctx, id, version); err != nil && !api.IsNotFound(err) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("failed to delete plugin %s: %w", id, lastErr)
	}

	r.mu.Lock()
	if version == "" {
		var verb string
		for _, m := range r.byID[id] {
			verb = m.Verb
			break
		}
		delete(r.byID, id)
		if verb != "" {
			delete(r.byVerb[verb], id)
			if len(r.byVerb[verb]) == 0 {
				delete(r.byVerb, verb)
			}
		}
	} else {
		m := r.byID[id][version]
		delete(r.byID[id], version)
		if len(r.byID[id]) == 0 {
			delete(r.byID, id)
			if m != nil {
				delete(r.byVerb[m.Verb], id)
				if len(r.byVerb[m.Verb]) == 0 {
					delete(r.byVerb, m.Verb)
				}
			}
		}
	}
	r.mu.Unlock()

	logging.Info(subsystem, "Deleted plugin %s version %q", id, version)
	return nil
}

// CheckPluginCompatibility verifies a manifest against the host. A manifest
// without compatibility constraints matches any host.
func (r *Registry) CheckPluginCompatibility(m *api.PluginManifest) error {
	compat := m.Compatibility
	if compat == nil {
		return nil
	}
	if compat.HostAppName != "" && compat.HostAppName != r.hostCaps.HostAppName {
		return report.New(report.CodeHostIncompatible,
			fmt.Sprintf("plugin %s targets host app %q, this host is %q", m.ID, compat.HostAppName, r.hostCaps.HostAppName),
			report.Opts{Source: subsystem, HTTPStatus: 404})
	}
	if compat.MinHostVersion != "" && CompareVersions(r.hostCaps.HostVersion, compat.MinHostVersion) < 0 {
		return report.New(report.CodeHostIncompatible,
			fmt.Sprintf("plugin %s requires host >= %s, this host is %s", m.ID, compat.MinHostVersion, r.hostCaps.HostVersion),
			report.Opts{Source: subsystem, HTTPStatus: 404})
	}
	return nil
}

// validateManifestFields checks the required manifest attributes and the
// entry-point presence rule for non-remote languages.
func validateManifestFields(m *api.PluginManifest) error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if m.ID == "" || m.Verb == "" || m.Version == "" || m.Language == "" {
		return fmt.Errorf("manifest requires id, verb, version and language")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not valid semver: %w", m.Version, err)
	}
	switch m.Language {
	case api.LanguageSandbox, api.LanguageSubprocess, api.LanguageContainer,
		api.LanguageOpenAPI, api.LanguageMCP, api.LanguageInternal:
	default:
		return fmt.Errorf("unknown language %q", m.Language)
	}
	if !m.Language.IsRemote() && m.Language != api.LanguageInternal {
		if m.EntryPoint == nil || m.EntryPoint.Main == "" {
			return fmt.Errorf("language %s requires an entry point", m.Language)
		}
	}
	return nil
}
