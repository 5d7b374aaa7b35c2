package pluginctx

import (
	"sort"
	"strings"
	"sync"
	"time"

	"capman/internal/api"
	"capman/pkg/logging"
	pkgstrings "capman/pkg/strings"
)

const subsystem = "PluginContext"

// cacheTTL is how long the metadata cache stays fresh.
const cacheTTL = 5 * time.Minute

// emaAlpha is the smoothing factor for the usage statistic EMAs.
const emaAlpha = 0.1

// maxSamples bounds the raw usage samples kept per plugin.
const maxSamples = 100

// PluginMetadata is the summary the ranking works on.
type PluginMetadata struct {
	ID             string
	Verb           string
	Description    string
	Category       string
	RequiredInputs []string
}

// UsageStats are the per-plugin exponential moving averages.
type UsageStats struct {
	TotalUses      int64
	SuccessRate    float64
	AvgExecutionMs float64
	LastUsed       time.Time
	samples        []api.UsageSample
	initialized    bool
}

// Constraints bound a context generation request.
type Constraints struct {
	MaxTokens            int      `json:"maxTokens,omitempty"`
	MaxPlugins           int      `json:"maxPlugins,omitempty"`
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
	ExcludedPlugins      []string `json:"excludedPlugins,omitempty"`
	PriorityKeywords     []string `json:"priorityKeywords,omitempty"`
}

// Lister is the upstream manifest listing the cache refreshes from.
type Lister interface {
	LatestManifests() []*api.PluginManifest
}

// Manager owns the metadata cache and the usage statistics.
type Manager struct {
	lister Lister

	mu       sync.Mutex
	cache    map[string]*PluginMetadata
	cachedAt time.Time
	stats    map[string]*UsageStats
}

// New creates a context manager over a manifest listing.
func New(lister Lister) *Manager {
	return &Manager{
		lister: lister,
		cache:  map[string]*PluginMetadata{},
		stats:  map[string]*UsageStats{},
	}
}

// GeneratePluginContext returns the ranked, budget-bounded plugin summary
// block for a goal.
func (m *Manager) GeneratePluginContext(goal string, c Constraints) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshLocked()

	type scored struct {
		meta  *PluginMetadata
		score float64
	}
	excluded := map[string]bool{}
	for _, id := range c.ExcludedPlugins {
		excluded[id] = true
	}

	ranked := make([]scored, 0, len(m.cache))
	for id, meta := range m.cache {
		if excluded[id] {
			continue
		}
		ranked = append(ranked, scored{meta: meta, score: m.scoreLocked(meta, goal, c)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].meta.Verb < ranked[j].meta.Verb
	})

	maxPlugins := c.MaxPlugins
	if maxPlugins <= 0 {
		maxPlugins = len(ranked)
	}

	var (
		lines  []string
		tokens int
	)
	for _, entry := range ranked {
		if len(lines) >= maxPlugins {
			break
		}
		cost := estimateTokens(entry.meta.Description)
		if c.MaxTokens > 0 && tokens+cost > c.MaxTokens {
			continue
		}
		tokens += cost
		lines = append(lines, formatSummary(entry.meta))
	}

	logging.Debug(subsystem, "Generated context with %d plugins (%d tokens) for goal %q",
		len(lines), tokens, pkgstrings.Truncate(goal, 60))
	return strings.Join(lines, "\n")
}

// refreshLocked rebuilds the metadata cache when it is empty or stale.
func (m *Manager) refreshLocked() {
	if len(m.cache) > 0 && time.Since(m.cachedAt) < cacheTTL {
		return
	}

	fresh := map[string]*PluginMetadata{}
	for _, manifest := range m.lister.LatestManifests() {
		meta := &PluginMetadata{
			ID:          manifest.ID,
			Verb:        manifest.Verb,
			Description: manifest.Description,
			Category:    manifest.Category,
		}
		for _, def := range manifest.InputDefinitions {
			if def.Required {
				meta.RequiredInputs = append(meta.RequiredInputs, def.Name)
			}
		}
		fresh[manifest.ID] = meta
	}
	m.cache = fresh
	m.cachedAt = time.Now()
	logging.Debug(subsystem, "Refreshed metadata cache, %d plugins", len(fresh))
}

// scoreLocked implements the relevance formula. Higher is better.
func (m *Manager) scoreLocked(meta *PluginMetadata, goal string, c Constraints) float64 {
	desc := strings.ToLower(meta.Description)
	goalLower := strings.ToLower(goal)

	var score float64
	for _, word := range goalWords(goalLower) {
		if strings.Contains(desc, word) {
			score += 2
		}
	}
	for _, kw := range c.PriorityKeywords {
		if kw != "" && strings.Contains(desc, strings.ToLower(kw)) {
			score += 5
		}
	}
	if meta.Category != "" && strings.Contains(goalLower, strings.ToLower(meta.Category)) {
		score += 3
	}

	if stats, ok := m.stats[meta.ID]; ok {
		score += min2(stats.SuccessRate * 2)
		score += min1(float64(stats.TotalUses) / 10)
	}

	for _, capability := range c.RequiredCapabilities {
		if capability != "" && strings.Contains(desc, strings.ToLower(capability)) {
			score += 10
			break
		}
	}
	return score
}

// RecordUsage folds one invocation outcome into the plugin's statistics.
// TotalUses only ever grows.
func (m *Manager) RecordUsage(sample api.UsageSample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.stats[sample.PluginID]
	if !ok {
		stats = &UsageStats{}
		m.stats[sample.PluginID] = stats
	}

	success := 0.0
	if sample.Success {
		success = 1.0
	}
	elapsedMs := float64(sample.ExecutionTime.Milliseconds())

	if !stats.initialized {
		stats.SuccessRate = success
		stats.AvgExecutionMs = elapsedMs
		stats.initialized = true
	} else {
		stats.SuccessRate = (1-emaAlpha)*stats.SuccessRate + emaAlpha*success
		stats.AvgExecutionMs = (1-emaAlpha)*stats.AvgExecutionMs + emaAlpha*elapsedMs
	}

	stats.TotalUses++
	stats.LastUsed = time.Now()
	stats.samples = append(stats.samples, sample)
	if len(stats.samples) > maxSamples {
		stats.samples = stats.samples[len(stats.samples)-maxSamples:]
	}
}

// StatsFor returns a copy of a plugin's usage statistics.
func (m *Manager) StatsFor(pluginID string) (UsageStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.stats[pluginID]
	if !ok {
		return UsageStats{}, false
	}
	copied := *stats
	copied.samples = nil
	return copied, true
}

// formatSummary renders one plugin line.
func formatSummary(meta *PluginMetadata) string {
	line := "- " + meta.Verb + ": " + meta.Description
	if len(meta.RequiredInputs) > 0 {
		line += " (required inputs: " + strings.Join(meta.RequiredInputs, ", ") + ")"
	}
	return line
}

// estimateTokens approximates the token cost of a description.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// goalWords splits a goal into match candidates, dropping short filler words.
func goalWords(goal string) []string {
	fields := strings.FieldsFunc(goal, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	seen := map[string]bool{}
	var words []string
	for _, f := range fields {
		if len(f) <= 2 || seen[f] {
			continue
		}
		seen[f] = true
		words = append(words, f)
	}
	return words
}

func min2(v float64) float64 {
	if v > 2 {
		return 2
	}
	return v
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
