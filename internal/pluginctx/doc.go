// Package pluginctx ranks plugin summaries by relevance to a
// natural-language goal under token and count budgets, and maintains the
// per-plugin usage statistics that feed the ranking.
package pluginctx
