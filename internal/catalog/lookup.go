package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// maxSuggestions bounds the suggestion list on lookup misses.
const maxSuggestions = 3

// maxSuggestDistance is the rank-distance cutoff; matches scoring worse
// are not worth suggesting.
const maxSuggestDistance = 25

// modelPriority biases default-model selection. Earlier prefixes win.
var modelPriority = []string{
	"gpt-5",
	"claude-sonnet-4",
	"gemini-3-pro",
	"claude-haiku-4",
	"gemini-3-flash",
}

// smallModelPriority is searched, in order, for a cheap utility model.
var smallModelPriority = []string{
	"claude-haiku-4-5",
	"3-5-haiku",
	"gemini-3-flash",
	"gemini-2.5-flash",
	"gpt-5-nano",
}

// smallModelOverrides restricts or reorders the small-model search for
// specific providers. Keys match exact IDs or ID prefixes.
var smallModelOverrides = map[string][]string{
	"opencode":       {"gpt-5-nano"},
	"github-copilot": {"gpt-5-mini", "claude-haiku-4-5", "3-5-haiku"},
}

// Ref is a fully qualified model reference as surfaced to clients.
type Ref struct {
	Provider string
	Model    string
}

func (r Ref) String() string {
	return r.Provider + "/" + r.Model
}

// ParseRef splits "<providerID>/<modelID>". Model IDs may themselves
// contain slashes; only the first separates the provider.
func ParseRef(s string) (Ref, error) {
	provider, model, ok := strings.Cut(s, "/")
	if !ok || provider == "" || model == "" {
		return Ref{}, fmt.Errorf("invalid model reference %q, want \"<provider>/<model>\"", s)
	}
	return Ref{Provider: provider, Model: model}, nil
}

// Suggest fuzzy-matches a loose query against every "provider/model"
// reference and returns up to three close matches. Queries with no match
// above the score threshold yield an empty list.
func (r *Registry) Suggest(query string) []string {
	if query == "" {
		return nil
	}

	var candidates []string
	for _, providerID := range r.order {
		p := r.providers[providerID]
		for modelID := range p.Models {
			candidates = append(candidates, providerID+"/"+modelID)
		}
	}
	sort.Strings(candidates)

	ranks := fuzzy.RankFindNormalizedFold(query, candidates)
	sort.Sort(ranks)

	var out []string
	for _, rank := range ranks {
		if rank.Distance > maxSuggestDistance {
			continue
		}
		out = append(out, rank.Target)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

// priorityIndex returns the position of the first priority prefix the ID
// matches, or len(priority) when none match.
func priorityIndex(id string, priority []string) int {
	for i, prefix := range priority {
		if strings.HasPrefix(id, prefix) {
			return i
		}
	}
	return len(priority)
}

// sortedModels returns a provider's model IDs in priority order: priority
// prefixes first, newer releases before older, then lexicographic.
func sortedModels(p *Provider) []string {
	ids := make([]string, 0, len(p.Models))
	for id := range p.Models {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := priorityIndex(ids[i], modelPriority), priorityIndex(ids[j], modelPriority)
		if pi != pj {
			return pi < pj
		}
		ri, rj := p.Models[ids[i]].ReleaseDate, p.Models[ids[j]].ReleaseDate
		if ri != rj {
			return ri > rj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// DefaultModel resolves the model to use when a request names none. A
// pinned config model wins; otherwise the first provider (in selection
// order) with surviving models contributes its top priority entry.
func (r *Registry) DefaultModel(pinned string) (Ref, error) {
	if pinned != "" {
		ref, err := ParseRef(pinned)
		if err != nil {
			return Ref{}, err
		}
		if _, _, err := r.Get(ref.Provider, ref.Model); err != nil {
			return Ref{}, err
		}
		return ref, nil
	}

	for _, providerID := range r.order {
		p := r.providers[providerID]
		if len(p.Models) == 0 {
			continue
		}
		ids := sortedModels(p)
		return Ref{Provider: providerID, Model: ids[0]}, nil
	}

	return Ref{}, &ModelNotFoundError{Model: "default"}
}

// SmallModel resolves the cheap utility model used for summaries and
// titles. An explicit override wins; otherwise each provider's models are
// searched for the preferred small-model names in order.
func (r *Registry) SmallModel(override string) (Ref, error) {
	if override != "" {
		ref, err := ParseRef(override)
		if err != nil {
			return Ref{}, err
		}
		if _, _, err := r.Get(ref.Provider, ref.Model); err != nil {
			return Ref{}, err
		}
		return ref, nil
	}

	for _, providerID := range r.order {
		p := r.providers[providerID]
		for _, want := range smallModelCandidates(providerID) {
			for _, modelID := range sortedModels(p) {
				if strings.Contains(modelID, want) {
					return Ref{Provider: providerID, Model: modelID}, nil
				}
			}
		}
	}

	// No small model anywhere; fall back to the default.
	return r.DefaultModel("")
}

func smallModelCandidates(providerID string) []string {
	if list, ok := smallModelOverrides[providerID]; ok {
		return list
	}
	for prefix, list := range smallModelOverrides {
		if strings.HasPrefix(providerID, prefix) {
			return list
		}
	}
	return smallModelPriority
}
