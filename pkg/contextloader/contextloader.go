// Package contextloader implements component J of the pattern intelligence
// core: assembling a token-budgeted LoadedContext from essential/domain
// sections plus ranked pattern matches. Grounded on the teacher's
// fetchCandidates/scoreCandidates pipeline shape in pkg/core/store.go,
// generalized from vector candidates to labeled context sections.
package contextloader

import (
	"context"
	"fmt"
	"time"

	"github.com/patterncore/intel/pkg/boundary"
	"github.com/patterncore/intel/pkg/patternindex"
)

// Task is the caller's request for assembled context.
type Task struct {
	Description string
	Domains     []string
	Keywords    []string
	TokenBudget int
}

// Section is one named, sized piece of context content.
type Section struct {
	Label   string
	Content string
}

// SectionSource supplies the essential, per-domain, and reference sections a
// caller has available. Implementations may back this with files, a
// database, or an in-memory map; the loader only needs lookups by name.
type SectionSource interface {
	Essential(ctx context.Context) ([]Section, error)
	ForDomain(ctx context.Context, domain string) ([]Section, error) // missing domain: return nil, nil
	Reference(ctx context.Context, keywords []string) ([]Section, error)
}

// Loader is the Progressive Context Loader's sole implementation.
type Loader struct {
	sections SectionSource
	index    *patternindex.Index
}

// New constructs a Loader over sections and the shared Pattern Index.
func New(sections SectionSource, index *patternindex.Index) *Loader {
	return &Loader{sections: sections, index: index}
}

// Load runs the essential -> domain -> patterns -> reference pipeline,
// stopping each stage once the token budget is exhausted.
func (l *Loader) Load(ctx context.Context, task Task) (boundary.LoadedContext, error) {
	start := time.Now()
	var out boundary.LoadedContext
	budget := task.TokenBudget
	used := 0

	essential, err := l.sections.Essential(ctx)
	if err != nil {
		return boundary.LoadedContext{}, err
	}
	for _, s := range essential {
		labeled := label(s)
		out.Essential = append(out.Essential, labeled)
		used += estimateTokens(labeled)
	}

	for _, domain := range task.Domains {
		if used >= budget {
			break
		}
		domainSections, err := l.sections.ForDomain(ctx, domain)
		if err != nil {
			return boundary.LoadedContext{}, err
		}
		for _, s := range domainSections {
			labeled := label(s)
			cost := estimateTokens(labeled)
			if used+cost > budget {
				continue
			}
			out.TaskSpecific = append(out.TaskSpecific, labeled)
			used += cost
		}
	}

	if l.index != nil && used < budget {
		matches, err := l.index.SearchByIntent(ctx, task.Description, patternindex.RankContext{})
		if err != nil {
			return boundary.LoadedContext{}, err
		}
		for _, m := range matches {
			if m.Relevance < patternindex.DefaultThreshold {
				continue
			}
			cost := estimateTokens(m.Reasoning) + 8
			if used+cost > budget {
				continue
			}
			out.Patterns = append(out.Patterns, m)
			used += cost
		}
	}

	if used < budget {
		refs, err := l.sections.Reference(ctx, task.Keywords)
		if err != nil {
			return boundary.LoadedContext{}, err
		}
		for _, s := range refs {
			labeled := label(s)
			cost := estimateTokens(labeled)
			if used+cost > budget {
				continue
			}
			out.References = append(out.References, labeled)
			used += cost
		}
	}

	out.TokenCount = used
	out.LoadTimeMS = time.Since(start).Milliseconds()
	return out, nil
}

func label(s Section) string {
	return fmt.Sprintf("## %s\n%s", s.Label, s.Content)
}

// estimateTokens implements spec.md §4.J's token estimate: ceil(len_bytes/4).
func estimateTokens(s string) int {
	n := len(s)
	return (n + 3) / 4
}
