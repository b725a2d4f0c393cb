package sandbox

import (
	"fmt"
	"sort"
	"sync"
)

// Strategy describes the language-specific details of a sandbox run: how
// the user's code file is named inside the mount and where the test
// harness writes its raw report.
type Strategy interface {
	// Language is the key the strategy is registered under.
	Language() string
	// CodeFileName is the file name the code is written to inside the
	// mounted work directory.
	CodeFileName() string
	// ReportFileName is the raw report file the harness writes into the
	// mounted report directory.
	ReportFileName() string
}

// Registry maps languages to sandbox strategies. Strategies are registered
// at startup; lookups after that are read-only.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates a registry pre-populated with the built-in
// strategies.
func NewRegistry() *Registry {
	r := &Registry{
		strategies: make(map[string]Strategy, 2),
	}

	r.Register(pythonStrategy{})
	r.Register(javascriptStrategy{})

	return r
}

// Register adds or replaces the strategy for its language.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.strategies[s.Language()] = s
}

// Get returns the strategy for a language.
func (r *Registry) Get(language string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q", language)
	}

	return s, nil
}

// Languages returns the sorted list of registered languages.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	langs := make([]string, 0, len(r.strategies))
	for lang := range r.strategies {
		langs = append(langs, lang)
	}

	sort.Strings(langs)

	return langs
}

type pythonStrategy struct{}

func (pythonStrategy) Language() string       { return "python" }
func (pythonStrategy) CodeFileName() string   { return "solution.py" }
func (pythonStrategy) ReportFileName() string { return "report.json" }

type javascriptStrategy struct{}

func (javascriptStrategy) Language() string       { return "javascript" }
func (javascriptStrategy) CodeFileName() string   { return "solution.js" }
func (javascriptStrategy) ReportFileName() string { return "report.json" }
