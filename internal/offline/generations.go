package offline

import "fmt"

// Purpose partitions cache generations.
type Purpose string

const (
	PurposeStatic  Purpose = "static"
	PurposeDynamic Purpose = "dynamic"
	PurposeOffline Purpose = "offline"
)

// Generations names the versioned caches a worker owns.
type Generations struct {
	Prefix  string
	Version string
}

// Name returns "<prefix>-<purpose>-<version>".
func (g Generations) Name(p Purpose) string {
	return fmt.Sprintf("%s-%s-%s", g.Prefix, p, g.Version)
}

// Current lists the generation names in lookup order.
func (g Generations) Current() []string {
	return []string{g.Name(PurposeStatic), g.Name(PurposeDynamic), g.Name(PurposeOffline)}
}

// IsCurrent reports whether name belongs to this version.
func (g Generations) IsCurrent(name string) bool {
	for _, current := range g.Current() {
		if current == name {
			return true
		}
	}
	return false
}

// Stale filters names down to the ones activation deletes: everything that
// is not a current generation.
func (g Generations) Stale(names []string) []string {
	var stale []string
	for _, name := range names {
		if !g.IsCurrent(name) {
			stale = append(stale, name)
		}
	}
	return stale
}
