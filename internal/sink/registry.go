package sink

import (
	"fmt"
	"sort"
	"strings"
)

// registry is fixed at compile time; names are matched case-insensitively.
var registry = map[string]Factory{
	"csv":     NewCSV,
	"csv.gz":  NewGzipCSV,
	"csv.zst": NewZstdCSV,
	"empty":   NewEmpty,
}

// Lookup resolves a sink name to its constructor.
func Lookup(name string) (Factory, error) {
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownSink, name, strings.Join(Names(), ", "))
	}
	return f, nil
}

// Names lists the registered sink names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
