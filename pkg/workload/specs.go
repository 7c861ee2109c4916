package workload

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4/json"
)

// specDoc is the configuration shape of a WorkerSpec; cadence is a Go duration string.
type specDoc struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	Credential  string `json:"credential"`
	Destination string `json:"destination"`
	Cadence     string `json:"cadence"`
}

// ParseSpecs decodes a JSON array of worker specs, e.g.
//
//	[{"name":"w1","source":"5FAG...","credential":"...","destination":"5Fo2...","cadence":"1s"}]
func ParseSpecs(data []byte) ([]WorkerSpec, error) {
	var docs []specDoc
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decode worker specs: %w", err)
	}

	seen := map[string]bool{}
	out := make([]WorkerSpec, 0, len(docs))
	for i, d := range docs {
		cadence, err := time.ParseDuration(d.Cadence)
		if err != nil {
			return nil, fmt.Errorf("worker spec %d: cadence %q: %w", i, d.Cadence, err)
		}
		spec := WorkerSpec{
			Name:        d.Name,
			Source:      d.Source,
			Credential:  d.Credential,
			Destination: d.Destination,
			Cadence:     cadence,
		}
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("worker-%d", i+1)
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate worker name %q", spec.Name)
		}
		seen[spec.Name] = true
		out = append(out, spec)
	}
	return out, nil
}
