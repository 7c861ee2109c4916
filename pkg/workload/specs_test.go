package workload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseSpecs(t *testing.T) {
	specs, err := ParseSpecs([]byte(`[
		{"name":"primary","source":"A","credential":"pw-a","destination":"B","cadence":"1s"},
		{"source":"B","credential":"pw-b","destination":"C","cadence":"2s"}
	]`))
	require.NoError(t, err)
	require.Equal(t, []WorkerSpec{
		{Name: "primary", Source: "A", Credential: "pw-a", Destination: "B", Cadence: time.Second},
		{Name: "worker-2", Source: "B", Credential: "pw-b", Destination: "C", Cadence: 2 * time.Second},
	}, specs)
}

func TestParseSpecsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"bad cadence":     `[{"name":"w","source":"A","destination":"B","cadence":"soon"}]`,
		"zero cadence":    `[{"name":"w","source":"A","destination":"B","cadence":"0s"}]`,
		"no destination":  `[{"name":"w","source":"A","cadence":"1s"}]`,
		"duplicate names": `[{"name":"w","source":"A","destination":"B","cadence":"1s"},{"name":"w","source":"A","destination":"B","cadence":"1s"}]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSpecs([]byte(raw))
			require.Error(t, err)
		})
	}
}
