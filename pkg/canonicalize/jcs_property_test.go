package canonicalize

import (
	"bytes"
	"encoding/json"
	"testing"

	gojcs "github.com/gowebpki/jcs"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestJCSDeterminism verifies the canonical form is a pure function of the
// logical value: repeated runs and reference-transformed runs agree.
func TestJCSDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form is deterministic", prop.ForAll(
		func(keys []string, values []int) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			first, err1 := JCS(obj)
			second, err2 := JCS(obj)
			if err1 != nil || err2 != nil {
				return false
			}
			return bytes.Equal(first, second)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int()),
	))

	properties.Property("canonical form matches the RFC 8785 reference", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			ours, err := JCS(obj)
			if err != nil {
				return false
			}
			raw, err := json.Marshal(obj)
			if err != nil {
				return false
			}
			ref, err := gojcs.Transform(raw)
			if err != nil {
				return false
			}
			return bytes.Equal(ours, ref)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
