package workflow

import (
	"os"

	"github.com/goliatone/go-ossa"
	"gopkg.in/yaml.v3"
)

// ParseDefinition parses JSON or YAML into a validated Definition.
// Durations are Go duration strings such as "30s".
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	// yaml can handle JSON too, so a single attempt is fine
	if err := yaml.Unmarshal(data, &def); err != nil {
		return def, ossa.NewError(ossa.ErrConfiguration, "parse workflow definition: "+err.Error(), err, nil)
	}
	return def, ValidateDefinition(def)
}

// LoadDefinition reads and parses a definition file.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, ossa.NewError(ossa.ErrConfiguration, "read workflow definition", err, map[string]any{
			"path": path,
		})
	}
	return ParseDefinition(data)
}
