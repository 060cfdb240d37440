package messaging

import (
	"fmt"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/broker"
	"github.com/goliatone/go-ossa/rpc"
	"gopkg.in/yaml.v3"
)

// PublishedChannel is a channel an agent declares it publishes to.
type PublishedChannel struct {
	Channel     string         `json:"channel" yaml:"channel"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	ContentType string         `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	Schema      map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
	Tags        []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// SubscribedChannel is a channel, or pattern, an agent consumes.
type SubscribedChannel struct {
	Channel string         `json:"channel" yaml:"channel"`
	Schema  map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
	Handler string         `json:"handler,omitempty" yaml:"handler,omitempty"`
}

// Manifest is the messaging section of an agent capability declaration.
type Manifest struct {
	Agent      string              `json:"agent,omitempty" yaml:"agent,omitempty"`
	Publishes  []PublishedChannel  `json:"publishes,omitempty" yaml:"publishes,omitempty"`
	Subscribes []SubscribedChannel `json:"subscribes,omitempty" yaml:"subscribes,omitempty"`
	Commands   []rpc.CommandSpec   `json:"commands,omitempty" yaml:"commands,omitempty"`
}

func (p PublishedChannel) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Channel, validation.Required, validation.By(concreteChannel)),
	)
}

func (s SubscribedChannel) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Channel, validation.Required),
	)
}

func (m Manifest) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Publishes),
		validation.Field(&m.Subscribes),
		validation.Field(&m.Commands, validation.Each(validation.By(func(v any) error {
			spec, _ := v.(rpc.CommandSpec)
			if spec.Name == "" {
				return validation.NewError("validation_command_name", "command name is required")
			}
			return nil
		}))),
	)
}

func concreteChannel(v any) error {
	name, _ := v.(string)
	if broker.IsPattern(name) {
		return validation.NewError("validation_channel_pattern", "published channels cannot contain wildcards")
	}
	return nil
}

// ChannelSpec converts a published channel into a broker channel declaration.
func (p PublishedChannel) ChannelSpec() broker.ChannelSpec {
	return broker.ChannelSpec{
		Name:        p.Channel,
		ContentType: p.ContentType,
		Schema:      p.Schema,
		Description: p.Description,
		Tags:        p.Tags,
	}
}

// ParseManifest decodes a YAML or JSON manifest and validates its shape and
// every declared schema.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, ossa.NewError(ossa.ErrConfiguration, "parse manifest", err, nil)
	}
	if err := ValidateManifest(m); err != nil {
		return nil, err
	}
	return &m, nil
}

func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ossa.NewError(ossa.ErrConfiguration, "read manifest "+path, err, map[string]any{
			"path": path,
		})
	}
	return ParseManifest(data)
}

// ValidateManifest checks required fields, duplicates and that each schema
// compiles.
func ValidateManifest(m Manifest) error {
	if err := m.Validate(); err != nil {
		return errors.FromOzzoValidation(err, "invalid manifest").
			WithTextCode(ossa.ErrCodeConfiguration).
			WithMetadata(map[string]any{"agent": m.Agent})
	}

	seen := make(map[string]struct{})
	for _, p := range m.Publishes {
		if _, dup := seen[p.Channel]; dup {
			return ossa.NewError(ossa.ErrConfiguration, "duplicate published channel "+p.Channel, nil, nil)
		}
		seen[p.Channel] = struct{}{}
	}

	check := NewSchemaRegistry()
	for i, p := range m.Publishes {
		if err := check.Register(fmt.Sprintf("publishes[%d]", i), p.Schema); err != nil {
			return err
		}
	}
	for i, s := range m.Subscribes {
		if err := check.Register(fmt.Sprintf("subscribes[%d]", i), s.Schema); err != nil {
			return err
		}
	}
	commands := make(map[string]struct{})
	for _, c := range m.Commands {
		if _, dup := commands[c.Name]; dup {
			return ossa.NewError(ossa.ErrConfiguration, "duplicate command "+c.Name, nil, nil)
		}
		commands[c.Name] = struct{}{}
		if err := check.Register(inputSchemaKey(c.Name), c.InputSchema); err != nil {
			return err
		}
		if err := check.Register(outputSchemaKey(c.Name), c.OutputSchema); err != nil {
			return err
		}
	}
	return nil
}

func inputSchemaKey(command string) string  { return "command:" + command + ":input" }
func outputSchemaKey(command string) string { return "command:" + command + ":output" }
