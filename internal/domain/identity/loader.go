package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/mentorsync/internal/domain/model"
)

// record is one startup in the registry file:
//
//	startups:
//	  - id: kampus-001
//	    name: Kampus
//	    aliases: ["kampus", "#4"]
//	    slots: [4]
//	    metadata: {founder: Hemanth Gowda, category: Social}
type record struct {
	ID       string            `koanf:"id"`
	Name     string            `koanf:"name"`
	Aliases  []string          `koanf:"aliases"`
	Slots    []uint64          `koanf:"slots"`
	Metadata map[string]string `koanf:"metadata"`
}

// LoadFile reads a registry YAML file. An empty path yields the built-in
// registry.
func LoadFile(_ context.Context, path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoadRegistry, path, err)
	}
	var records []record
	if err := k.UnmarshalWithConf("startups", &records, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoadRegistry, path, err)
	}
	return build(records)
}

func build(records []record) (*Registry, error) {
	r := NewRegistry()
	for i, rec := range records {
		id, err := rec.identity()
		if err != nil {
			return nil, fmt.Errorf("startup %d: %w", i, err)
		}
		if err := r.Register(id); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (rec record) identity() (model.StartupIdentity, error) {
	canonical := strings.TrimSpace(rec.ID)
	if canonical == "" {
		return model.StartupIdentity{}, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	id := model.StartupIdentity{
		CanonicalID: canonical,
		DisplayName: rec.Name,
		Metadata:    rec.Metadata,
	}
	for _, raw := range rec.Aliases {
		a, err := model.ParseAlias(raw)
		if err != nil {
			return model.StartupIdentity{}, fmt.Errorf("%w: %s: %w", ErrInvalidRecord, canonical, err)
		}
		id.Aliases = append(id.Aliases, a)
	}
	for _, slot := range rec.Slots {
		id.Aliases = append(id.Aliases, model.SlotAlias(slot))
	}
	return id, nil
}

// Default is the registry of startups onboarded by the seed flow, including
// the legacy spellings older clients wrote under.
func Default() *Registry {
	r, err := build([]record{
		{ID: "campus-founders-001", Name: "Campus Founders", Aliases: []string{"CampusFounders", "campusfounders"}},
		{ID: "kampus-001", Name: "Kampus", Slots: []uint64{4}, Metadata: map[string]string{
			"founder": "Hemanth Gowda", "college": "Reva College, Bangalore", "category": "Social", "funding": "₹50 Lakhs",
		}},
		{ID: "learny-hive-001", Name: "LearnyHive"},
		{ID: "startup-alpha-001", Name: "Startup Alpha", Aliases: []string{"test-startup-001"}},
		{ID: "saathi-app-001", Name: "Saathi App", Metadata: map[string]string{
			"founder": "Abhay Gupta", "college": "RV College, Bangalore", "category": "Social", "funding": "₹20 Lakhs",
		}},
		{ID: "nologin-001", Name: "NoLogin", Metadata: map[string]string{
			"founder": "Deekshith B", "college": "BMS College, Bangalore", "category": "Logistics", "funding": "₹10 Lakhs",
		}},
	})
	if err != nil {
		panic(err)
	}
	return r
}
