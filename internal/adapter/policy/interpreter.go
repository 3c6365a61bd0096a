// Package policy provides the built-in policy collaborators: a keyword
// interpreter that maps free-text queries onto declarative policy programs,
// and a guidance generator for decided queries. Both are deliberately
// simple; they exist so the trust core can run end to end without an
// external language model behind the interfaces.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"civicmesh/internal/domain"
)

// programFile is the on-disk shape of one policy program. The filename stem
// becomes the program id.
type programFile struct {
	Name           string   `yaml:"name"`
	Summary        string   `yaml:"summary"`
	Keywords       []string `yaml:"keywords"`
	RequiredClaims []string `yaml:"requiredClaims"`
	Criteria       []struct {
		Criterion string `yaml:"criterion"`
		Field     string `yaml:"field"`
		Operator  string `yaml:"operator"`
		Value     any    `yaml:"value"`
	} `yaml:"criteria"`
}

type program struct {
	keywords []string
	spec     domain.PolicyProgram
}

// Interpreter resolves a free-text query to the first policy program with a
// matching keyword. Programs are loaded once at construction; the set is
// immutable afterwards, so lookups need no locking.
type Interpreter struct {
	programs []program
	logger   *slog.Logger
}

// NewInterpreter loads every *.yaml program under dir. An empty dir falls
// back to the built-in program set.
func NewInterpreter(dir string, logger *slog.Logger) (*Interpreter, error) {
	in := &Interpreter{logger: logger}
	if dir == "" {
		in.programs = builtinPrograms()
		logger.Info("policy interpreter using built-in programs", "programs", len(in.programs))
		return in, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, domain.NewSubSystemError("policy", "NewInterpreter", domain.ErrConfigLoad, err.Error())
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		p, err := loadProgram(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		in.programs = append(in.programs, p)
	}
	if len(in.programs) == 0 {
		return nil, domain.NewSubSystemError("policy", "NewInterpreter",
			domain.ErrConfigLoad, "no policy programs in "+dir)
	}
	logger.Info("policy programs loaded", "dir", dir, "programs", len(in.programs))
	return in, nil
}

// Interpret matches the query against program keywords, case-insensitive,
// first match wins in load order.
func (in *Interpreter) Interpret(_ context.Context, query string) (*domain.PolicyProgram, error) {
	lowered := strings.ToLower(query)
	for _, p := range in.programs {
		for _, kw := range p.keywords {
			if strings.Contains(lowered, kw) {
				spec := p.spec
				in.logger.Debug("policy program matched", "program_id", spec.ID, "keyword", kw)
				return &spec, nil
			}
		}
	}
	return nil, domain.NewSubSystemError("policy", "Interpreter.Interpret",
		domain.ErrNotFound, fmt.Sprintf("no program matches query %q", query))
}

// Programs returns the loaded program set in load order.
func (in *Interpreter) Programs() []domain.PolicyProgram {
	out := make([]domain.PolicyProgram, 0, len(in.programs))
	for _, p := range in.programs {
		out = append(out, p.spec)
	}
	return out
}

func loadProgram(path string) (program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return program{}, domain.NewSubSystemError("policy", "loadProgram", domain.ErrConfigLoad, err.Error())
	}
	var pf programFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return program{}, domain.NewSubSystemError("policy", "loadProgram",
			domain.ErrConfigLoad, fmt.Sprintf("%s: %v", path, err))
	}
	if pf.Name == "" || len(pf.Keywords) == 0 || len(pf.Criteria) == 0 {
		return program{}, domain.NewSubSystemError("policy", "loadProgram",
			domain.ErrConfigLoad, path+": name, keywords, and criteria are required")
	}

	id := strings.TrimSuffix(filepath.Base(path), ".yaml")
	spec := domain.PolicyProgram{
		ID:             id,
		Name:           pf.Name,
		Summary:        pf.Summary,
		RequiredClaims: pf.RequiredClaims,
	}
	for _, c := range pf.Criteria {
		spec.Criteria = append(spec.Criteria, domain.EligibilityRule{
			Criterion: c.Criterion,
			Field:     c.Field,
			Operator:  domain.Operator(c.Operator),
			Value:     c.Value,
		})
	}

	keywords := make([]string, 0, len(pf.Keywords))
	for _, kw := range pf.Keywords {
		keywords = append(keywords, strings.ToLower(kw))
	}
	return program{keywords: keywords, spec: spec}, nil
}

// builtinPrograms is the default program set used when no policy directory
// is configured.
func builtinPrograms() []program {
	return []program{
		{
			keywords: []string{"childcare", "daycare", "child care"},
			spec: domain.PolicyProgram{
				ID:      "childcare-subsidy",
				Name:    "Childcare Subsidy",
				Summary: "Income-tested subsidy for households with young children.",
				Criteria: []domain.EligibilityRule{
					{Criterion: "household income at or below threshold", Field: "income", Operator: domain.OpLTE, Value: 45000},
					{Criterion: "resident of the service area", Field: "residency", Operator: domain.OpEQ, Value: "resident"},
					{Criterion: "at least one child under six", Field: "childAge", Operator: domain.OpLT, Value: 6},
				},
				RequiredClaims: []string{"income", "residency", "childAge"},
			},
		},
		{
			keywords: []string{"housing", "rent", "rental assistance"},
			spec: domain.PolicyProgram{
				ID:      "housing-assistance",
				Name:    "Housing Assistance",
				Summary: "Rental support for low-income resident households.",
				Criteria: []domain.EligibilityRule{
					{Criterion: "household income at or below threshold", Field: "income", Operator: domain.OpLTE, Value: 38000},
					{Criterion: "resident of the service area", Field: "residency", Operator: domain.OpEQ, Value: "resident"},
				},
				RequiredClaims: []string{"income", "residency"},
			},
		},
		{
			keywords: []string{"senior", "pension", "elder"},
			spec: domain.PolicyProgram{
				ID:      "senior-benefit",
				Name:    "Senior Benefit",
				Summary: "Supplemental benefit for residents aged 65 and over.",
				Criteria: []domain.EligibilityRule{
					{Criterion: "aged 65 or over", Field: "age", Operator: domain.OpGTE, Value: 65},
					{Criterion: "resident of the service area", Field: "residency", Operator: domain.OpEQ, Value: "resident"},
				},
				RequiredClaims: []string{"age", "residency"},
			},
		},
	}
}
