package transform

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/oncodata/pufkit/pkg/columnar"
	"github.com/oncodata/pufkit/pkg/logger"
	"github.com/oncodata/pufkit/pkg/pufkiterrors"
	"github.com/oncodata/pufkit/pkg/schema"
)

// Engine validates and applies a rule set to a dataset.
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine over the given rules.
func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// Plan is a validated, topologically ordered execution plan.
type Plan struct {
	Ordered []Rule
	// Derived lists the new columns in output order.
	Derived []schema.Column
}

// Plan validates the rule set against the unified schema and orders rules
// by declared dependency. All validation happens before any rule runs: a
// missing input column, an unknown or cyclic dependency, or an output name
// collision fails the whole pass up front.
func (e *Engine) Plan(u *schema.Unified) (*Plan, error) {
	byName := make(map[string]Rule, len(e.rules))
	for _, r := range e.rules {
		if _, dup := byName[r.Name()]; dup {
			return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeTransform,
				"duplicate rule name %q", r.Name())
		}
		byName[r.Name()] = r
	}

	// Output columns must not collide with the schema or each other.
	outputs := make(map[string]string) // column -> producing rule
	for _, r := range e.rules {
		for _, out := range r.Outputs() {
			if _, exists := u.Column(out.Name); exists {
				return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeTransform,
					"rule %q output column %q already exists in schema", r.Name(), out.Name)
			}
			if prev, dup := outputs[out.Name]; dup {
				return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeTransform,
					"rules %q and %q both produce column %q", prev, r.Name(), out.Name)
			}
			outputs[out.Name] = r.Name()
		}
	}

	// Inputs resolve against the unified schema plus the outputs of
	// direct dependencies. Implicit ordering through another rule's
	// output without a declared dependency is an error.
	for _, r := range e.rules {
		available := make(map[string]struct{})
		for _, dep := range r.DependsOn() {
			depRule, ok := byName[dep]
			if !ok {
				return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeTransform,
					"rule %q depends on unknown rule %q", r.Name(), dep)
			}
			for _, out := range depRule.Outputs() {
				available[out.Name] = struct{}{}
			}
		}
		for _, in := range r.Inputs() {
			if _, ok := u.Column(in); ok {
				continue
			}
			if _, ok := available[in]; ok {
				continue
			}
			if producer, hidden := outputs[in]; hidden {
				return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeTransform,
					"rule %q reads column %q produced by %q without declaring the dependency",
					r.Name(), in, producer)
			}
			return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeTransform,
				"rule %q input column %q does not exist in the unified schema", r.Name(), in)
		}
	}

	ordered, err := topoSort(e.rules, byName)
	if err != nil {
		return nil, err
	}

	derived := make([]schema.Column, 0, len(outputs))
	for _, r := range ordered {
		for _, out := range r.Outputs() {
			derived = append(derived, schema.Column{Name: out.Name, Type: out.Type})
		}
	}

	return &Plan{Ordered: ordered, Derived: derived}, nil
}

// topoSort orders rules by declared dependency using Kahn's algorithm,
// with deterministic tie-breaking by rule name.
func topoSort(rules []Rule, byName map[string]Rule) ([]Rule, error) {
	indegree := make(map[string]int, len(rules))
	dependents := make(map[string][]string, len(rules))
	for _, r := range rules {
		indegree[r.Name()] += 0
		for _, dep := range r.DependsOn() {
			indegree[r.Name()]++
			dependents[dep] = append(dependents[dep], r.Name())
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make([]Rule, 0, len(rules))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])

		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}

	if len(ordered) != len(rules) {
		return nil, pufkiterrors.New(pufkiterrors.ErrorTypeTransform,
			"rule dependencies form a cycle")
	}
	return ordered, nil
}

// TransformDataset applies the rule set to every columnar file in the
// dataset directory, appending derived columns. Each file is rewritten
// through a temporary sibling and renamed into place, so a partially
// transformed file is never published. Returns the extended schema.
func (e *Engine) TransformDataset(
	ctx context.Context,
	dir string,
	u *schema.Unified,
	format columnar.Format,
) (*schema.Unified, error) {
	plan, err := e.Plan(u)
	if err != nil {
		return nil, err
	}
	extended := u.WithDerived(plan.Derived)

	pattern := filepath.Join(dir, "*"+format.Extension())
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to list dataset files").WithDetail("dir", dir)
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
				"transform cancelled")
		}
		if err := e.transformFile(path, u, extended, plan, format); err != nil {
			return nil, err
		}
		logger.Info("file transformed", zap.String("file", path),
			zap.Int("derived_columns", len(plan.Derived)))
	}

	return extended, nil
}

func (e *Engine) transformFile(
	path string,
	base, extended *schema.Unified,
	plan *Plan,
	format columnar.Format,
) error {
	reader, err := columnar.OpenReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	tmpPath := path + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to create transform output").WithDetail("file", tmpPath)
	}
	defer os.Remove(tmpPath)

	writer, err := columnar.NewWriter(out, &columnar.WriterConfig{
		Format: format,
		Schema: extended,
	})
	if err != nil {
		out.Close()
		return err
	}

	derivedVals := make(map[string]interface{}, len(plan.Derived))
	for {
		row, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			out.Close()
			return err
		}

		for k := range derivedVals {
			delete(derivedVals, k)
		}
		get := func(col string) interface{} {
			if idx := base.ColumnIndex(col); idx >= 0 {
				return row[idx]
			}
			return derivedVals[col]
		}
		for _, rule := range plan.Ordered {
			outs := rule.Apply(get)
			for i, field := range rule.Outputs() {
				derivedVals[field.Name] = outs[i]
			}
		}

		outRow := make([]interface{}, extended.Len())
		copy(outRow, row)
		for i, d := range plan.Derived {
			outRow[base.Len()+i] = derivedVals[d.Name]
		}
		if err := writer.WriteRow(outRow); err != nil {
			out.Close()
			return err
		}
	}

	// The columnar writer owns the output file; Close finalizes and
	// closes it.
	if err := writer.Close(); err != nil {
		out.Close()
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to publish transformed file").WithDetail("file", path)
	}
	return nil
}
