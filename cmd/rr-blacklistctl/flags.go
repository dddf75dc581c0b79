package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haukened/rr-blacklist/internal/engine/domain"
)

// ruleFlags describe one rule. Omitted fields are wildcards.
type ruleFlags struct {
	function    string
	parameters  string
	target      string
	inputs      []string
	outputs     []string
	inputsMode  string
	outputsMode string
}

func (f *ruleFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.function, "function", "f", "", "function id")
	cmd.Flags().StringVarP(&f.parameters, "parameters", "p", "", "canonical parameter encoding")
	cmd.Flags().StringVarP(&f.target, "target", "t", "", "target")
	cmd.Flags().StringArrayVar(&f.inputs, "input", nil, "input value spec name[@target][{properties}], repeatable")
	cmd.Flags().StringArrayVar(&f.outputs, "output", nil, "output value spec, repeatable")
	cmd.Flags().StringVar(&f.inputsMode, "inputs-mode", "exact", "input matching: exact or partial")
	cmd.Flags().StringVar(&f.outputsMode, "outputs-mode", "exact", "output matching: exact or partial")
}

func (f *ruleFlags) rule() (domain.Rule, error) {
	inputs, err := specSet(f.inputs, f.inputsMode)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("inputs: %w", err)
	}
	outputs, err := specSet(f.outputs, f.outputsMode)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("outputs: %w", err)
	}
	return domain.NewRule(f.function, f.parameters, f.target, inputs, outputs)
}

// specSet returns nil, a wildcard, when no specs are given.
func specSet(raw []string, mode string) (*domain.SpecSet, error) {
	m, err := domain.ParseMatchMode(mode)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	specs, err := parseSpecs(raw)
	if err != nil {
		return nil, err
	}
	return domain.NewSpecSet(m, specs...), nil
}

func parseSpecs(raw []string) ([]domain.ValueSpec, error) {
	specs := make([]domain.ValueSpec, 0, len(raw))
	for _, s := range raw {
		v, err := domain.ParseValueSpec(s)
		if err != nil {
			return nil, err
		}
		specs = append(specs, v)
	}
	return specs, nil
}

// itemFlags describe one job item.
type itemFlags struct {
	function   string
	parameters string
	target     string
	inputs     []string
	outputs    []string
}

func (f *itemFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.function, "function", "f", "", "function id")
	cmd.Flags().StringVarP(&f.parameters, "parameters", "p", "", "canonical parameter encoding")
	cmd.Flags().StringVarP(&f.target, "target", "t", "", "target")
	cmd.Flags().StringArrayVar(&f.inputs, "input", nil, "input value spec, repeatable")
	cmd.Flags().StringArrayVar(&f.outputs, "output", nil, "output value spec, repeatable")
}

func (f *itemFlags) item() (domain.JobItem, error) {
	inputs, err := parseSpecs(f.inputs)
	if err != nil {
		return domain.JobItem{}, fmt.Errorf("inputs: %w", err)
	}
	outputs, err := parseSpecs(f.outputs)
	if err != nil {
		return domain.JobItem{}, fmt.Errorf("outputs: %w", err)
	}
	return domain.JobItem{
		FunctionID: f.function,
		Parameters: f.parameters,
		Target:     f.target,
		Inputs:     inputs,
		Outputs:    outputs,
	}, nil
}
