// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package expander resolves a task's parameter sequences and nesting
// orders into the rectangular set of element rows, each mapping input
// paths to per-input value indices.
package expander

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonmerge "github.com/apapsch/go-jsonmerge/v2"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/pkg/errors"
)

// Expand builds one row per element: a map from sequence path to the
// index into that sequence's value list. Sequences sharing a nesting
// order vary together; lower orders vary fastest. With no sequences the
// task has exactly one element (one empty row). repeats >= 2 replicates
// the full row set.
func Expand(sequences []model.Sequence, repeats int) ([]map[string]int, error) {
	groups, err := groupByNestingOrder(sequences)
	if err != nil {
		return nil, err
	}

	rows := []map[string]int{{}}
	for _, group := range groups {
		multiplicity := len(group.sequences[0].Values)
		next := make([]map[string]int, 0, len(rows)*multiplicity)
		for valueIdx := 0; valueIdx < multiplicity; valueIdx++ {
			for _, row := range rows {
				newRow := make(map[string]int, len(row)+len(group.sequences))
				for path, idx := range row {
					newRow[path] = idx
				}
				for _, seq := range group.sequences {
					newRow[seq.Path] = valueIdx
				}
				next = append(next, newRow)
			}
		}
		rows = next
	}

	if repeats > 1 {
		repeated := make([]map[string]int, 0, len(rows)*repeats)
		for i := 0; i < repeats; i++ {
			for _, row := range rows {
				copied := make(map[string]int, len(row))
				for path, idx := range row {
					copied[path] = idx
				}
				repeated = append(repeated, copied)
			}
		}
		rows = repeated
	}

	return rows, nil
}

// NumElements returns the element count an expansion would produce
// without building the rows.
func NumElements(sequences []model.Sequence, repeats int) (int, error) {
	groups, err := groupByNestingOrder(sequences)
	if err != nil {
		return 0, err
	}
	n := 1
	for _, group := range groups {
		n *= len(group.sequences[0].Values)
	}
	if repeats > 1 {
		n *= repeats
	}
	return n, nil
}

type nestingGroup struct {
	order     int
	sequences []model.Sequence
}

// groupByNestingOrder sorts sequences into ascending-order groups and
// validates that co-varying sequences have equal multiplicity.
func groupByNestingOrder(sequences []model.Sequence) ([]nestingGroup, error) {
	byOrder := map[int][]model.Sequence{}
	for _, seq := range sequences {
		byOrder[seq.NestingOrder] = append(byOrder[seq.NestingOrder], seq)
	}

	orders := make([]int, 0, len(byOrder))
	for order := range byOrder {
		orders = append(orders, order)
	}
	sort.Ints(orders)

	groups := make([]nestingGroup, 0, len(orders))
	for _, order := range orders {
		group := byOrder[order]
		multiplicity := len(group[0].Values)
		var conflicts []string
		for _, seq := range group {
			if len(seq.Values) != multiplicity {
				conflicts = append(conflicts, fmt.Sprintf("%s has %d values", seq.Path, len(seq.Values)))
			}
		}
		if len(conflicts) > 0 {
			details := append([]string{
				fmt.Sprintf("%s has %d values", group[0].Path, multiplicity),
			}, conflicts...)
			return nil, errors.NewValidationError(
				errors.ErrorCodeValidationFailed,
				fmt.Sprintf("sequences with nesting order %d have unequal multiplicities: %s",
					order, strings.Join(details, ", ")),
				"sequences", details, nil)
		}
		groups = append(groups, nestingGroup{order: order, sequences: group})
	}
	return groups, nil
}

// MergeInputValues overlays a sparse user-supplied input record onto
// schema-derived defaults, JSON-merge style: only keys present in the
// defaults are patched.
func MergeInputValues(defaults, overrides map[string]any) (map[string]any, error) {
	if len(overrides) == 0 {
		out := make(map[string]any, len(defaults))
		for k, v := range defaults {
			out[k] = v
		}
		return out, nil
	}

	defaultsJSON, err := json.Marshal(defaults)
	if err != nil {
		return nil, err
	}
	overridesJSON, err := json.Marshal(overrides)
	if err != nil {
		return nil, err
	}

	merger := &jsonmerge.Merger{}
	merged, err := merger.MergeBytes(defaultsJSON, overridesJSON)
	if err != nil {
		return nil, fmt.Errorf("expander: merge input values: %w", err)
	}
	if len(merger.Errors) > 0 {
		return nil, fmt.Errorf("expander: merge input values: %v", merger.Errors[0])
	}

	var out map[string]any
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, err
	}
	return out, nil
}
