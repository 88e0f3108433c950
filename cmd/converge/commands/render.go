package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/convergehq/converge/pkg/engine"
)

// actionSymbol maps change actions to their plan rendering prefix.
func actionSymbol(action engine.ChangeAction) string {
	switch action {
	case engine.ActionCreate:
		return "+"
	case engine.ActionUpdate:
		return "~"
	case engine.ActionDelete:
		return "-"
	case engine.ActionReplace:
		return "-/+"
	default:
		return " "
	}
}

// renderPlan writes the change set in human or JSON form.
func renderPlan(w io.Writer, pr *engine.PlanResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(pr.Changes)
	}

	for _, c := range pr.Changes.Changes {
		if c.Action == engine.ActionNoOp {
			continue
		}
		line := fmt.Sprintf("%4s %s", actionSymbol(c.Action), c.Address)
		if names := diffNames(c); len(names) > 0 && c.Action != engine.ActionCreate {
			line += fmt.Sprintf(" (%s)", strings.Join(names, ", "))
		}
		fmt.Fprintln(w, line)
	}

	s := pr.Changes.Summary
	fmt.Fprintf(w, "\nPlan: %d to create, %d to update, %d to replace, %d to delete, %d unchanged.\n",
		s.Create, s.Update, s.Replace, s.Delete, s.NoOp)
	return nil
}

// diffNames lists the changed attribute names of one change.
func diffNames(c *engine.Change) []string {
	names := make([]string, 0, len(c.Diffs))
	for _, d := range c.Diffs {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// renderReport writes a run report in human or JSON form.
func renderReport(w io.Writer, report *engine.RunReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	for _, res := range report.NodeResults {
		switch res.Outcome {
		case engine.OutcomeSucceeded:
			fmt.Fprintf(w, "%4s %s: %s", actionSymbol(res.Action), res.Address, res.Outcome)
			if res.ProviderID != "" {
				fmt.Fprintf(w, " [id=%s]", res.ProviderID)
			}
			fmt.Fprintln(w)
		case engine.OutcomeFailed:
			fmt.Fprintf(w, "%4s %s: %s (%s)\n", actionSymbol(res.Action), res.Address, res.Outcome, res.Error.Message)
		default:
			fmt.Fprintf(w, "%4s %s: %s\n", actionSymbol(res.Action), res.Address, res.Outcome)
		}
	}

	r := report.Results
	fmt.Fprintf(w, "\nRun %s: %d succeeded, %d failed, %d skipped. State serial %d.\n",
		report.Status, r.Succeeded, r.Failed, r.Skipped, report.CommittedSerial)
	return nil
}

// renderSnapshot writes the stored snapshot in human or JSON form.
func renderSnapshot(w io.Writer, snap *engine.StateSnapshot, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Fprintf(w, "Serial:  %d\nLineage: %s\nTaken:   %s\n\n",
		snap.Serial, snap.Lineage, snap.TakenAt.Format("2006-01-02 15:04:05 MST"))

	addrs := snap.Addresses()
	if len(addrs) == 0 {
		fmt.Fprintln(w, "No resources in state.")
		return nil
	}
	for _, addr := range addrs {
		rec := snap.Record(addr)
		fmt.Fprintf(w, "%s\n  id: %s\n  provider: %s\n  applied: %s\n",
			addr, rec.ID, rec.Provider, rec.AppliedAt.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}
