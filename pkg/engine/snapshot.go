package engine

import "time"

// MergeResults folds a run's terminal results into the prior snapshot and
// returns the successor at the next serial. Only Succeeded results mutate
// records: successful creates, updates, and replaces upsert, successful
// deletes remove. Failed and Skipped nodes keep their prior record, or stay
// absent if they were never created. Both state backends share this rule so
// partial failure yields the same snapshot everywhere.
func MergeResults(prior *StateSnapshot, changes *ChangeSet, results []ApplyResult) *StateSnapshot {
	next := prior.Clone()
	next.Serial++
	next.TakenAt = time.Now().UTC()

	for i := range results {
		res := &results[i]
		if res.Outcome != OutcomeSucceeded {
			continue
		}

		if res.Action == ActionDelete {
			delete(next.Resources, res.Address)
			continue
		}

		rec := &ResourceRecord{
			Address:   res.Address,
			Type:      res.Address.Type(),
			ID:        res.ProviderID,
			Attrs:     NormalizeAttrs(res.Attrs),
			AppliedAt: res.CompletedAt,
		}
		if c := changes.Get(res.Address); c != nil {
			rec.Provider = c.Provider
			rec.Dependencies = append([]Address(nil), c.Dependencies...)
			if len(c.Labels) > 0 {
				rec.Labels = make(map[string]string, len(c.Labels))
				for k, v := range c.Labels {
					rec.Labels[k] = v
				}
			}
		}
		next.Resources[res.Address] = rec
	}

	return next
}
