package firehose

// Batch holds the operations of one commit that target a single collection,
// split by kind and kept in commit order.
type Batch struct {
	Creates []Operation
	Deletes []Operation
}

// Batches maps collection NSIDs to their operations.
type Batches map[string]*Batch

// Classify groups a commit's creates and deletes by collection. Updates are
// not tracked and are dropped, as are creates without a decoded record.
func Classify(ev *RepoEvent) Batches {
	out := make(Batches)
	for _, op := range ev.Ops {
		switch op.Action {
		case ActionCreate:
			if op.Record == nil {
				continue
			}
			b := batchFor(out, op.Collection)
			b.Creates = append(b.Creates, op)
		case ActionDelete:
			b := batchFor(out, op.Collection)
			b.Deletes = append(b.Deletes, op)
		}
	}
	return out
}

func batchFor(b Batches, collection string) *Batch {
	batch, ok := b[collection]
	if !ok {
		batch = &Batch{}
		b[collection] = batch
	}
	return batch
}

// Plan is the write set derived from a batch.
type Plan struct {
	Creates []Operation
	Deletes []string

	// Sequential is set when a URI is deleted and re-created within the batch;
	// its delete must land before its insert.
	Sequential bool
}

// Reconcile orders a batch's operations per URI by their position in the
// commit. The last operation for a URI decides the outcome: a create that is
// later deleted is dropped, and a delete that is followed by a create is
// applied before the insert.
func Reconcile(b *Batch) Plan {
	if b == nil {
		return Plan{}
	}

	lastDelete := make(map[string]int, len(b.Deletes))
	for _, op := range b.Deletes {
		if pos, ok := lastDelete[op.URI]; !ok || op.Position > pos {
			lastDelete[op.URI] = op.Position
		}
	}

	var plan Plan
	recreated := make(map[string]bool)
	for _, op := range b.Creates {
		if pos, ok := lastDelete[op.URI]; ok {
			if pos > op.Position {
				continue
			}
			recreated[op.URI] = true
		}
		plan.Creates = append(plan.Creates, op)
	}

	seen := make(map[string]bool, len(b.Deletes))
	for _, op := range b.Deletes {
		if seen[op.URI] {
			continue
		}
		seen[op.URI] = true
		plan.Deletes = append(plan.Deletes, op.URI)
	}
	plan.Sequential = len(recreated) > 0
	return plan
}
