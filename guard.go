package uvcgadget

// rollback collects release functions for resources acquired one after the
// other. Unless committed, unwind runs them in reverse acquisition order.
type rollback struct {
	undo      []func()
	committed bool
}

func (r *rollback) push(f func()) {
	r.undo = append(r.undo, f)
}

func (r *rollback) commit() {
	r.committed = true
}

func (r *rollback) unwind() {
	if r.committed {
		return
	}
	for i := len(r.undo) - 1; i >= 0; i-- {
		r.undo[i]()
	}
	r.undo = nil
}
