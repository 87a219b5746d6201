package kernels

import "fmt"

// BasicSTP is the host implementation of the basicSTP entry point. It takes
// the resolved arguments (int32 N, int32 k, []float32 weights) of one launch
// and returns the body of a single work item. Preparation runs once per
// launch, after every earlier launch on the queue has completed.
//
// Row k is copied before any work item runs so that the item owning row k
// never races with the items reading it.
func BasicSTP(args []any) (func(gid int), error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("basicSTP: want 3 arguments, got %d", len(args))
	}
	n, ok := args[0].(int32)
	if !ok {
		return nil, fmt.Errorf("basicSTP: argument 0 is %T, want int32", args[0])
	}
	k, ok := args[1].(int32)
	if !ok {
		return nil, fmt.Errorf("basicSTP: argument 1 is %T, want int32", args[1])
	}
	w, ok := args[2].([]float32)
	if !ok {
		return nil, fmt.Errorf("basicSTP: argument 2 is %T, want buffer", args[2])
	}
	size := int(n)
	if size < 0 || len(w) < size*size {
		return nil, fmt.Errorf("basicSTP: buffer holds %d floats, need %d", len(w), size*size)
	}
	if k < 0 || int(k) >= size {
		return nil, fmt.Errorf("basicSTP: stage %d out of range [0, %d)", k, size)
	}

	rowK := make([]float32, size)
	copy(rowK, w[int(k)*size:(int(k)+1)*size])

	return func(i int) {
		if i >= size {
			return
		}
		row := w[i*size : (i+1)*size]
		wik := row[k]
		for j, wkj := range rowK {
			if v := wik + wkj; v < row[j] {
				row[j] = v
			}
		}
	}, nil
}
