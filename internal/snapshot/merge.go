package snapshot

// Patch is one merge-patch object: a JSON-shaped tree of
// map[string]any / []any / scalars. A nil value deletes the key it sits
// under; arrays replace wholesale.
type Patch = map[string]any

// MergePatch applies patch to target and returns the result, following the
// JSON merge-patch rules: for each key, a nil value deletes the key, a
// nested object recurses when the target also holds an object there, and
// anything else replaces. target is never mutated; shared subtrees are
// copied on write so callers can hold references to earlier trees.
func MergePatch(target map[string]any, patch Patch) map[string]any {
	out := make(map[string]any, len(target)+len(patch))
	for k, v := range target {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		pv, isObj := v.(map[string]any)
		if !isObj {
			out[k] = v
			continue
		}
		tv, hadObj := out[k].(map[string]any)
		if !hadObj {
			tv = nil
		}
		out[k] = MergePatch(tv, pv)
	}
	return out
}

// mergePatches folds b into a so that applying the result equals applying a
// then b. This is what queue coalescing uses: two queued patches collapse
// into one without the client being able to tell.
//
// Note this is not MergePatch: a nil in b must survive into the combined
// patch (it still has to delete the key from the client's tree), whereas
// MergePatch would consume it.
func mergePatches(a, b Patch) Patch {
	out := make(Patch, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		bv, bIsObj := v.(map[string]any)
		if !bIsObj {
			out[k] = v // scalars, arrays, and nils all replace
			continue
		}
		av, aIsObj := out[k].(map[string]any)
		if !aIsObj {
			out[k] = v
			continue
		}
		out[k] = mergePatches(av, bv)
	}
	return out
}
