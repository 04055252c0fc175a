package vdir

import "sort"

// genericDiff walks a and b in lockstep, sorted order, reporting paths
// present in one but not the other as Added/Removed and paths present
// in both with different content as Modified. A directory present on
// only one side is reported once at its own path, and an entry whose
// kind differs is reported as Modified; directories present on both
// sides are recursed into and not reported themselves.
func genericDiff(a, b node) (*DiffResult, error) {
	result := &DiffResult{}
	if err := diffLevel(a, b, "", result); err != nil {
		return nil, err
	}
	return result, nil
}

func diffLevel(a, b node, prefix string, result *DiffResult) error {
	aNames, err := a.names()
	if err != nil {
		return err
	}
	bNames, err := b.names()
	if err != nil {
		return err
	}

	union := make(map[string]struct{}, len(aNames)+len(bNames))
	for _, n := range aNames {
		union[n] = struct{}{}
	}
	for _, n := range bNames {
		union[n] = struct{}{}
	}

	names := make([]string, 0, len(union))
	for n := range union {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		relPath := joinPath(prefix, name)
		aKind, aOK, err := a.classify(name)
		if err != nil {
			return err
		}
		bKind, bOK, err := b.classify(name)
		if err != nil {
			return err
		}

		switch {
		case aOK && !bOK:
			result.Removed = append(result.Removed, relPath)
		case !aOK && bOK:
			result.Added = append(result.Added, relPath)
		case aKind != bKind:
			result.Modified = append(result.Modified, relPath)
		case aKind == KindDirectory:
			aChild, err := a.descend(name)
			if err != nil {
				return err
			}
			bChild, err := b.descend(name)
			if err != nil {
				return err
			}
			if err := diffLevel(aChild, bChild, relPath, result); err != nil {
				return err
			}
		default:
			aKey, err := a.contentKey(name)
			if err != nil {
				return err
			}
			bKey, err := b.contentKey(name)
			if err != nil {
				return err
			}
			if aKey != bKey {
				result.Modified = append(result.Modified, relPath)
			}
		}
	}
	return nil
}
