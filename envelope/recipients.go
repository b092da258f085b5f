package envelope

// uniqueAddresses returns addrs with duplicates and zero values removed,
// keeping the first occurrence of each address.
func uniqueAddresses(addrs []Address) []Address {
	if len(addrs) == 0 {
		return nil
	}
	seen := make(map[Address]struct{}, len(addrs))
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		if a.IsZero() {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Intersect returns the members of current that also appear in subset,
// in the order of current. Addresses in subset that are not current
// recipients are ignored.
func Intersect(current, subset []Address) []Address {
	if len(current) == 0 || len(subset) == 0 {
		return nil
	}
	want := make(map[Address]struct{}, len(subset))
	for _, a := range subset {
		want[a] = struct{}{}
	}
	var out []Address
	for _, a := range current {
		if _, ok := want[a]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Subtract returns the members of current that do not appear in remove,
// in the order of current.
func Subtract(current, remove []Address) []Address {
	if len(remove) == 0 {
		return append([]Address(nil), current...)
	}
	drop := make(map[Address]struct{}, len(remove))
	for _, a := range remove {
		drop[a] = struct{}{}
	}
	var out []Address
	for _, a := range current {
		if _, ok := drop[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}
