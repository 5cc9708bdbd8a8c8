package runspec

// StripDetach removes a leading "-d"/"--detach" flag from a create argument
// list, per spec.md §4.5 step 8 (restore always creates in foreground-create
// semantics; start is a separate call).
func StripDetach(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "-d" || a == "--detach" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// StripIPForDefaultNetwork removes a "--ip <addr>" pair from args when the
// effective network (networkMode, or the default bridge if unspecified) is
// the default bridge — Docker rejects --ip against the default bridge with a
// distinctive error. Per spec.md §9's open question, a shifted subnet on a
// user-defined network is left alone; only the default-bridge/unspecified
// case is handled.
func StripIPForDefaultNetwork(args []string, networkMode string) []string {
	effective := networkMode
	if effective == "" || effective == "default" {
		effective = "bridge"
	}
	if !IsDefaultNetwork(effective) {
		return args
	}

	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--ip" {
			i++ // skip the value too
			continue
		}
		out = append(out, args[i])
	}
	return out
}
