package compaction

import "loom/internal/session"

// FileOps tracks which files the conversation has read and modified.
// Carried across compaction cycles through summary metadata.
type FileOps struct {
	Read     []string
	Modified []string
}

// readTools and modifyTools map tool names to file-op kinds.
var (
	readTools   = map[string]struct{}{"read_file": {}}
	modifyTools = map[string]struct{}{"write_file": {}, "edit_file": {}}
)

// collectFileOps scans assistant tool calls for file operations.
func collectFileOps(msgs []session.Message) FileOps {
	var ops FileOps
	for _, m := range msgs {
		if m.Role != session.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			path, _ := tc.Arguments["path"].(string)
			if path == "" {
				continue
			}
			if _, ok := readTools[tc.Name]; ok {
				ops.Read = appendUnique(ops.Read, path)
			}
			if _, ok := modifyTools[tc.Name]; ok {
				ops.Modified = appendUnique(ops.Modified, path)
			}
		}
	}
	return ops
}

// fileOpsFromMetadata recovers the file sets a prior summary carried.
func fileOpsFromMetadata(msg session.Message) FileOps {
	return FileOps{
		Read:     stringList(msg.Metadata[session.MetaReadFiles]),
		Modified: stringList(msg.Metadata[session.MetaModifiedFiles]),
	}
}

// merge unions two file-op sets. A file that was read and later modified
// is promoted to modified-only.
func (f FileOps) merge(other FileOps) FileOps {
	var out FileOps
	for _, p := range f.Modified {
		out.Modified = appendUnique(out.Modified, p)
	}
	for _, p := range other.Modified {
		out.Modified = appendUnique(out.Modified, p)
	}
	modified := make(map[string]struct{}, len(out.Modified))
	for _, p := range out.Modified {
		modified[p] = struct{}{}
	}
	for _, p := range f.Read {
		if _, ok := modified[p]; !ok {
			out.Read = appendUnique(out.Read, p)
		}
	}
	for _, p := range other.Read {
		if _, ok := modified[p]; !ok {
			out.Read = appendUnique(out.Read, p)
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// stringList coerces metadata values, which arrive as []any after a JSON
// round trip, back into a string slice.
func stringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		out := make([]string, len(vv))
		copy(out, vv)
		return out
	case []any:
		var out []string
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
