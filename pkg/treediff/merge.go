package treediff

// MergeDiffs folds two diffs computed against the same base tree into a
// single change set. Agreeing changes are kept once; a deletion on
// either side wins over a modification; diverging edits to the same
// path surface as a MergeConflict entry, and a file/directory collision
// as a FileDirConflict entry.
func MergeDiffs(d1, d2 *Diff) *Diff {
	out := New()

	for i := 0; i < len(d1.Entries); i++ {
		e := &d1.Entries[i]
		var replaceFirst *Entry

		// A file/directory replacement shows up as a delete directly
		// followed by a create of the other kind at the same path. Treat
		// the pair as one logical change.
		if e.Type == DeletedFile || e.Type == DeletedDir {
			if i+1 < len(d1.Entries) {
				next := &d1.Entries[i+1]
				flip := (e.Type == DeletedFile && next.Type == NewDir) ||
					(e.Type == DeletedDir && next.Type == NewFile)
				if flip && next.Path == e.Path {
					replaceFirst = e
					e = next
					i++
				}
			}
		}

		other := d2.Latest(e.Path)
		t2 := Noop
		if other != nil {
			t2 = other.Type
		}

		if t2 == Noop {
			if replaceFirst != nil {
				out.Append(*replaceFirst)
			}
			out.Append(*e)
			continue
		}

		switch e.Type {
		case NewFile:
			switch t2 {
			case NewFile:
				if e.Hashes == other.Hashes {
					out.Append(*e)
				} else {
					out.Append(conflictEntry(e, other))
				}
			case NewDir:
				out.Append(fileDirConflict(e, other))
			case DeletedFile:
				out.Append(*other)
			default:
				out.Append(conflictEntry(e, other))
			}

		case NewDir:
			switch t2 {
			case NewDir:
				out.Append(*e)
			case Modified:
				if replaceFirst != nil {
					// One side turned the file into a directory, the
					// other edited the file
					out.Append(fileDirConflict(e, other))
				} else {
					out.Append(conflictEntry(e, other))
				}
			case NewFile:
				out.Append(fileDirConflict(e, other))
			case DeletedFile, DeletedDir:
				out.Append(*other)
			default:
				out.Append(conflictEntry(e, other))
			}

		case DeletedFile:
			switch t2 {
			case NewDir:
				// The other side deleted the file and created a
				// directory in its place
				out.Append(*e)
				out.Append(*other)
			case NewFile:
				// A recreate on the other side wins over the delete
				out.Append(*e)
				out.Append(*other)
			default:
				out.Append(*e)
			}

		case DeletedDir:
			switch t2 {
			case NewFile, NewDir:
				out.Append(*e)
				out.Append(*other)
			default:
				out.Append(*e)
			}

		case Modified:
			switch t2 {
			case Modified:
				if e.Hashes == other.Hashes {
					out.Append(*e)
				} else {
					out.Append(conflictEntry(e, other))
				}
			case DeletedFile:
				out.Append(*other)
			case NewDir:
				out.Append(fileDirConflict(e, other))
			default:
				out.Append(conflictEntry(e, other))
			}

		default:
			out.Append(conflictEntry(e, other))
		}
	}

	// Changes present only on the second side pass through
	skipTypes := map[DiffType]bool{
		MergeConflict:   true,
		FileDirConflict: true,
		Renamed:         true,
		Noop:            true,
	}
	for i := 0; i < len(d2.Entries); i++ {
		e := &d2.Entries[i]
		if skipTypes[e.Type] {
			continue
		}
		if d1.Latest(e.Path) != nil {
			continue
		}
		out.Append(*e)
	}

	return out
}

// conflictEntry builds a MergeConflict carrying the three sides
func conflictEntry(a, b *Entry) Entry {
	return Entry{
		Type:      MergeConflict,
		Path:      a.Path,
		NewAttrs:  a.NewAttrs,
		HashA:     a.Hashes,
		HashB:     b.Hashes,
		HashBase:  a.HashBase,
		AttrsA:    a.NewAttrs,
		AttrsB:    b.NewAttrs,
		AttrsBase: a.AttrsBase,
	}
}

// fileDirConflict builds a FileDirConflict carrying both sides
func fileDirConflict(a, b *Entry) Entry {
	return Entry{
		Type:      FileDirConflict,
		Path:      a.Path,
		NewAttrs:  a.NewAttrs,
		HashA:     a.Hashes,
		HashB:     b.Hashes,
		HashBase:  a.HashBase,
		AttrsA:    a.NewAttrs,
		AttrsB:    b.NewAttrs,
		AttrsBase: a.AttrsBase,
	}
}

// Conflicts returns the conflict entries of a diff
func (d *Diff) Conflicts() []Entry {
	var out []Entry
	for _, e := range d.Entries {
		if e.Type == MergeConflict || e.Type == FileDirConflict {
			out = append(out, e)
		}
	}
	return out
}
