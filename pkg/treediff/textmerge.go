package treediff

import (
	"bytes"
	"strings"
)

// textProbeSize bounds how much of each side the text heuristic reads
const textProbeSize = 8192

// IsText reports whether data looks like line-oriented text: nothing
// below 0x09 in the first probe window.
func IsText(data []byte) bool {
	probe := data
	if len(probe) > textProbeSize {
		probe = probe[:textProbeSize]
	}
	for _, b := range probe {
		if b < 0x09 {
			return false
		}
	}
	return true
}

// splitLines splits text into lines, each retaining its terminator
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var lines []string
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			lines = append(lines, string(data))
			break
		}
		lines = append(lines, string(data[:i+1]))
		data = data[i+1:]
	}
	return lines
}

// lcsLimit bounds the quadratic matching table; larger inputs refuse to
// merge rather than stall.
const lcsLimit = 4096

// lcsMatch computes, for each line of a and b, the index it is matched
// to in a longest common subsequence, or -1.
func lcsMatch(a, b []string) (aToB, bToA []int, ok bool) {
	n, m := len(a), len(b)
	if n > lcsLimit || m > lcsLimit {
		return nil, nil, false
	}

	// dp[i][j] = LCS length of a[i:], b[j:]
	dp := make([][]int32, n+1)
	for i := range dp {
		dp[i] = make([]int32, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	aToB = make([]int, n)
	bToA = make([]int, m)
	for i := range aToB {
		aToB[i] = -1
	}
	for j := range bToA {
		bToA[j] = -1
	}
	i, j := 0, 0
	for i < n && j < m {
		if a[i] == b[j] {
			aToB[i] = j
			bToA[j] = i
			i++
			j++
		} else if dp[i+1][j] >= dp[i][j+1] {
			i++
		} else {
			j++
		}
	}
	return aToB, bToA, true
}

// hunk is one changed region: base[BaseLo:BaseHi] was replaced by
// side[SideLo:SideHi].
type hunk struct {
	BaseLo, BaseHi int
	SideLo, SideHi int
}

// diffHunks lists the changed regions between base and side
func diffHunks(base, side []string) ([]hunk, bool) {
	baseToSide, sideToBase, ok := lcsMatch(base, side)
	if !ok {
		return nil, false
	}

	var hunks []hunk
	i, j := 0, 0
	for i < len(base) || j < len(side) {
		if i < len(base) && j < len(side) && baseToSide[i] == j {
			i++
			j++
			continue
		}
		h := hunk{BaseLo: i, SideLo: j}
		for i < len(base) && baseToSide[i] < 0 {
			i++
		}
		for j < len(side) && sideToBase[j] < 0 {
			j++
		}
		h.BaseHi, h.SideHi = i, j
		hunks = append(hunks, h)
	}
	return hunks, true
}

// sidePos maps a base boundary to the corresponding side position. The
// boundary is either matched in the side or the start of one of the
// side's hunks.
func sidePos(i int, base, side []string, baseToSide []int, hunks []hunk, end bool) int {
	// A hunk edge at this boundary takes priority: a pure insertion
	// shares its base position with the matched line after it
	for _, h := range hunks {
		if !end && h.BaseLo == i {
			return h.SideLo
		}
		if end && h.BaseHi == i {
			return h.SideHi
		}
	}
	if i == len(base) {
		return len(side)
	}
	if baseToSide[i] >= 0 {
		return baseToSide[i]
	}
	// Inside a hunk: callers only pass group boundaries, which always
	// sit at hunk edges or matched lines
	return len(side)
}

// Merge3Text merges two edited versions of a base text line by line.
// Changes to disjoint regions combine; both sides making the identical
// change collapse to one copy; overlapping divergent changes fail the
// merge.
func Merge3Text(base, a, b []byte) ([]byte, bool) {
	baseLines := splitLines(base)
	aLines := splitLines(a)
	bLines := splitLines(b)

	hunksA, ok := diffHunks(baseLines, aLines)
	if !ok {
		return nil, false
	}
	hunksB, ok := diffHunks(baseLines, bLines)
	if !ok {
		return nil, false
	}

	baseToA, _, _ := lcsMatch(baseLines, aLines)
	baseToB, _, _ := lcsMatch(baseLines, bLines)

	var out strings.Builder
	cursor := 0
	ai, bi := 0, 0

	for ai < len(hunksA) || bi < len(hunksB) {
		// Start a group at the earliest pending hunk and swallow every
		// hunk from either side that overlaps it
		groupLo, groupHi := -1, -1
		fromA, fromB := false, false

		take := func(h hunk) {
			if groupLo < 0 || h.BaseLo < groupLo {
				groupLo = h.BaseLo
			}
			if h.BaseHi > groupHi {
				groupHi = h.BaseHi
			}
		}

		if ai < len(hunksA) && (bi >= len(hunksB) || hunksA[ai].BaseLo <= hunksB[bi].BaseLo) {
			take(hunksA[ai])
			fromA = true
			ai++
		} else {
			take(hunksB[bi])
			fromB = true
			bi++
		}

		// A hunk joins the group when its base range overlaps it, or
		// when both are pure insertions at the same point
		joins := func(h hunk) bool {
			if h.BaseLo < groupHi {
				return true
			}
			return h.BaseLo == groupHi && h.BaseLo == h.BaseHi && groupLo == groupHi
		}

		for {
			grew := false
			if ai < len(hunksA) && joins(hunksA[ai]) {
				take(hunksA[ai])
				fromA = true
				ai++
				grew = true
			}
			if bi < len(hunksB) && joins(hunksB[bi]) {
				take(hunksB[bi])
				fromB = true
				bi++
				grew = true
			}
			if !grew {
				break
			}
		}

		// Unchanged lines before the group
		for ; cursor < groupLo; cursor++ {
			out.WriteString(baseLines[cursor])
		}

		aChunk := aLines[sidePos(groupLo, baseLines, aLines, baseToA, hunksA, false):sidePos(groupHi, baseLines, aLines, baseToA, hunksA, true)]
		bChunk := bLines[sidePos(groupLo, baseLines, bLines, baseToB, hunksB, false):sidePos(groupHi, baseLines, bLines, baseToB, hunksB, true)]

		switch {
		case fromA && !fromB:
			for _, line := range aChunk {
				out.WriteString(line)
			}
		case fromB && !fromA:
			for _, line := range bChunk {
				out.WriteString(line)
			}
		default:
			if !sameLines(aChunk, bChunk) {
				return nil, false
			}
			for _, line := range aChunk {
				out.WriteString(line)
			}
		}
		cursor = groupHi
	}

	for ; cursor < len(baseLines); cursor++ {
		out.WriteString(baseLines[cursor])
	}

	return []byte(out.String()), true
}

// sameLines reports whether two chunks are identical
func sameLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
