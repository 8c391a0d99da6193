package topology

import (
	"sort"
)

// assign computes the owners of every partition for the given members.
// Surviving owners keep their slots and their order, so a primary only changes
// when it leaves or when primaries are too unevenly spread.
func assign(prev [][]int, members []int, partitions, copies int) [][]int {
	owners := make([][]int, partitions)
	if len(members) == 0 {
		return owners
	}
	if copies > len(members) {
		copies = len(members)
	}
	alive := make(map[int]bool, len(members))
	for _, id := range members {
		alive[id] = true
	}
	sorted := append([]int(nil), members...)
	sort.Ints(sorted)

	slots := make(map[int]int, len(sorted))
	for p := 0; p < partitions; p++ {
		if p < len(prev) {
			for _, id := range prev[p] {
				if alive[id] && !contains(owners[p], id) && len(owners[p]) < copies {
					owners[p] = append(owners[p], id)
					slots[id]++
				}
			}
		}
	}

	// fill
	for p := 0; p < partitions; p++ {
		for len(owners[p]) < copies {
			y := leastLoaded(sorted, slots, owners[p])
			owners[p] = append(owners[p], y)
			slots[y]++
		}
	}

	// even out slots, moving backups before primaries
	for moved := true; moved; {
		moved = false
		x, y := mostLoaded(sorted, slots), leastLoaded(sorted, slots, nil)
		if slots[x]-slots[y] <= 1 {
			break
		}
		for _, wantIdx := range []func(i int) bool{func(i int) bool { return i > 0 }, func(i int) bool { return i == 0 }} {
			for p := 0; p < partitions && !moved; p++ {
				if contains(owners[p], y) {
					continue
				}
				for i, id := range owners[p] {
					if id == x && wantIdx(i) {
						owners[p][i] = y
						slots[x]--
						slots[y]++
						moved = true
						break
					}
				}
			}
			if moved {
				break
			}
		}
	}

	// even out primaries by promoting a backup
	primaries := make(map[int]int, len(sorted))
	for p := 0; p < partitions; p++ {
		primaries[owners[p][0]]++
	}
	for moved := true; moved; {
		moved = false
		x, y := mostLoaded(sorted, primaries), leastLoaded(sorted, primaries, nil)
		if primaries[x]-primaries[y] <= 1 {
			break
		}
		for p := 0; p < partitions && !moved; p++ {
			if owners[p][0] != x {
				continue
			}
			for i := 1; i < len(owners[p]); i++ {
				if owners[p][i] == y {
					owners[p][0], owners[p][i] = y, x
					primaries[x]--
					primaries[y]++
					moved = true
					break
				}
			}
		}
	}
	return owners
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func leastLoaded(sorted []int, load map[int]int, exclude []int) int {
	best := -1
	for _, id := range sorted {
		if contains(exclude, id) {
			continue
		}
		if best == -1 || load[id] < load[best] {
			best = id
		}
	}
	return best
}

func mostLoaded(sorted []int, load map[int]int) int {
	best := -1
	for _, id := range sorted {
		if best == -1 || load[id] > load[best] {
			best = id
		}
	}
	return best
}
