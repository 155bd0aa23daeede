package malloc

import (
	"errors"
	"fmt"
)

// CheckHeap walks the tiled region and every class list and returns one
// error per invariant violation found. A healthy heap returns nil. It is a
// diagnostic, not part of the allocation path.
func (a *Allocator) CheckHeap() []error {
	if a.base == nil {
		return []error{errors.New("malloc: heap not initialized")}
	}
	var errs []error

	if a.blockSize(a.heapList) != quadSize || !a.blockAlloc(a.heapList) {
		errs = append(errs, errors.New("malloc: bad prologue header"))
	}

	heapFree, segFree := 0, 0

	bp := a.heapList
	for ; a.blockSize(bp) > 0; bp = a.nextBlock(bp) {
		errs = append(errs, a.checkBlock(bp)...)
		if !a.blockAlloc(bp) {
			heapFree++
			if !a.getAlloc(a.hdr(a.nextBlock(bp))) {
				errs = append(errs, fmt.Errorf("malloc: blocks %#x and %#x not coalesced", int(bp), int(a.nextBlock(bp))))
			}
		}
	}
	if a.getSize(a.hdr(bp)) != 0 || !a.getAlloc(a.hdr(bp)) {
		errs = append(errs, errors.New("malloc: bad epilogue header"))
	}

	for class := 0; class < segs; class++ {
		head := a.head(class)
		if a.hasCycle(head) {
			errs = append(errs, fmt.Errorf("malloc: class %d free list has a cycle", class))
			continue
		}
		for b := head; b != 0; b = a.nextFree(b) {
			segFree++
			if a.blockAlloc(b) {
				errs = append(errs, fmt.Errorf("malloc: block %#x in class %d is not free", int(b), class))
			}
			if next := a.nextFree(b); next != 0 && a.prevFree(next) != b {
				errs = append(errs, fmt.Errorf("malloc: next/prev links of block %#x are inconsistent", int(b)))
			}
			if !a.inHeap(int(b)) {
				errs = append(errs, fmt.Errorf("malloc: listed block %#x is outside the heap", int(b)))
			}
			if bucket(a.blockSize(b)) != class {
				errs = append(errs, fmt.Errorf("malloc: block %#x of size %d is in class %d, want %d",
					int(b), a.blockSize(b), class, bucket(a.blockSize(b))))
			}
		}
	}

	if heapFree != segFree {
		errs = append(errs, fmt.Errorf("malloc: heap walk found %d free blocks, class walks found %d", heapFree, segFree))
	}
	return errs
}

func (a *Allocator) checkBlock(bp block) []error {
	var errs []error
	if int(bp)%8 != 0 {
		errs = append(errs, fmt.Errorf("malloc: block %#x is not aligned", int(bp)))
	}
	if !a.inHeap(int(bp)) {
		errs = append(errs, fmt.Errorf("malloc: block %#x is not in the heap", int(bp)))
	}
	if a.get(a.hdr(bp)) != a.get(a.ftr(bp)) {
		errs = append(errs, fmt.Errorf("malloc: block %#x header does not match footer", int(bp)))
	}
	if bp != a.heapList && a.blockSize(bp) < minBlockSize {
		errs = append(errs, fmt.Errorf("malloc: block %#x is below minimum size", int(bp)))
	}
	return errs
}

// hasCycle runs Floyd's tortoise and hare over a class list.
func (a *Allocator) hasCycle(b block) bool {
	tortoise, hare := b, b
	for tortoise != 0 && hare != 0 {
		tortoise = a.nextFree(tortoise)
		hare = a.nextFree(hare)
		if hare == 0 {
			return false
		}
		hare = a.nextFree(hare)
		if tortoise != 0 && tortoise == hare {
			return true
		}
	}
	return false
}
