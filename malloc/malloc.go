// Package malloc implements a segregated free-list heap allocator over an
// sbrk-style extender.
//
// The heap is a single contiguous region tiled by blocks. Every block
// carries a header and footer word packing (size | allocated-bit); payloads
// are 8-byte aligned and the minimum block size is 32 bytes, enough for a
// free block to hold its next/prev class-list links in the payload. Free
// blocks are kept in segs doubly linked lists partitioned by powers of
// ratio, freed blocks are inserted at the head of their class (LIFO), and
// physically adjacent free blocks are always coalesced.
//
// The allocator is not safe for concurrent use.
package malloc

import "unsafe"

// Allocator is a size-segregated heap allocator. The zero value is not
// usable; create one with New. The first Malloc initializes the heap
// implicitly if Init was not called.
type Allocator struct {
	mem  *Mem
	base unsafe.Pointer

	// heapList is the prologue block, segList the offset of the array of
	// segs class-head words.
	heapList block
	segList  int
}

// New returns an allocator backed by mem.
func New(mem *Mem) *Allocator {
	return &Allocator{mem: mem}
}

// Init acquires the initial region, installs the alignment pad, the empty
// class heads and the prologue/epilogue sentinels, then extends the heap by
// the default chunk. Fails only if the extender fails.
func (a *Allocator) Init() error {
	off, err := a.mem.Sbrk((4 + segs) * wordSize)
	if err != nil {
		return err
	}
	a.base = a.mem.base()

	a.put(off, 0) // alignment pad
	for x := 1; x <= segs; x++ {
		a.put(off+x*wordSize, 0)
	}
	a.put(off+(segs+1)*wordSize, pack(quadSize, allocBit)) // prologue header
	a.put(off+(segs+2)*wordSize, pack(quadSize, allocBit)) // prologue footer
	a.put(off+(segs+3)*wordSize, pack(0, allocBit))        // epilogue header

	a.segList = off + wordSize
	a.heapList = block(off + (segs+2)*wordSize)

	if _, err := a.extendHeap(chunkSize); err != nil {
		return err
	}
	return nil
}

// Malloc returns a payload of at least size writable bytes, 8-byte aligned,
// or nil if the heap cannot satisfy the request. A non-positive size
// returns nil.
func (a *Allocator) Malloc(size int) []byte {
	if a.base == nil {
		if err := a.Init(); err != nil {
			return nil
		}
	}
	if size <= 0 {
		return nil
	}

	asize := adjust(size)
	bp := a.findFit(asize)
	if bp == 0 {
		extend := asize
		if extend < chunkSize {
			extend = chunkSize
		}
		var err error
		if bp, err = a.extendHeap(extend); err != nil {
			return nil
		}
	}
	a.place(bp, asize)
	return a.payload(bp, size)
}

// Free releases a block previously returned by Malloc, Realloc or Calloc
// and coalesces it with free neighbours. Free(nil) is a no-op.
//
// The slice must be the original one returned by the allocator; freeing a
// resliced or foreign pointer corrupts the heap.
func (a *Allocator) Free(p []byte) {
	if p == nil {
		return
	}
	bp := a.blockOf(p)
	size := a.blockSize(bp)
	a.put(a.hdr(bp), pack(size, 0))
	a.put(a.ftr(bp), pack(size, 0))
	a.coalesce(bp)
}

// Realloc resizes the block at p to at least size bytes, preserving the
// first min(old payload, size) bytes. A nil p is Malloc(size); a zero size
// frees p and returns nil. Three in-place paths are tried before falling
// back to allocate-copy-free; on allocation failure the original block is
// left untouched and nil is returned.
func (a *Allocator) Realloc(p []byte, size int) []byte {
	if size == 0 {
		a.Free(p)
		return nil
	}
	if p == nil {
		return a.Malloc(size)
	}

	asize := adjust(size)
	bp := a.blockOf(p)
	oldsize := a.blockSize(bp)

	if asize == oldsize {
		return a.payload(bp, size)
	}

	if asize < oldsize {
		// Shrink in place, splitting off a free remainder when it is
		// at least a minimum block.
		if oldsize-asize >= minBlockSize {
			a.put(a.hdr(bp), pack(asize, allocBit))
			a.put(a.ftr(bp), pack(asize, allocBit))
			rem := a.nextBlock(bp)
			a.put(a.hdr(rem), pack(oldsize-asize, 0))
			a.put(a.ftr(rem), pack(oldsize-asize, 0))
			a.coalesce(rem)
		}
		return a.payload(bp, size)
	}

	// Grow in place by absorbing the adjacent next block when it is free
	// and the combined size suffices. The whole neighbour is absorbed
	// without re-splitting.
	next := a.nextBlock(bp)
	if !a.blockAlloc(next) {
		nextsize := a.blockSize(next)
		if asize <= oldsize+nextsize {
			a.detach(next)
			a.put(a.hdr(bp), pack(oldsize+nextsize, allocBit))
			a.put(a.ftr(bp), pack(oldsize+nextsize, allocBit))
			return a.payload(bp, size)
		}
	}

	newp := a.Malloc(size)
	if newp == nil {
		return nil
	}
	n := oldsize - quadSize
	if size < n {
		n = size
	}
	copy(newp, a.payload(bp, n))
	a.Free(p)
	return newp
}

// Calloc returns a zero-filled payload of n*size bytes, or nil when the
// product overflows or the heap cannot satisfy it.
func (a *Allocator) Calloc(n, size int) []byte {
	if n < 0 || size < 0 {
		return nil
	}
	if size != 0 && n > maxInt/size {
		return nil
	}
	p := a.Malloc(n * size)
	if p == nil {
		return nil
	}
	clear(p)
	return p
}

const maxInt = int(^uint(0) >> 1)

// adjust turns a request for size user bytes into a block size covering the
// boundary tags and alignment.
func adjust(size int) int {
	if size <= quadSize {
		return 2 * quadSize
	}
	return align8(size + quadSize)
}

// payload returns the user slice for a block: len size, cap the full
// payload area.
func (a *Allocator) payload(bp block, size int) []byte {
	p := (*byte)(unsafe.Add(a.base, int(bp)))
	return unsafe.Slice(p, a.blockSize(bp)-quadSize)[:size]
}

// blockOf maps a payload slice back to its block handle. Panics when the
// pointer is not inside the heap.
func (a *Allocator) blockOf(p []byte) block {
	off := int(uintptr(unsafe.Pointer(unsafe.SliceData(p))) - uintptr(a.base))
	if off <= a.mem.HeapLo() || off > a.mem.HeapHi() {
		panic("malloc: pointer not in heap")
	}
	return block(off)
}

// extendHeap grows the heap by size bytes rounded up to an even number of
// words. The old epilogue word becomes the new block's header, a fresh
// epilogue is written at the new end, and the new block is coalesced with a
// trailing free block if there is one.
func (a *Allocator) extendHeap(size int) (block, error) {
	size = align8(size)
	if (size/wordSize)%2 != 0 {
		size += wordSize
	}
	off, err := a.mem.Sbrk(size)
	if err != nil {
		return 0, err
	}
	bp := block(off)
	a.put(a.hdr(bp), pack(size, 0))
	a.put(a.ftr(bp), pack(size, 0))
	a.put(a.hdr(a.nextBlock(bp)), pack(0, allocBit)) // new epilogue
	return a.coalesce(bp), nil
}

// coalesce merges bp with free physical neighbours and inserts the result
// at the head of its class list. Returns the merged block.
func (a *Allocator) coalesce(bp block) block {
	prevAlloc := a.getAlloc(a.ftr(a.prevBlock(bp)))
	nextAlloc := a.getAlloc(a.hdr(a.nextBlock(bp)))
	size := a.blockSize(bp)

	switch {
	case prevAlloc && nextAlloc:
		// Both neighbours allocated, insert as-is.

	case prevAlloc && !nextAlloc:
		next := a.nextBlock(bp)
		a.detach(next)
		size += a.blockSize(next)
		a.put(a.hdr(bp), pack(size, 0))
		a.put(a.ftr(bp), pack(size, 0))

	case !prevAlloc && nextAlloc:
		prev := a.prevBlock(bp)
		a.detach(prev)
		size += a.blockSize(prev)
		a.put(a.ftr(bp), pack(size, 0))
		a.put(a.hdr(prev), pack(size, 0))
		bp = prev

	default:
		next := a.nextBlock(bp)
		prev := a.prevBlock(bp)
		a.detach(next)
		a.detach(prev)
		size += a.blockSize(prev) + a.blockSize(next)
		// ftr(next) still resolves through next's old header.
		a.put(a.ftr(next), pack(size, 0))
		a.put(a.hdr(prev), pack(size, 0))
		bp = prev
	}

	a.pushFront(bp, size)
	return bp
}

// place allocates asize bytes at bp, splitting when the remainder is at
// least a minimum block. bp must be detachable: it is removed from its
// class list in both arms.
func (a *Allocator) place(bp block, asize int) {
	csize := a.blockSize(bp)
	next := a.nextFree(bp)
	prev := a.prevFree(bp)

	if csize-asize >= minBlockSize {
		a.put(a.hdr(bp), pack(asize, allocBit))
		a.put(a.ftr(bp), pack(asize, allocBit))
		rem := a.nextBlock(bp)
		a.put(a.hdr(rem), pack(csize-asize, 0))
		a.put(a.ftr(rem), pack(csize-asize, 0))
		a.spliceTogether(prev, next, csize)
		a.coalesce(rem)
	} else {
		a.put(a.hdr(bp), pack(csize, allocBit))
		a.put(a.ftr(bp), pack(csize, allocBit))
		a.spliceTogether(prev, next, csize)
	}
}

// findFit scans class lists from bucket(asize) upward. Within a class at
// most the first ten fitting blocks are examined and the smallest of them
// wins; an exact fit returns immediately.
func (a *Allocator) findFit(asize int) block {
	for class := bucket(asize); class < segs; class++ {
		var best block
		smallest := maxInt
		count := 0
		for bp := a.head(class); bp != 0 && count < 10; bp = a.nextFree(bp) {
			size := a.blockSize(bp)
			if size < asize {
				continue
			}
			if best == 0 || size < smallest {
				best = bp
				smallest = size
				if smallest == asize {
					return best
				}
			}
			count++
		}
		if best != 0 {
			return best
		}
	}
	return 0
}

// detach splices b out of its class list.
func (a *Allocator) detach(b block) {
	a.spliceTogether(a.prevFree(b), a.nextFree(b), a.blockSize(b))
}

// spliceTogether joins two free-list neighbours in the class given by size,
// bypassing the block that sat between them.
func (a *Allocator) spliceTogether(prev, next block, size int) {
	switch {
	case prev == 0 && next == 0:
		a.setHead(bucket(size), 0)
	case prev == 0:
		a.setHead(bucket(size), next)
		a.setPrevFree(next, 0)
	case next == 0:
		a.setNextFree(prev, 0)
	default:
		a.setNextFree(prev, next)
		a.setPrevFree(next, prev)
	}
}

// pushFront inserts b at the head of the class for size.
func (a *Allocator) pushFront(b block, size int) {
	class := bucket(size)
	head := a.head(class)
	a.setNextFree(b, head)
	a.setPrevFree(b, 0)
	if head != 0 {
		a.setPrevFree(head, b)
	}
	a.setHead(class, b)
}
