// Package pmem manages the physical memory map and carves DMA memory for
// the host controller drivers out of it.
//
// A [Map] lists the usable physical ranges. A [Heap] owns the largest
// range below a limit and allocates whole pages from its top, shrinking
// the range so the memory test never touches driver structures. Memory
// is released only by rewinding to a previously taken mark.
package pmem
