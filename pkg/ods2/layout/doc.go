// Package layout decodes and encodes the fixed ODS-2 on-disk structures:
// home blocks, file headers, storage control blocks, file identifiers and
// retrieval (map) pointers.
//
// All structures are 512-byte blocks holding little-endian words at fixed
// offsets. A handful of longwords (the FAT block numbers) are stored with
// their 16-bit halves swapped, high word first.
package layout
