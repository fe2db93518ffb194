package easyfs

import "errors"

// Error taxonomy for the EasyFS facade (spec.md §7). Allocator exhaustion
// surfaces as ErrNoSpace; directory-entry collisions/misses and type
// mismatches get their own sentinels so callers can errors.Is against them.
var (
	ErrNoSpace      = errors.New("easyfs: no free inode or data block")
	ErrNotFound     = errors.New("easyfs: name not found")
	ErrExists       = errors.New("easyfs: name already exists")
	ErrIsDirectory  = errors.New("easyfs: is a directory")
	ErrNotDirectory = errors.New("easyfs: not a directory")
	ErrInvalidSuper = errors.New("easyfs: invalid superblock magic")
	ErrCorrupt      = errors.New("easyfs: on-disk structure violates an invariant")
)
