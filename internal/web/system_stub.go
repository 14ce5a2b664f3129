//go:build !linux

package web

func snapshotDisk() *DiskSnapshot { return nil }

func snapshotNetwork() *NetworkSnapshot { return nil }
