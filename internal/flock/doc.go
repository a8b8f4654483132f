// Package flock provides cross-platform file locking utilities used by the
// JSON file store to serialize writers across chunkflow processes.
//
// Usage:
//
//	file, _ := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
//	if err := flock.Exclusive(file.Fd()); err != nil {
//	    // Lock not acquired - another process holds it
//	}
//	defer flock.Unlock(file.Fd())
package flock
