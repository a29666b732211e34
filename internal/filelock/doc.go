// Package filelock guards a workspace against concurrent mutating commands.
//
// A [Lock] is an exclusive advisory flock(2) on a file inside the workspace.
// The holder writes a short description of itself into the file so a second
// command can report who is in the way:
//
//	lock, err := filelock.Acquire(path, "devstack run (pid 4242)")
//	if errors.Is(err, filelock.ErrAlreadyClaimed) {
//		// another run, restart or clean is active
//	}
//	defer lock.Release()
//
// The kernel drops the lock when the holding process exits, so a crashed
// run never leaves the workspace locked. The file itself is left in place.
package filelock
