// Package blobipc moves blobs between processes.
//
// A [Process] owns a main executor, a blob registry and a pool of stream
// workers. [Connect] joins a parent and a child process with a channel and
// returns one [Manager] per side. A manager exposes local blobs to its peer
// with [Manager.GetOrCreate], which yields the [Actor] naming the blob on
// both sides of the channel.
//
// The side that receives a blob gets a proxy. Reading a proxy opens a
// [RemoteInputStream]; the owning side materializes the real stream on a
// worker and ships it back, inline for memory blobs and as descriptors for
// files.
//
// # Quick Start
//
// Send a blob from a child to its parent:
//
//	parent, _ := blobipc.NewProcess("parent")
//	child, _ := blobipc.NewProcess("child")
//	pm, cm, err := blobipc.Connect(blobipc.Site{Process: parent}, blobipc.Site{Process: child})
//	if err != nil {
//	    return err
//	}
//	actor, err := cm.GetOrCreate(ctx, blobimpl.NewMemory(data, "text/plain"))
//
// The parent finds the received blob under the same route:
//
//	received := pm.Actor(actor.Route())
//	content, err := blobimpl.ReadAll(ctx, received.Impl())
//
// # Blocking
//
// Reads of a remote stream wait for the owning side. A read issued on the
// executor the stream waits on spins that executor, unless it is the main
// executor, in which case it fails with [ErrMainThreadBlocking]. Reads from
// any other goroutine simply block. Stream delivery has no timeout; cancel
// the read's context to give up.
package blobipc
