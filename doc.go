// Package obstools records hierarchies of debugging data and uploads them to
// observation.tools in the background.
//
// A [Client] owns a tree of nodes. Each tree is rooted at a run; runs contain
// stages and groups, and any container can hold objects carrying a typed
// [Payload] (text, images, structured records, raw bytes). Node ids are
// generated locally, so creating a node never waits on the network: the node
// is queued and an upload worker delivers it later.
//
// Nodes of one run are delivered in creation order, so the server sees every
// parent before its children. Different runs upload in parallel. Transient
// failures are retried with exponential backoff; permanent failures are
// reported to the failure sink and never dropped silently.
//
// # Quick Start
//
// Create a client and a run:
//
//	c, err := obstools.NewClient("my-project", obstools.WithToken(token))
//	if err != nil {
//	    return err
//	}
//	run, err := c.CreateRun(obstools.NewUserMetadata("training"))
//	if err != nil {
//	    return err
//	}
//	fmt.Println(run.ViewerURL())
//
// Add stages, groups, and objects:
//
//	stage, _ := run.CreateStage(obstools.NewUserMetadata("preprocess"))
//	group, _ := stage.ChildUploader(obstools.NewUserMetadata("batch-0"))
//	_, err = group.CreateObjectData("summary", "10 rows dropped")
//
// # Shutdown
//
// Shutdown must be called before the process exits. It waits for queued
// uploads, up to the configured timeout, and reports anything left behind:
//
//	stats, err := c.Shutdown(context.Background())
//	var timeout *obstools.ShutdownTimeoutError
//	if errors.As(err, &timeout) {
//	    log.Printf("%d nodes not uploaded", len(timeout.Undelivered))
//	}
//
// # Failures
//
// Upload failures happen after the creating call has returned. They are
// delivered to the sink set with [WithFailureSink] or [WithFailureChannel],
// or logged at error level. Each handle's Wait method also returns its own
// node's outcome.
//
// # Transports
//
// The default transport posts CBOR-encoded nodes over HTTP. The
// transport/oci package stores nodes as OCI artifacts in a registry instead;
// pass it with [WithTransport].
package obstools
