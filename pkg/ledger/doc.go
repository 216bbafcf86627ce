// Package ledger provides the shared data model and Redis schema for spoor,
// the cross-platform identity, deduplication and attribution core.
//
// # Overview
//
// A visitor's activity arrives from independently rendered runtimes (a web
// session, a mobile app) that share no server session. The ledger holds the
// state those runtimes stitch together: the unified identity record, the
// deduplication markers that collapse repeated logical events, the consumed
// markers for handoff tokens, and the stream of dispatch results.
//
// # Identity Records
//
// Each browser profile (or server-side profile key) owns exactly one Record.
// Records carry a generation counter; every mutation is a compare-and-set
// against that counter so that two near-simultaneous first visits converge on
// a single identity: the writer that loses the race adopts the winner's record.
//
// # Redis Schema
//
// All keys are namespaced by deployment so several deployments can share one
// Redis server.
//
//	Identity records: spoor:{namespace}:identity:{profile}   (hash: record, generation)
//	Dedup markers:    spoor:{namespace}:dedup:{key}          (string, PX ttl)
//	Handoff markers:  spoor:{namespace}:handoff:{session}:{issued_at}
//
// Pub/Sub channel: spoor:{namespace}:dispatch_events carries DispatchResult JSON.
//
// # Usage Example
//
//	client, err := ledger.NewClient(&redis.Options{Addr: "localhost:6379"}, "prod")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	fresh, err := client.ClaimDedupKey(ctx, key, 5*time.Minute)
//	if err == nil && fresh {
//		// first sighting of this logical event inside the window
//	}
package ledger
