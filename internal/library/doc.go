// Package library keeps the rows of the document library up to date.
//
// The Coordinator owns an event loop. Every change of a row happens on that
// loop: refresh requests, job completions and source changes are all
// marshaled onto it, so rows need no locking against each other. Expensive
// work runs on the job.Scheduler workers.
//
// Data flow for a single row:
//
//	Coordinator            Scheduler             thumbcache.Cache
//	    |                      |                        |
//	    | Get(uri) ------------------------------------>| hit: row Thumbnailed
//	    | miss: fallback icon  |                        |
//	    | LoadJob ------------>| Load(uri)              |
//	    |<---- Loaded ---------|                        |
//	    | ThumbnailJob ------->| Render(page 0)         |
//	    |<---- Rendered -------|                        |
//	    | Put(uri, image) ----------------------------->|
//	    |                      |                        |
//
// Invariants:
//   - A row is bound to at most one job. Binding another job first
//     disconnects the previous job's handler and cancels it.
//   - A completion is applied only while the row is still bound to the job
//     which produced it.
//   - A loaded document has exactly one owner: the load job's outcome until
//     the row takes it over, then the thumbnail binding, which closes it once
//     the thumbnail job is done.
//   - Cancelled or superseded jobs never write the cache.
package library
