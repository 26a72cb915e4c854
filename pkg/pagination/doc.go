// Package pagination walks a resource's records page by page under the search
// API's result window and persists exact progress after every page.
//
// Two fetchers share one page step:
//
//   - Linear pages a single query from checkpoint.LinearProgress.NextOffset
//     until the known total is reached or the API returns an empty page.
//   - Segmented walks planned segments in order, resuming the first segment at
//     its recorded offset and every later one at zero.
//
// Every request satisfies offset+size <= WindowCap. Records pass through a
// resource-scoped dedup.Filter before they are appended to the record sink,
// and the checkpoint is saved only after the sink has accepted the page:
//
//	lin := pagination.NewLinear(searchClient, recordLog, filter, store, pagination.DefaultConfig())
//	outcome, err := lin.Run(ctx, cp)
//
// Fetching is strictly sequential: one page in flight per process.
package pagination
