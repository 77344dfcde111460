// Package batch runs a set of images through the compression backend with a
// bounded worker pool.
//
// Every item moves Pending -> InProgress -> Completed|Failed, or Pending ->
// Skipped when the run is cancelled before the item starts. One item failing
// never affects the others. When the backend reports that the active
// credential is out of quota, the pool is rotated once and the same item is
// retried with the new key.
//
// Example usage:
//
//	orch := batch.New(compressor, pool)
//	items := []*batch.Item{batch.NewBytesItem("a.png", data)}
//	stats, err := orch.Run(ctx, items, opts, batch.RunConfig{
//		Concurrency: 4,
//		OnProgress: func(p batch.Progress) {
//			fmt.Printf("%d/%d %s\n", p.Done, p.Total, p.Item.Name)
//		},
//	})
//
// Cancelling ctx stops new items from starting; items already in flight run
// to completion and the rest end up Skipped. Run still returns the partial
// Stats.
package batch
