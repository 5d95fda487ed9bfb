// Package watch monitors the tracked gem directories and turns raw file
// system events into debounced batches. The first batch is always the
// initial one; later batches carry the changed paths, and changes that
// arrive while the consumer is busy are merged into the next batch.
package watch
