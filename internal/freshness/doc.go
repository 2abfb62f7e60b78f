// Package freshness drops control messages whose sequence marker is not newer
// than the last accepted one.
package freshness
